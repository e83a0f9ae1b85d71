package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/bank"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/database"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type testServer struct {
	handler    http.Handler
	tokens     *auth.TokenIssuer
	dispatcher *RealtimeDispatcher
	token      string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	documentStore, err := store.New(store.Config{Database: db, KeyProvider: store.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	bankService, err := bank.NewService(bank.ServiceConfig{Store: documentStore, Notifier: dispatcher})
	if err != nil {
		t.Fatalf("failed to construct bank service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "sibisa-auth",
		Audience:      "sibisa-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator:    tokenIssuer,
		BankService:       bankService,
		Realtime:          dispatcher,
		Logger:            zap.NewNop(),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	token, _, err := tokenIssuer.IssueOperatorToken(context.Background(), "petugas-1")
	if err != nil {
		t.Fatalf("failed to issue operator token: %v", err)
	}
	return &testServer{handler: handler, tokens: tokenIssuer, dispatcher: dispatcher, token: token}
}

// do sends an authorized request and decodes the JSON response into target when target is non-nil.
func (s *testServer) do(t *testing.T, method, path string, body any, target any) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	if target != nil && recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
			t.Fatalf("failed to decode %s %s response %q: %v", method, path, recorder.Body.String(), err)
		}
	}
	return recorder.Code
}

func (s *testServer) mustCreateCustomer(t *testing.T, name string) bank.Customer {
	t.Helper()
	var customer bank.Customer
	status := s.do(t, http.MethodPost, "/customers", map[string]string{
		"name":    name,
		"phone":   "08123",
		"address": "Jl. Mawar 1",
	}, &customer)
	if status != http.StatusCreated {
		t.Fatalf("create customer status %d", status)
	}
	return customer
}
