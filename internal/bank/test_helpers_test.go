package bank

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes map[string][]string
}

func (n *recordingNotifier) NotifyChange(collection string, ids []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.changes == nil {
		n.changes = map[string][]string{}
	}
	n.changes[collection] = append(n.changes[collection], ids...)
}

func (n *recordingNotifier) idsFor(collection string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.changes[collection]...)
}

// steppingClock advances one minute per call so deposits get distinct, ordered timestamps.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Minute)
		return current
	}
}

func newTestDocumentStore(t *testing.T) *store.DocumentStore {
	t.Helper()

	dsn := fmt.Sprintf("file:bank_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&store.Document{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	documentStore, err := store.New(store.Config{
		Database:    db,
		KeyProvider: store.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return documentStore
}

func newTestService(t *testing.T) (*Service, *store.DocumentStore, *recordingNotifier) {
	t.Helper()
	documentStore := newTestDocumentStore(t)
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Store:    documentStore,
		Clock:    steppingClock(),
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("failed to construct bank service: %v", err)
	}
	return service, documentStore, notifier
}

func mustCustomerFields(t *testing.T, name, phone, address string) CustomerFields {
	t.Helper()
	fields, err := NewCustomerFields(name, phone, address)
	if err != nil {
		t.Fatalf("unexpected customer fields error: %v", err)
	}
	return fields
}

func mustWeight(t *testing.T, value float64) Weight {
	t.Helper()
	weight, err := NewWeight(value)
	if err != nil {
		t.Fatalf("unexpected weight error: %v", err)
	}
	return weight
}

func mustCreateCustomer(t *testing.T, service *Service, name string) Customer {
	t.Helper()
	customer, err := service.CreateCustomer(context.Background(), mustCustomerFields(t, name, "08123", "Jl. A"))
	if err != nil {
		t.Fatalf("failed to create customer: %v", err)
	}
	return customer
}

func mustCreateDeposit(t *testing.T, service *Service, customer Customer, wasteType string, weight float64) DepositChange {
	t.Helper()
	fields, err := NewDepositFields(CustomerID(customer.ID), customer.Name, wasteType, mustWeight(t, weight))
	if err != nil {
		t.Fatalf("unexpected deposit fields error: %v", err)
	}
	change, err := service.CreateDeposit(context.Background(), fields)
	if err != nil {
		t.Fatalf("failed to create deposit: %v", err)
	}
	return change
}

func mustCustomerTotal(t *testing.T, service *Service, id string) float64 {
	t.Helper()
	customer, found, err := service.GetCustomer(context.Background(), CustomerID(id))
	if err != nil {
		t.Fatalf("failed to read customer: %v", err)
	}
	if !found {
		t.Fatalf("customer %s not found", id)
	}
	return customer.TotalDeposited
}

func weightPointer(t *testing.T, value float64) *Weight {
	t.Helper()
	weight := mustWeight(t, value)
	return &weight
}

func stringPointer(value string) *string {
	return &value
}
