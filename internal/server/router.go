package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/bank"
	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/jobs"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	operatorContextKey       = "sibisa_operator"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingBankService    = errors.New("bank service dependency required")
	errMissingRealtime       = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves an operator access token to the operator name.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// ReconcileStatus reports the latest scheduled reconciliation pass.
type ReconcileStatus interface {
	LastRun() jobs.RunSummary
}

type Dependencies struct {
	TokenValidator    TokenValidator
	BankService       *bank.Service
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration

	// ReconcileStatus is optional; when set, /healthz includes the latest pass.
	ReconcileStatus ReconcileStatus
}

// NewHTTPHandler wires the waste-bank API routes onto a gin engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.BankService == nil {
		return nil, errMissingBankService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenValidator,
		bank:              deps.BankService,
		realtime:          deps.Realtime,
		logger:            logger,
		heartbeatInterval: heartbeat,
		reconcileStatus:   deps.ReconcileStatus,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/customers", handler.handleCreateCustomer)
	protected.GET("/customers", handler.handleListCustomers)
	protected.GET("/customers/:id", handler.handleGetCustomer)
	protected.PATCH("/customers/:id", handler.handleUpdateCustomer)
	protected.DELETE("/customers/:id", handler.handleDeleteCustomer)
	protected.POST("/customers/:id/reconcile", handler.handleReconcileCustomer)
	protected.GET("/customers/:id/deposits", handler.handleListCustomerDeposits)

	protected.POST("/deposits", handler.handleCreateDeposits)
	protected.GET("/deposits", handler.handleListDeposits)
	protected.GET("/deposits/groups", handler.handleListDepositGroups)
	protected.PATCH("/deposits/:id", handler.handleUpdateDeposit)
	protected.DELETE("/deposits/:id", handler.handleDeleteDeposit)

	protected.GET("/monitoring/days", handler.handleListMonitoringDays)
	protected.GET("/monitoring/days/:day", handler.handleMonitoringDay)

	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenValidator
	bank              *bank.Service
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
	reconcileStatus   ReconcileStatus
}

type errorPayload struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type reconcileRunPayload struct {
	StartedAt string `json:"startedAt"`
	Customers int    `json:"customers"`
	Drifted   int    `json:"drifted"`
	Error     string `json:"error,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	payload := gin.H{"status": "ok"}
	if h.reconcileStatus != nil {
		if summary := h.reconcileStatus.LastRun(); !summary.StartedAt.IsZero() {
			run := reconcileRunPayload{
				StartedAt: summary.StartedAt.UTC().Format(time.RFC3339),
				Customers: summary.Customers,
				Drifted:   summary.Drifted,
			}
			if summary.Err != nil {
				run.Error = summary.Err.Error()
			}
			payload["reconcile"] = run
		}
	}
	c.JSON(http.StatusOK, payload)
}

// authorizeRequest accepts a bearer header, or an access_token query parameter for
// EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := requestToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errInvalidAuthorization.Error()})
		return
	}
	operator, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized"})
		return
	}
	c.Set(operatorContextKey, operator)
	c.Next()
}

func requestToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	token := strings.TrimSpace(c.Query(accessTokenQueryKey))
	return token, token != ""
}

// respondError maps validation sentinels to 400, unknown references to 404 and store
// failures to 500 carrying the service error code.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var serviceErr *bank.ServiceError
	switch {
	case errors.As(err, &serviceErr):
		h.logger.Error("bank operation failed",
			zap.String("code", serviceErr.Code()),
			zap.String("operator", c.GetString(operatorContextKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: "store_unavailable", Code: serviceErr.Code()})
	case errors.Is(err, bank.ErrUnknownCustomer):
		c.JSON(http.StatusNotFound, errorPayload{Error: "customer_not_found", Detail: err.Error()})
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request", Detail: err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: "internal_error"})
	}
}

func respondInvalidBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request", Detail: err.Error()})
}

func respondNotFound(c *gin.Context, kind string) {
	c.JSON(http.StatusNotFound, errorPayload{Error: kind + "_not_found"})
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		bank.ErrInvalidCustomerID,
		bank.ErrInvalidDepositID,
		bank.ErrInvalidField,
		bank.ErrInvalidWeight,
		bank.ErrInvalidTimestamp,
		bank.ErrEmptySubmission,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
