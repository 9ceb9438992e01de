package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/paywallet/internal/auth"
	"github.com/punchamoorthee/paywallet/internal/domain"
	"github.com/punchamoorthee/paywallet/internal/gateway"
	"github.com/punchamoorthee/paywallet/internal/service"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallet_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Accounts   *service.AccountService
	Transfers  *service.TransferService
	Queries    *service.QueryService
	Settlement *gateway.Settlement
	Tokens     *auth.Tokens
	// BankToken authenticates the external bank's callbacks.
	BankToken string
}

type Handler struct {
	accounts   *service.AccountService
	transfers  *service.TransferService
	queries    *service.QueryService
	settlement *gateway.Settlement
	tokens     *auth.Tokens
	bankToken  string
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		accounts:   d.Accounts,
		transfers:  d.Transfers,
		queries:    d.Queries,
		settlement: d.Settlement,
		tokens:     d.Tokens,
		bankToken:  d.BankToken,
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusLengthRequired
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrAccountDisabled):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func messageFor(err error) string {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, domain.ErrNotFound):
		return "Not found"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "Insufficient funds"
	case errors.Is(err, domain.ErrUnauthorized):
		return "Invalid credentials"
	case errors.Is(err, domain.ErrForbidden):
		return "Forbidden"
	case errors.Is(err, domain.ErrAccountDisabled):
		return "Account disabled"
	case errors.Is(err, domain.ErrAlreadyExists):
		return "Email already registered"
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return "Idempotency key reused with a different request"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return "Bank unavailable, retry with the same Idempotency-Key"
	}
	return "Internal Server Error"
}

// fail writes err as an error envelope. Unclassified errors are logged and hidden.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	respondWithJSON(w, code, envelope{Error: messageFor(err)})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, envelope{Error: message})
}

func respondWithSuccess(w http.ResponseWriter, message string, data any) {
	respondWithJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// decodeJSON reports malformed or oversized bodies as validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return domain.Invalid("body", "malformed JSON")
	}
	return nil
}
