package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/kcafe/internal/auth"
	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/session"
	"github.com/goodtune/kcafe/internal/storage"
)

// LoginRequest represents a patron login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse carries the bearer token for later requests.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	PatronID  string    `json:"patron_id"`
}

// SessionStartedResponse is returned when a session opens.
type SessionStartedResponse struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	SessionID       string    `json:"session_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// SessionStatusResponse is the polling view of a session.
type SessionStatusResponse struct {
	SessionID      string               `json:"session_id"`
	State          storage.SessionState `json:"state"`
	StartedAt      time.Time            `json:"started_at"`
	ElapsedSeconds int64                `json:"elapsed_seconds"`
	CurrentCost    billing.Money        `json:"current_cost"`
}

// StopResponse is the receipt for a stopped session.
type StopResponse struct {
	SessionID       string               `json:"session_id"`
	State           storage.SessionState `json:"state"`
	DurationSeconds int64                `json:"duration_seconds"`
	AmountCharged   billing.Money        `json:"amount_charged"`
	BillingFailed   bool                 `json:"billing_failed,omitempty"`
	Shortfall       billing.Money        `json:"shortfall,omitempty"`
	TransactionID   string               `json:"transaction_id,omitempty"`
}

// BalanceResponse reports a balance.
type BalanceResponse struct {
	Balance billing.Money `json:"balance"`
}

// CreditRequest tops up the caller's balance.
type CreditRequest struct {
	Amount billing.Money `json:"amount"`
}

// CreditResponse reports the credited transaction and new balance.
type CreditResponse struct {
	Balance     billing.Money        `json:"balance"`
	Transaction *storage.Transaction `json:"transaction"`
}

// TransactionsResponse lists transactions, most recent first.
type TransactionsResponse struct {
	Transactions []storage.Transaction `json:"transactions"`
	Count        int                   `json:"count"`
}

// PrintRequest submits a print job for billing.
type PrintRequest struct {
	Pages     int               `json:"pages" validate:"gt=0,max=10000"`
	ColorMode billing.ColorMode `json:"color_mode"`
	JobID     string            `json:"job_id" validate:"omitempty,max=128"`
}

// PrintResponse carries the print charge, if any.
type PrintResponse struct {
	Transaction *storage.Transaction `json:"transaction"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   message,
		Code:      statusCode,
		RequestID: w.Header().Get(requestIDHeader),
	})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrInvalidDuration),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, billing.ErrInvalidPageCount),
		errors.Is(err, billing.ErrUnknownColorMode),
		errors.Is(err, billing.ErrAmountOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrBalanceLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrAuthFailed),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrUnknownPatron):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionAlreadyActive),
		errors.Is(err, session.ErrSessionNotActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage is the client-facing text for a mapped error.
func errorMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "Internal error"
	}
	var msg string
	switch {
	case errors.Is(err, session.ErrSessionAlreadyActive):
		msg = "Session already active"
	case errors.Is(err, session.ErrSessionNotActive):
		msg = "Session is not active"
	case errors.Is(err, session.ErrSessionNotFound):
		msg = "Session not found"
	case errors.Is(err, session.ErrUnknownPatron):
		msg = "Account not found"
	case errors.Is(err, session.ErrInsufficientFunds):
		msg = "Insufficient funds"
	case errors.Is(err, ledger.ErrBalanceLimit):
		msg = "Credit would exceed the maximum balance"
	default:
		msg = err.Error()
	}
	return msg
}
