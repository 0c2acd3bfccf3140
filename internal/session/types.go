package session

import (
	"time"

	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/storage"
)

// Reason says why a session is being stopped.
type Reason string

const (
	ReasonUserRequested Reason = "user_requested"
	ReasonAbandoned     Reason = "abandoned"
)

// Status is a cheap snapshot of a session for client polling.
type Status struct {
	SessionID       string               `json:"session_id"`
	PatronID        string               `json:"patron_id"`
	State           storage.SessionState `json:"state"`
	StartedAt       time.Time            `json:"started_at"`
	LastHeartbeatAt time.Time            `json:"last_heartbeat_at"`
	Elapsed         time.Duration        `json:"-"`
	CurrentCost     billing.Money        `json:"current_cost"`
}

// Receipt is the outcome of stopping a session. AmountCharged is what was
// actually collected; BillingFailed is set when part of the charge could not
// be collected and Shortfall holds the remainder.
type Receipt struct {
	SessionID     string               `json:"session_id"`
	PatronID      string               `json:"patron_id"`
	State         storage.SessionState `json:"state"`
	Duration      time.Duration        `json:"-"`
	AmountCharged billing.Money        `json:"amount_charged"`
	BillingFailed bool                 `json:"billing_failed,omitempty"`
	Shortfall     billing.Money        `json:"shortfall,omitempty"`
	TransactionID string               `json:"transaction_id,omitempty"`
	EndedAt       time.Time            `json:"ended_at"`
}

// ReconcileResult counts what one stale-session sweep did.
type ReconcileResult struct {
	Scanned       int `json:"scanned"`
	Abandoned     int `json:"abandoned"`
	AlreadyClosed int `json:"already_closed"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
}

func receiptFrom(s *storage.Session) *Receipt {
	r := &Receipt{
		SessionID:     s.ID,
		PatronID:      s.PatronID,
		State:         s.State,
		AmountCharged: s.ChargedAmount,
		BillingFailed: s.Shortfall > 0,
		Shortfall:     s.Shortfall,
		TransactionID: s.TransactionID,
	}
	if s.EndedAt != nil {
		r.EndedAt = *s.EndedAt
		r.Duration = s.EndedAt.Sub(s.StartedAt)
	}
	return r
}
