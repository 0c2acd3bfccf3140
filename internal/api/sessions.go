package api

import (
	"net/http"

	"github.com/goodtune/kcafe/internal/session"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/gorilla/mux"
)

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	patronID := GetPatronIDFromContext(r.Context())

	started, err := s.sessions.Start(r.Context(), patronID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, SessionStartedResponse{
		SessionID: started.ID,
		StartedAt: started.StartedAt,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	owned, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	updated, err := s.sessions.Heartbeat(r.Context(), owned.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HeartbeatResponse{
		SessionID:       updated.ID,
		LastHeartbeatAt: updated.LastHeartbeatAt,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	owned, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	status, err := s.sessions.Status(r.Context(), owned.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionStatusResponse{
		SessionID:      status.SessionID,
		State:          status.State,
		StartedAt:      status.StartedAt,
		ElapsedSeconds: int64(status.Elapsed.Seconds()),
		CurrentCost:    status.CurrentCost,
	})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	owned, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	receipt, err := s.sessions.Stop(r.Context(), owned.ID, session.ReasonUserRequested)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, StopResponse{
		SessionID:       receipt.SessionID,
		State:           receipt.State,
		DurationSeconds: int64(receipt.Duration.Seconds()),
		AmountCharged:   receipt.AmountCharged,
		BillingFailed:   receipt.BillingFailed,
		Shortfall:       receipt.Shortfall,
		TransactionID:   receipt.TransactionID,
	})
}

// ownedSession loads the session named in the path. Sessions belonging to
// another patron are reported as missing.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*storage.Session, bool) {
	id := mux.Vars(r)["id"]

	found, err := s.sessions.Session(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return nil, false
	}
	if found.PatronID != GetPatronIDFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return found, true
}
