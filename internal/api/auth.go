package api

import (
	"net/http"
)

// handleLogin exchanges credentials for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	patronID, err := s.auth.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	token, expiresAt, err := s.auth.IssueToken(patronID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.logger.Info().Str("patron_id", patronID).Msg("Patron logged in")

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		PatronID:  patronID,
	})
}

// handleLogout revokes the caller's token.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Revoke(GetTokenFromContext(r.Context())); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
