package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 16

// decodeJSON reads a request body into dst and validates it. An empty body
// leaves dst untouched.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "Invalid field: "+verrs[0].Field())
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request")
		return false
	}
	return true
}

// respondError maps err to a status code and writes it. Server errors are
// logged with the request id; client errors are not.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("request_id", GetRequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	writeError(w, status, errorMessage(status, err))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
