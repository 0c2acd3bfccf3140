package api

import (
	"net/http"

	"github.com/goodtune/kcafe/internal/printing"
)

func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	var req PrintRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	txn, err := s.printer.ChargeForJob(r.Context(), printing.Job{
		PatronID:  GetPatronIDFromContext(r.Context()),
		JobID:     req.JobID,
		Pages:     req.Pages,
		ColorMode: req.ColorMode,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PrintResponse{Transaction: txn})
}
