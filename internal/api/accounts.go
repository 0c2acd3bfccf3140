package api

import (
	"net/http"
	"strconv"

	"github.com/goodtune/kcafe/internal/storage"
)

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.accounts.GetBalance(r.Context(), GetPatronIDFromContext(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: balance})
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	txn, err := s.accounts.Credit(r.Context(), GetPatronIDFromContext(r.Context()),
		req.Amount, storage.KindManualCredit, "Kiosk top-up")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CreditResponse{
		Balance:     txn.BalanceAfter,
		Transaction: txn,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	txns, err := s.accounts.History(r.Context(), GetPatronIDFromContext(r.Context()), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if txns == nil {
		txns = []storage.Transaction{}
	}

	writeJSON(w, http.StatusOK, TransactionsResponse{
		Transactions: txns,
		Count:        len(txns),
	})
}
