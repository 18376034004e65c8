package api

import (
	"net/http"
	"strconv"
	"strings"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

func (s *Server) listWallets(w http.ResponseWriter, r *http.Request) {
	balances, err := s.wallets.Balances(r.Context(), actorFrom(r).UserId)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", balances)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	txns, err := s.store.ListTransactions(r.Context(), store.TransactionFilter{
		UserId:   actorFrom(r).UserId,
		Currency: strings.ToUpper(q.Get("currency")),
		Type:     models.TransactionType(q.Get("type")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	writeSuccess(w, http.StatusOK, "", txns)
}
