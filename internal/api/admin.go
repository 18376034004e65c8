package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) approveWithdrawal(w http.ResponseWriter, r *http.Request) {
	result, err := s.withdrawals.Approve(r.Context(), chi.URLParam(r, "reference"), actorFrom(r))
	if err != nil {
		writeServiceErrorWithData(w, r, err, result)
		return
	}
	writeSuccess(w, http.StatusOK, "withdrawal approved", result)
}

type rejectWithdrawalRequest struct {
	Note string `json:"note"`
}

func (s *Server) rejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req rejectWithdrawalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.withdrawals.Reject(r.Context(), chi.URLParam(r, "reference"), actorFrom(r), req.Note)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "withdrawal rejected", result)
}

type verifyUserRequest struct {
	UserId string `json:"user_id"`
}

func (s *Server) verifyUser(w http.ResponseWriter, r *http.Request) {
	var req verifyUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	profile, changed, err := s.admin.VerifyUser(r.Context(), actorFrom(r), req.UserId)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, changedMessage(changed, "user verified", "user already verified"), profile)
}

type reconcileWithdrawalRequest struct {
	Reference string `json:"reference"`
	// Refresh asks the gateway for the current status first
	Refresh bool `json:"refresh"`
}

func (s *Server) reconcileWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req reconcileWithdrawalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference is required")
		return
	}
	result, err := s.admin.ReconcileWithdrawal(r.Context(), actorFrom(r), req.Reference, req.Refresh)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, changedMessage(result.Reconciled, "withdrawal reconciled", "nothing to reconcile"), result)
}

type grantBadgeRequest struct {
	UserId string `json:"user_id"`
	Badge  string `json:"badge"`
}

func (s *Server) grantBadge(w http.ResponseWriter, r *http.Request) {
	var req grantBadgeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	badge, created, err := s.admin.GrantBadge(r.Context(), actorFrom(r), req.UserId, req.Badge)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, changedMessage(created, "badge granted", "badge already granted"), badge)
}

func (s *Server) auditWallet(w http.ResponseWriter, r *http.Request) {
	audit, err := s.wallets.Audit(r.Context(), chi.URLParam(r, "walletId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	message := "balanced"
	if !audit.Balanced() {
		message = "balance mismatch"
	}
	writeSuccess(w, http.StatusOK, message, audit)
}

func changedMessage(changed bool, yes, no string) string {
	if changed {
		return yes
	}
	return no
}
