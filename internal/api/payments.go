package api

import (
	"net/http"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/recorder"
	"marketplace-ledger-go/internal/withdrawal"

	"github.com/shopspring/decimal"
)

type depositRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Email       string          `json:"email"`
	Description string          `json:"description"`
	Provider    models.Provider `json:"provider"`
}

func (s *Server) initiateDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.recorder.InitiateDeposit(r.Context(), recorder.DepositRequest{
		UserId:      actorFrom(r).UserId,
		Email:       req.Email,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Provider:    req.Provider,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "deposit initiated", result)
}

type withdrawalRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	BankCode      string          `json:"bank_code"`
	AccountNumber string          `json:"account_number"`
	AccountName   string          `json:"account_name"`
	Narration     string          `json:"narration"`
	Provider      models.Provider `json:"provider"`
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.withdrawals.Withdraw(r.Context(), withdrawal.Request{
		UserId:   actorFrom(r).UserId,
		Amount:   req.Amount,
		Currency: req.Currency,
		Destination: models.BankDestination{
			BankCode:      req.BankCode,
			AccountNumber: req.AccountNumber,
			AccountName:   req.AccountName,
		},
		Narration: req.Narration,
		Provider:  req.Provider,
	})
	if err != nil {
		writeServiceErrorWithData(w, r, err, result)
		return
	}

	message := "withdrawal processing"
	if result.Path == models.WithdrawalPathManual {
		message = "withdrawal pending review"
	}
	writeSuccess(w, http.StatusAccepted, message, result)
}
