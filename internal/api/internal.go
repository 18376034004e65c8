package api

import (
	"net/http"

	"marketplace-ledger-go/internal/escrow"
	"marketplace-ledger-go/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type listingRequest struct {
	SellerId string          `json:"seller_id"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
}

func (s *Server) registerListing(w http.ResponseWriter, r *http.Request) {
	var req listingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	listing, err := s.escrows.RegisterListing(r.Context(), actorFrom(r), chi.URLParam(r, "id"), escrow.ListingUpdate{
		SellerId: req.SellerId,
		Price:    req.Price,
		Currency: req.Currency,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "listing registered", listing)
}

type ensureWalletsRequest struct {
	Currencies []string `json:"currencies"`
}

// ensureWallets is called at registration; without a body it opens the
// default currencies.
func (s *Server) ensureWallets(w http.ResponseWriter, r *http.Request) {
	var req ensureWalletsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	currencies := req.Currencies
	if len(currencies) == 0 {
		currencies = s.currencies.Defaults()
	}
	for _, code := range currencies {
		if _, ok := s.currencies.Lookup(code); !ok {
			writeError(w, http.StatusBadRequest, "unsupported currency "+code)
			return
		}
	}

	wallets, err := s.wallets.EnsureWallets(r.Context(), chi.URLParam(r, "id"), currencies...)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if wallets == nil {
		wallets = []models.Wallet{}
	}
	writeSuccess(w, http.StatusOK, "wallets ready", wallets)
}
