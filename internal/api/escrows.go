package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type openEscrowRequest struct {
	ListingId string `json:"listing_id"`
	// Fund defaults to true: open and pay in one step
	Fund *bool `json:"fund"`
}

func (s *Server) openEscrow(w http.ResponseWriter, r *http.Request) {
	var req openEscrowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ListingId == "" {
		writeError(w, http.StatusBadRequest, "listing_id is required")
		return
	}

	buyerId := actorFrom(r).UserId
	if req.Fund != nil && !*req.Fund {
		e, err := s.escrows.Create(r.Context(), buyerId, req.ListingId)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusCreated, "escrow created", e)
		return
	}

	e, err := s.escrows.Purchase(r.Context(), buyerId, req.ListingId)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "escrow funded", e)
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.escrows.Get(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", e)
}

func (s *Server) fundEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.escrows.Fund(r.Context(), chi.URLParam(r, "id"), actorFrom(r).UserId)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "escrow funded", e)
}

func (s *Server) cancelEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.escrows.Cancel(r.Context(), chi.URLParam(r, "id"), actorFrom(r).UserId)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "escrow cancelled", e)
}

type confirmEscrowRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review"`
}

func (s *Server) confirmEscrow(w http.ResponseWriter, r *http.Request) {
	var req confirmEscrowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := s.escrows.Release(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.Rating, req.Review)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "escrow released", e)
}

type refundEscrowRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) refundEscrow(w http.ResponseWriter, r *http.Request) {
	var req refundEscrowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := s.escrows.Refund(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "escrow refunded", e)
}
