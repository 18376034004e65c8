package api

import (
	"io"
	"net/http"

	"marketplace-ledger-go/internal/models"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := models.Provider(chi.URLParam(r, "provider"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	outcome, err := s.recorder.HandleWebhook(r.Context(), provider, body, r.Header)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, string(outcome), nil)
}
