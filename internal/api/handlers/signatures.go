package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
)

// SignatureHandler serves the provider co-signature queue
type SignatureHandler struct {
	svc    *inventory.Service
	logger *zap.Logger
}

// NewSignatureHandler creates a new handler
func NewSignatureHandler(svc *inventory.Service, logger *zap.Logger) *SignatureHandler {
	return &SignatureHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *SignatureHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/queue", h.Queue)
	r.Get("/summary", h.Summary)
	return r
}

// Queue handles GET /signatures/queue
func (h *SignatureHandler) Queue(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.FetchProviderSignatureQueue(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "signature queue", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Summary handles GET /signatures/summary
func (h *SignatureHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.FetchProviderSignatureSummary(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "signature summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
