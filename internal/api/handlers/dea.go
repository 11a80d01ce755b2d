package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
)

// DEAHandler serves the DEA transaction log
type DEAHandler struct {
	svc    *inventory.Service
	logger *zap.Logger
}

// NewDEAHandler creates a new handler
func NewDEAHandler(svc *inventory.Service, logger *zap.Logger) *DEAHandler {
	return &DEAHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *DEAHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/transactions", h.Transactions)
	return r
}

// Transactions handles GET /dea/transactions?start=&end=. A bare end date
// includes the whole day.
func (h *DEAHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	var rng inventory.DEALogRange
	q := r.URL.Query()
	if raw := q.Get("start"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			jsonError(w, "start must be YYYY-MM-DD or RFC 3339", http.StatusBadRequest)
			return
		}
		rng.Start = t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			jsonError(w, "end must be YYYY-MM-DD or RFC 3339", http.StatusBadRequest)
			return
		}
		if len(raw) == len("2006-01-02") {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		rng.End = t
	}

	rows, err := h.svc.FetchDEALog(r.Context(), rng)
	if err != nil {
		writeError(w, r, h.logger, "dea log", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
