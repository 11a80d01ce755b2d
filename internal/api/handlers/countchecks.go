package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/api/middleware"
	"github.com/drfirst/vial-ledger/internal/domain/inventory"
)

// CountCheckHandler handles the physical count check endpoints
type CountCheckHandler struct {
	svc    *inventory.Service
	logger *zap.Logger
}

// NewCountCheckHandler creates a new handler
func NewCountCheckHandler(svc *inventory.Service, logger *zap.Logger) *CountCheckHandler {
	return &CountCheckHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *CountCheckHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.History)
	r.Post("/", h.Record)
	r.Get("/today", h.Today)
	return r
}

// VendorCountRequest is what staff counted for one vendor.
type VendorCountRequest struct {
	Vendor    string              `json:"vendor"`
	FullVials int                 `json:"full_vials"`
	PartialMl decimal.NullDecimal `json:"partial_ml"`
}

// RecordCountCheckRequest is the request body for a count check
type RecordCountCheckRequest struct {
	CheckType        string               `json:"check_type"`
	Counts           []VendorCountRequest `json:"counts"`
	Notes            *string              `json:"notes"`
	DiscrepancyNotes *string              `json:"discrepancy_notes"`
}

// Record handles POST /count-checks
func (h *CountCheckHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req RecordCountCheckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	counts := make([]inventory.PhysicalCount, 0, len(req.Counts))
	for _, c := range req.Counts {
		counts = append(counts, inventory.PhysicalCount{Vendor: c.Vendor, FullVials: c.FullVials, PartialMl: c.PartialMl})
	}

	check, err := h.svc.RecordCountCheck(r.Context(), inventory.CountCheckInput{
		Type:             inventory.CheckType(req.CheckType),
		Counts:           counts,
		Notes:            req.Notes,
		DiscrepancyNotes: req.DiscrepancyNotes,
		Actor:            middleware.GetActor(r.Context()),
	})
	if err != nil {
		writeError(w, r, h.logger, "record count check", err)
		return
	}
	writeJSON(w, http.StatusCreated, check)
}

// History handles GET /count-checks?days=
func (h *CountCheckHandler) History(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonError(w, "days must be a non-negative integer", http.StatusBadRequest)
			return
		}
		days = n
	}
	checks, err := h.svc.FetchCountCheckHistory(r.Context(), days)
	if err != nil {
		writeError(w, r, h.logger, "count check history", err)
		return
	}
	if checks == nil {
		checks = []*inventory.CountCheck{}
	}
	writeJSON(w, http.StatusOK, checks)
}

// Today handles GET /count-checks/today?type=morning|evening
func (h *CountCheckHandler) Today(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.FetchTodayCountCheck(r.Context(), inventory.CheckType(r.URL.Query().Get("type")))
	if err != nil {
		writeError(w, r, h.logger, "today count check", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
