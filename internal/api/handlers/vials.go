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

// VialHandler handles vial stock endpoints
type VialHandler struct {
	svc    *inventory.Service
	logger *zap.Logger
}

// NewVialHandler creates a new handler
func NewVialHandler(svc *inventory.Service, logger *zap.Logger) *VialHandler {
	return &VialHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *VialHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/summary", h.Summary)
	r.Get("/summary/vendors", h.VendorSummary)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	return r
}

// CreateVialRequest is the request body for receiving a vial
type CreateVialRequest struct {
	ExternalID          *string             `json:"external_id"`
	LotNumber           *string             `json:"lot_number"`
	Status              *string             `json:"status"`
	RemainingVolumeMl   decimal.NullDecimal `json:"remaining_volume_ml"`
	SizeMl              decimal.NullDecimal `json:"size_ml"`
	ExpirationDate      *string             `json:"expiration_date"`
	DateReceived        *string             `json:"date_received"`
	DEADrugName         *string             `json:"dea_drug_name"`
	DEADrugCode         *string             `json:"dea_drug_code"`
	ControlledSubstance *bool               `json:"controlled_substance"`
	Location            *string             `json:"location"`
	Notes               *string             `json:"notes"`
}

// UpdateVialRequest corrects a vial's drug identity. An empty string clears
// the field.
type UpdateVialRequest struct {
	DEADrugName *string `json:"dea_drug_name"`
	DEADrugCode *string `json:"dea_drug_code"`
}

// List handles GET /vials
func (h *VialHandler) List(w http.ResponseWriter, r *http.Request) {
	vials, err := h.svc.FetchInventory(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "list vials", err)
		return
	}
	writeJSON(w, http.StatusOK, vials)
}

// Summary handles GET /vials/summary
func (h *VialHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.FetchInventorySummary(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "inventory summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// VendorSummary handles GET /vials/summary/vendors
func (h *VialHandler) VendorSummary(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.FetchInventoryByVendor(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "vendor inventory", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Create handles POST /vials
func (h *VialHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateVialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	expiration, err := optionalDate("expiration_date", req.ExpirationDate)
	if err != nil {
		writeError(w, r, h.logger, "create vial", err)
		return
	}
	received, err := optionalDate("date_received", req.DateReceived)
	if err != nil {
		writeError(w, r, h.logger, "create vial", err)
		return
	}

	vial, err := h.svc.CreateVial(r.Context(), inventory.NewVialInput{
		ExternalID:          req.ExternalID,
		LotNumber:           req.LotNumber,
		Status:              req.Status,
		RemainingVolumeMl:   req.RemainingVolumeMl,
		SizeMl:              req.SizeMl,
		ExpirationDate:      expiration,
		DateReceived:        received,
		DEADrugName:         req.DEADrugName,
		DEADrugCode:         req.DEADrugCode,
		ControlledSubstance: req.ControlledSubstance,
		Location:            req.Location,
		Notes:               req.Notes,
		Actor:               middleware.GetActor(r.Context()),
	})
	if err != nil {
		writeError(w, r, h.logger, "create vial", err)
		return
	}
	writeJSON(w, http.StatusCreated, vial)
}

// Update handles PATCH /vials/{id}
func (h *VialHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateVialRequest
	if !decodeBody(w, r, &req) {
		return
	}

	vial, err := h.svc.UpdateVial(r.Context(), chi.URLParam(r, "id"), inventory.VialUpdate{
		DEADrugName: req.DEADrugName,
		DEADrugCode: req.DEADrugCode,
		Actor:       middleware.GetActor(r.Context()),
	})
	if err != nil {
		writeError(w, r, h.logger, "update vial", err)
		return
	}
	writeJSON(w, http.StatusOK, vial)
}

// Delete handles DELETE /vials/{id}?keep_logs=true
func (h *VialHandler) Delete(w http.ResponseWriter, r *http.Request) {
	keepLogs := false
	if raw := r.URL.Query().Get("keep_logs"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			jsonError(w, "keep_logs must be a boolean", http.StatusBadRequest)
			return
		}
		keepLogs = v
	}

	err := h.svc.DeleteVial(r.Context(), chi.URLParam(r, "id"), inventory.DeleteVialOptions{
		KeepLogs: keepLogs,
		Actor:    middleware.GetActor(r.Context()),
	})
	if err != nil {
		writeError(w, r, h.logger, "delete vial", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
