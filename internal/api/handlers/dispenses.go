package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/api/middleware"
	"github.com/drfirst/vial-ledger/internal/domain/inventory"
	"github.com/drfirst/vial-ledger/pkg/idempotency"
)

// Headers of the idempotent dispense create.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

const createDispenseHandler = "create_dispense"

// DispenseHandler handles dispense ledger endpoints
type DispenseHandler struct {
	svc    *inventory.Service
	inbox  *idempotency.Inbox
	logger *zap.Logger
}

// NewDispenseHandler creates a new handler. A nil inbox ignores
// Idempotency-Key headers.
func NewDispenseHandler(svc *inventory.Service, inbox *idempotency.Inbox, logger *zap.Logger) *DispenseHandler {
	return &DispenseHandler{svc: svc, inbox: inbox, logger: logger}
}

// Routes returns the handler routes
func (h *DispenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	r.Get("/{id}/history", h.History)
	r.Post("/{id}/sign", h.Sign)
	r.Post("/{id}/reopen", h.Reopen)
	return r
}

// CreateDispenseRequest is the request body for recording a dispense
type CreateDispenseRequest struct {
	VialExternalID        string              `json:"vial_external_id"`
	DispenseDate          string              `json:"dispense_date"`
	TransactionType       *string             `json:"transaction_type"`
	PatientID             *string             `json:"patient_id"`
	PatientName           *string             `json:"patient_name"`
	SyringeCount          decimal.NullDecimal `json:"syringe_count"`
	DosePerSyringeMl      decimal.NullDecimal `json:"dose_per_syringe_ml"`
	TotalDispensedMl      decimal.NullDecimal `json:"total_dispensed_ml"`
	WasteMl               decimal.NullDecimal `json:"waste_ml"`
	TotalAmount           decimal.NullDecimal `json:"total_amount"`
	Notes                 *string             `json:"notes"`
	Prescriber            *string             `json:"prescriber"`
	DEASchedule           *string             `json:"dea_schedule"`
	DEADrugName           *string             `json:"dea_drug_name"`
	DEADrugCode           *string             `json:"dea_drug_code"`
	Units                 *string             `json:"units"`
	RecordDEA             *bool               `json:"record_dea"`
	PrescribingProviderID *string             `json:"prescribing_provider_id"`
	SignatureStatus       *string             `json:"signature_status"`
	SignatureNote         *string             `json:"signature_note"`
}

func (req CreateDispenseRequest) input(actor inventory.Actor) inventory.NewDispenseInput {
	return inventory.NewDispenseInput{
		VialExternalID:        req.VialExternalID,
		DispenseDate:          req.DispenseDate,
		TransactionType:       req.TransactionType,
		PatientID:             req.PatientID,
		PatientName:           req.PatientName,
		SyringeCount:          req.SyringeCount,
		DosePerSyringeMl:      req.DosePerSyringeMl,
		TotalDispensedMl:      req.TotalDispensedMl,
		WasteMl:               req.WasteMl,
		TotalAmount:           req.TotalAmount,
		Notes:                 req.Notes,
		Prescriber:            req.Prescriber,
		DEASchedule:           req.DEASchedule,
		DEADrugName:           req.DEADrugName,
		DEADrugCode:           req.DEADrugCode,
		Units:                 req.Units,
		RecordDEA:             req.RecordDEA,
		CreatedByUserID:       actor.UserID,
		CreatedByRole:         actor.Role,
		PrescribingProviderID: req.PrescribingProviderID,
		SignatureStatus:       req.SignatureStatus,
		SignatureNote:         req.SignatureNote,
	}
}

// UpdateDispenseRequest edits dispense metadata. An empty string clears the
// field; volumes cannot be edited.
type UpdateDispenseRequest struct {
	Notes                 *string `json:"notes"`
	Prescriber            *string `json:"prescriber"`
	TransactionType       *string `json:"transaction_type"`
	PrescribingProviderID *string `json:"prescribing_provider_id"`
}

// SignRequest is the body of POST /dispenses/{id}/sign
type SignRequest struct {
	SignatureNote   *string `json:"signature_note"`
	SignatureStatus *string `json:"signature_status"`
}

// ReopenRequest is the body of POST /dispenses/{id}/reopen
type ReopenRequest struct {
	Note *string `json:"note"`
}

// List handles GET /dispenses
func (h *DispenseHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}
	rows, err := h.svc.FetchTransactions(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, "list dispenses", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Create handles POST /dispenses. With an Idempotency-Key header a retried
// request returns the first result instead of dispensing twice.
func (h *DispenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("dispense-handler").Start(r.Context(), "create_dispense")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var req CreateDispenseRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	in := req.input(middleware.GetActor(ctx))

	create := func(ctx context.Context) (json.RawMessage, error) {
		res, err := h.svc.CreateDispense(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" || h.inbox == nil {
		resp, err := create(ctx)
		if err != nil {
			writeError(w, r, h.logger, "create dispense", err)
			return
		}
		writeRaw(w, http.StatusCreated, resp)
		return
	}

	span.SetAttributes(attribute.String("idempotency_key", key))
	res, err := h.inbox.Process(ctx, key, createDispenseHandler, idempotency.HashRequest(body), create)
	if err != nil {
		writeError(w, r, h.logger, "create dispense", err)
		return
	}
	if res.Replayed {
		h.logger.Info("dispense create replayed",
			zap.String("idempotency_key", key),
			zap.String("request_id", middleware.GetRequestID(ctx)),
		)
		w.Header().Set(HeaderReplayed, "true")
		writeRaw(w, http.StatusOK, res.Response)
		return
	}
	writeRaw(w, http.StatusCreated, res.Response)
}

// Update handles PATCH /dispenses/{id}
func (h *DispenseHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateDispenseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	d, err := h.svc.UpdateDispense(r.Context(), inventory.UpdateDispenseInput{
		DispenseID:            chi.URLParam(r, "id"),
		Notes:                 req.Notes,
		Prescriber:            req.Prescriber,
		TransactionType:       req.TransactionType,
		PrescribingProviderID: req.PrescribingProviderID,
		Actor:                 middleware.GetActor(r.Context()),
	})
	if err != nil {
		writeError(w, r, h.logger, "update dispense", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Delete handles DELETE /dispenses/{id}. The deducted volume returns to the
// vial and the DEA record is removed.
func (h *DispenseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.svc.DeleteDispense(r.Context(), chi.URLParam(r, "id"), middleware.GetActor(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, "delete dispense", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /dispenses/{id}/history
func (h *DispenseHandler) History(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.FetchDispenseHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, "dispense history", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Sign handles POST /dispenses/{id}/sign
func (h *DispenseHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	actor := middleware.GetActor(r.Context())
	err := h.svc.SignDispense(r.Context(), inventory.SignInput{
		DispenseID:      chi.URLParam(r, "id"),
		SignerUserID:    actor.UserID,
		SignerRole:      actor.Role,
		SignatureNote:   req.SignatureNote,
		SignatureStatus: req.SignatureStatus,
		SignedIP:        clientIP(r),
	})
	if err != nil {
		writeError(w, r, h.logger, "sign dispense", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reopen handles POST /dispenses/{id}/reopen
func (h *DispenseHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	var req ReopenRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	actor := middleware.GetActor(r.Context())
	err := h.svc.ReopenDispense(r.Context(), inventory.ReopenInput{
		DispenseID:  chi.URLParam(r, "id"),
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		Note:        req.Note,
	})
	if err != nil {
		writeError(w, r, h.logger, "reopen dispense", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PatientHandler serves a patient's dispense history
type PatientHandler struct {
	svc    *inventory.Service
	logger *zap.Logger
}

// NewPatientHandler creates a new handler
func NewPatientHandler(svc *inventory.Service, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/dispenses", h.Dispenses)
	return r
}

// Dispenses handles GET /patients/{id}/dispenses
func (h *PatientHandler) Dispenses(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return
	}
	rows, err := h.svc.FetchDispensesForPatient(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, h.logger, "patient dispenses", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeRaw(w http.ResponseWriter, code int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

// decodeOptionalBody accepts an empty body as the zero request.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func clientIP(r *http.Request) *string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return nil
	}
	return &host
}
