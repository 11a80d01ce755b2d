// Package handlers provides HTTP handlers for the ledger API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/api/middleware"
	"github.com/drfirst/vial-ledger/internal/domain/inventory"
	"github.com/drfirst/vial-ledger/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps ledger and inbox errors onto HTTP status codes.
func statusFor(err error) int {
	var ve *inventory.ValidationError
	switch {
	case errors.As(err, &ve) && ve.Field == "signer_role":
		return http.StatusForbidden
	case errors.Is(err, inventory.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, inventory.ErrAlreadyResolved),
		errors.Is(err, inventory.ErrReferenced),
		errors.Is(err, idempotency.ErrInProgress),
		errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusConflict
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err to the client. Internal errors are logged and
// replaced by a generic message.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error(op+" failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
		)
		jsonError(w, op+" failed", code)
		return
	}
	jsonError(w, err.Error(), code)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func queryLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02"}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	var err error
	for _, layout := range dateLayouts {
		var t time.Time
		if t, err = time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func optionalDate(field string, raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, err := parseDate(*raw)
	if err != nil {
		return nil, &inventory.ValidationError{Field: field, Reason: "expected YYYY-MM-DD or RFC 3339"}
	}
	return &t, nil
}
