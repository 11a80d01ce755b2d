package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/vial-ledger/internal/api/middleware"
	"github.com/drfirst/vial-ledger/internal/domain/inventory"
	"github.com/drfirst/vial-ledger/internal/infrastructure/memory"
	"github.com/drfirst/vial-ledger/pkg/idempotency"
)

const testKey = "test-api-key"

type fixture struct {
	store  *memory.Store
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	store.SeedUser("u-nurse", "Nina Nurse")
	store.SeedUser("u-provider", "Dr. Pat Provider")
	store.SeedPatient(memory.Patient{ID: "p-1", FullName: "Jane Doe"})

	svc := inventory.NewService(store, inventory.DefaultConfig(), nil)
	inbox := idempotency.NewInbox(idempotency.NewMemoryBackend(), idempotency.InboxConfig{
		IsTerminal: func(err error) bool { return statusFor(err) < http.StatusInternalServerError },
	}, nil)
	t.Cleanup(inbox.Stop)

	return &fixture{
		store: store,
		router: NewRouter(RouterConfig{
			Service: svc,
			Inbox:   inbox,
			APIKeys: middleware.ClientKeys([]string{testKey}),
			Version: "test",
		}),
	}
}

type call struct {
	method, path, body string
	role, user         string
	headers            map[string]string
}

func (f *fixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testKey)
	if c.user != "" {
		req.Header.Set(middleware.HeaderActorUserID, c.user)
		req.Header.Set(middleware.HeaderActorRole, c.role)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) asNurse(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	return f.do(t, call{method: method, path: path, body: body, user: "u-nurse", role: "nurse"})
}

func (f *fixture) asProvider(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	return f.do(t, call{method: method, path: path, body: body, user: "u-provider", role: "provider"})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) createVial(t *testing.T) inventory.Vial {
	t.Helper()
	rec := f.asNurse(t, http.MethodPost, "/api/v1/vials",
		`{"size_ml":"10","dea_drug_name":"TopRX cottonseed","expiration_date":"2099-01-31"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[inventory.Vial](t, rec)
}

const dispenseBody = `{
	"vial_external_id": "V0001",
	"dispense_date": "2026-03-01",
	"patient_name": "jane doe",
	"syringe_count": 2,
	"dose_per_syringe_ml": "1.0"
}`

func TestHealthAndAuth(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/vials", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/vials", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestDispenseLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	vial := f.createVial(t)
	assert.Equal(t, "V0001", vial.ExternalID)
	assert.True(t, vial.ControlledSubstance)

	rec := f.asNurse(t, http.MethodPost, "/api/v1/dispenses", dispenseBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[inventory.CreateDispenseResult](t, rec)
	require.NotNil(t, created.DEATransactionID)
	assert.Equal(t, "7.800", created.UpdatedRemainingMl.String())
	assert.Contains(t, rec.Body.String(), `"updated_remaining_ml":"7.800"`)

	rec = f.asNurse(t, http.MethodGet, "/api/v1/signatures/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[inventory.SignatureSummary](t, rec).PendingCount)

	rec = f.asNurse(t, http.MethodPost, "/api/v1/dispenses/"+created.DispenseID+"/sign", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.asProvider(t, http.MethodPost, "/api/v1/dispenses/"+created.DispenseID+"/sign",
		`{"signature_note":"reviewed"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.asNurse(t, http.MethodGet, "/api/v1/signatures/queue", "")
	assert.Empty(t, decode[[]inventory.SignatureQueueRow](t, rec))

	rec = f.asProvider(t, http.MethodPost, "/api/v1/dispenses/"+created.DispenseID+"/reopen", `{"note":"dose typo"}`)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.asNurse(t, http.MethodGet, "/api/v1/signatures/queue", "")
	queue := decode[[]inventory.SignatureQueueRow](t, rec)
	require.Len(t, queue, 1)
	assert.Equal(t, inventory.SignatureAwaiting, queue[0].SignatureStatus)

	rec = f.asNurse(t, http.MethodGet, "/api/v1/dea/transactions?start=2026-03-01&end=2026-03-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	dea := decode[[]inventory.DEATransaction](t, rec)
	require.Len(t, dea, 1)
	assert.True(t, dea[0].QuantityDispensed.Decimal.Equal(decimal.RequireFromString("2")))
	assert.Contains(t, rec.Body.String(), `"quantity_dispensed":"2.000"`)

	rec = f.asNurse(t, http.MethodGet, "/api/v1/patients/p-1/dispenses", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]inventory.PatientDispenseRow](t, rec), 1)

	rec = f.asNurse(t, http.MethodDelete, "/api/v1/dispenses/"+created.DispenseID, "")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Empty(t, f.store.DEATransactions())

	rec = f.asNurse(t, http.MethodDelete, "/api/v1/dispenses/"+created.DispenseID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.asNurse(t, http.MethodGet, "/api/v1/dispenses/"+created.DispenseID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var types []inventory.EventType
	for _, ev := range decode[[]inventory.HistoryEvent](t, rec) {
		types = append(types, ev.EventType)
	}
	assert.ElementsMatch(t, []inventory.EventType{
		inventory.EventCreated, inventory.EventSigned, inventory.EventReopened, inventory.EventDeleted,
	}, types)

	rec = f.asNurse(t, http.MethodGet, "/api/v1/vials", "")
	vials := decode[[]inventory.Vial](t, rec)
	require.Len(t, vials, 1)
	assert.True(t, vials[0].RemainingVolumeMl.Decimal.Equal(decimal.RequireFromString("10")))
	assert.Contains(t, rec.Body.String(), `"size_ml":"10.000"`)
	assert.Contains(t, rec.Body.String(), `"remaining_volume_ml":"10.000"`)
}

func TestCreateDispenseIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.createVial(t)

	post := func(body string) *httptest.ResponseRecorder {
		return f.do(t, call{
			method: http.MethodPost, path: "/api/v1/dispenses", body: body,
			user: "u-nurse", role: "nurse",
			headers: map[string]string{HeaderIdempotencyKey: "retry-1"},
		})
	}

	first := post(dispenseBody)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := post(dispenseBody)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Len(t, f.store.DEATransactions(), 1)

	third := post(strings.Replace(dispenseBody, `"syringe_count": 2`, `"syringe_count": 3`, 1))
	assert.Equal(t, http.StatusUnprocessableEntity, third.Code)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.createVial(t)

	tests := []struct {
		name string
		c    call
		want int
	}{
		{"unknown vial", call{method: http.MethodPost, path: "/api/v1/dispenses",
			body: strings.Replace(dispenseBody, "V0001", "V9999", 1), user: "u-nurse", role: "nurse"}, http.StatusNotFound},
		{"missing actor", call{method: http.MethodPost, path: "/api/v1/dispenses", body: dispenseBody}, http.StatusBadRequest},
		{"negative waste", call{method: http.MethodPost, path: "/api/v1/dispenses",
			body: `{"vial_external_id":"V0001","dispense_date":"2026-03-01","total_dispensed_ml":"1","waste_ml":"-1"}`,
			user: "u-nurse", role: "nurse"}, http.StatusBadRequest},
		{"unknown field", call{method: http.MethodPost, path: "/api/v1/vials", body: `{"colour":"blue"}`}, http.StatusBadRequest},
		{"bad expiration", call{method: http.MethodPost, path: "/api/v1/vials", body: `{"expiration_date":"soon"}`}, http.StatusBadRequest},
		{"bad limit", call{method: http.MethodGet, path: "/api/v1/dispenses?limit=ten"}, http.StatusBadRequest},
		{"bad dea range", call{method: http.MethodGet, path: "/api/v1/dea/transactions?start=2026-03-02&end=2026-03-01"}, http.StatusBadRequest},
		{"unknown dispense", call{method: http.MethodPatch, path: "/api/v1/dispenses/nope", body: `{"notes":"x"}`,
			user: "u-nurse", role: "nurse"}, http.StatusNotFound},
		{"update without actor", call{method: http.MethodPatch, path: "/api/v1/dispenses/nope", body: `{"notes":"x"}`}, http.StatusBadRequest},
		{"bad count check days", call{method: http.MethodGet, path: "/api/v1/count-checks?days=-1"}, http.StatusBadRequest},
		{"unknown count check type", call{method: http.MethodGet, path: "/api/v1/count-checks/today?type=noon"}, http.StatusBadRequest},
		{"bad keep_logs", call{method: http.MethodDelete, path: "/api/v1/vials/x?keep_logs=maybe"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.c)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
		})
	}
}

func TestDeleteVialKeepLogsConflict(t *testing.T) {
	f := newFixture(t)
	vial := f.createVial(t)
	rec := f.asNurse(t, http.MethodPost, "/api/v1/dispenses", dispenseBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.asNurse(t, http.MethodDelete, "/api/v1/vials/"+vial.ID+"?keep_logs=true", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.asNurse(t, http.MethodDelete, "/api/v1/vials/"+vial.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.store.DEATransactions())
}

func TestUpdateVialIdentity(t *testing.T) {
	f := newFixture(t)
	vial := f.createVial(t)

	rec := f.asNurse(t, http.MethodPatch, "/api/v1/vials/"+vial.ID, `{"dea_drug_code":"9999"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[inventory.Vial](t, rec)
	require.NotNil(t, updated.DEADrugCode)
	assert.Equal(t, "9999", *updated.DEADrugCode)

	rec = f.asNurse(t, http.MethodGet, "/api/v1/vials/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[inventory.InventorySummary](t, rec).ActiveVials)
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), d)

	_, err = parseDate("2026-03-01T10:00:00Z")
	assert.NoError(t, err)

	_, err = parseDate("03/01/2026")
	assert.Error(t, err)
}

func TestCountCheckOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.createVial(t)

	rec := f.asNurse(t, http.MethodGet, "/api/v1/count-checks/today?type=morning", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status := decode[inventory.CountCheckStatus](t, rec)
	assert.False(t, status.Completed)
	assert.True(t, status.RequiredBeforeDispensing)

	rec = f.asNurse(t, http.MethodPost, "/api/v1/count-checks", `{
		"check_type": "morning",
		"counts": [{"vendor": "TopRX", "full_vials": 1}]
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = f.asNurse(t, http.MethodPost, "/api/v1/count-checks", `{
		"check_type": "morning",
		"counts": [
			{"vendor": "TopRX", "full_vials": 0, "partial_ml": "9.95"},
			{"vendor": "Carrie Boyd", "full_vials": 0}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"discrepancy_ml":"0.050"`)
	check := decode[inventory.CountCheck](t, rec)
	assert.Equal(t, inventory.CheckCompleted, check.Status)
	assert.Equal(t, "u-nurse", check.PerformedBy)

	rec = f.asNurse(t, http.MethodGet, "/api/v1/count-checks/today?type=morning", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status = decode[inventory.CountCheckStatus](t, rec)
	assert.True(t, status.Completed)
	require.NotNil(t, status.Check)
	assert.Equal(t, check.ID, status.Check.ID)

	rec = f.asNurse(t, http.MethodGet, "/api/v1/count-checks?days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]inventory.CountCheck](t, rec)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].PerformedByName)
	assert.Equal(t, "Nina Nurse", *history[0].PerformedByName)

	rec = f.asNurse(t, http.MethodGet, "/api/v1/vials", "")
	assert.Contains(t, rec.Body.String(), `"remaining_volume_ml":"10.000"`)
}

func TestVendorSummaryOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.createVial(t)

	rec := f.asNurse(t, http.MethodGet, "/api/v1/vials/summary/vendors", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rows := decode[[]inventory.VendorInventory](t, rec)
	require.Len(t, rows, 2)
	byVendor := map[string]inventory.VendorInventory{}
	for _, row := range rows {
		byVendor[row.Vendor] = row
	}
	assert.Equal(t, 1, byVendor[inventory.VendorTopRX].ActiveVials)
	assert.Equal(t, "10.000", byVendor[inventory.VendorTopRX].TotalRemainingMl.String())
	assert.Equal(t, 0, byVendor[inventory.VendorCarrieBoyd].ActiveVials)
	assert.Contains(t, rec.Body.String(), `"total_remaining_ml":"0.000"`)
}
