package inventory_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
	"github.com/drfirst/vial-ledger/internal/infrastructure/memory"
)

func carrieBoydVial(t *testing.T, svc *inventory.Service) *inventory.Vial {
	t.Helper()
	v, err := svc.CreateVial(context.Background(), inventory.NewVialInput{
		SizeMl:      nd("30"),
		DEADrugName: strp("Carrie Boyd miglyol"),
		Actor:       nurse,
	})
	require.NoError(t, err)
	return v
}

func counts(topRX, carrieBoyd inventory.PhysicalCount) []inventory.PhysicalCount {
	topRX.Vendor = "TopRX"
	carrieBoyd.Vendor = "Carrie Boyd"
	return []inventory.PhysicalCount{topRX, carrieBoyd}
}

func vendorCount(t *testing.T, c *inventory.CountCheck, vendor string) inventory.VendorCount {
	t.Helper()
	for _, vc := range c.Vendors {
		if vc.Vendor == vendor {
			return vc
		}
	}
	t.Fatalf("vendor %s missing from check", vendor)
	return inventory.VendorCount{}
}

func TestRecordCountCheckWithinThreshold(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	topRX := controlledVial(t, svc, "10")
	carrieBoydVial(t, svc)
	_, err := svc.CreateDispense(ctx, syringeDispense(topRX.ExternalID))
	require.NoError(t, err)
	outboxBefore := len(store.Outbox())

	check, err := svc.RecordCountCheck(ctx, inventory.CountCheckInput{
		Type:   inventory.CheckMorning,
		Counts: counts(inventory.PhysicalCount{PartialMl: nd("7.5")}, inventory.PhysicalCount{FullVials: 1}),
		Notes:  strp(" shelf tidy "),
		Actor:  nurse,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, check.ID)
	assert.Equal(t, "2026-03-01", check.CheckDate)
	assert.Equal(t, inventory.CheckCompleted, check.Status)
	assert.False(t, check.DiscrepancyFound)
	require.Len(t, check.Vendors, 2)

	tx := vendorCount(t, check, inventory.VendorTopRX)
	assert.Equal(t, 1, tx.SystemVials)
	assert.Equal(t, "7.800", tx.SystemRemainingMl.String())
	assert.Equal(t, "7.500", tx.PhysicalTotalMl.String())
	assert.Equal(t, "0.300", tx.DiscrepancyMl.String())

	cb := vendorCount(t, check, inventory.VendorCarrieBoyd)
	assert.Equal(t, "30.000", cb.PhysicalTotalMl.String())
	assert.True(t, cb.DiscrepancyMl.Decimal.IsZero())

	require.NotNil(t, check.Notes)
	assert.Equal(t, "shelf tidy | "+inventory.VendorTopRX+" auto-waste: 0.3 mL (within threshold)", *check.Notes)

	assert.Equal(t, "7.800", vialByID(t, svc, topRX.ID).RemainingVolumeMl.String())

	outbox := store.Outbox()
	require.Len(t, outbox, outboxBefore+1)
	msg := outbox[len(outbox)-1]
	assert.Equal(t, inventory.TopicCountChecks, msg.Topic)
	assert.Equal(t, inventory.AggregateCountCheck, msg.AggregateType)
	assert.Equal(t, "count_check.recorded", msg.EventType)
	assert.Equal(t, check.ID, msg.AggregateID)
	var envelope struct {
		Data struct {
			Vendors []struct {
				DiscrepancyMl string `json:"discrepancy_ml"`
			} `json:"vendors"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &envelope))
	require.Len(t, envelope.Data.Vendors, 2)
	assert.Equal(t, "0.000", envelope.Data.Vendors[0].DiscrepancyMl)
	assert.Equal(t, "0.300", envelope.Data.Vendors[1].DiscrepancyMl)
}

func TestRecordCountCheckFlagsLargeDiscrepancy(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	controlledVial(t, svc, "10")
	carrieBoydVial(t, svc)

	flagged, err := svc.RecordCountCheck(ctx, inventory.CountCheckInput{
		Counts: counts(inventory.PhysicalCount{PartialMl: nd("7.5")}, inventory.PhysicalCount{FullVials: 1}),
		Actor:  nurse,
	})
	require.NoError(t, err)
	assert.Equal(t, inventory.CheckMorning, flagged.CheckType)
	assert.True(t, flagged.DiscrepancyFound)
	assert.Equal(t, inventory.CheckDiscrepancyFlagged, flagged.Status)
	assert.Equal(t, "2.500", vendorCount(t, flagged, inventory.VendorTopRX).DiscrepancyMl.String())
	assert.Nil(t, flagged.Notes)

	resolved, err := svc.RecordCountCheck(ctx, inventory.CountCheckInput{
		Type:             inventory.CheckEvening,
		Counts:           counts(inventory.PhysicalCount{FullVials: 1}, inventory.PhysicalCount{FullVials: 2}),
		DiscrepancyNotes: strp("second vial received after intake"),
		Actor:            nurse,
	})
	require.NoError(t, err)
	assert.Equal(t, inventory.CheckDiscrepancyResolved, resolved.Status)
	assert.Equal(t, "-30.000", vendorCount(t, resolved, inventory.VendorCarrieBoyd).DiscrepancyMl.String())
}

func TestRecordCountCheckCountsOnlyControlledStock(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	controlledVial(t, svc, "10")
	_, err := svc.CreateVial(ctx, inventory.NewVialInput{SizeMl: nd("10"), ControlledSubstance: boolp(false)})
	require.NoError(t, err)
	_, err = svc.CreateVial(ctx, inventory.NewVialInput{SizeMl: nd("10"), RemainingVolumeMl: nd("0"), DEADrugName: strp("TopRX")})
	require.NoError(t, err)

	check, err := svc.RecordCountCheck(ctx, inventory.CountCheckInput{
		Counts: counts(inventory.PhysicalCount{FullVials: 1}, inventory.PhysicalCount{}),
		Actor:  nurse,
	})
	require.NoError(t, err)
	tx := vendorCount(t, check, inventory.VendorTopRX)
	assert.Equal(t, 1, tx.SystemVials)
	assert.True(t, tx.DiscrepancyMl.Decimal.IsZero())
	assert.Equal(t, 0, vendorCount(t, check, inventory.VendorCarrieBoyd).SystemVials)
	assert.Equal(t, inventory.CheckCompleted, check.Status)
}

func TestRecordCountCheckValidation(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	controlledVial(t, svc, "10")
	outboxBefore := len(store.Outbox())

	valid := func() inventory.CountCheckInput {
		return inventory.CountCheckInput{
			Counts: counts(inventory.PhysicalCount{FullVials: 1}, inventory.PhysicalCount{}),
			Actor:  nurse,
		}
	}
	tests := []struct {
		name   string
		mutate func(*inventory.CountCheckInput)
		field  string
	}{
		{"no actor", func(in *inventory.CountCheckInput) { in.Actor = inventory.Actor{} }, "actor_user_id"},
		{"unknown check type", func(in *inventory.CountCheckInput) { in.Type = "noon" }, "check_type"},
		{"missing vendor", func(in *inventory.CountCheckInput) { in.Counts = in.Counts[:1] }, "counts"},
		{"unknown vendor", func(in *inventory.CountCheckInput) { in.Counts[1].Vendor = "Nandrolone" }, "counts"},
		{"vendor counted twice", func(in *inventory.CountCheckInput) { in.Counts[1].Vendor = "toprx" }, "counts"},
		{"negative full vials", func(in *inventory.CountCheckInput) { in.Counts[0].FullVials = -1 }, "full_vials"},
		{"negative partial", func(in *inventory.CountCheckInput) { in.Counts[0].PartialMl = nd("-0.5") }, "partial_ml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid()
			tt.mutate(&in)
			_, err := svc.RecordCountCheck(ctx, in)
			require.ErrorIs(t, err, inventory.ErrValidation)
			var ve *inventory.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	history, err := svc.FetchCountCheckHistory(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Len(t, store.Outbox(), outboxBefore)
}

func TestRecordCountCheckRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	controlledVial(t, svc, "10")
	store.FailNext("AppendOutbox", assert.AnError)

	_, err := svc.RecordCountCheck(ctx, inventory.CountCheckInput{
		Counts: counts(inventory.PhysicalCount{FullVials: 1}, inventory.PhysicalCount{}),
		Actor:  nurse,
	})
	require.ErrorIs(t, err, assert.AnError)

	history, err := svc.FetchCountCheckHistory(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTodayCountCheckAndHistory(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	controlledVial(t, svc, "10")

	status, err := svc.FetchTodayCountCheck(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, inventory.CheckMorning, status.CheckType)
	assert.False(t, status.Completed)
	assert.True(t, status.RequiredBeforeDispensing)
	assert.Nil(t, status.Check)

	in := inventory.CountCheckInput{
		Counts: counts(inventory.PhysicalCount{FullVials: 1}, inventory.PhysicalCount{}),
		Actor:  nurse,
	}
	first, err := svc.RecordCountCheck(ctx, in)
	require.NoError(t, err)
	second, err := svc.RecordCountCheck(ctx, in)
	require.NoError(t, err)

	status, err = svc.FetchTodayCountCheck(ctx, inventory.CheckMorning)
	require.NoError(t, err)
	assert.True(t, status.Completed)
	assert.False(t, status.RequiredBeforeDispensing)
	require.NotNil(t, status.Check)
	assert.Equal(t, second.ID, status.Check.ID)

	status, err = svc.FetchTodayCountCheck(ctx, "EVENING")
	require.NoError(t, err)
	assert.Equal(t, inventory.CheckEvening, status.CheckType)
	assert.False(t, status.Completed)

	_, err = svc.FetchTodayCountCheck(ctx, "noon")
	assert.ErrorIs(t, err, inventory.ErrValidation)

	history, err := svc.FetchCountCheckHistory(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)
	require.NotNil(t, history[0].PerformedByName)
	assert.Equal(t, "Nina Nurse", *history[0].PerformedByName)

	_, err = svc.FetchCountCheckHistory(ctx, inventory.MaxCountCheckDays+1)
	assert.ErrorIs(t, err, inventory.ErrValidation)
}

func TestCountCheckDateUsesClinicTimeZone(t *testing.T) {
	denver, err := time.LoadLocation("America/Denver")
	require.NoError(t, err)
	store := memory.New()
	cfg := inventory.DefaultConfig()
	cfg.Location = denver
	// 03:00 UTC on March 1st is still February 28th in Denver.
	svc := inventory.NewService(store, cfg, nil, inventory.WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	}))

	check, err := svc.RecordCountCheck(context.Background(), inventory.CountCheckInput{
		Type:   inventory.CheckEvening,
		Counts: counts(inventory.PhysicalCount{}, inventory.PhysicalCount{}),
		Actor:  nurse,
	})
	require.NoError(t, err)
	assert.Equal(t, "2026-02-28", check.CheckDate)

	status, err := svc.FetchTodayCountCheck(context.Background(), inventory.CheckEvening)
	require.NoError(t, err)
	assert.True(t, status.Completed)
}

func TestFetchInventoryByVendor(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := inventory.DefaultConfig()
	cfg.LowStockVials = 1
	svc := inventory.NewService(store, cfg, nil)

	controlledVial(t, svc, "10")
	controlledVial(t, svc, "10")
	carrieBoydVial(t, svc)
	_, err := svc.CreateVial(ctx, inventory.NewVialInput{Status: strp("expired"), SizeMl: nd("10"), DEADrugName: strp("TopRX")})
	require.NoError(t, err)
	_, err = svc.CreateVial(ctx, inventory.NewVialInput{SizeMl: nd("10"), RemainingVolumeMl: nd("0"), DEADrugName: strp("TopRX")})
	require.NoError(t, err)
	_, err = svc.CreateVial(ctx, inventory.NewVialInput{SizeMl: nd("10"), ControlledSubstance: boolp(false)})
	require.NoError(t, err)

	rows, err := svc.FetchInventoryByVendor(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byVendor := map[string]*inventory.VendorInventory{}
	for _, r := range rows {
		byVendor[r.Vendor] = r
	}

	tx := byVendor[inventory.VendorTopRX]
	require.NotNil(t, tx)
	assert.Equal(t, 2, tx.ActiveVials)
	assert.Equal(t, "20.000", tx.TotalRemainingMl.String())
	assert.False(t, tx.LowInventory)
	require.Len(t, tx.Vials, 2)
	assert.True(t, tx.Vials[0].RemainingMl.Decimal.Equal(decimal.NewFromInt(10)))

	cb := byVendor[inventory.VendorCarrieBoyd]
	require.NotNil(t, cb)
	assert.Equal(t, 1, cb.ActiveVials)
	assert.Equal(t, "30.000", cb.TotalRemainingMl.String())
	assert.True(t, cb.LowInventory)
}

func TestFetchInventoryByVendorCapsVialDetail(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	for i := 0; i < 12; i++ {
		controlledVial(t, svc, "10")
	}

	rows, err := svc.FetchInventoryByVendor(ctx)
	require.NoError(t, err)
	for _, r := range rows {
		if r.Vendor != inventory.VendorTopRX {
			assert.Zero(t, r.ActiveVials)
			assert.True(t, r.LowInventory)
			assert.NotNil(t, r.Vials)
			continue
		}
		assert.Equal(t, 12, r.ActiveVials)
		assert.Equal(t, "120.000", r.TotalRemainingMl.String())
		assert.Len(t, r.Vials, 10)
		assert.False(t, r.LowInventory)
	}
}
