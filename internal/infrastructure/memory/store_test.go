package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
)

func strp(s string) *string { return &s }

func TestUpsertDEATransactionUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var firstID, secondID string
	err := s.InTx(ctx, func(tx inventory.Tx) error {
		var err error
		firstID, err = tx.UpsertDEATransaction(ctx, &inventory.DEATransaction{
			DispenseID:        "d-1",
			DEADrugName:       strp("TopRX"),
			DEASchedule:       "Schedule III",
			QuantityDispensed: inventory.NewVolume(decimal.RequireFromString("2")),
			Units:             "mL",
			TransactionTime:   at,
			Notes:             strp("first"),
		})
		if err != nil {
			return err
		}
		secondID, err = tx.UpsertDEATransaction(ctx, &inventory.DEATransaction{
			DispenseID:        "d-1",
			QuantityDispensed: inventory.NewVolume(decimal.RequireFromString("1.2345")),
			TransactionTime:   at.Add(time.Hour),
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, firstID, secondID)

	rows := s.DEATransactions()
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, firstID, r.ID)
	assert.Equal(t, "1.235", r.QuantityDispensed.String())
	assert.Equal(t, at.Add(time.Hour), r.TransactionTime)
	require.NotNil(t, r.DEADrugName)
	assert.Equal(t, "TopRX", *r.DEADrugName)
	require.NotNil(t, r.Notes)
	assert.Equal(t, "first", *r.Notes)
	assert.Equal(t, "Schedule III", r.DEASchedule)
}

func TestInTxDiscardsFailedWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx inventory.Tx) error {
		v := &inventory.Vial{ExternalID: "V0001", SizeMl: inventory.NewVolume(decimal.NewFromInt(10))}
		if err := tx.InsertVial(ctx, v); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	vials, err := s.ListVials(ctx)
	require.NoError(t, err)
	assert.Empty(t, vials)
}

func TestVolumesRoundToColumnScale(t *testing.T) {
	ctx := context.Background()
	s := New()

	var vialID string
	var remaining inventory.Volume
	err := s.InTx(ctx, func(tx inventory.Tx) error {
		v := &inventory.Vial{
			ExternalID:          "V0001",
			SizeMl:              inventory.NewVolume(decimal.RequireFromString("10.0004")),
			RemainingVolumeMl:   inventory.NewVolume(decimal.RequireFromString("10.0004")),
			ControlledSubstance: true,
		}
		if err := tx.InsertVial(ctx, v); err != nil {
			return err
		}
		vialID = v.ID
		var err error
		remaining, err = tx.DeductVialVolume(ctx, vialID, decimal.RequireFromString("0.0014"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "9.999", remaining.String())

	err = s.InTx(ctx, func(tx inventory.Tx) error {
		return tx.RestoreVialVolume(ctx, &vialID, nil, decimal.RequireFromString("0.001"))
	})
	require.NoError(t, err)

	vials, err := s.ListVials(ctx)
	require.NoError(t, err)
	require.Len(t, vials, 1)
	assert.Equal(t, "10.000", vials[0].RemainingVolumeMl.String())
	assert.Equal(t, "10.000", vials[0].SizeMl.String())
}

func TestCountChecksSinceNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedUser("u-nurse", "Nina Nurse")
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	checks := []*inventory.CountCheck{
		{CheckDate: "2026-02-20", CheckType: inventory.CheckMorning, PerformedBy: "u-nurse", PerformedAt: at.AddDate(0, 0, -9)},
		{CheckDate: "2026-03-01", CheckType: inventory.CheckMorning, PerformedBy: "u-nurse", PerformedAt: at},
		{CheckDate: "2026-03-01", CheckType: inventory.CheckEvening, PerformedBy: "u-other", PerformedAt: at.Add(9 * time.Hour),
			Vendors: []inventory.VendorCount{{Vendor: "TopRX", DiscrepancyMl: inventory.NewVolume(decimal.RequireFromString("0.0004"))}}},
	}
	err := s.InTx(ctx, func(tx inventory.Tx) error {
		for _, c := range checks {
			if err := tx.InsertCountCheck(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	got, err := s.CountChecks(ctx, "2026-02-25")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, checks[2].ID, got[0].ID)
	assert.Nil(t, got[0].PerformedByName)
	assert.Equal(t, "0.000", got[0].Vendors[0].DiscrepancyMl.String())
	assert.Equal(t, checks[1].ID, got[1].ID)
	require.NotNil(t, got[1].PerformedByName)
	assert.Equal(t, "Nina Nurse", *got[1].PerformedByName)
}
