package inventory

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// DEALogRange bounds a DEA log query. Zero times leave that side open.
type DEALogRange struct {
	Start time.Time
	End   time.Time
}

// recordDEA upserts the regulatory record paired with d. Caller metadata wins
// over the vial's identity; schedule, units and source fall back to defaults.
func (s *Service) recordDEA(ctx context.Context, tx Tx, d *Dispense, vial *Vial, in NewDispenseInput) (string, error) {
	t := &DEATransaction{
		DispenseID:        d.ID,
		VialID:            &vial.ID,
		PatientID:         d.PatientID,
		Prescriber:        in.Prescriber,
		DEADrugName:       firstNonEmpty(in.DEADrugName, vial.DEADrugName),
		DEADrugCode:       firstNonEmpty(in.DEADrugCode, vial.DEADrugCode),
		DEASchedule:       DefaultDEASchedule,
		QuantityDispensed: d.TotalDispensedMl,
		Units:             DefaultUnits,
		TransactionTime:   d.DispenseDate,
		SourceSystem:      DefaultSource,
		Notes:             in.Notes,
	}
	if v := trimmedOrNil(in.DEASchedule); v != nil {
		t.DEASchedule = *v
	}
	if v := trimmedOrNil(in.Units); v != nil {
		t.Units = *v
	}

	id, err := tx.UpsertDEATransaction(ctx, t)
	if err != nil {
		return "", fmt.Errorf("upsert dea transaction: %w", err)
	}
	t.ID = id

	msg, err := newOutboxMessage(AggregateDispense, d.ID, "dea.recorded", TopicDEATransactions,
		Actor{UserID: in.CreatedByUserID, Role: in.CreatedByRole}, s.now(), t)
	if err != nil {
		return "", fmt.Errorf("encode dea message: %w", err)
	}
	if err := tx.AppendOutbox(ctx, msg); err != nil {
		return "", fmt.Errorf("write dea message: %w", err)
	}
	return id, nil
}

// removeDEA deletes the DEA record of a dispense, if any, and announces it.
func (s *Service) removeDEA(ctx context.Context, tx Tx, dispenseID string, actor Actor) error {
	ok, err := tx.DeleteDEATransaction(ctx, dispenseID)
	if err != nil {
		return fmt.Errorf("delete dea transaction: %w", err)
	}
	if !ok {
		return nil
	}
	msg, err := newOutboxMessage(AggregateDispense, dispenseID, "dea.removed", TopicDEATransactions,
		actor, s.now(), map[string]string{"dispense_id": dispenseID})
	if err != nil {
		return fmt.Errorf("encode dea message: %w", err)
	}
	if err := tx.AppendOutbox(ctx, msg); err != nil {
		return fmt.Errorf("write dea message: %w", err)
	}
	return nil
}

// FetchDEALog lists DEA records within r, newest first.
func (s *Service) FetchDEALog(ctx context.Context, r DEALogRange) (rows []*DEATransaction, err error) {
	ctx, done := s.span(ctx, "fetch_dea_log",
		attribute.String("start", r.Start.Format(time.RFC3339)),
		attribute.String("end", r.End.Format(time.RFC3339)),
	)
	defer done(&err)
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return nil, invalid("end", "must not be before start")
	}
	return s.store.DEALog(ctx, r.Start, r.End)
}

func firstNonEmpty(vals ...*string) *string {
	for _, v := range vals {
		if t := trimmedOrNil(v); t != nil {
			return t
		}
	}
	return nil
}
