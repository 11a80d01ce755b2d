package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Default page sizes of the ledger read queries.
const (
	DefaultTransactionLimit     = 250
	DefaultPatientDispenseLimit = 200
)

var dispenseDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// NewDispenseInput is a request to record a dispense against a vial.
type NewDispenseInput struct {
	VialExternalID string
	DispenseDate   string

	TransactionType *string
	PatientID       *string
	PatientName     *string

	SyringeCount     decimal.NullDecimal
	DosePerSyringeMl decimal.NullDecimal
	TotalDispensedMl decimal.NullDecimal
	WasteMl          decimal.NullDecimal
	TotalAmount      decimal.NullDecimal

	Notes       *string
	Prescriber  *string
	DEASchedule *string
	DEADrugName *string
	DEADrugCode *string
	Units       *string
	// RecordDEA disables the DEA record when explicitly false.
	RecordDEA *bool

	CreatedByUserID       string
	CreatedByRole         string
	PrescribingProviderID *string
	SignatureStatus       *string
	SignatureNote         *string
}

// CreateDispenseResult reports what a dispense creation wrote.
type CreateDispenseResult struct {
	DispenseID         string  `json:"dispense_id"`
	DEATransactionID   *string `json:"dea_transaction_id"`
	UpdatedRemainingMl Volume  `json:"updated_remaining_ml"`
}

// UpdateDispenseInput edits the free-text metadata of a dispense. A nil field
// is left untouched; an empty string clears it. Volumes are never edited.
type UpdateDispenseInput struct {
	DispenseID            string
	Notes                 *string
	Prescriber            *string
	TransactionType       *string
	PrescribingProviderID *string
	Actor                 Actor
}

func parseDispenseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, invalid("dispense_date", "is required")
	}
	for _, layout := range dispenseDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalid("dispense_date", fmt.Sprintf("unparseable date %q", raw))
}

func (in NewDispenseInput) validate() (time.Time, Volumes, error) {
	if strings.TrimSpace(in.VialExternalID) == "" {
		return time.Time{}, Volumes{}, invalid("vial_external_id", "is required")
	}
	if strings.TrimSpace(in.CreatedByUserID) == "" {
		return time.Time{}, Volumes{}, invalid("created_by_user_id", "is required")
	}
	if strings.TrimSpace(in.CreatedByRole) == "" {
		return time.Time{}, Volumes{}, invalid("created_by_role", "is required")
	}
	date, err := parseDispenseDate(in.DispenseDate)
	if err != nil {
		return time.Time{}, Volumes{}, err
	}
	vols, err := DeriveVolumes(VolumeInput{
		SyringeCount:     in.SyringeCount,
		DosePerSyringeMl: in.DosePerSyringeMl,
		TotalDispensedMl: in.TotalDispensedMl,
		WasteMl:          in.WasteMl,
		TotalAmount:      in.TotalAmount,
	})
	if err != nil {
		return time.Time{}, Volumes{}, err
	}
	return date, vols, nil
}

// CreateDispense records a dispense, deducts dispensed plus waste volume from
// the vial, writes the DEA record for controlled vials and appends the created
// history event, all in one transaction.
func (s *Service) CreateDispense(ctx context.Context, in NewDispenseInput) (res *CreateDispenseResult, err error) {
	ctx, done := s.span(ctx, "create_dispense", attribute.String("vial_external_id", in.VialExternalID))
	defer done(&err)

	date, vols, err := in.validate()
	if err != nil {
		return nil, err
	}
	externalID := strings.TrimSpace(in.VialExternalID)
	status := SignatureAwaiting
	if in.SignatureStatus != nil && strings.TrimSpace(*in.SignatureStatus) != "" {
		status = strings.TrimSpace(*in.SignatureStatus)
	}

	var controlled bool
	err = s.store.InTx(ctx, func(tx Tx) error {
		vial, err := tx.GetVialByExternalID(ctx, externalID)
		if errors.Is(err, ErrNotFound) {
			return notFound("vial", externalID)
		}
		if err != nil {
			return fmt.Errorf("get vial: %w", err)
		}
		controlled = vial.ControlledSubstance

		patientID := trimmedOrNil(in.PatientID)
		if patientID != nil {
			ok, err := tx.PatientExists(ctx, *patientID)
			if err != nil {
				return fmt.Errorf("check patient: %w", err)
			}
			if !ok {
				return notFound("patient", *patientID)
			}
		} else if name := trimmedOrNil(in.PatientName); name != nil {
			if patientID, err = tx.FindPatientIDByName(ctx, *name); err != nil {
				return fmt.Errorf("resolve patient: %w", err)
			}
		}

		d := &Dispense{
			VialID:                &vial.ID,
			VialExternalID:        &externalID,
			PatientID:             patientID,
			PatientName:           in.PatientName,
			DispenseDate:          date,
			TransactionType:       in.TransactionType,
			TotalDispensedMl:      NewVolume(vols.TotalDispensedMl),
			SyringeCount:          vols.SyringeCount,
			DosePerSyringeMl:      Volume(vols.DosePerSyringeMl),
			WasteMl:               NewVolume(vols.WasteMl),
			TotalAmount:           NewVolume(vols.TotalAmount),
			Notes:                 in.Notes,
			Prescriber:            in.Prescriber,
			CreatedBy:             in.CreatedByUserID,
			CreatedByRole:         in.CreatedByRole,
			PrescribingProviderID: in.PrescribingProviderID,
			SignatureStatus:       status,
			SignatureNote:         in.SignatureNote,
		}
		if err := tx.InsertDispense(ctx, d); err != nil {
			return fmt.Errorf("insert dispense: %w", err)
		}

		remaining, err := tx.DeductVialVolume(ctx, vial.ID, vols.Deducted())
		if err != nil {
			return fmt.Errorf("deduct vial volume: %w", err)
		}

		res = &CreateDispenseResult{DispenseID: d.ID, UpdatedRemainingMl: remaining}

		if (in.RecordDEA == nil || *in.RecordDEA) && vial.ControlledSubstance {
			deaID, err := s.recordDEA(ctx, tx, d, vial, in)
			if err != nil {
				return err
			}
			res.DEATransactionID = &deaID
		}

		return s.record(ctx, tx, DispenseEvent{
			DispenseID: d.ID,
			Type:       EventCreated,
			Actor:      Actor{UserID: in.CreatedByUserID, Role: in.CreatedByRole},
			Payload: map[string]any{
				"patientId":        strOrNil(patientID),
				"vialExternalId":   externalID,
				"totalDispensedMl": vols.TotalDispensedMl.StringFixed(VolumePlaces),
				"wasteMl":          vols.WasteMl.StringFixed(VolumePlaces),
				"totalAmount":      vols.TotalAmount.StringFixed(VolumePlaces),
				"syringeCount":     intOrNil(vols.SyringeCount),
				"dosePerSyringe":   decOrNil(Volume(vols.DosePerSyringeMl)),
				"transactionType":  strOrNil(in.TransactionType),
				"prescriber":       strOrNil(in.Prescriber),
				"signatureStatus":  status,
				"deaTransactionId": strOrNil(res.DEATransactionID),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.DispenseCreated(controlled, vols.Deducted())
	if res.DEATransactionID != nil {
		s.metrics.DEARecorded()
	}
	s.logger.Info("dispense created",
		zap.String("dispense_id", res.DispenseID),
		zap.String("vial_external_id", externalID),
		zap.String("deducted_ml", vols.Deducted().StringFixed(VolumePlaces)),
		zap.Bool("dea_recorded", res.DEATransactionID != nil),
	)
	return res, nil
}

// DeleteDispense removes a dispense and its DEA record and restores the
// deducted volume to the vial. Deleting a dispense that no longer exists
// fails with ErrAlreadyResolved.
func (s *Service) DeleteDispense(ctx context.Context, dispenseID string, actor Actor) (err error) {
	ctx, done := s.span(ctx, "delete_dispense", attribute.String("dispense_id", dispenseID))
	defer done(&err)

	alreadyDeleted := fmt.Errorf("transaction already deleted: dispense %q: %w", dispenseID, ErrAlreadyResolved)
	var restored decimal.Decimal
	err = s.store.InTx(ctx, func(tx Tx) error {
		d, err := tx.LockDispense(ctx, dispenseID)
		if errors.Is(err, ErrNotFound) {
			return alreadyDeleted
		}
		if err != nil {
			return fmt.Errorf("lock dispense: %w", err)
		}

		restored = nullOrZero(d.TotalDispensedMl).Add(nullOrZero(d.WasteMl))
		if err := s.record(ctx, tx, DispenseEvent{
			DispenseID: dispenseID,
			Type:       EventDeleted,
			Actor:      actor,
			Payload: map[string]any{
				"vialId":           strOrNil(d.VialID),
				"vialExternalId":   strOrNil(d.VialExternalID),
				"patientId":        strOrNil(d.PatientID),
				"totalDispensedMl": decOrNil(d.TotalDispensedMl),
				"wasteMl":          decOrNil(d.WasteMl),
				"totalAmount":      decOrNil(d.TotalAmount),
				"signatureStatus":  d.SignatureStatus,
				"restored":         true,
				"restoredMl":       restored.StringFixed(VolumePlaces),
			},
		}); err != nil {
			return err
		}

		if err := s.removeDEA(ctx, tx, dispenseID, actor); err != nil {
			return err
		}
		ok, err := tx.DeleteDispense(ctx, dispenseID)
		if err != nil {
			return fmt.Errorf("delete dispense: %w", err)
		}
		if !ok {
			return alreadyDeleted
		}

		if restored.IsPositive() {
			if err := tx.RestoreVialVolume(ctx, d.VialID, d.VialExternalID, restored); err != nil {
				return fmt.Errorf("restore vial volume: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.DispenseDeleted(true)
	s.logger.Info("dispense deleted",
		zap.String("dispense_id", dispenseID),
		zap.String("restored_ml", restored.StringFixed(VolumePlaces)),
	)
	return nil
}

// DeleteDispenseByID is the administrative hard delete. It removes the
// dispense and its DEA record without restoring vial volume.
func (s *Service) DeleteDispenseByID(ctx context.Context, dispenseID string) (err error) {
	ctx, done := s.span(ctx, "delete_dispense_by_id", attribute.String("dispense_id", dispenseID))
	defer done(&err)

	missing := fmt.Errorf("transaction not found: %w", notFound("dispense", dispenseID))
	err = s.store.InTx(ctx, func(tx Tx) error {
		d, err := tx.LockDispense(ctx, dispenseID)
		if errors.Is(err, ErrNotFound) {
			return missing
		}
		if err != nil {
			return fmt.Errorf("lock dispense: %w", err)
		}
		if err := s.record(ctx, tx, DispenseEvent{
			DispenseID: dispenseID,
			Type:       EventDeleted,
			Actor:      SystemActor,
			Payload: map[string]any{
				"vialExternalId":   strOrNil(d.VialExternalID),
				"totalDispensedMl": decOrNil(d.TotalDispensedMl),
				"wasteMl":          decOrNil(d.WasteMl),
				"restored":         false,
			},
		}); err != nil {
			return err
		}
		if err := s.removeDEA(ctx, tx, dispenseID, SystemActor); err != nil {
			return err
		}
		ok, err := tx.DeleteDispense(ctx, dispenseID)
		if err != nil {
			return fmt.Errorf("delete dispense: %w", err)
		}
		if !ok {
			return missing
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.DispenseDeleted(false)
	s.logger.Warn("dispense hard deleted without volume restore", zap.String("dispense_id", dispenseID))
	return nil
}

// UpdateDispense edits dispense metadata and records the before and after
// values. A prescriber change is carried onto the DEA record.
func (s *Service) UpdateDispense(ctx context.Context, in UpdateDispenseInput) (d *Dispense, err error) {
	ctx, done := s.span(ctx, "update_dispense", attribute.String("dispense_id", in.DispenseID))
	defer done(&err)

	if strings.TrimSpace(in.Actor.UserID) == "" {
		return nil, invalid("actor_user_id", "is required")
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		cur, err := tx.LockDispense(ctx, in.DispenseID)
		if errors.Is(err, ErrNotFound) {
			return notFound("dispense", in.DispenseID)
		}
		if err != nil {
			return fmt.Errorf("lock dispense: %w", err)
		}

		next := DispenseDetails{
			Notes:                 cur.Notes,
			Prescriber:            cur.Prescriber,
			TransactionType:       cur.TransactionType,
			PrescribingProviderID: cur.PrescribingProviderID,
		}
		before := map[string]any{}
		after := map[string]any{}
		apply := func(key string, field **string, val *string) {
			if val == nil {
				return
			}
			nv := trimmedOrNil(val)
			if equalStrPtr(*field, nv) {
				return
			}
			before[key] = strOrNil(*field)
			after[key] = strOrNil(nv)
			*field = nv
		}
		apply("notes", &next.Notes, in.Notes)
		apply("prescriber", &next.Prescriber, in.Prescriber)
		apply("transactionType", &next.TransactionType, in.TransactionType)
		apply("prescribingProviderId", &next.PrescribingProviderID, in.PrescribingProviderID)

		if len(after) == 0 {
			d = cur
			return nil
		}
		if err := tx.UpdateDispenseDetails(ctx, in.DispenseID, next); err != nil {
			return fmt.Errorf("update dispense: %w", err)
		}
		if _, changed := after["prescriber"]; changed {
			if err := tx.UpdateDEAPrescriber(ctx, in.DispenseID, next.Prescriber); err != nil {
				return fmt.Errorf("update dea prescriber: %w", err)
			}
		}
		if err := s.record(ctx, tx, DispenseEvent{
			DispenseID: in.DispenseID,
			Type:       EventUpdated,
			Actor:      in.Actor,
			Payload:    map[string]any{"before": before, "after": after},
		}); err != nil {
			return err
		}
		d, err = tx.GetDispense(ctx, in.DispenseID)
		if err != nil {
			return fmt.Errorf("reload dispense: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// FetchTransactions returns the most recent dispenses with their DEA, vial
// and user details. A non-positive limit uses DefaultTransactionLimit.
func (s *Service) FetchTransactions(ctx context.Context, limit int) (rows []*TransactionRow, err error) {
	ctx, done := s.span(ctx, "fetch_transactions")
	defer done(&err)
	if limit <= 0 {
		limit = DefaultTransactionLimit
	}
	return s.store.ListTransactions(ctx, limit)
}

// FetchDispensesForPatient returns a patient's dispenses, newest first.
func (s *Service) FetchDispensesForPatient(ctx context.Context, patientID string, limit int) (rows []*PatientDispenseRow, err error) {
	ctx, done := s.span(ctx, "fetch_patient_dispenses", attribute.String("patient_id", patientID))
	defer done(&err)
	if strings.TrimSpace(patientID) == "" {
		return nil, invalid("patient_id", "is required")
	}
	if limit <= 0 {
		limit = DefaultPatientDispenseLimit
	}
	return s.store.ListPatientDispenses(ctx, patientID, limit)
}

func nullOrZero(d Volume) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}

func intOrNil(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func equalStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
