package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
)

func (s *Store) ListVials(ctx context.Context) ([]*inventory.Vial, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+vialColumns+`
		  FROM vials
		 ORDER BY expiration_date ASC NULLS LAST, external_id`)
	if err != nil {
		return nil, fmt.Errorf("list vials: %w", err)
	}
	defer rows.Close()

	var out []*inventory.Vial
	for rows.Next() {
		v, err := scanVial(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vial: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) InventorySummary(ctx context.Context) (*inventory.InventorySummary, error) {
	var sum inventory.InventorySummary
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'Active'),
		       COUNT(*) FILTER (WHERE status = 'Expired'),
		       COALESCE(SUM(remaining_volume_ml), 0)::text
		  FROM vials`).Scan(&sum.ActiveVials, &sum.ExpiredVials, &total)
	if err != nil {
		return nil, fmt.Errorf("inventory summary: %w", err)
	}
	if sum.TotalRemainingMl, err = parseNum(&total); err != nil {
		return nil, fmt.Errorf("parse total remaining: %w", err)
	}
	return &sum, nil
}

func (s *Store) ListTransactions(ctx context.Context, limit int) ([]*inventory.TransactionRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.dispense_id::text, d.vial_id::text, d.vial_external_id, d.patient_id,
		       COALESCE(p.full_name, d.patient_name), d.dispense_date, d.transaction_type,
		       d.total_dispensed_ml::text, d.syringe_count, d.dose_per_syringe_ml::text,
		       d.waste_ml::text, d.total_amount::text, d.notes, d.prescriber,
		       d.created_by, d.created_by_role, d.prescribing_provider_id, d.signature_status,
		       d.signed_by, d.signed_at, d.signed_ip, d.signature_note,
		       p.dob,
		       t.dea_schedule,
		       COALESCE(t.dea_drug_name, v.dea_drug_name),
		       COALESCE(t.dea_drug_code, v.dea_drug_code),
		       t.units,
		       (v.size_ml - v.remaining_volume_ml)::text,
		       v.remaining_volume_ml::text,
		       cu.display_name, su.display_name, pu.display_name
		  FROM dispenses d
		  LEFT JOIN patients p ON p.patient_id = d.patient_id
		  LEFT JOIN vials v ON v.vial_id = d.vial_id
		  LEFT JOIN dea_transactions t ON t.dispense_id = d.dispense_id
		  LEFT JOIN users cu ON cu.user_id = d.created_by
		  LEFT JOIN users su ON su.user_id = d.signed_by
		  LEFT JOIN users pu ON pu.user_id = d.prescribing_provider_id
		 ORDER BY d.dispense_date DESC, d.created_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*inventory.TransactionRow
	for rows.Next() {
		var r inventory.TransactionRow
		var dispensed, dose, waste, total, vialTotal, remaining *string
		if err := rows.Scan(
			&r.ID, &r.VialID, &r.VialExternalID, &r.PatientID,
			&r.PatientName, &r.DispenseDate, &r.TransactionType,
			&dispensed, &r.SyringeCount, &dose,
			&waste, &total, &r.Notes, &r.Prescriber,
			&r.CreatedBy, &r.CreatedByRole, &r.PrescribingProviderID, &r.SignatureStatus,
			&r.SignedBy, &r.SignedAt, &r.SignedIP, &r.SignatureNote,
			&r.PatientDOB,
			&r.DEASchedule,
			&r.DEADrugName,
			&r.DEADrugCode,
			&r.Units,
			&vialTotal,
			&remaining,
			&r.CreatedByName, &r.SignedByName, &r.PrescribingProviderName,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if err := parseInto(
			numField{dispensed, &r.TotalDispensedMl},
			numField{dose, &r.DosePerSyringeMl},
			numField{waste, &r.WasteMl},
			numField{total, &r.TotalAmount},
			numField{vialTotal, &r.DispensedTotalVial},
			numField{remaining, &r.RemainingVolumeMl},
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) ListPatientDispenses(ctx context.Context, patientID string, limit int) ([]*inventory.PatientDispenseRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.dispense_id::text, d.dispense_date, d.transaction_type,
		       COALESCE(v.external_id, d.vial_external_id),
		       d.total_amount::text, d.total_dispensed_ml::text, d.waste_ml::text,
		       d.syringe_count, d.dose_per_syringe_ml::text, d.notes,
		       cu.display_name, su.display_name, d.signed_at
		  FROM dispenses d
		  LEFT JOIN vials v ON v.vial_id = d.vial_id
		  LEFT JOIN users cu ON cu.user_id = d.created_by
		  LEFT JOIN users su ON su.user_id = d.signed_by
		 WHERE d.patient_id = $1
		 ORDER BY d.dispense_date DESC, d.created_at DESC
		 LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list patient dispenses: %w", err)
	}
	defer rows.Close()

	var out []*inventory.PatientDispenseRow
	for rows.Next() {
		var r inventory.PatientDispenseRow
		var total, dispensed, waste, dose *string
		if err := rows.Scan(&r.DispenseID, &r.DispenseDate, &r.TransactionType,
			&r.VialExternalID,
			&total, &dispensed, &waste,
			&r.SyringeCount, &dose, &r.Notes,
			&r.CreatedByName, &r.SignedByName, &r.SignedAt); err != nil {
			return nil, fmt.Errorf("scan patient dispense: %w", err)
		}
		if err := parseInto(
			numField{total, &r.TotalAmount},
			numField{dispensed, &r.TotalDispensedMl},
			numField{waste, &r.WasteMl},
			numField{dose, &r.DosePerSyringeMl},
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) SignatureQueue(ctx context.Context) ([]*inventory.SignatureQueueRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dispense_id::text, dispense_date, vial_external_id, transaction_type, patient_name,
		       total_dispensed_ml::text, waste_ml::text, total_amount::text, notes,
		       created_by, created_by_name, created_by_role,
		       signed_by, signed_by_name, signed_at, signature_status, signature_note
		  FROM provider_signature_queue_v
		 WHERE signature_status <> 'signed'
		 ORDER BY dispense_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("signature queue: %w", err)
	}
	defer rows.Close()

	var out []*inventory.SignatureQueueRow
	for rows.Next() {
		var r inventory.SignatureQueueRow
		var dispensed, waste, total *string
		if err := rows.Scan(&r.DispenseID, &r.DispenseDate, &r.VialExternalID, &r.TransactionType, &r.PatientName,
			&dispensed, &waste, &total, &r.Notes,
			&r.CreatedBy, &r.CreatedByName, &r.CreatedByRole,
			&r.SignedBy, &r.SignedByName, &r.SignedAt, &r.SignatureStatus, &r.SignatureNote); err != nil {
			return nil, fmt.Errorf("scan signature queue row: %w", err)
		}
		if err := parseInto(
			numField{dispensed, &r.TotalDispensedMl},
			numField{waste, &r.WasteMl},
			numField{total, &r.TotalAmount},
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) SignatureSummary(ctx context.Context) (*inventory.SignatureSummary, error) {
	var sum inventory.SignatureSummary
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE signature_status <> 'signed'),
		       MAX(signed_at)
		  FROM dispenses`).Scan(&sum.PendingCount, &sum.MostRecentSignedAt)
	if err != nil {
		return nil, fmt.Errorf("signature summary: %w", err)
	}
	return &sum, nil
}

func (s *Store) DispenseHistory(ctx context.Context, dispenseID string) ([]*inventory.HistoryEvent, error) {
	// Rows whose dispense was deleted keep the id only in the payload.
	var linked any
	if validID(dispenseID) {
		linked = dispenseID
	}
	rows, err := s.pool.Query(ctx, `
		SELECT h.event_id::text, h.dispense_id::text, h.event_type, h.actor_user_id, h.actor_role,
		       h.event_payload, h.created_at, u.display_name
		  FROM dispense_history h
		  LEFT JOIN users u ON u.user_id = h.actor_user_id
		 WHERE h.dispense_id = $1::uuid
		    OR h.event_payload->>'dispenseId' = $2
		 ORDER BY h.created_at DESC`, linked, dispenseID)
	if err != nil {
		return nil, fmt.Errorf("dispense history: %w", err)
	}
	defer rows.Close()

	var out []*inventory.HistoryEvent
	for rows.Next() {
		var e inventory.HistoryEvent
		var eventType string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.DispenseID, &eventType, &e.ActorUserID, &e.ActorRole,
			&payload, &e.CreatedAt, &e.ActorDisplayName); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		e.EventType = inventory.EventType(eventType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode history payload: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) DEALog(ctx context.Context, start, end time.Time) ([]*inventory.DEATransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dea_tx_id::text, dispense_id::text, vial_id::text, patient_id, prescriber,
		       dea_drug_name, dea_drug_code, dea_schedule, quantity_dispensed::text, units,
		       transaction_time, source_system, notes
		  FROM dea_transactions
		 WHERE ($1::timestamptz IS NULL OR transaction_time >= $1)
		   AND ($2::timestamptz IS NULL OR transaction_time <= $2)
		 ORDER BY transaction_time DESC`, timeArg(start), timeArg(end))
	if err != nil {
		return nil, fmt.Errorf("dea log: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*inventory.DEATransaction, error) {
		var r inventory.DEATransaction
		var qty string
		if err := row.Scan(&r.ID, &r.DispenseID, &r.VialID, &r.PatientID, &r.Prescriber,
			&r.DEADrugName, &r.DEADrugCode, &r.DEASchedule, &qty, &r.Units,
			&r.TransactionTime, &r.SourceSystem, &r.Notes); err != nil {
			return nil, fmt.Errorf("scan dea transaction: %w", err)
		}
		var err error
		if r.QuantityDispensed, err = parseNum(&qty); err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		return &r, nil
	})
}

func (s *Store) CountChecks(ctx context.Context, since string) ([]*inventory.CountCheck, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.check_id::text, c.check_date::text, c.check_type, c.performed_by, c.performed_by_role,
		       c.performed_at, c.vendor_counts, c.discrepancy_found, c.discrepancy_notes, c.notes,
		       c.status, u.display_name
		  FROM count_checks c
		  LEFT JOIN users u ON u.user_id = c.performed_by
		 WHERE c.check_date >= $1::date
		 ORDER BY c.check_date DESC, c.performed_at DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("count checks: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*inventory.CountCheck, error) {
		var c inventory.CountCheck
		var checkType, status string
		var vendors []byte
		if err := row.Scan(&c.ID, &c.CheckDate, &checkType, &c.PerformedBy, &c.PerformedByRole,
			&c.PerformedAt, &vendors, &c.DiscrepancyFound, &c.DiscrepancyNotes, &c.Notes,
			&status, &c.PerformedByName); err != nil {
			return nil, fmt.Errorf("scan count check: %w", err)
		}
		c.CheckType = inventory.CheckType(checkType)
		c.Status = inventory.CheckStatus(status)
		if err := json.Unmarshal(vendors, &c.Vendors); err != nil {
			return nil, fmt.Errorf("decode vendor counts: %w", err)
		}
		return &c, nil
	})
}

type numField struct {
	src *string
	dst *inventory.Volume
}

func parseInto(fields ...numField) error {
	for _, f := range fields {
		v, err := parseNum(f.src)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
