package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
)

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL inventory.Store. Numeric columns travel as text in
// both directions so volumes never pass through binary floating point.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a ledger store over pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

var _ inventory.Store = (*Store)(nil)

// referenced translates a foreign key violation into inventory.ErrReferenced.
func referenced(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, inventory.ErrReferenced)
	}
	return err
}

// InTx runs fn in a single database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx inventory.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx pgx.Tx
}

const vialColumns = `vial_id::text, external_id, size_ml::text, remaining_volume_ml::text, status,
	expiration_date, date_received, lot_number, dea_drug_name, dea_drug_code,
	controlled_substance, location, notes`

const dispenseColumns = `dispense_id::text, vial_id::text, vial_external_id, patient_id, patient_name,
	dispense_date, transaction_type, total_dispensed_ml::text, syringe_count,
	dose_per_syringe_ml::text, waste_ml::text, total_amount::text, notes, prescriber,
	created_by, created_by_role, prescribing_provider_id, signature_status,
	signed_by, signed_at, signed_ip, signature_note`

func numArg(v inventory.Volume) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}

func parseNum(s *string) (inventory.Volume, error) {
	if s == nil {
		return inventory.Volume{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return inventory.Volume{}, fmt.Errorf("parse numeric %q: %w", *s, err)
	}
	return inventory.NewVolume(d), nil
}

// validID reports whether id can match a UUID key; anything else cannot exist.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func scanVial(row pgx.Row) (*inventory.Vial, error) {
	var v inventory.Vial
	var size, remaining *string
	err := row.Scan(&v.ID, &v.ExternalID, &size, &remaining, &v.Status,
		&v.ExpirationDate, &v.DateReceived, &v.LotNumber, &v.DEADrugName, &v.DEADrugCode,
		&v.ControlledSubstance, &v.Location, &v.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, inventory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if v.SizeMl, err = parseNum(size); err != nil {
		return nil, err
	}
	if v.RemainingVolumeMl, err = parseNum(remaining); err != nil {
		return nil, err
	}
	return &v, nil
}

func scanDispense(row pgx.Row) (*inventory.Dispense, error) {
	var d inventory.Dispense
	var dispensed, dose, waste, total *string
	err := row.Scan(&d.ID, &d.VialID, &d.VialExternalID, &d.PatientID, &d.PatientName,
		&d.DispenseDate, &d.TransactionType, &dispensed, &d.SyringeCount,
		&dose, &waste, &total, &d.Notes, &d.Prescriber,
		&d.CreatedBy, &d.CreatedByRole, &d.PrescribingProviderID, &d.SignatureStatus,
		&d.SignedBy, &d.SignedAt, &d.SignedIP, &d.SignatureNote)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, inventory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src *string
		dst *inventory.Volume
	}{{dispensed, &d.TotalDispensedMl}, {dose, &d.DosePerSyringeMl}, {waste, &d.WasteMl}, {total, &d.TotalAmount}} {
		if *f.dst, err = parseNum(f.src); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func (t *ledgerTx) LockVials(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `LOCK TABLE vials IN SHARE ROW EXCLUSIVE MODE`)
	return err
}

func (t *ledgerTx) NextVialExternalID(ctx context.Context) (string, error) {
	var next string
	err := t.tx.QueryRow(ctx, `
		SELECT CONCAT('V', LPAD((COALESCE(MAX(NULLIF(REGEXP_REPLACE(external_id, '\D', '', 'g'), '')::bigint), 0) + 1)::text, 4, '0'))
		  FROM vials`).Scan(&next)
	return next, err
}

func (t *ledgerTx) InsertVial(ctx context.Context, v *inventory.Vial) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO vials (
			external_id, lot_number, status, remaining_volume_ml, size_ml,
			expiration_date, date_received, dea_drug_name, dea_drug_code,
			controlled_substance, location, notes
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11, $12)
		RETURNING vial_id::text`,
		v.ExternalID, v.LotNumber, v.Status, numArg(v.RemainingVolumeMl), numArg(v.SizeMl),
		v.ExpirationDate, v.DateReceived, v.DEADrugName, v.DEADrugCode,
		v.ControlledSubstance, v.Location, v.Notes,
	).Scan(&v.ID)
}

func (t *ledgerTx) GetVial(ctx context.Context, vialID string) (*inventory.Vial, error) {
	if !validID(vialID) {
		return nil, inventory.ErrNotFound
	}
	return scanVial(t.tx.QueryRow(ctx, `SELECT `+vialColumns+` FROM vials WHERE vial_id = $1`, vialID))
}

func (t *ledgerTx) GetVialByExternalID(ctx context.Context, externalID string) (*inventory.Vial, error) {
	return scanVial(t.tx.QueryRow(ctx, `SELECT `+vialColumns+` FROM vials WHERE external_id = $1`, externalID))
}

func (t *ledgerTx) UpdateVialIdentity(ctx context.Context, vialID string, c inventory.VialIdentityChange) (*inventory.Vial, error) {
	if !validID(vialID) {
		return nil, inventory.ErrNotFound
	}
	var sets []string
	args := []any{vialID}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if c.SetName {
		add("dea_drug_name", c.Name)
	}
	if c.ControlledSubstance != nil {
		add("controlled_substance", *c.ControlledSubstance)
	}
	if c.SetCode {
		add("dea_drug_code", c.Code)
	}
	if len(sets) == 0 {
		return t.GetVial(ctx, vialID)
	}
	return scanVial(t.tx.QueryRow(ctx,
		`UPDATE vials SET `+strings.Join(sets, ", ")+` WHERE vial_id = $1 RETURNING `+vialColumns,
		args...))
}

func (t *ledgerTx) VialDispenseIDs(ctx context.Context, vialID string) ([]string, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT dispense_id::text FROM dispenses WHERE vial_id = $1 ORDER BY created_at, dispense_id`, vialID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *ledgerTx) DeleteVial(ctx context.Context, vialID string, cascade bool) (bool, error) {
	if !validID(vialID) {
		return false, nil
	}
	if cascade {
		if _, err := t.tx.Exec(ctx, `
			DELETE FROM dea_transactions
			 WHERE vial_id = $1
			    OR dispense_id IN (SELECT dispense_id FROM dispenses WHERE vial_id = $1)`, vialID); err != nil {
			return false, fmt.Errorf("delete dea transactions: %w", err)
		}
		if _, err := t.tx.Exec(ctx, `DELETE FROM dispenses WHERE vial_id = $1`, vialID); err != nil {
			return false, fmt.Errorf("delete dispenses: %w", err)
		}
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM vials WHERE vial_id = $1`, vialID)
	if err != nil {
		return false, referenced(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *ledgerTx) DeductVialVolume(ctx context.Context, vialID string, amount decimal.Decimal) (inventory.Volume, error) {
	var remaining *string
	err := t.tx.QueryRow(ctx, `
		UPDATE vials
		   SET remaining_volume_ml = GREATEST(0::numeric, COALESCE(remaining_volume_ml, 0::numeric) - $2::numeric)
		 WHERE vial_id = $1
		 RETURNING remaining_volume_ml::text`,
		vialID, amount.String(),
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Volume{}, nil
	}
	if err != nil {
		return inventory.Volume{}, err
	}
	return parseNum(remaining)
}

func (t *ledgerTx) RestoreVialVolume(ctx context.Context, vialID, externalID *string, amount decimal.Decimal) error {
	var err error
	switch {
	case vialID != nil:
		_, err = t.tx.Exec(ctx, `
			UPDATE vials SET remaining_volume_ml = COALESCE(remaining_volume_ml, 0) + $2::numeric
			 WHERE vial_id = $1`, *vialID, amount.String())
	case externalID != nil:
		_, err = t.tx.Exec(ctx, `
			UPDATE vials SET remaining_volume_ml = COALESCE(remaining_volume_ml, 0) + $2::numeric
			 WHERE external_id = $1`, *externalID, amount.String())
	}
	return err
}

func (t *ledgerTx) FindPatientIDByName(ctx context.Context, name string) (*string, error) {
	var id string
	err := t.tx.QueryRow(ctx, `
		SELECT patient_id FROM patients
		 WHERE LOWER(full_name) = LOWER($1)
		 ORDER BY patient_id
		 LIMIT 1`, strings.TrimSpace(name)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (t *ledgerTx) PatientExists(ctx context.Context, patientID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE patient_id = $1)`, patientID).Scan(&ok)
	return ok, err
}

func (t *ledgerTx) InsertDispense(ctx context.Context, d *inventory.Dispense) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO dispenses (
			vial_id, vial_external_id, patient_id, patient_name, dispense_date,
			transaction_type, total_dispensed_ml, syringe_count, dose_per_syringe_ml,
			waste_ml, total_amount, notes, prescriber, created_by, created_by_role,
			signature_status, signature_note, prescribing_provider_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9::numeric, $10::numeric, $11::numeric,
		          $12, $13, $14, $15, $16, $17, $18)
		RETURNING dispense_id::text`,
		d.VialID, d.VialExternalID, d.PatientID, d.PatientName, d.DispenseDate,
		d.TransactionType, numArg(d.TotalDispensedMl), d.SyringeCount, numArg(d.DosePerSyringeMl),
		numArg(d.WasteMl), numArg(d.TotalAmount), d.Notes, d.Prescriber, d.CreatedBy, d.CreatedByRole,
		d.SignatureStatus, d.SignatureNote, d.PrescribingProviderID,
	).Scan(&d.ID)
}

func (t *ledgerTx) GetDispense(ctx context.Context, dispenseID string) (*inventory.Dispense, error) {
	if !validID(dispenseID) {
		return nil, inventory.ErrNotFound
	}
	return scanDispense(t.tx.QueryRow(ctx,
		`SELECT `+dispenseColumns+` FROM dispenses WHERE dispense_id = $1`, dispenseID))
}

func (t *ledgerTx) LockDispense(ctx context.Context, dispenseID string) (*inventory.Dispense, error) {
	if !validID(dispenseID) {
		return nil, inventory.ErrNotFound
	}
	return scanDispense(t.tx.QueryRow(ctx,
		`SELECT `+dispenseColumns+` FROM dispenses WHERE dispense_id = $1 FOR UPDATE`, dispenseID))
}

func (t *ledgerTx) UpdateDispenseSignature(ctx context.Context, dispenseID string, c inventory.SignatureChange) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE dispenses
		   SET signature_status = $2,
		       signed_by = $3,
		       signed_at = $4,
		       signed_ip = $5,
		       signature_note = $6,
		       updated_at = NOW()
		 WHERE dispense_id = $1`,
		dispenseID, c.Status, c.SignedBy, c.SignedAt, c.SignedIP, c.Note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) UpdateDispenseDetails(ctx context.Context, dispenseID string, c inventory.DispenseDetails) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE dispenses
		   SET notes = $2,
		       prescriber = $3,
		       transaction_type = $4,
		       prescribing_provider_id = $5,
		       updated_at = NOW()
		 WHERE dispense_id = $1`,
		dispenseID, c.Notes, c.Prescriber, c.TransactionType, c.PrescribingProviderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) DeleteDispense(ctx context.Context, dispenseID string) (bool, error) {
	if !validID(dispenseID) {
		return false, nil
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM dispenses WHERE dispense_id = $1`, dispenseID)
	if err != nil {
		return false, referenced(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *ledgerTx) UpsertDEATransaction(ctx context.Context, r *inventory.DEATransaction) (string, error) {
	var id string
	err := t.tx.QueryRow(ctx, `
		INSERT INTO dea_transactions (
			dispense_id, vial_id, patient_id, prescriber, dea_drug_name, dea_drug_code,
			dea_schedule, quantity_dispensed, units, transaction_time, source_system, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12)
		ON CONFLICT (dispense_id) DO UPDATE SET
			quantity_dispensed = EXCLUDED.quantity_dispensed,
			dea_drug_name = COALESCE(EXCLUDED.dea_drug_name, dea_transactions.dea_drug_name),
			dea_drug_code = COALESCE(EXCLUDED.dea_drug_code, dea_transactions.dea_drug_code),
			dea_schedule = COALESCE(EXCLUDED.dea_schedule, dea_transactions.dea_schedule),
			transaction_time = EXCLUDED.transaction_time,
			prescriber = COALESCE(EXCLUDED.prescriber, dea_transactions.prescriber),
			notes = COALESCE(EXCLUDED.notes, dea_transactions.notes),
			updated_at = NOW()
		RETURNING dea_tx_id::text`,
		r.DispenseID, r.VialID, r.PatientID, r.Prescriber, r.DEADrugName, r.DEADrugCode,
		r.DEASchedule, numArg(r.QuantityDispensed), r.Units, r.TransactionTime, r.SourceSystem, r.Notes,
	).Scan(&id)
	return id, err
}

func (t *ledgerTx) UpdateDEAPrescriber(ctx context.Context, dispenseID string, prescriber *string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE dea_transactions SET prescriber = $2, updated_at = NOW()
		 WHERE dispense_id = $1`, dispenseID, prescriber)
	return err
}

func (t *ledgerTx) DeleteDEATransaction(ctx context.Context, dispenseID string) (bool, error) {
	if !validID(dispenseID) {
		return false, nil
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM dea_transactions WHERE dispense_id = $1`, dispenseID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *ledgerTx) AppendHistory(ctx context.Context, e *inventory.HistoryEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return t.tx.QueryRow(ctx, `
		INSERT INTO dispense_history (dispense_id, event_type, actor_user_id, actor_role, event_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING event_id::text`,
		e.DispenseID, string(e.EventType), e.ActorUserID, e.ActorRole, payload, e.CreatedAt,
	).Scan(&e.ID)
}

func (t *ledgerTx) AppendOutbox(ctx context.Context, m inventory.OutboxMessage) error {
	return WriteEntry(ctx, t.tx, &OutboxEntry{
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		EventType:     m.EventType,
		Payload:       m.Payload,
		Topic:         m.Topic,
		Key:           m.Key,
	})
}

func (t *ledgerTx) StockedVials(ctx context.Context) ([]*inventory.Vial, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+vialColumns+`
		  FROM vials
		 WHERE controlled_substance AND remaining_volume_ml > 0
		 ORDER BY external_id`)
	if err != nil {
		return nil, fmt.Errorf("stocked vials: %w", err)
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

func (t *ledgerTx) InsertCountCheck(ctx context.Context, c *inventory.CountCheck) error {
	vendors, err := json.Marshal(c.Vendors)
	if err != nil {
		return fmt.Errorf("marshal vendor counts: %w", err)
	}
	return t.tx.QueryRow(ctx, `
		INSERT INTO count_checks (
			check_date, check_type, performed_by, performed_by_role, performed_at,
			vendor_counts, discrepancy_found, discrepancy_notes, notes, status
		) VALUES ($1::date, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING check_id::text`,
		c.CheckDate, string(c.CheckType), c.PerformedBy, c.PerformedByRole, c.PerformedAt,
		vendors, c.DiscrepancyFound, c.DiscrepancyNotes, c.Notes, string(c.Status),
	).Scan(&c.ID)
}
