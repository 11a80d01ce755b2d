// Package memory is an in-process inventory.Store. Each transaction works on a
// private copy of the ledger that replaces the shared state only on commit,
// so a failed operation leaves nothing behind.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
)

// ErrForeignKey mirrors the database refusing to delete a referenced row.
var ErrForeignKey = fmt.Errorf("foreign key violation: %w", inventory.ErrReferenced)

// Patient is a patient directory entry.
type Patient struct {
	ID       string
	FullName string
	DOB      *time.Time
}

type state struct {
	vials     map[string]inventory.Vial
	dispenses map[string]inventory.Dispense
	dea       map[string]inventory.DEATransaction
	history   []inventory.HistoryEvent
	outbox    []inventory.OutboxMessage
	checks    []inventory.CountCheck
	patients  map[string]Patient
	users     map[string]string
	order     map[string]int64
	seq       int64
}

func (s *state) clone() *state {
	c := &state{
		vials:     make(map[string]inventory.Vial, len(s.vials)),
		dispenses: make(map[string]inventory.Dispense, len(s.dispenses)),
		dea:       make(map[string]inventory.DEATransaction, len(s.dea)),
		history:   append([]inventory.HistoryEvent(nil), s.history...),
		outbox:    append([]inventory.OutboxMessage(nil), s.outbox...),
		checks:    append([]inventory.CountCheck(nil), s.checks...),
		patients:  s.patients,
		users:     s.users,
		order:     make(map[string]int64, len(s.order)),
		seq:       s.seq,
	}
	for k, v := range s.vials {
		c.vials[k] = v
	}
	for k, v := range s.dispenses {
		c.dispenses[k] = v
	}
	for k, v := range s.dea {
		c.dea[k] = v
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	return c
}

// Store is a mutex-serialized inventory.Store.
type Store struct {
	mu     sync.Mutex
	st     *state
	faults map[string]error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		st: &state{
			vials:     map[string]inventory.Vial{},
			dispenses: map[string]inventory.Dispense{},
			dea:       map[string]inventory.DEATransaction{},
			patients:  map[string]Patient{},
			users:     map[string]string{},
			order:     map[string]int64{},
		},
		faults: map[string]error{},
	}
}

var _ inventory.Store = (*Store)(nil)

// SeedPatient adds a patient directory entry.
func (s *Store) SeedPatient(p Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.patients[p.ID] = p
}

// SeedUser adds a user display name.
func (s *Store) SeedUser(id, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[id] = displayName
}

// FailNext makes the next call of the named Tx method return err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = err
}

// Outbox returns the committed outbox entries in write order.
func (s *Store) Outbox() []inventory.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inventory.OutboxMessage(nil), s.st.outbox...)
}

// DEATransactions returns every committed DEA record.
func (s *Store) DEATransactions() []inventory.DEATransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.DEATransaction, 0, len(s.st.dea))
	for _, t := range s.st.dea {
		out = append(out, t)
	}
	return out
}

// HistoryCount returns the number of committed history events.
func (s *Store) HistoryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.history)
}

// InTx runs fn against a private copy of the ledger and publishes it on success.
func (s *Store) InTx(ctx context.Context, fn func(tx inventory.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &tx{st: s.st.clone(), faults: s.faults}
	if err := fn(t); err != nil {
		return err
	}
	s.st = t.st
	return nil
}

type tx struct {
	st     *state
	faults map[string]error
}

func (t *tx) fault(method string) error {
	if err, ok := t.faults[method]; ok {
		delete(t.faults, method)
		return err
	}
	return nil
}

func (t *tx) next() int64 {
	t.st.seq++
	return t.st.seq
}

func (t *tx) LockVials(ctx context.Context) error { return t.fault("LockVials") }

func (t *tx) NextVialExternalID(ctx context.Context) (string, error) {
	if err := t.fault("NextVialExternalID"); err != nil {
		return "", err
	}
	max := 0
	for _, v := range t.st.vials {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, v.ExternalID)
		if n, err := strconv.Atoi(digits); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("V%04d", max+1), nil
}

func (t *tx) InsertVial(ctx context.Context, v *inventory.Vial) error {
	if err := t.fault("InsertVial"); err != nil {
		return err
	}
	for _, existing := range t.st.vials {
		if existing.ExternalID == v.ExternalID {
			return fmt.Errorf("duplicate external_id %q", v.ExternalID)
		}
	}
	v.ID = uuid.NewString()
	v.SizeMl = column(v.SizeMl)
	v.RemainingVolumeMl = column(v.RemainingVolumeMl)
	t.st.vials[v.ID] = *v
	return nil
}

func (t *tx) GetVial(ctx context.Context, vialID string) (*inventory.Vial, error) {
	v, ok := t.st.vials[vialID]
	if !ok {
		return nil, inventory.ErrNotFound
	}
	return &v, nil
}

func (t *tx) GetVialByExternalID(ctx context.Context, externalID string) (*inventory.Vial, error) {
	for _, v := range t.st.vials {
		if v.ExternalID == externalID {
			return &v, nil
		}
	}
	return nil, inventory.ErrNotFound
}

func (t *tx) UpdateVialIdentity(ctx context.Context, vialID string, c inventory.VialIdentityChange) (*inventory.Vial, error) {
	if err := t.fault("UpdateVialIdentity"); err != nil {
		return nil, err
	}
	v, ok := t.st.vials[vialID]
	if !ok {
		return nil, inventory.ErrNotFound
	}
	if c.SetName {
		v.DEADrugName = c.Name
	}
	if c.SetCode {
		v.DEADrugCode = c.Code
	}
	if c.ControlledSubstance != nil {
		v.ControlledSubstance = *c.ControlledSubstance
	}
	t.st.vials[vialID] = v
	return &v, nil
}

func (t *tx) VialDispenseIDs(ctx context.Context, vialID string) ([]string, error) {
	var ids []string
	for id, d := range t.st.dispenses {
		if d.VialID != nil && *d.VialID == vialID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return t.st.order[ids[i]] < t.st.order[ids[j]] })
	return ids, nil
}

func (t *tx) DeleteVial(ctx context.Context, vialID string, cascade bool) (bool, error) {
	if err := t.fault("DeleteVial"); err != nil {
		return false, err
	}
	if cascade {
		for id, r := range t.st.dea {
			if r.VialID != nil && *r.VialID == vialID {
				delete(t.st.dea, id)
			}
		}
		ids, _ := t.VialDispenseIDs(ctx, vialID)
		for _, id := range ids {
			t.removeDispense(id)
		}
	} else {
		for _, d := range t.st.dispenses {
			if d.VialID != nil && *d.VialID == vialID {
				return false, fmt.Errorf("dispenses reference vial %s: %w", vialID, ErrForeignKey)
			}
		}
		for _, r := range t.st.dea {
			if r.VialID != nil && *r.VialID == vialID {
				return false, fmt.Errorf("dea_transactions reference vial %s: %w", vialID, ErrForeignKey)
			}
		}
	}
	if _, ok := t.st.vials[vialID]; !ok {
		return false, nil
	}
	delete(t.st.vials, vialID)
	return true, nil
}

func (t *tx) DeductVialVolume(ctx context.Context, vialID string, amount decimal.Decimal) (inventory.Volume, error) {
	if err := t.fault("DeductVialVolume"); err != nil {
		return inventory.Volume{}, err
	}
	v, ok := t.st.vials[vialID]
	if !ok {
		return inventory.Volume{}, nil
	}
	remaining := decimal.Zero
	if v.RemainingVolumeMl.Valid {
		remaining = v.RemainingVolumeMl.Decimal
	}
	remaining = decimal.Max(decimal.Zero, remaining.Sub(amount))
	v.RemainingVolumeMl = column(inventory.NewVolume(remaining))
	t.st.vials[vialID] = v
	return v.RemainingVolumeMl, nil
}

func (t *tx) RestoreVialVolume(ctx context.Context, vialID, externalID *string, amount decimal.Decimal) error {
	if err := t.fault("RestoreVialVolume"); err != nil {
		return err
	}
	restore := func(v inventory.Vial) {
		remaining := decimal.Zero
		if v.RemainingVolumeMl.Valid {
			remaining = v.RemainingVolumeMl.Decimal
		}
		v.RemainingVolumeMl = column(inventory.NewVolume(remaining.Add(amount)))
		t.st.vials[v.ID] = v
	}
	if vialID != nil {
		if v, ok := t.st.vials[*vialID]; ok {
			restore(v)
		}
		return nil
	}
	if externalID != nil {
		for _, v := range t.st.vials {
			if v.ExternalID == *externalID {
				restore(v)
			}
		}
	}
	return nil
}

func (t *tx) FindPatientIDByName(ctx context.Context, name string) (*string, error) {
	ids := make([]string, 0, len(t.st.patients))
	for id := range t.st.patients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.EqualFold(t.st.patients[id].FullName, strings.TrimSpace(name)) {
			found := id
			return &found, nil
		}
	}
	return nil, nil
}

func (t *tx) PatientExists(ctx context.Context, patientID string) (bool, error) {
	_, ok := t.st.patients[patientID]
	return ok, nil
}

func (t *tx) InsertDispense(ctx context.Context, d *inventory.Dispense) error {
	if err := t.fault("InsertDispense"); err != nil {
		return err
	}
	d.ID = uuid.NewString()
	d.TotalDispensedMl = column(d.TotalDispensedMl)
	d.DosePerSyringeMl = column(d.DosePerSyringeMl)
	d.WasteMl = column(d.WasteMl)
	d.TotalAmount = column(d.TotalAmount)
	t.st.dispenses[d.ID] = *d
	t.st.order[d.ID] = t.next()
	return nil
}

func (t *tx) GetDispense(ctx context.Context, dispenseID string) (*inventory.Dispense, error) {
	d, ok := t.st.dispenses[dispenseID]
	if !ok {
		return nil, inventory.ErrNotFound
	}
	return &d, nil
}

func (t *tx) LockDispense(ctx context.Context, dispenseID string) (*inventory.Dispense, error) {
	if err := t.fault("LockDispense"); err != nil {
		return nil, err
	}
	return t.GetDispense(ctx, dispenseID)
}

func (t *tx) UpdateDispenseSignature(ctx context.Context, dispenseID string, c inventory.SignatureChange) error {
	if err := t.fault("UpdateDispenseSignature"); err != nil {
		return err
	}
	d, ok := t.st.dispenses[dispenseID]
	if !ok {
		return inventory.ErrNotFound
	}
	d.SignatureStatus = c.Status
	d.SignedBy = c.SignedBy
	d.SignedAt = c.SignedAt
	d.SignedIP = c.SignedIP
	d.SignatureNote = c.Note
	t.st.dispenses[dispenseID] = d
	return nil
}

func (t *tx) UpdateDispenseDetails(ctx context.Context, dispenseID string, c inventory.DispenseDetails) error {
	if err := t.fault("UpdateDispenseDetails"); err != nil {
		return err
	}
	d, ok := t.st.dispenses[dispenseID]
	if !ok {
		return inventory.ErrNotFound
	}
	d.Notes = c.Notes
	d.Prescriber = c.Prescriber
	d.TransactionType = c.TransactionType
	d.PrescribingProviderID = c.PrescribingProviderID
	t.st.dispenses[dispenseID] = d
	return nil
}

func (t *tx) DeleteDispense(ctx context.Context, dispenseID string) (bool, error) {
	if err := t.fault("DeleteDispense"); err != nil {
		return false, err
	}
	if _, ok := t.st.dispenses[dispenseID]; !ok {
		return false, nil
	}
	for _, r := range t.st.dea {
		if r.DispenseID == dispenseID {
			return false, fmt.Errorf("dea_transactions reference dispense %s: %w", dispenseID, ErrForeignKey)
		}
	}
	t.removeDispense(dispenseID)
	return true, nil
}

// removeDispense drops the row and nulls history references to it.
func (t *tx) removeDispense(dispenseID string) {
	delete(t.st.dispenses, dispenseID)
	delete(t.st.order, dispenseID)
	for i := range t.st.history {
		if h := t.st.history[i].DispenseID; h != nil && *h == dispenseID {
			t.st.history[i].DispenseID = nil
		}
	}
}

func (t *tx) UpsertDEATransaction(ctx context.Context, r *inventory.DEATransaction) (string, error) {
	if err := t.fault("UpsertDEATransaction"); err != nil {
		return "", err
	}
	if cur, ok := t.st.dea[r.DispenseID]; ok {
		cur.QuantityDispensed = column(r.QuantityDispensed)
		cur.TransactionTime = r.TransactionTime
		cur.DEADrugName = coalesce(r.DEADrugName, cur.DEADrugName)
		cur.DEADrugCode = coalesce(r.DEADrugCode, cur.DEADrugCode)
		cur.Prescriber = coalesce(r.Prescriber, cur.Prescriber)
		cur.Notes = coalesce(r.Notes, cur.Notes)
		if r.DEASchedule != "" {
			cur.DEASchedule = r.DEASchedule
		}
		t.st.dea[r.DispenseID] = cur
		return cur.ID, nil
	}
	rec := *r
	rec.ID = uuid.NewString()
	rec.QuantityDispensed = column(r.QuantityDispensed)
	t.st.dea[r.DispenseID] = rec
	return rec.ID, nil
}

func (t *tx) UpdateDEAPrescriber(ctx context.Context, dispenseID string, prescriber *string) error {
	if err := t.fault("UpdateDEAPrescriber"); err != nil {
		return err
	}
	if r, ok := t.st.dea[dispenseID]; ok {
		r.Prescriber = prescriber
		t.st.dea[dispenseID] = r
	}
	return nil
}

func (t *tx) DeleteDEATransaction(ctx context.Context, dispenseID string) (bool, error) {
	if err := t.fault("DeleteDEATransaction"); err != nil {
		return false, err
	}
	if _, ok := t.st.dea[dispenseID]; !ok {
		return false, nil
	}
	delete(t.st.dea, dispenseID)
	return true, nil
}

func (t *tx) AppendHistory(ctx context.Context, e *inventory.HistoryEvent) error {
	if err := t.fault("AppendHistory"); err != nil {
		return err
	}
	e.ID = uuid.NewString()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	t.st.history = append(t.st.history, *e)
	return nil
}

func (t *tx) AppendOutbox(ctx context.Context, m inventory.OutboxMessage) error {
	if err := t.fault("AppendOutbox"); err != nil {
		return err
	}
	t.st.outbox = append(t.st.outbox, m)
	return nil
}

func (t *tx) StockedVials(ctx context.Context) ([]*inventory.Vial, error) {
	if err := t.fault("StockedVials"); err != nil {
		return nil, err
	}
	var out []*inventory.Vial
	for _, v := range t.st.vials {
		if v.ControlledSubstance && v.RemainingVolumeMl.Valid && v.RemainingVolumeMl.Decimal.IsPositive() {
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (t *tx) InsertCountCheck(ctx context.Context, c *inventory.CountCheck) error {
	if err := t.fault("InsertCountCheck"); err != nil {
		return err
	}
	c.ID = uuid.NewString()
	rec := *c
	rec.Vendors = make([]inventory.VendorCount, len(c.Vendors))
	for i, vc := range c.Vendors {
		vc.SystemRemainingMl = column(vc.SystemRemainingMl)
		vc.PhysicalPartialMl = column(vc.PhysicalPartialMl)
		vc.PhysicalTotalMl = column(vc.PhysicalTotalMl)
		vc.DiscrepancyMl = column(vc.DiscrepancyMl)
		rec.Vendors[i] = vc
	}
	t.st.checks = append(t.st.checks, rec)
	return nil
}

// column mirrors a NUMERIC(10,3) column, which rounds on write.
func column(v inventory.Volume) inventory.Volume {
	if !v.Valid {
		return v
	}
	return inventory.NewVolume(inventory.RoundVolume(v.Decimal))
}

func coalesce(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}
