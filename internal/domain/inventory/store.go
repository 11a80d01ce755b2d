package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the persistence boundary of the ledger. Every mutation runs inside
// InTx; returning an error from fn rolls back everything fn wrote.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is an open ledger transaction. Implementations must evaluate volume
// changes as single atomic expressions against the stored value. Single-row
// lookups return ErrNotFound when no row matches.
type Tx interface {
	// LockVials serializes external id assignment across concurrent creators.
	LockVials(ctx context.Context) error
	NextVialExternalID(ctx context.Context) (string, error)
	InsertVial(ctx context.Context, v *Vial) error
	GetVial(ctx context.Context, vialID string) (*Vial, error)
	GetVialByExternalID(ctx context.Context, externalID string) (*Vial, error)
	UpdateVialIdentity(ctx context.Context, vialID string, change VialIdentityChange) (*Vial, error)
	// VialDispenseIDs lists dispenses referencing the vial.
	VialDispenseIDs(ctx context.Context, vialID string) ([]string, error)
	// DeleteVial removes the vial; with cascade it first removes the vial's
	// DEA records and dispenses. It returns false when no vial matched.
	DeleteVial(ctx context.Context, vialID string, cascade bool) (bool, error)
	// DeductVialVolume sets remaining = max(0, remaining - amount) and returns the new value.
	DeductVialVolume(ctx context.Context, vialID string, amount decimal.Decimal) (Volume, error)
	// RestoreVialVolume adds amount back, matching by vial id, else by external id.
	RestoreVialVolume(ctx context.Context, vialID, externalID *string, amount decimal.Decimal) error

	// FindPatientIDByName matches full names case-insensitively; nil when absent.
	FindPatientIDByName(ctx context.Context, name string) (*string, error)
	PatientExists(ctx context.Context, patientID string) (bool, error)

	InsertDispense(ctx context.Context, d *Dispense) error
	GetDispense(ctx context.Context, dispenseID string) (*Dispense, error)
	// LockDispense reads the row with a row-level lock held until commit.
	LockDispense(ctx context.Context, dispenseID string) (*Dispense, error)
	UpdateDispenseSignature(ctx context.Context, dispenseID string, change SignatureChange) error
	UpdateDispenseDetails(ctx context.Context, dispenseID string, details DispenseDetails) error
	DeleteDispense(ctx context.Context, dispenseID string) (bool, error)

	// UpsertDEATransaction inserts or updates in place on dispense_id conflict.
	UpsertDEATransaction(ctx context.Context, t *DEATransaction) (string, error)
	UpdateDEAPrescriber(ctx context.Context, dispenseID string, prescriber *string) error
	DeleteDEATransaction(ctx context.Context, dispenseID string) (bool, error)

	AppendHistory(ctx context.Context, e *HistoryEvent) error
	AppendOutbox(ctx context.Context, m OutboxMessage) error

	// StockedVials lists controlled vials with volume remaining.
	StockedVials(ctx context.Context) ([]*Vial, error)
	// InsertCountCheck appends a count check and assigns its ID.
	InsertCountCheck(ctx context.Context, c *CountCheck) error
}

// Reader exposes the side-effect free queries used by reporting and UI layers.
type Reader interface {
	ListVials(ctx context.Context) ([]*Vial, error)
	InventorySummary(ctx context.Context) (*InventorySummary, error)
	ListTransactions(ctx context.Context, limit int) ([]*TransactionRow, error)
	ListPatientDispenses(ctx context.Context, patientID string, limit int) ([]*PatientDispenseRow, error)
	SignatureQueue(ctx context.Context) ([]*SignatureQueueRow, error)
	SignatureSummary(ctx context.Context) (*SignatureSummary, error)
	DispenseHistory(ctx context.Context, dispenseID string) ([]*HistoryEvent, error)
	DEALog(ctx context.Context, start, end time.Time) ([]*DEATransaction, error)
	// CountChecks lists checks dated on or after since (YYYY-MM-DD), newest first.
	CountChecks(ctx context.Context, since string) ([]*CountCheck, error)
}

// VialIdentityChange is a partial update of drug identity columns. A column is
// written only when its Set flag is true; a nil value stores NULL.
type VialIdentityChange struct {
	SetName             bool
	Name                *string
	SetCode             bool
	Code                *string
	ControlledSubstance *bool
}

// Empty reports whether the change touches no column.
func (c VialIdentityChange) Empty() bool {
	return !c.SetName && !c.SetCode && c.ControlledSubstance == nil
}

// SignatureChange overwrites the signature columns of a dispense.
type SignatureChange struct {
	Status   string
	SignedBy *string
	SignedAt *time.Time
	SignedIP *string
	Note     *string
}

// DispenseDetails are the editable free-text columns of a dispense.
type DispenseDetails struct {
	Notes                 *string
	Prescriber            *string
	TransactionType       *string
	PrescribingProviderID *string
}
