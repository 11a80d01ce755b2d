package inventory

import (
	"encoding/json"
	"time"
)

// Vial status values.
const (
	VialStatusActive  = "Active"
	VialStatusExpired = "Expired"
)

var validVialStatuses = map[string]bool{
	VialStatusActive: true, VialStatusExpired: true,
}

// Signature status values driving the provider queue.
const (
	SignatureAwaiting = "awaiting_signature"
	SignatureSigned   = "signed"
)

// Vial is a physical container of medication.
type Vial struct {
	ID                  string     `json:"vial_id"`
	ExternalID          string     `json:"external_id"`
	SizeMl              Volume     `json:"size_ml"`
	RemainingVolumeMl   Volume     `json:"remaining_volume_ml"`
	Status              string     `json:"status"`
	ExpirationDate      *time.Time `json:"expiration_date,omitempty"`
	DateReceived        *time.Time `json:"date_received,omitempty"`
	LotNumber           *string    `json:"lot_number,omitempty"`
	DEADrugName         *string    `json:"dea_drug_name,omitempty"`
	DEADrugCode         *string    `json:"dea_drug_code,omitempty"`
	ControlledSubstance bool       `json:"controlled_substance"`
	Location            *string    `json:"location,omitempty"`
	Notes               *string    `json:"notes,omitempty"`
}

// Dispense is one act of administering or removing volume from a vial.
type Dispense struct {
	ID                    string     `json:"dispense_id"`
	VialID                *string    `json:"vial_id"`
	VialExternalID        *string    `json:"vial_external_id"`
	PatientID             *string    `json:"patient_id"`
	PatientName           *string    `json:"patient_name"`
	DispenseDate          time.Time  `json:"dispense_date"`
	TransactionType       *string    `json:"transaction_type"`
	TotalDispensedMl      Volume     `json:"total_dispensed_ml"`
	SyringeCount          *int       `json:"syringe_count"`
	DosePerSyringeMl      Volume     `json:"dose_per_syringe_ml"`
	WasteMl               Volume     `json:"waste_ml"`
	TotalAmount           Volume     `json:"total_amount"`
	Notes                 *string    `json:"notes"`
	Prescriber            *string    `json:"prescriber"`
	CreatedBy             string     `json:"created_by"`
	CreatedByRole         string     `json:"created_by_role"`
	PrescribingProviderID *string    `json:"prescribing_provider_id"`
	SignatureStatus       string     `json:"signature_status"`
	SignedBy              *string    `json:"signed_by"`
	SignedAt              *time.Time `json:"signed_at"`
	SignedIP              *string    `json:"signed_ip,omitempty"`
	SignatureNote         *string    `json:"signature_note"`
}

// DEATransaction is the regulatory record paired one-to-one with a dispense.
type DEATransaction struct {
	ID                string    `json:"dea_tx_id"`
	DispenseID        string    `json:"dispense_id"`
	VialID            *string   `json:"vial_id"`
	PatientID         *string   `json:"patient_id"`
	Prescriber        *string   `json:"prescriber"`
	DEADrugName       *string   `json:"dea_drug_name"`
	DEADrugCode       *string   `json:"dea_drug_code"`
	DEASchedule       string    `json:"dea_schedule"`
	QuantityDispensed Volume    `json:"quantity_dispensed"`
	Units             string    `json:"units"`
	TransactionTime   time.Time `json:"transaction_time"`
	SourceSystem      string    `json:"source_system"`
	Notes             *string   `json:"notes"`
}

// HistoryEvent is an append-only audit record for a dispense.
type HistoryEvent struct {
	ID               string         `json:"event_id"`
	DispenseID       *string        `json:"dispense_id"`
	EventType        EventType      `json:"event_type"`
	ActorUserID      *string        `json:"actor_user_id"`
	ActorRole        *string        `json:"actor_role"`
	Payload          map[string]any `json:"event_payload"`
	CreatedAt        time.Time      `json:"created_at"`
	ActorDisplayName *string        `json:"actor_display_name,omitempty"`
}

// InventorySummary is the dashboard rollup of vial stock.
type InventorySummary struct {
	ActiveVials      int    `json:"active_vials"`
	ExpiredVials     int    `json:"expired_vials"`
	TotalRemainingMl Volume `json:"total_remaining_ml"`
}

// TransactionRow is a dispense joined with its DEA record, vial and user names.
type TransactionRow struct {
	Dispense
	PatientDOB              *time.Time `json:"patient_dob"`
	DEASchedule             *string    `json:"dea_schedule"`
	DEADrugName             *string    `json:"dea_drug_name"`
	DEADrugCode             *string    `json:"dea_drug_code"`
	Units                   *string    `json:"units"`
	DispensedTotalVial      Volume     `json:"dispensed_total_vial"`
	RemainingVolumeMl       Volume     `json:"remaining_volume_ml"`
	CreatedByName           *string    `json:"created_by_name"`
	SignedByName            *string    `json:"signed_by_name"`
	PrescribingProviderName *string    `json:"prescribing_provider_name"`
}

// SignatureQueueRow is one entry of the provider signature worklist.
type SignatureQueueRow struct {
	DispenseID       string     `json:"dispense_id"`
	DispenseDate     time.Time  `json:"dispense_date"`
	VialExternalID   *string    `json:"vial_external_id"`
	TransactionType  *string    `json:"transaction_type"`
	PatientName      *string    `json:"patient_name"`
	TotalDispensedMl Volume     `json:"total_dispensed_ml"`
	WasteMl          Volume     `json:"waste_ml"`
	TotalAmount      Volume     `json:"total_amount"`
	Notes            *string    `json:"notes"`
	CreatedBy        string     `json:"created_by"`
	CreatedByName    *string    `json:"created_by_name"`
	CreatedByRole    string     `json:"created_by_role"`
	SignedBy         *string    `json:"signed_by"`
	SignedByName     *string    `json:"signed_by_name"`
	SignedAt         *time.Time `json:"signed_at"`
	SignatureStatus  string     `json:"signature_status"`
	SignatureNote    *string    `json:"signature_note"`
}

// SignatureSummary feeds the dashboard signature tile.
type SignatureSummary struct {
	PendingCount       int        `json:"pending_count"`
	MostRecentSignedAt *time.Time `json:"most_recent_signed_at"`
}

// PatientDispenseRow is a dispense as shown on a patient chart.
type PatientDispenseRow struct {
	DispenseID       string     `json:"dispense_id"`
	DispenseDate     time.Time  `json:"dispense_date"`
	TransactionType  *string    `json:"transaction_type"`
	VialExternalID   *string    `json:"vial_external_id"`
	TotalAmount      Volume     `json:"total_amount"`
	TotalDispensedMl Volume     `json:"total_dispensed_ml"`
	WasteMl          Volume     `json:"waste_ml"`
	SyringeCount     *int       `json:"syringe_count"`
	DosePerSyringeMl Volume     `json:"dose_per_syringe_ml"`
	Notes            *string    `json:"notes"`
	CreatedByName    *string    `json:"created_by_name"`
	SignedByName     *string    `json:"signed_by_name"`
	SignedAt         *time.Time `json:"signed_at"`
}

// OutboxMessage is a ledger change queued for downstream sync consumers.
// It is written in the same transaction as the change it describes.
type OutboxMessage struct {
	AggregateID   string
	AggregateType string
	EventType     string
	Topic         string
	Key           string
	Payload       json.RawMessage
}
