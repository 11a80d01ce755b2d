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

// NewVialInput describes a vial being received into stock.
type NewVialInput struct {
	ExternalID          *string
	LotNumber           *string
	Status              *string
	RemainingVolumeMl   decimal.NullDecimal
	SizeMl              decimal.NullDecimal
	ExpirationDate      *time.Time
	DateReceived        *time.Time
	DEADrugName         *string
	DEADrugCode         *string
	ControlledSubstance *bool
	Location            *string
	Notes               *string
	Actor               Actor
}

// VialUpdate corrects drug identity. A nil field is left untouched; an empty
// string clears the column.
type VialUpdate struct {
	DEADrugName *string
	DEADrugCode *string
	Actor       Actor
}

// DeleteVialOptions controls vial removal.
type DeleteVialOptions struct {
	// KeepLogs refuses the delete, via the foreign keys, when dispenses or DEA
	// records still reference the vial. By default they are removed first.
	KeepLogs bool
	Actor    Actor
}

// CreateVial validates and normalizes a vial, assigning the next sequential
// external id when none is supplied.
func (s *Service) CreateVial(ctx context.Context, in NewVialInput) (vial *Vial, err error) {
	ctx, done := s.span(ctx, "create_vial")
	defer done(&err)

	v, match, err := s.normalizeNewVial(in)
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		if v.ExternalID == "" {
			if err := tx.LockVials(ctx); err != nil {
				return fmt.Errorf("lock vials: %w", err)
			}
			next, err := tx.NextVialExternalID(ctx)
			if err != nil {
				return fmt.Errorf("next vial id: %w", err)
			}
			v.ExternalID = next
		}
		if err := tx.InsertVial(ctx, v); err != nil {
			return fmt.Errorf("insert vial: %w", err)
		}
		return s.writeVialEvent(ctx, tx, v.ID, "created", in.Actor, v)
	})
	if err != nil {
		return nil, err
	}

	if match.NeedsReview {
		s.flagUnmatched(v.ID, *v.DEADrugName)
	}
	s.logger.Info("vial created",
		zap.String("vial_id", v.ID),
		zap.String("external_id", v.ExternalID),
		zap.Bool("controlled", v.ControlledSubstance),
		zap.String("match_rule", string(match.Rule)),
	)
	return v, nil
}

func (s *Service) normalizeNewVial(in NewVialInput) (*Vial, DrugMatch, error) {
	v := &Vial{
		SizeMl:         Volume(roundNull(in.SizeMl)),
		ExpirationDate: in.ExpirationDate,
		DateReceived:   in.DateReceived,
		LotNumber:      trimmedOrNil(in.LotNumber),
		Location:       trimmedOrNil(in.Location),
		Notes:          in.Notes,
		Status:         VialStatusActive,
	}
	if in.ExternalID != nil {
		v.ExternalID = strings.TrimSpace(*in.ExternalID)
	}
	if in.Status != nil && strings.TrimSpace(*in.Status) != "" {
		status := normalizeVialStatus(*in.Status)
		if !validVialStatuses[status] {
			return nil, DrugMatch{}, invalid("status", fmt.Sprintf("unknown vial status %q", *in.Status))
		}
		v.Status = status
	}
	if in.SizeMl.Valid && in.SizeMl.Decimal.IsNegative() {
		return nil, DrugMatch{}, invalid("size_ml", "must not be negative")
	}
	v.RemainingVolumeMl = Volume(roundNull(in.RemainingVolumeMl))
	if !v.RemainingVolumeMl.Valid {
		v.RemainingVolumeMl = v.SizeMl
	}
	if v.RemainingVolumeMl.Valid && v.RemainingVolumeMl.Decimal.IsNegative() {
		return nil, DrugMatch{}, invalid("remaining_volume_ml", "must not be negative")
	}

	explicitlyUncontrolled := in.ControlledSubstance != nil && !*in.ControlledSubstance
	name := trimmedOrNil(in.DEADrugName)
	code := trimmedOrNil(in.DEADrugCode)

	match := DrugMatch{Rule: MatchNone}
	if name != nil || !explicitlyUncontrolled {
		match = s.catalog.Resolve(name, in.SizeMl)
	}
	switch {
	case match.Matched():
		v.DEADrugName = &match.Vendor
		v.ControlledSubstance = true
		if code == nil {
			c := DefaultDEADrugCode
			code = &c
		}
	case match.NeedsReview:
		v.DEADrugName = name
		v.ControlledSubstance = in.ControlledSubstance != nil && *in.ControlledSubstance
	case in.ControlledSubstance != nil && *in.ControlledSubstance:
		vendor := s.catalog.DefaultVendor
		v.DEADrugName = &vendor
		v.ControlledSubstance = true
		if code == nil {
			c := DefaultDEADrugCode
			code = &c
		}
	}
	v.DEADrugCode = code
	return v, match, nil
}

// UpdateVial applies a drug identity correction. A recognized name marks the
// vial controlled with the default DEA code, a cleared name marks it
// uncontrolled with no code, and an explicit code overrides either.
func (s *Service) UpdateVial(ctx context.Context, vialID string, upd VialUpdate) (vial *Vial, err error) {
	ctx, done := s.span(ctx, "update_vial", attribute.String("vial_id", vialID))
	defer done(&err)

	var change VialIdentityChange
	var unmatched string
	if upd.DEADrugName != nil {
		raw := strings.TrimSpace(*upd.DEADrugName)
		change.SetName = true
		switch m := s.catalog.Match(raw); {
		case m.Matched():
			vendor := m.Vendor
			code := DefaultDEADrugCode
			controlled := true
			change.Name, change.SetCode, change.Code, change.ControlledSubstance = &vendor, true, &code, &controlled
		case raw == "":
			controlled := false
			change.Name, change.SetCode, change.Code, change.ControlledSubstance = nil, true, nil, &controlled
		default:
			change.Name = &raw
			unmatched = raw
		}
	}
	if upd.DEADrugCode != nil {
		change.SetCode = true
		change.Code = trimmedOrNil(upd.DEADrugCode)
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		var err error
		if change.Empty() {
			vial, err = tx.GetVial(ctx, vialID)
		} else {
			vial, err = tx.UpdateVialIdentity(ctx, vialID, change)
		}
		if errors.Is(err, ErrNotFound) {
			return notFound("vial", vialID)
		}
		if err != nil {
			return fmt.Errorf("update vial: %w", err)
		}
		if change.Empty() {
			return nil
		}
		return s.writeVialEvent(ctx, tx, vialID, "updated", upd.Actor, vial)
	})
	if err != nil {
		return nil, err
	}
	if unmatched != "" {
		s.flagUnmatched(vialID, unmatched)
	}
	return vial, nil
}

// DeleteVial removes a vial. Unless KeepLogs is set, dependent DEA records and
// dispenses are removed first, each dispense leaving a deleted history event.
func (s *Service) DeleteVial(ctx context.Context, vialID string, opts DeleteVialOptions) (err error) {
	ctx, done := s.span(ctx, "delete_vial",
		attribute.String("vial_id", vialID),
		attribute.Bool("keep_logs", opts.KeepLogs),
	)
	defer done(&err)

	var cascaded []string
	err = s.store.InTx(ctx, func(tx Tx) error {
		v, err := tx.GetVial(ctx, vialID)
		if errors.Is(err, ErrNotFound) {
			return notFound("vial", vialID)
		}
		if err != nil {
			return fmt.Errorf("get vial: %w", err)
		}

		if !opts.KeepLogs {
			ids, err := tx.VialDispenseIDs(ctx, vialID)
			if err != nil {
				return fmt.Errorf("list vial dispenses: %w", err)
			}
			for _, id := range ids {
				ev := DispenseEvent{
					DispenseID: id,
					Type:       EventDeleted,
					Actor:      opts.Actor,
					Payload: map[string]any{
						"reason":         "vial deleted",
						"vialId":         vialID,
						"vialExternalId": v.ExternalID,
						"restored":       false,
					},
				}
				if err := s.record(ctx, tx, ev); err != nil {
					return err
				}
			}
			cascaded = ids
		}

		ok, err := tx.DeleteVial(ctx, vialID, !opts.KeepLogs)
		if err != nil {
			return fmt.Errorf("delete vial: %w", err)
		}
		if !ok {
			return notFound("vial", vialID)
		}
		return s.writeVialEvent(ctx, tx, vialID, "deleted", opts.Actor, map[string]any{
			"vial_id":            vialID,
			"external_id":        v.ExternalID,
			"cascaded_dispenses": len(cascaded),
		})
	})
	if err != nil {
		return err
	}
	s.logger.Info("vial deleted",
		zap.String("vial_id", vialID),
		zap.Int("cascaded_dispenses", len(cascaded)),
	)
	return nil
}

// FetchInventory lists every vial.
func (s *Service) FetchInventory(ctx context.Context) (vials []*Vial, err error) {
	ctx, done := s.span(ctx, "fetch_inventory")
	defer done(&err)
	return s.store.ListVials(ctx)
}

// FetchInventorySummary returns active and expired counts and total stock.
func (s *Service) FetchInventorySummary(ctx context.Context) (sum *InventorySummary, err error) {
	ctx, done := s.span(ctx, "fetch_inventory_summary")
	defer done(&err)
	return s.store.InventorySummary(ctx)
}

func (s *Service) writeVialEvent(ctx context.Context, tx Tx, vialID, eventType string, actor Actor, data any) error {
	msg, err := newOutboxMessage(AggregateVial, vialID, eventType, TopicVialEvents, actor, s.now(), data)
	if err != nil {
		return fmt.Errorf("encode vial %s message: %w", eventType, err)
	}
	if err := tx.AppendOutbox(ctx, msg); err != nil {
		return fmt.Errorf("write vial %s message: %w", eventType, err)
	}
	return nil
}

func (s *Service) flagUnmatched(vialID, name string) {
	s.metrics.DrugNameUnmatched()
	s.logger.Warn("drug name not in catalog, flagged for review",
		zap.String("vial_id", vialID),
		zap.String("dea_drug_name", name),
	)
}

func normalizeVialStatus(status string) string {
	t := strings.TrimSpace(status)
	for s := range validVialStatuses {
		if strings.EqualFold(s, t) {
			return s
		}
	}
	return t
}
