package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CheckType distinguishes the opening and closing physical counts of a day.
type CheckType string

const (
	CheckMorning CheckType = "morning"
	CheckEvening CheckType = "evening"
)

// CheckStatus is the outcome of a count check.
type CheckStatus string

const (
	CheckCompleted           CheckStatus = "completed"
	CheckDiscrepancyFlagged  CheckStatus = "discrepancy_flagged"
	CheckDiscrepancyResolved CheckStatus = "discrepancy_resolved"
)

const (
	DefaultCountCheckDays = 30
	MaxCountCheckDays     = 366
	DefaultLowStockVials  = 10
	vendorVialDetailLimit = 10
	checkDateLayout       = "2006-01-02"
)

var (
	// DiscrepancyThresholdMl is the largest per-vendor difference between
	// system and physical stock recorded without flagging the check.
	DiscrepancyThresholdMl = decimal.NewFromInt(2)

	// Differences at or below this are not noted as waste.
	autoWasteFloorMl = decimal.RequireFromString("0.1")
)

// PhysicalCount is what staff found on the shelf for one vendor.
type PhysicalCount struct {
	Vendor    string
	FullVials int
	PartialMl decimal.NullDecimal
}

// CountCheckInput records a physical count. Every catalog vendor with a
// nominal size must be counted.
type CountCheckInput struct {
	Type             CheckType
	Counts           []PhysicalCount
	Notes            *string
	DiscrepancyNotes *string
	Actor            Actor
}

// VendorCount compares system and physical stock for one vendor.
// DiscrepancyMl is system minus physical; positive means stock is missing.
type VendorCount struct {
	Vendor            string `json:"vendor"`
	SystemVials       int    `json:"system_vials"`
	SystemRemainingMl Volume `json:"system_remaining_ml"`
	PhysicalFullVials int    `json:"physical_full_vials"`
	PhysicalPartialMl Volume `json:"physical_partial_ml"`
	PhysicalTotalMl   Volume `json:"physical_total_ml"`
	DiscrepancyMl     Volume `json:"discrepancy_ml"`
}

// CountCheck is an append-only record of one physical count.
type CountCheck struct {
	ID               string        `json:"check_id"`
	CheckDate        string        `json:"check_date"`
	CheckType        CheckType     `json:"check_type"`
	PerformedBy      string        `json:"performed_by"`
	PerformedByRole  string        `json:"performed_by_role"`
	PerformedByName  *string       `json:"performed_by_name,omitempty"`
	PerformedAt      time.Time     `json:"performed_at"`
	Vendors          []VendorCount `json:"vendors"`
	DiscrepancyFound bool          `json:"discrepancy_found"`
	DiscrepancyNotes *string       `json:"discrepancy_notes"`
	Notes            *string       `json:"notes"`
	Status           CheckStatus   `json:"status"`
}

// CountCheckStatus reports whether today's check of a type is on file.
type CountCheckStatus struct {
	CheckType                CheckType   `json:"check_type"`
	Completed                bool        `json:"completed"`
	Check                    *CountCheck `json:"check"`
	RequiredBeforeDispensing bool        `json:"required_before_dispensing"`
}

// VendorInventory is active controlled stock rolled up by vendor.
type VendorInventory struct {
	Vendor           string       `json:"vendor"`
	ActiveVials      int          `json:"active_vials"`
	TotalRemainingMl Volume       `json:"total_remaining_ml"`
	LowInventory     bool         `json:"low_inventory"`
	Vials            []VendorVial `json:"vials"`
}

// VendorVial is one vial listed under its vendor.
type VendorVial struct {
	ExternalID  string  `json:"external_id"`
	RemainingMl Volume  `json:"remaining_ml"`
	DEADrugName *string `json:"dea_drug_name"`
}

// ParseCheckType normalizes a check type; empty means morning.
func ParseCheckType(raw string) (CheckType, error) {
	switch t := CheckType(strings.ToLower(strings.TrimSpace(raw))); t {
	case "":
		return CheckMorning, nil
	case CheckMorning, CheckEvening:
		return t, nil
	default:
		return "", invalid("check_type", fmt.Sprintf("unknown check type %q", raw))
	}
}

// RecordCountCheck compares staff's physical count against the system's
// remaining volume per vendor and appends the result. It never changes vial
// volumes. A vendor differing by more than DiscrepancyThresholdMl flags the
// check unless discrepancy notes explain it.
func (s *Service) RecordCountCheck(ctx context.Context, in CountCheckInput) (check *CountCheck, err error) {
	ctx, done := s.span(ctx, "record_count_check", attribute.String("check_type", string(in.Type)))
	defer done(&err)

	if strings.TrimSpace(in.Actor.UserID) == "" {
		return nil, invalid("actor_user_id", "is required")
	}
	typ, err := ParseCheckType(string(in.Type))
	if err != nil {
		return nil, err
	}
	counts, err := s.physicalCounts(in.Counts)
	if err != nil {
		return nil, err
	}

	now := s.now()
	check = &CountCheck{
		CheckDate:        now.In(s.location).Format(checkDateLayout),
		CheckType:        typ,
		PerformedBy:      in.Actor.UserID,
		PerformedByRole:  in.Actor.Role,
		PerformedAt:      now.UTC(),
		DiscrepancyNotes: trimmedOrNil(in.DiscrepancyNotes),
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		vials, err := tx.StockedVials(ctx)
		if err != nil {
			return fmt.Errorf("list stocked vials: %w", err)
		}
		check.Vendors = s.compareStock(vials, counts)

		var waste []string
		for _, vc := range check.Vendors {
			diff := vc.DiscrepancyMl.Decimal.Abs()
			switch {
			case diff.GreaterThan(DiscrepancyThresholdMl):
				check.DiscrepancyFound = true
			case diff.GreaterThan(autoWasteFloorMl):
				waste = append(waste, fmt.Sprintf("%s auto-waste: %s mL (within threshold)", vc.Vendor, diff.StringFixed(1)))
			}
		}
		check.Notes = joinNotes(trimmedOrNil(in.Notes), strings.Join(waste, "; "))
		check.Status = CheckCompleted
		if check.DiscrepancyFound {
			check.Status = CheckDiscrepancyFlagged
			if check.DiscrepancyNotes != nil {
				check.Status = CheckDiscrepancyResolved
			}
		}

		if err := tx.InsertCountCheck(ctx, check); err != nil {
			return fmt.Errorf("insert count check: %w", err)
		}
		msg, err := newOutboxMessage(AggregateCountCheck, check.ID, "count_check.recorded", TopicCountChecks, in.Actor, now, check)
		if err != nil {
			return fmt.Errorf("encode count check message: %w", err)
		}
		if err := tx.AppendOutbox(ctx, msg); err != nil {
			return fmt.Errorf("write count check message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CountCheckRecorded(check.Status)
	fields := []zap.Field{
		zap.String("check_id", check.ID),
		zap.String("check_type", string(check.CheckType)),
		zap.String("status", string(check.Status)),
	}
	if check.DiscrepancyFound {
		s.logger.Warn("count check discrepancy", fields...)
	} else {
		s.logger.Info("count check recorded", fields...)
	}
	return check, nil
}

// physicalCounts validates counts and keys them by canonical vendor.
func (s *Service) physicalCounts(counts []PhysicalCount) (map[string]PhysicalCount, error) {
	out := make(map[string]PhysicalCount, len(counts))
	for _, c := range counts {
		m := s.catalog.Match(c.Vendor)
		if _, ok := s.catalog.NominalSizeMl[m.Vendor]; !ok {
			return nil, invalid("counts", fmt.Sprintf("unknown vendor %q", c.Vendor))
		}
		if _, dup := out[m.Vendor]; dup {
			return nil, invalid("counts", fmt.Sprintf("vendor %q counted twice", m.Vendor))
		}
		if c.FullVials < 0 {
			return nil, invalid("full_vials", "must not be negative")
		}
		if c.PartialMl.Valid && c.PartialMl.Decimal.IsNegative() {
			return nil, invalid("partial_ml", "must not be negative")
		}
		c.Vendor = m.Vendor
		c.PartialMl = roundNull(c.PartialMl)
		out[m.Vendor] = c
	}
	for _, vendor := range s.catalog.Vendors {
		if _, sized := s.catalog.NominalSizeMl[vendor]; !sized {
			continue
		}
		if _, ok := out[vendor]; !ok {
			return nil, invalid("counts", fmt.Sprintf("missing count for %q", vendor))
		}
	}
	return out, nil
}

// compareStock builds one VendorCount per counted vendor in catalog order.
// Vials the catalog cannot classify are left out.
func (s *Service) compareStock(vials []*Vial, counts map[string]PhysicalCount) []VendorCount {
	type stock struct {
		vials int
		ml    decimal.Decimal
	}
	system := map[string]*stock{}
	for _, v := range vials {
		vendor := s.catalog.VendorOf(v)
		if vendor == "" {
			continue
		}
		st, ok := system[vendor]
		if !ok {
			st = &stock{ml: decimal.Zero}
			system[vendor] = st
		}
		st.vials++
		st.ml = st.ml.Add(nullOrZero(v.RemainingVolumeMl))
	}

	var out []VendorCount
	for _, vendor := range s.catalog.Vendors {
		c, ok := counts[vendor]
		if !ok {
			continue
		}
		st := system[vendor]
		if st == nil {
			st = &stock{ml: decimal.Zero}
		}
		partial := nullOrZero(Volume(c.PartialMl))
		physical := s.catalog.NominalSizeMl[vendor].Mul(decimal.NewFromInt(int64(c.FullVials))).Add(partial)
		out = append(out, VendorCount{
			Vendor:            vendor,
			SystemVials:       st.vials,
			SystemRemainingMl: NewVolume(st.ml),
			PhysicalFullVials: c.FullVials,
			PhysicalPartialMl: NewVolume(partial),
			PhysicalTotalMl:   NewVolume(physical),
			DiscrepancyMl:     NewVolume(st.ml.Sub(physical)),
		})
	}
	return out
}

func joinNotes(user *string, generated string) *string {
	var parts []string
	if user != nil {
		parts = append(parts, *user)
	}
	if generated != "" {
		parts = append(parts, generated)
	}
	if len(parts) == 0 {
		return nil
	}
	joined := strings.Join(parts, " | ")
	return &joined
}

// FetchCountCheckHistory lists the checks of the last days calendar days,
// newest first. A non-positive days uses DefaultCountCheckDays.
func (s *Service) FetchCountCheckHistory(ctx context.Context, days int) (checks []*CountCheck, err error) {
	ctx, done := s.span(ctx, "fetch_count_check_history")
	defer done(&err)

	if days <= 0 {
		days = DefaultCountCheckDays
	}
	if days > MaxCountCheckDays {
		return nil, invalid("days", fmt.Sprintf("must be at most %d", MaxCountCheckDays))
	}
	since := s.now().In(s.location).AddDate(0, 0, -days).Format(checkDateLayout)
	return s.store.CountChecks(ctx, since)
}

// FetchTodayCountCheck reports the latest check of typ recorded today.
func (s *Service) FetchTodayCountCheck(ctx context.Context, typ CheckType) (status *CountCheckStatus, err error) {
	ctx, done := s.span(ctx, "fetch_today_count_check")
	defer done(&err)

	if typ, err = ParseCheckType(string(typ)); err != nil {
		return nil, err
	}
	today := s.now().In(s.location).Format(checkDateLayout)
	checks, err := s.store.CountChecks(ctx, today)
	if err != nil {
		return nil, err
	}
	status = &CountCheckStatus{CheckType: typ, RequiredBeforeDispensing: true}
	for _, c := range checks {
		if c.CheckDate == today && c.CheckType == typ {
			status.Completed, status.Check, status.RequiredBeforeDispensing = true, c, false
			break
		}
	}
	return status, nil
}

// FetchInventoryByVendor rolls active controlled vials with volume remaining
// up by vendor. Every catalog vendor is listed, including those with no stock.
func (s *Service) FetchInventoryByVendor(ctx context.Context) (out []*VendorInventory, err error) {
	ctx, done := s.span(ctx, "fetch_inventory_by_vendor")
	defer done(&err)

	vials, err := s.store.ListVials(ctx)
	if err != nil {
		return nil, err
	}
	byVendor := make(map[string]*VendorInventory, len(s.catalog.Vendors))
	for _, vendor := range s.catalog.Vendors {
		inv := &VendorInventory{Vendor: vendor, TotalRemainingMl: NewVolume(decimal.Zero), Vials: []VendorVial{}}
		byVendor[vendor] = inv
		out = append(out, inv)
	}
	for _, v := range vials {
		if v.Status != VialStatusActive || !v.ControlledSubstance || !v.RemainingVolumeMl.Valid || !v.RemainingVolumeMl.Decimal.IsPositive() {
			continue
		}
		inv, ok := byVendor[s.catalog.VendorOf(v)]
		if !ok {
			continue
		}
		inv.ActiveVials++
		inv.TotalRemainingMl = NewVolume(inv.TotalRemainingMl.Decimal.Add(v.RemainingVolumeMl.Decimal))
		if len(inv.Vials) < vendorVialDetailLimit {
			inv.Vials = append(inv.Vials, VendorVial{ExternalID: v.ExternalID, RemainingMl: v.RemainingVolumeMl, DEADrugName: v.DEADrugName})
		}
	}
	for _, inv := range out {
		inv.LowInventory = inv.ActiveVials <= s.lowStock
	}
	return out, nil
}
