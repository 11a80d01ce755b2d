package inventory

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Canonical controlled-substance vendor identities stored in vials.dea_drug_name.
const (
	VendorCarrieBoyd = "Carrie Boyd - Testosterone Cypionate 200mg/mL (30mL)"
	VendorTopRX      = "TopRX - Testosterone Cypionate 200mg/mL (10mL)"

	// DefaultDEADrugCode is the DEA controlled substance code for anabolic steroids.
	DefaultDEADrugCode = "4000"
	DefaultDEASchedule = "Schedule III"
	DefaultUnits       = "mL"
	DefaultSource      = "dashboard"
)

// MatchRule names the step of the lookup that produced a DrugMatch.
type MatchRule string

const (
	MatchExact     MatchRule = "exact"
	MatchSubstring MatchRule = "substring"
	MatchSize      MatchRule = "size"
	MatchNone      MatchRule = "none"
)

// DrugMatch is the outcome of resolving a free-text drug name.
type DrugMatch struct {
	Vendor      string
	Rule        MatchRule
	NeedsReview bool
}

// Matched reports whether a canonical vendor was found.
func (m DrugMatch) Matched() bool { return m.Vendor != "" }

// SubstringRule maps a lowercase fragment to a vendor. Rules are evaluated in order.
type SubstringRule struct {
	Fragment string
	Vendor   string
}

// SizeFallback infers a vendor from nominal vial size when no name was given.
type SizeFallback struct {
	Enabled     bool
	ThresholdMl decimal.Decimal
	AtOrAbove   string
	Below       string
}

// DrugCatalog resolves vendor identities. Lookup order:
//  1. exact, case-insensitive match on a canonical vendor name
//  2. substring rules, first match wins
//  3. size fallback, only when no name was supplied and the fallback is enabled
//
// A non-empty name that matches nothing is returned with NeedsReview set.
type DrugCatalog struct {
	Vendors       []string
	DefaultVendor string
	Rules         []SubstringRule
	Size          SizeFallback
	// NominalSizeMl is the full-vial volume of each vendor, used to turn a
	// physical count of full vials into milliliters.
	NominalSizeMl map[string]decimal.Decimal
}

// DefaultCatalog returns the clinic's testosterone vendor table.
func DefaultCatalog() *DrugCatalog {
	return &DrugCatalog{
		Vendors:       []string{VendorCarrieBoyd, VendorTopRX},
		DefaultVendor: VendorTopRX,
		Rules: []SubstringRule{
			{Fragment: "toprx", Vendor: VendorTopRX},
			{Fragment: "cottonseed", Vendor: VendorTopRX},
			{Fragment: "carrie", Vendor: VendorCarrieBoyd},
			{Fragment: "boyd", Vendor: VendorCarrieBoyd},
			{Fragment: "miglyol", Vendor: VendorCarrieBoyd},
			{Fragment: "pre-filled", Vendor: VendorCarrieBoyd},
		},
		Size: SizeFallback{
			Enabled:     true,
			ThresholdMl: decimal.NewFromInt(20),
			AtOrAbove:   VendorCarrieBoyd,
			Below:       VendorTopRX,
		},
		NominalSizeMl: map[string]decimal.Decimal{
			VendorCarrieBoyd: decimal.NewFromInt(30),
			VendorTopRX:      decimal.NewFromInt(10),
		},
	}
}

// Match runs the name-based steps of the lookup.
func (c *DrugCatalog) Match(name string) DrugMatch {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return DrugMatch{Rule: MatchNone}
	}
	for _, v := range c.Vendors {
		if strings.EqualFold(v, trimmed) {
			return DrugMatch{Vendor: v, Rule: MatchExact}
		}
	}
	lower := strings.ToLower(trimmed)
	for _, r := range c.Rules {
		if strings.Contains(lower, r.Fragment) {
			return DrugMatch{Vendor: r.Vendor, Rule: MatchSubstring}
		}
	}
	return DrugMatch{Rule: MatchNone, NeedsReview: true}
}

// Resolve runs Match and, for nameless vials, the size fallback.
func (c *DrugCatalog) Resolve(name *string, size decimal.NullDecimal) DrugMatch {
	if name != nil && strings.TrimSpace(*name) != "" {
		return c.Match(*name)
	}
	if !c.Size.Enabled || !size.Valid || !size.Decimal.IsPositive() {
		return DrugMatch{Rule: MatchNone}
	}
	if size.Decimal.GreaterThanOrEqual(c.Size.ThresholdMl) {
		return DrugMatch{Vendor: c.Size.AtOrAbove, Rule: MatchSize}
	}
	return DrugMatch{Vendor: c.Size.Below, Rule: MatchSize}
}

// VendorOf classifies a stocked vial by its drug name, then its notes, then
// the size fallback. It returns "" when no step recognizes the vial.
func (c *DrugCatalog) VendorOf(v *Vial) string {
	for _, text := range []*string{v.DEADrugName, v.Notes} {
		if text == nil {
			continue
		}
		if m := c.Match(*text); m.Matched() {
			return m.Vendor
		}
	}
	return c.Resolve(nil, v.SizeMl.Null()).Vendor
}
