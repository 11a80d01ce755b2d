package inventory

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDrugCatalogMatch(t *testing.T) {
	c := DefaultCatalog()
	tests := []struct {
		name   string
		input  string
		vendor string
		rule   MatchRule
		review bool
	}{
		{"exact canonical", VendorTopRX, VendorTopRX, MatchExact, false},
		{"exact ignores case and padding", "  " + "carrie boyd - testosterone cypionate 200mg/ml (30ml) ", VendorCarrieBoyd, MatchExact, false},
		{"toprx fragment", "TopRx 10mL", VendorTopRX, MatchSubstring, false},
		{"cottonseed oil", "Testosterone in Cottonseed", VendorTopRX, MatchSubstring, false},
		{"miglyol", "Test Cyp Miglyol", VendorCarrieBoyd, MatchSubstring, false},
		{"pre-filled", "Pre-Filled syringes", VendorCarrieBoyd, MatchSubstring, false},
		{"unknown name needs review", "Nandrolone 200", "", MatchNone, true},
		{"blank name", "   ", "", MatchNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := c.Match(tt.input)
			assert.Equal(t, tt.vendor, m.Vendor)
			assert.Equal(t, tt.rule, m.Rule)
			assert.Equal(t, tt.review, m.NeedsReview)
		})
	}
}

func TestDrugCatalogSizeFallback(t *testing.T) {
	c := DefaultCatalog()
	name := "Unknown brand"

	assert.Equal(t, VendorCarrieBoyd, c.Resolve(nil, nd("30")).Vendor)
	assert.Equal(t, VendorCarrieBoyd, c.Resolve(nil, nd("20")).Vendor)
	assert.Equal(t, VendorTopRX, c.Resolve(nil, nd("10")).Vendor)
	assert.False(t, c.Resolve(nil, nd("0")).Matched())
	assert.False(t, c.Resolve(nil, decimal.NullDecimal{}).Matched())

	m := c.Resolve(&name, nd("30"))
	assert.False(t, m.Matched(), "size never overrides an explicit name")
	assert.True(t, m.NeedsReview)

	c.Size.Enabled = false
	assert.False(t, c.Resolve(nil, nd("30")).Matched())

	c.Size = SizeFallback{Enabled: true, ThresholdMl: decimal.NewFromInt(50), AtOrAbove: VendorCarrieBoyd, Below: VendorTopRX}
	assert.Equal(t, VendorTopRX, c.Resolve(nil, nd("30")).Vendor)
}
