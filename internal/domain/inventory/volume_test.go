package inventory

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestDeriveVolumes(t *testing.T) {
	tests := []struct {
		name      string
		in        VolumeInput
		dispensed string
		waste     string
		total     string
	}{
		{
			name:      "syringes derive dispensed and waste",
			in:        VolumeInput{SyringeCount: nd("3"), DosePerSyringeMl: nd("1.0")},
			dispensed: "3.000", waste: "0.300", total: "3.300",
		},
		{
			name:      "derived values are rounded half away from zero",
			in:        VolumeInput{SyringeCount: nd("3"), DosePerSyringeMl: nd("0.3335")},
			dispensed: "1.001", waste: "0.300", total: "1.301",
		},
		{
			name:      "explicit dispensed wins over derivation",
			in:        VolumeInput{SyringeCount: nd("2"), DosePerSyringeMl: nd("1.0"), TotalDispensedMl: nd("1.5")},
			dispensed: "1.500", waste: "0.200", total: "1.700",
		},
		{
			name:      "explicit waste wins over derivation",
			in:        VolumeInput{SyringeCount: nd("2"), DosePerSyringeMl: nd("1.0"), WasteMl: nd("0")},
			dispensed: "2.000", waste: "0.000", total: "2.000",
		},
		{
			name:      "waste defaults to zero without syringes",
			in:        VolumeInput{TotalDispensedMl: nd("0.75")},
			dispensed: "0.750", waste: "0.000", total: "0.750",
		},
		{
			name:      "explicit total is kept",
			in:        VolumeInput{TotalDispensedMl: nd("1"), WasteMl: nd("0.1"), TotalAmount: nd("9")},
			dispensed: "1.000", waste: "0.100", total: "9.000",
		},
		{
			name:      "syringe count without dose needs explicit volume",
			in:        VolumeInput{SyringeCount: nd("4"), TotalDispensedMl: nd("2")},
			dispensed: "2.000", waste: "0.000", total: "2.000",
		},
		{
			name:      "explicit sub-scale figures are rounded",
			in:        VolumeInput{TotalDispensedMl: nd("0.0005"), WasteMl: nd("0.0005")},
			dispensed: "0.001", waste: "0.001", total: "0.002",
		},
		{
			name:      "explicit total is rounded",
			in:        VolumeInput{TotalDispensedMl: nd("1"), TotalAmount: nd("1.23456")},
			dispensed: "1.000", waste: "0.000", total: "1.235",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := DeriveVolumes(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.dispensed, v.TotalDispensedMl.StringFixed(VolumePlaces))
			assert.Equal(t, tt.waste, v.WasteMl.StringFixed(VolumePlaces))
			assert.Equal(t, tt.total, v.TotalAmount.StringFixed(VolumePlaces))
			assert.True(t, v.TotalDispensedMl.Equal(RoundVolume(v.TotalDispensedMl)))
			assert.True(t, v.WasteMl.Equal(RoundVolume(v.WasteMl)))
		})
	}
}

func TestDeriveVolumesRejects(t *testing.T) {
	tests := []struct {
		name  string
		in    VolumeInput
		field string
	}{
		{"no volume at all", VolumeInput{}, "total_dispensed_ml"},
		{"dose without count", VolumeInput{DosePerSyringeMl: nd("1")}, "total_dispensed_ml"},
		{"fractional syringe count", VolumeInput{SyringeCount: nd("1.5"), DosePerSyringeMl: nd("1")}, "syringe_count"},
		{"negative syringe count", VolumeInput{SyringeCount: nd("-1"), DosePerSyringeMl: nd("1")}, "syringe_count"},
		{"syringe count beyond column range", VolumeInput{SyringeCount: nd("18446744073709551618"), DosePerSyringeMl: nd("1")}, "syringe_count"},
		{"syringe count just past int32", VolumeInput{SyringeCount: nd("2147483648"), DosePerSyringeMl: nd("1")}, "syringe_count"},
		{"negative dispensed", VolumeInput{TotalDispensedMl: nd("-0.5")}, "total_dispensed_ml"},
		{"negative waste", VolumeInput{TotalDispensedMl: nd("1"), WasteMl: nd("-0.1")}, "waste_ml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveVolumes(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestVolumesDeducted(t *testing.T) {
	v, err := DeriveVolumes(VolumeInput{SyringeCount: nd("2"), DosePerSyringeMl: nd("1.0")})
	require.NoError(t, err)
	assert.Equal(t, "2.200", v.Deducted().StringFixed(VolumePlaces))
	require.NotNil(t, v.SyringeCount)
	assert.Equal(t, 2, *v.SyringeCount)
}

func TestDeductedMatchesStoredScale(t *testing.T) {
	v, err := DeriveVolumes(VolumeInput{TotalDispensedMl: nd("0.0005"), WasteMl: nd("0.0005")})
	require.NoError(t, err)
	assert.Equal(t, "0.002", v.Deducted().String())
}

func TestDeriveVolumesAcceptsMaxSyringeCount(t *testing.T) {
	v, err := DeriveVolumes(VolumeInput{SyringeCount: nd("2147483647"), TotalDispensedMl: nd("1")})
	require.NoError(t, err)
	require.NotNil(t, v.SyringeCount)
	assert.Equal(t, MaxSyringeCount, *v.SyringeCount)
}

func TestVolumeJSON(t *testing.T) {
	tests := []struct {
		name string
		in   Volume
		want string
	}{
		{"null", Volume{}, `null`},
		{"trailing zeros kept", NewVolume(decimal.RequireFromString("7.8")), `"7.800"`},
		{"whole", NewVolume(decimal.NewFromInt(10)), `"10.000"`},
		{"zero", NewVolume(decimal.Zero), `"0.000"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(raw))
		})
	}

	var v Volume
	require.NoError(t, json.Unmarshal([]byte(`"2.5"`), &v))
	assert.True(t, v.Valid)
	assert.Equal(t, "2.500", v.String())

	require.NoError(t, json.Unmarshal([]byte(`null`), &v))
	assert.False(t, v.Valid)

	raw, err := json.Marshal(struct {
		Remaining Volume `json:"remaining_ml"`
	}{NewVolume(decimal.RequireFromString("7.8"))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"remaining_ml":"7.800"}`, string(raw))
}
