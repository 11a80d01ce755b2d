package inventory

import (
	"math"

	"github.com/shopspring/decimal"
)

// VolumePlaces is the precision of every stored milliliter amount.
const VolumePlaces = 3

// MaxSyringeCount bounds syringe_count to the stored integer column.
const MaxSyringeCount = math.MaxInt32

// Volume is a nullable milliliter amount. It renders in JSON as a string at
// VolumePlaces, so 7.8 is written "7.800".
type Volume decimal.NullDecimal

// NewVolume returns a valid Volume holding d.
func NewVolume(d decimal.Decimal) Volume {
	return Volume{Decimal: d, Valid: true}
}

// Null converts v back to a decimal.NullDecimal.
func (v Volume) Null() decimal.NullDecimal {
	return decimal.NullDecimal(v)
}

// String renders v at VolumePlaces, or "" when null.
func (v Volume) String() string {
	if !v.Valid {
		return ""
	}
	return v.Decimal.StringFixed(VolumePlaces)
}

func (v Volume) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return []byte(`"` + v.String() + `"`), nil
}

func (v *Volume) UnmarshalJSON(b []byte) error {
	return (*decimal.NullDecimal)(v).UnmarshalJSON(b)
}

// RoundVolume rounds d to the stored scale.
func RoundVolume(d decimal.Decimal) decimal.Decimal {
	return d.Round(VolumePlaces)
}

func roundNull(d decimal.NullDecimal) decimal.NullDecimal {
	if !d.Valid {
		return d
	}
	return decimal.NewNullDecimal(RoundVolume(d.Decimal))
}

// WastePerSyringe is the dead-space loss charged for each drawn syringe.
var WastePerSyringe = decimal.RequireFromString("0.1")

// VolumeInput carries the caller's dosing figures. Any field may be null.
type VolumeInput struct {
	SyringeCount     decimal.NullDecimal
	DosePerSyringeMl decimal.NullDecimal
	TotalDispensedMl decimal.NullDecimal
	WasteMl          decimal.NullDecimal
	TotalAmount      decimal.NullDecimal
}

// Volumes is the resolved accounting for one dispense.
type Volumes struct {
	SyringeCount     *int
	DosePerSyringeMl decimal.NullDecimal
	TotalDispensedMl decimal.Decimal
	WasteMl          decimal.Decimal
	TotalAmount      decimal.Decimal
}

// Deducted is the amount removed from the vial: dispensed plus waste.
func (v Volumes) Deducted() decimal.Decimal {
	return v.TotalDispensedMl.Add(v.WasteMl)
}

// DeriveVolumes applies the syringe derivation rules. Explicit figures always
// win over derived ones; an unresolvable dispensed volume is rejected. Every
// resolved figure is rounded to VolumePlaces, so Deducted equals what the
// stored columns add back on delete.
func DeriveVolumes(in VolumeInput) (Volumes, error) {
	var out Volumes

	if in.SyringeCount.Valid {
		if !in.SyringeCount.Decimal.IsInteger() {
			return out, invalid("syringe_count", "must be a whole number")
		}
		if in.SyringeCount.Decimal.IsNegative() {
			return out, invalid("syringe_count", "must not be negative")
		}
		if in.SyringeCount.Decimal.GreaterThan(decimal.NewFromInt(MaxSyringeCount)) {
			return out, invalid("syringe_count", "is too large")
		}
		n := int(in.SyringeCount.Decimal.IntPart())
		out.SyringeCount = &n
	}
	out.DosePerSyringeMl = roundNull(in.DosePerSyringeMl)

	dispensed := roundNull(in.TotalDispensedMl)
	waste := roundNull(in.WasteMl)

	if out.SyringeCount != nil && in.DosePerSyringeMl.Valid {
		count := decimal.NewFromInt(int64(*out.SyringeCount))
		if !dispensed.Valid {
			dispensed = decimal.NewNullDecimal(RoundVolume(in.DosePerSyringeMl.Decimal.Mul(count)))
		}
		if !waste.Valid {
			waste = decimal.NewNullDecimal(RoundVolume(WastePerSyringe.Mul(count)))
		}
	}

	if !dispensed.Valid {
		return out, invalid("total_dispensed_ml", "unable to determine dispensed volume")
	}
	if dispensed.Decimal.IsNegative() {
		return out, invalid("total_dispensed_ml", "must not be negative")
	}
	if !waste.Valid {
		waste = decimal.NewNullDecimal(decimal.Zero)
	}
	if waste.Decimal.IsNegative() {
		return out, invalid("waste_ml", "must not be negative")
	}

	out.TotalDispensedMl = dispensed.Decimal
	out.WasteMl = waste.Decimal
	if in.TotalAmount.Valid {
		out.TotalAmount = RoundVolume(in.TotalAmount.Decimal)
	} else {
		out.TotalAmount = out.TotalDispensedMl.Add(out.WasteMl)
	}
	return out, nil
}
