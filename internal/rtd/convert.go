package rtd

import (
	"fmt"
	"math"
)

// Coefficients of the sub-zero fit, in resistance normalized to a 100 ohm
// element.
var subZeroPoly = [...]float64{-242.02, 2.2228, 2.5859e-3, -4.8260e-6, -2.8183e-8, 1.5243e-10}

// Polynomial converts a resistance directly: the Callendar–Van Dusen quadratic
// at and above NominalResistance, the fifth order fit below it.
func Polynomial(r float64) float64 {
	if r < NominalResistance {
		x := r / NominalResistance * 100
		t, p := 0.0, 1.0
		for _, c := range subZeroPoly {
			t += c * p
			p *= x
		}
		return t
	}
	z1 := -A
	z2 := A*A - 4*B
	z3 := 4 * B / NominalResistance
	z4 := 2 * B
	return (math.Sqrt(z2+z3*r) + z1) / z4
}

// Converter maps raw readings to temperature with either method.
type Converter struct {
	table *Table
}

// NewConverter returns a converter backed by table, or DefaultTable when nil.
func NewConverter(table *Table) *Converter {
	if table == nil {
		table = DefaultTable()
	}
	return &Converter{table: table}
}

// Convert returns the temperature for raw. polyfit selects the direct method,
// otherwise the lookup table is used.
func (c *Converter) Convert(raw uint16, polyfit bool) (float64, error) {
	if raw == 0 || raw > MaxRaw {
		return 0, fmt.Errorf("%w: raw %d", ErrOutOfRange, raw)
	}
	r := Resistance(raw)
	if !polyfit {
		return c.table.Temperature(r)
	}
	t := Polynomial(r)
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, fmt.Errorf("%w: raw %d", ErrOutOfRange, raw)
	}
	return t, nil
}
