// Package rtd converts MAX31865 readings of a PT1000 element into degrees
// Celsius.
//
// Two interchangeable methods are provided: a lookup table of integer-degree
// resistances searched by bisection and interpolated linearly, and a direct
// method that solves the Callendar–Van Dusen quadratic above 0 °C and
// evaluates a fifth order fit below it.
package rtd

import "math"

// Callendar–Van Dusen coefficients for IEC 60751 platinum elements.
const (
	A = 3.9083e-3
	B = -5.775e-7
	C = -4.183e-12
)

const (
	// NominalResistance is the element resistance at 0 °C.
	NominalResistance = 1000.0
	// ReferenceResistance is the MAX31865 reference resistor.
	ReferenceResistance = 4300.0
	// FullScale is the divisor of the 15-bit RTD register.
	FullScale = 1 << 15
	// MaxRaw is the largest valid raw reading.
	MaxRaw = FullScale - 1
)

// Resistance returns the measured element resistance for a raw reading.
func Resistance(raw uint16) float64 {
	return float64(raw) * ReferenceResistance / FullScale
}

// ResistanceAt returns the element resistance at temperature t.
func ResistanceAt(t float64) float64 {
	r := 1 + A*t + B*t*t
	if t < 0 {
		r += C * (t - 100) * t * t * t
	}
	return NominalResistance * r
}

// RawAt returns the raw reading the converter reports at temperature t,
// saturated to the register range.
func RawAt(t float64) uint16 {
	raw := math.Round(ResistanceAt(t) * FullScale / ReferenceResistance)
	switch {
	case raw < 0:
		return 0
	case raw > MaxRaw:
		return MaxRaw
	}
	return uint16(raw)
}
