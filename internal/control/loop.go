// Package control implements the banded proportional-integral law that drives
// the Peltier stage.
//
// The error band is centred on the setpoint. Above it the actuator is driven
// to full cooling, below it the actuator is released, and inside it a PI law
// on the band-normalized error sets the command.
package control

import (
	"errors"
	"math"
	"time"
)

// FullScale is the largest actuator command magnitude.
const FullScale = 4095

// integralTimeScale divides the elapsed milliseconds before they enter the
// integral update. Stored tunings are expressed against this scale.
const integralTimeScale = 1e6

var ErrInvalidBand = errors.New("control: band must be positive")

// Zone classifies the temperature error against the band.
type Zone int

const (
	ZoneInBand Zone = iota
	ZoneHot
	ZoneCold
)

func (z Zone) String() string {
	switch z {
	case ZoneHot:
		return "hot"
	case ZoneCold:
		return "cold"
	default:
		return "in_band"
	}
}

// Params are the tuning constants. TDerivative is carried for the operator
// but the law has no derivative term.
type Params struct {
	Band        float64 // °C
	TIntegral   float64 // s
	TDerivative float64 // s
}

// Output is the result of one Step.
type Output struct {
	Command      int
	Zone         Zone
	Error        float64 // normalized error, 0 outside the band
	Proportional float64 // 2·E
	Integral     float64 // accumulator after the step
}

// Loop holds the tuning constants and the integral accumulator.
type Loop struct {
	Params
	Integral float64
}

// Classify returns the zone of temperature against setpoint.
func Classify(temperature, setpoint, band float64) Zone {
	e := temperature - setpoint
	switch {
	case e >= band/2:
		return ZoneHot
	case e < -band/2:
		return ZoneCold
	default:
		return ZoneInBand
	}
}

// Step computes the actuator command for one control pass. elapsed is the
// time since the previous sample.
func (l *Loop) Step(temperature, setpoint float64, elapsed time.Duration) (Output, error) {
	if !(l.Band > 0) {
		return Output{}, ErrInvalidBand
	}
	switch Classify(temperature, setpoint, l.Band) {
	case ZoneHot:
		return Output{Command: -FullScale, Zone: ZoneHot, Integral: l.Integral}, nil
	case ZoneCold:
		return Output{Command: 0, Zone: ZoneCold, Integral: l.Integral}, nil
	}

	e := -(temperature - setpoint) / l.Band
	ms := float64(elapsed) / float64(time.Millisecond)
	if l.TIntegral > 0 {
		l.Integral += ms / integralTimeScale / l.TIntegral * e
	}
	p := 2 * e
	out := math.Max(-FullScale, math.Min(FullScale, (p+l.Integral)*FullScale))
	return Output{
		Command:      int(out),
		Zone:         ZoneInBand,
		Error:        e,
		Proportional: p,
		Integral:     l.Integral,
	}, nil
}
