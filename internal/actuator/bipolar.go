// Package actuator drives the Peltier element from a unipolar DAC and a
// polarity line.
package actuator

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"github.com/Agrid-Dev/thermostage/internal/control"
)

var ErrLevelOutOfRange = errors.New("actuator: level out of range")

// DAC sets an unsigned output code in [0, control.FullScale].
type DAC interface {
	Set(code uint16) error
}

// PolarityPin is the output that selects the current direction.
// gpio.PinOut satisfies it.
type PolarityPin interface {
	Out(l gpio.Level) error
}

// Bipolar maps a signed level onto a DAC magnitude and a polarity line.
// Negative levels cool.
type Bipolar struct {
	mu      sync.Mutex
	dac     DAC
	pin     PolarityPin
	cooling gpio.Level // pin level selecting cooling

	level int
	cool  bool // current pin state selects cooling
	known bool // pin has been written at least once
}

// NewBipolar returns an actuator that drives pin to cooling for negative
// levels and to its inverse otherwise.
func NewBipolar(dac DAC, pin PolarityPin, cooling gpio.Level) *Bipolar {
	return &Bipolar{dac: dac, pin: pin, cooling: cooling}
}

// SetLevel writes level. A polarity change first drives the DAC to zero,
// then switches the pin, then writes the magnitude. Zero keeps the current
// polarity.
func (b *Bipolar) SetLevel(level int) error {
	if level < -control.FullScale || level > control.FullScale {
		return fmt.Errorf("%w: %d", ErrLevelOutOfRange, level)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if level != 0 && (!b.known || (level < 0) != b.cool) {
		if err := b.switchPolarity(level < 0); err != nil {
			return err
		}
	}
	mag := level
	if mag < 0 {
		mag = -mag
	}
	if err := b.dac.Set(uint16(mag)); err != nil {
		return err
	}
	b.level = level
	return nil
}

func (b *Bipolar) switchPolarity(cool bool) error {
	if err := b.dac.Set(0); err != nil {
		return err
	}
	l := b.cooling
	if !cool {
		l = !l
	}
	if err := b.pin.Out(l); err != nil {
		return fmt.Errorf("actuator: polarity: %w", err)
	}
	b.cool, b.known = cool, true
	return nil
}

func (b *Bipolar) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}
