// Package max31865 drives the Maxim MAX31865 RTD-to-digital converter over
// SPI in one-shot mode.
//
// Datasheet: https://datasheets.maximintegrated.com/en/ds/MAX31865.pdf
package max31865

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

const (
	regConfig uint8 = iota
	regRTDMSB
	regRTDLSB
	regHFaultMSB
	regHFaultLSB
	regLFaultMSB
	regLFaultLSB
	regFaultStat
)

const (
	configBias      uint8 = 0x80
	configModeAuto  uint8 = 0x40
	config1Shot     uint8 = 0x20
	config3Wire     uint8 = 0x10
	configFaultStat uint8 = 0x02
	configFilt50Hz  uint8 = 0x01
)

const (
	// BiasSettle is the wait after enabling the bias before a conversion.
	BiasSettle = 10 * time.Millisecond
	// ConversionTime is the worst-case one-shot conversion time.
	ConversionTime = 55 * time.Millisecond
)

var ErrFault = errors.New("max31865: fault detected")

type Opts struct {
	Wires int // 2, 3 or 4
	// Filter50Hz selects the 50 Hz notch instead of 60 Hz.
	Filter50Hz bool
	// BiasAlwaysOn leaves the bias enabled between reads and skips the
	// settle wait. Self-heating is higher.
	BiasAlwaysOn bool
}

var DefaultOpts = Opts{Wires: 2}

// Dev is a handle to a MAX31865.
type Dev struct {
	mu    sync.Mutex
	c     conn.Conn
	opts  Opts
	sleep func(time.Duration)
}

// NewSPI connects to the converter on p at 1 MHz, SPI mode 1.
func NewSPI(p spi.Port, o *Opts) (*Dev, error) {
	c, err := p.Connect(physic.MegaHertz, spi.Mode1, 8)
	if err != nil {
		return nil, fmt.Errorf("max31865: %w", err)
	}
	return New(c, o)
}

// New initializes the converter: wire count, filter, bias off, one-shot
// mode, full-range fault thresholds and cleared faults.
func New(c conn.Conn, o *Opts) (*Dev, error) {
	if o == nil {
		o = &DefaultOpts
	}
	switch o.Wires {
	case 2, 3, 4:
	default:
		return nil, fmt.Errorf("max31865: invalid wire count %d", o.Wires)
	}
	d := &Dev{c: c, opts: *o, sleep: time.Sleep}

	cfg := uint8(0)
	if o.Wires == 3 {
		cfg |= config3Wire
	}
	if o.Filter50Hz {
		cfg |= configFilt50Hz
	}
	if o.BiasAlwaysOn {
		cfg |= configBias
	}
	if err := d.writeReg(regConfig, cfg); err != nil {
		return nil, err
	}
	if err := d.setThresholds(0, 0xFFFF); err != nil {
		return nil, err
	}
	if err := d.ClearFault(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("MAX31865{%s}", d.c)
}

// Halt turns the bias off.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setBias(false)
}

// ReadRaw performs a one-shot conversion and returns the 15-bit resistance
// ratio. It blocks for the bias settle time and the conversion time. A failure
// to switch the bias off afterwards fails the read.
func (d *Dev) ReadRaw() (raw uint16, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.opts.BiasAlwaysOn {
		if err := d.setBias(true); err != nil {
			return 0, err
		}
		d.sleep(BiasSettle)
		defer func() {
			if berr := d.setBias(false); berr != nil {
				raw, err = 0, errors.Join(err, fmt.Errorf("max31865: bias off: %w", berr))
			}
		}()
	}

	cfg, err := d.readReg(regConfig)
	if err != nil {
		return 0, err
	}
	if err := d.writeReg(regConfig, cfg|config1Shot); err != nil {
		return 0, err
	}
	d.sleep(ConversionTime)

	var buf [2]byte
	if err := d.readRegs(regRTDMSB, buf[:]); err != nil {
		return 0, err
	}
	v := uint16(buf[0])<<8 | uint16(buf[1])
	if v&1 != 0 {
		status, err := d.readReg(regFaultStat)
		if err != nil {
			return 0, err
		}
		if err := d.clearFault(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: status %#02x", ErrFault, status)
	}
	return v >> 1, nil
}

// Config returns the configuration register.
func (d *Dev) Config() (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readReg(regConfig)
}

// Fault returns the fault status register.
func (d *Dev) Fault() (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readReg(regFaultStat)
}

func (d *Dev) ClearFault() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearFault()
}

func (d *Dev) clearFault() error {
	cfg, err := d.readReg(regConfig)
	if err != nil {
		return err
	}
	cfg &^= 0x2C
	return d.writeReg(regConfig, cfg|configFaultStat)
}

func (d *Dev) setBias(on bool) error {
	cfg, err := d.readReg(regConfig)
	if err != nil {
		return err
	}
	if on {
		cfg |= configBias
	} else {
		cfg &^= configBias
	}
	return d.writeReg(regConfig, cfg)
}

func (d *Dev) setThresholds(lower, upper uint16) error {
	for _, w := range []struct {
		reg uint8
		v   uint8
	}{
		{regLFaultLSB, uint8(lower)},
		{regLFaultMSB, uint8(lower >> 8)},
		{regHFaultLSB, uint8(upper)},
		{regHFaultMSB, uint8(upper >> 8)},
	} {
		if err := d.writeReg(w.reg, w.v); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dev) readReg(reg uint8) (uint8, error) {
	var b [1]byte
	err := d.readRegs(reg, b[:])
	return b[0], err
}

// readRegs reads len(b) consecutive registers starting at reg. Reads clear
// the address MSB.
func (d *Dev) readRegs(reg uint8, b []byte) error {
	w := make([]byte, len(b)+1)
	r := make([]byte, len(b)+1)
	w[0] = reg & 0x7F
	if err := d.c.Tx(w, r); err != nil {
		return fmt.Errorf("max31865: read %#02x: %w", reg, err)
	}
	copy(b, r[1:])
	return nil
}

// writeReg sets the address MSB.
func (d *Dev) writeReg(reg, v uint8) error {
	if err := d.c.Tx([]byte{reg | 0x80, v}, nil); err != nil {
		return fmt.Errorf("max31865: write %#02x: %w", reg, err)
	}
	return nil
}
