// Package mcp4725 drives the Microchip MCP4725 12-bit I²C DAC.
package mcp4725

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
)

// DefaultAddr is the I²C address with A0 tied low.
const DefaultAddr uint16 = 0x62

// MaxCode is the full-scale output code.
const MaxCode = 0x0FFF

var ErrCodeOutOfRange = errors.New("mcp4725: code out of range")

// Dev is a handle to an MCP4725.
type Dev struct {
	c conn.Conn
}

func NewI2C(b i2c.Bus, addr uint16) *Dev {
	return New(&i2c.Dev{Bus: b, Addr: addr})
}

func New(c conn.Conn) *Dev {
	return &Dev{c: c}
}

func (d *Dev) String() string {
	return fmt.Sprintf("MCP4725{%s}", d.c)
}

// Halt drives the output to zero.
func (d *Dev) Halt() error {
	return d.Set(0)
}

// Set writes code with a fast-mode write: power-down bits 00, no EEPROM
// update.
func (d *Dev) Set(code uint16) error {
	if code > MaxCode {
		return ErrCodeOutOfRange
	}
	if err := d.c.Tx([]byte{byte(code >> 8), byte(code)}, nil); err != nil {
		return fmt.Errorf("mcp4725: %w", err)
	}
	return nil
}
