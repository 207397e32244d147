package main

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/Agrid-Dev/thermostage/cmd/app"
	"github.com/Agrid-Dev/thermostage/internal/actuator"
	"github.com/Agrid-Dev/thermostage/internal/hw/max31865"
	"github.com/Agrid-Dev/thermostage/internal/hw/mcp4725"
)

// openPeriph wires a MAX31865 on SPI, an MCP4725 on I²C and a GPIO polarity
// line. The DAC is zeroed on close.
func openPeriph(cfg app.DriverConfig) (*driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("open spi %q: %w", cfg.SPIPort, err)
	}
	sensor, err := max31865.NewSPI(port, &max31865.Opts{Wires: cfg.Wires, Filter50Hz: cfg.Filter50Hz})
	if err != nil {
		port.Close()
		return nil, err
	}

	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("open i2c %q: %w", cfg.I2CBus, err)
	}
	dac := mcp4725.NewI2C(bus, cfg.DACAddr)

	pin := gpioreg.ByName(cfg.PolarityPin)
	if pin == nil {
		bus.Close()
		port.Close()
		return nil, fmt.Errorf("gpio %q not found", cfg.PolarityPin)
	}
	cooling := gpio.Low
	if cfg.CoolHigh {
		cooling = gpio.High
	}

	return &driver{
		sensor:   sensor,
		actuator: actuator.NewBipolar(dac, pin, cooling),
		close: func() error {
			return errors.Join(dac.Halt(), sensor.Halt(), bus.Close(), port.Close())
		},
	}, nil
}
