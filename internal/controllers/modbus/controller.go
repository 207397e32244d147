package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	mbserver "github.com/tbrandon/mbserver"

	"github.com/Agrid-Dev/thermostage/internal/ports"
	"github.com/Agrid-Dev/thermostage/internal/stage"
)

// Register map.
//
//	coil 0     closed loop (1) / open loop (0)
//	holding 0  setpoint, °C x100, signed
//	holding 1  band x100
//	holding 2  integral time x100, s
//	holding 3  derivative time x100, s
//	holding 4  mode (1 open loop, 2 closed loop)
//	holding 5  sampling period, ms
//	holding 6  actuator command, signed
//	holding 7  polynomial conversion (0/1)
//	input 0    temperature, °C x100, signed
//	input 1    actuator command, signed
//	input 2    integral accumulator x1000, signed, saturated
//	input 3    sensor faults, low 16 bits
const (
	HoldingSetpoint = iota
	HoldingBand
	HoldingTIntegral
	HoldingTDerivative
	HoldingMode
	HoldingPeriod
	HoldingDAC
	HoldingPolyfit
	holdingCount
)

const (
	InputTemperature = iota
	InputCommand
	InputIntegral
	InputSensorFaults
	inputCount
)

// Config for the Modbus controller.
type Config struct {
	DeviceID string
	Addr     string
	UnitID   byte // UnitID (Modbus slave/unit ID). Use an integer 1..247.
}

type Controller struct {
	svc ports.StageService
	cfg Config

	serv *mbserver.Server
}

func New(svc ports.StageService, cfg Config) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	return &Controller{svc: svc, cfg: cfg}, nil
}

// Run starts the Modbus server. Reads are served from the current snapshot and
// writes are applied immediately. It blocks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Handlers are registered before listening; mbserver reads the handler
	// table from its connection goroutines.
	serv.RegisterFunctionHandler(1, c.readCoils)
	serv.RegisterFunctionHandler(3, c.readHolding)
	serv.RegisterFunctionHandler(4, c.readInput)
	serv.RegisterFunctionHandler(5, c.writeCoil)
	serv.RegisterFunctionHandler(6, c.writeSingle)
	serv.RegisterFunctionHandler(16, c.writeMultiple)

	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}

	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

// Read Coils (function 1): coil 0 only.
func (c *Controller) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ex := rangeRequest(frame.GetData(), 2000)
	if ex != nil {
		return []byte{}, ex
	}
	if start != 0 || qty != 1 {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	coil := byte(0)
	if c.svc.Get().Mode == stage.ModeClosedLoop {
		coil = 0x01
	}
	return []byte{1, coil}, &mbserver.Success
}

// Read Holding Registers (function 3).
func (c *Controller) readHolding(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ex := rangeRequest(frame.GetData(), 125)
	if ex != nil {
		return []byte{}, ex
	}
	if start+qty > holdingCount {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	regs := holdingRegisters(c.svc.Get())
	return registerResponse(regs[start : start+qty]), &mbserver.Success
}

// Read Input Registers (function 4).
func (c *Controller) readInput(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	start, qty, ex := rangeRequest(frame.GetData(), 125)
	if ex != nil {
		return []byte{}, ex
	}
	if start+qty > inputCount {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	regs := inputRegisters(c.svc.Get())
	return registerResponse(regs[start : start+qty]), &mbserver.Success
}

// Write Single Coil (function 5): coil 0 switches the loop mode.
func (c *Controller) writeCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])
	if addr != 0 {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	var m stage.Mode
	switch value {
	case 0x0000:
		m = stage.ModeOpenLoop
	case 0xFF00:
		m = stage.ModeClosedLoop
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}
	if err := c.svc.SetMode(m); err != nil {
		return []byte{}, &mbserver.IllegalDataValue
	}

	// echo request (address + value)
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Write Single Register (function 6)
func (c *Controller) writeSingle(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	value := binary.BigEndian.Uint16(data[2:4])
	if ex := c.writeRegister(addr, value); ex != nil {
		return []byte{}, ex
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

// Write Multiple Registers (function 16). Registers are applied in order and
// the first rejected one aborts the rest.
func (c *Controller) writeMultiple(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	d := frame.GetData()
	if len(d) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])
	byteCount := int(d[4])
	if byteCount != int(quantity)*2 || len(d) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	for i := 0; i < int(quantity); i++ {
		val := binary.BigEndian.Uint16(d[5+i*2 : 5+i*2+2])
		if ex := c.writeRegister(int(start)+i, val); ex != nil {
			return []byte{}, ex
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], start)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return resp, &mbserver.Success
}

func (c *Controller) writeRegister(addr int, value uint16) *mbserver.Exception {
	var err error
	switch addr {
	case HoldingSetpoint:
		err = c.svc.SetSetpoint(decodeSigned(value, TemperatureScale))
	case HoldingBand, HoldingTIntegral, HoldingTDerivative:
		p := c.svc.Get().PID
		v := float64(value) / TemperatureScale
		switch addr {
		case HoldingBand:
			p.Band = v
		case HoldingTIntegral:
			p.TIntegral = v
		default:
			p.TDerivative = v
		}
		err = c.svc.SetPID(p)
	case HoldingMode:
		m := stage.Mode(value)
		if !m.Valid() {
			return &mbserver.IllegalDataValue
		}
		err = c.svc.SetMode(m)
	case HoldingPeriod:
		err = c.svc.SetPeriod(time.Duration(value) * time.Millisecond)
	case HoldingDAC:
		err = c.svc.SetDAC(int(int16(value)))
	case HoldingPolyfit:
		if value > 1 {
			return &mbserver.IllegalDataValue
		}
		c.svc.SetPolyfit(value == 1)
	default:
		return &mbserver.IllegalDataAddress
	}
	if err != nil {
		return &mbserver.IllegalDataValue
	}
	return nil
}

func holdingRegisters(s stage.Snapshot) [holdingCount]uint16 {
	var polyfit uint16
	if s.Polyfit {
		polyfit = 1
	}
	return [holdingCount]uint16{
		HoldingSetpoint:    encodeSigned(s.Setpoint, TemperatureScale),
		HoldingBand:        encodeUnsigned(s.PID.Band, TemperatureScale),
		HoldingTIntegral:   encodeUnsigned(s.PID.TIntegral, TemperatureScale),
		HoldingTDerivative: encodeUnsigned(s.PID.TDerivative, TemperatureScale),
		HoldingMode:        uint16(s.Mode),
		HoldingPeriod:      encodeUnsigned(float64(s.Period.Milliseconds()), 1),
		HoldingDAC:         uint16(int16(s.DAC)),
		HoldingPolyfit:     polyfit,
	}
}

func inputRegisters(s stage.Snapshot) [inputCount]uint16 {
	return [inputCount]uint16{
		InputTemperature:  encodeSigned(s.Temperature, TemperatureScale),
		InputCommand:      uint16(int16(s.DAC)),
		InputIntegral:     encodeSigned(s.Integral, IntegralScale),
		InputSensorFaults: uint16(s.SensorFaults),
	}
}

func rangeRequest(data []byte, maxQty int) (int, int, *mbserver.Exception) {
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > maxQty {
		return 0, 0, &mbserver.IllegalDataValue
	}
	return start, qty, nil
}

// registerResponse builds byte count + register bytes.
func registerResponse(regs []uint16) []byte {
	byteCount := len(regs) * 2
	resp := make([]byte, 1+byteCount)
	resp[0] = byte(byteCount)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:1+i*2+2], r)
	}
	return resp
}

const (
	TemperatureScale = 100
	IntegralScale    = 1000
)

func encodeSigned(v float64, scale float64) uint16 {
	r := min(max(math.Round(v*scale), math.MinInt16), math.MaxInt16)
	return uint16(int16(r))
}

func encodeUnsigned(v float64, scale float64) uint16 {
	r := min(max(math.Round(v*scale), 0), math.MaxUint16)
	return uint16(r)
}

func decodeSigned(u uint16, scale float64) float64 {
	return float64(int16(u)) / scale
}
