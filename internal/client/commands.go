package client

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Agrid-Dev/thermostage/internal/stage"
)

// Sample is one get_all record.
type Sample struct {
	Time        time.Duration
	Temperature float64
	Setpoint    float64
	DAC         float64
	Period      time.Duration
	U1, U2, U3  float64
}

func (c *Client) Temperature() (float64, error) { return c.queryFloat("get_temp") }

func (c *Client) Setpoint() (float64, error) { return c.queryFloat("get_setpoint") }

func (c *Client) SetSetpoint(v float64) error {
	if v > c.setpointLimit {
		return fmt.Errorf("%w: %.3f > %.3f", ErrSetpointLimit, v, c.setpointLimit)
	}
	return c.Set("set_setpoint," + strconv.FormatFloat(v, 'f', -1, 64))
}

func (c *Client) PID() (stage.PID, error) {
	v, err := c.queryFloats("get_pid", 3)
	if err != nil {
		return stage.PID{}, err
	}
	return stage.PID{Band: v[0], TIntegral: v[1], TDerivative: v[2]}, nil
}

func (c *Client) SetPID(p stage.PID) error {
	return c.Set(fmt.Sprintf("set_pid,%.4f,%.4f,%.4f", p.Band, p.TIntegral, p.TDerivative))
}

func (c *Client) Mode() (stage.Mode, error) {
	line, err := c.Query("get_mode")
	if err != nil {
		return stage.ModeUnknown, err
	}
	return stage.ParseMode(line)
}

func (c *Client) SetMode(m stage.Mode) error {
	if !m.Valid() {
		return stage.ErrInvalidMode
	}
	return c.Set("set_mode," + m.String())
}

func (c *Client) DAC() (int, error) {
	line, err := c.Query("get_dac")
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("%w: get_dac: %q", ErrBadResponse, line)
	}
	return v, nil
}

// SetDAC checks the mode first and refuses to send outside open loop.
func (c *Client) SetDAC(level int) error {
	m, err := c.Mode()
	if err != nil {
		return err
	}
	if m != stage.ModeOpenLoop {
		return ErrNotOpenLoop
	}
	return c.Set("set_dac," + strconv.Itoa(level))
}

func (c *Client) Period() (time.Duration, error) {
	v, err := c.queryFloat("get_period")
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Millisecond, nil
}

func (c *Client) SetPeriod(d time.Duration) error {
	return c.Set(fmt.Sprintf("set_period,%d", d.Milliseconds()))
}

func (c *Client) Polyfit() (bool, error) {
	line, err := c.Query("get_polyfit")
	if err != nil {
		return false, err
	}
	return line == "1", nil
}

func (c *Client) SetPolyfit(on bool) error {
	if on {
		return c.Set("set_polyfit,1")
	}
	return c.Set("set_polyfit,0")
}

// SensorConfig returns the converter configuration register as binary text.
func (c *Client) SensorConfig() (string, error) { return c.Query("get_MAX31865_config") }

func (c *Client) Version() (string, error) { return c.Query("get_version") }

func (c *Client) All() (Sample, error) {
	v, err := c.queryFloats("get_all", 8)
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		Time:        time.Duration(v[0] * float64(time.Millisecond)),
		Temperature: v[1],
		Setpoint:    v[2],
		DAC:         v[3],
		Period:      time.Duration(v[4] * float64(time.Millisecond)),
		U1:          v[5],
		U2:          v[6],
		U3:          v[7],
	}, nil
}
