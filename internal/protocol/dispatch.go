package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Agrid-Dev/thermostage/internal/ports"
	"github.com/Agrid-Dev/thermostage/internal/scheduler"
	"github.com/Agrid-Dev/thermostage/internal/stage"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrArgCount       = errors.New("wrong number of arguments")
	ErrBadNumber      = errors.New("malformed number")
)

// Dispatcher applies frames to a stage and formats the responses.
type Dispatcher struct {
	svc     ports.StageService
	version string
}

func NewDispatcher(svc ports.StageService, version string) *Dispatcher {
	return &Dispatcher{svc: svc, version: version}
}

// Handle executes one frame and returns the response text, one or more
// '\n'-terminated lines. Successful set commands return "".
func (d *Dispatcher) Handle(f Frame) string {
	var b strings.Builder
	if f.Truncated {
		fmt.Fprintf(&b, "WARNING: command truncated to %d bytes\n", MaxFrame)
	}
	resp, err := d.exec(f)
	switch {
	case err != nil:
		fmt.Fprintf(&b, "ERROR: %v\n", err)
	case resp != "":
		b.WriteString(resp)
		b.WriteByte('\n')
	}
	return b.String()
}

func (d *Dispatcher) exec(f Frame) (string, error) {
	switch f.Name {
	case "get_all":
		s := d.svc.Get()
		return fmt.Sprintf("%.3f,%.3f,%.3f,%.3f,%.3f,%.3f,%.3f,%.3f",
			ms(s.LastSample), s.Temperature, s.Setpoint, float64(s.DAC), ms(s.Period),
			s.Diagnostics[0], s.Diagnostics[1], s.Diagnostics[2]), nil
	case "get_temp":
		return fmt.Sprintf("%.5f", d.svc.Get().Temperature), nil
	case "get_setpoint":
		return fmt.Sprintf("%.5f", d.svc.Get().Setpoint), nil
	case "set_setpoint":
		v, err := floatArgs(f, 1)
		if err != nil {
			return "", err
		}
		return "", d.svc.SetSetpoint(v[0])
	case "get_pid":
		p := d.svc.Get().PID
		return fmt.Sprintf("%.3f,%.3f,%.3f", p.Band, p.TIntegral, p.TDerivative), nil
	case "set_pid":
		v, err := floatArgs(f, 3)
		if err != nil {
			return "", err
		}
		return "", d.svc.SetPID(stage.PID{Band: v[0], TIntegral: v[1], TDerivative: v[2]})
	case "get_mode":
		return d.svc.Get().Mode.String(), nil
	case "set_mode":
		if len(f.Args) != 1 {
			return "", argCount(f, 1)
		}
		m, err := stage.ParseMode(f.Args[0])
		if err != nil {
			return "", err
		}
		return "", d.svc.SetMode(m)
	case "get_dac":
		return strconv.Itoa(d.svc.Get().DAC), nil
	case "set_dac":
		v, err := intArg(f)
		if err != nil {
			return "", err
		}
		return "", d.svc.SetDAC(v)
	case "get_period":
		return strconv.FormatInt(d.svc.Get().Period.Milliseconds(), 10), nil
	case "set_period":
		v, err := intArg(f)
		if err != nil {
			return "", err
		}
		period, err := scheduler.PeriodFromMillis(int64(v))
		if err != nil {
			return "", err
		}
		return "", d.svc.SetPeriod(period)
	case "get_polyfit":
		if d.svc.Get().Polyfit {
			return "1", nil
		}
		return "0", nil
	case "set_polyfit":
		v, err := intArg(f)
		if err != nil {
			return "", err
		}
		if v != 0 && v != 1 {
			return "", fmt.Errorf("%w: set_polyfit takes 0 or 1, got %d", ErrBadNumber, v)
		}
		d.svc.SetPolyfit(v == 1)
		return "", nil
	case "get_MAX31865_config":
		reg, err := d.svc.SensorConfig()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%08b", reg), nil
	case "get_version":
		return d.version, nil
	case "":
		return "", fmt.Errorf("%w: empty frame", ErrUnknownCommand)
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownCommand, f.Name)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func argCount(f Frame, want int) error {
	return fmt.Errorf("%w: %s takes %d, got %d", ErrArgCount, f.Name, want, len(f.Args))
}

func floatArgs(f Frame, n int) ([]float64, error) {
	if len(f.Args) != n {
		return nil, argCount(f, n)
	}
	out := make([]float64, n)
	for i, a := range f.Args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s argument %d %q", ErrBadNumber, f.Name, i+1, a)
		}
		out[i] = v
	}
	return out, nil
}

func intArg(f Frame) (int, error) {
	if len(f.Args) != 1 {
		return 0, argCount(f, 1)
	}
	v, err := strconv.Atoi(f.Args[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %s argument %q", ErrBadNumber, f.Name, f.Args[0])
	}
	return v, nil
}
