package protocol

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agrid-Dev/thermostage/internal/sim"
	"github.com/Agrid-Dev/thermostage/internal/stage"
	"github.com/Agrid-Dev/thermostage/internal/testutil"
)

func scanAll(t *testing.T, in string) []Frame {
	t.Helper()
	s := NewScanner(strings.NewReader(in))
	var out []Frame
	for s.Scan() {
		out = append(out, s.Frame())
	}
	require.NoError(t, s.Err())
	return out
}

func TestScanner_Framing(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []Frame
	}{
		{"single", ">get_temp\n", []Frame{{Name: "get_temp", Args: []string{}}}},
		{"args", ">set_pid,4.8,15.16,23.42\n", []Frame{{Name: "set_pid", Args: []string{"4.8", "15.16", "23.42"}}}},
		{"crlf", ">get_mode\r\n", []Frame{{Name: "get_mode", Args: []string{}}}},
		{"noise outside frames", "garbage\n>get_dac\nmore>get_period\n", []Frame{
			{Name: "get_dac", Args: []string{}},
			{Name: "get_period", Args: []string{}},
		}},
		{"spaces trimmed", "> set_setpoint , 21.5 \n", []Frame{{Name: "set_setpoint", Args: []string{"21.5"}}}},
		{"restart marker", ">get_te>get_dac\n", []Frame{{Name: "get_dac", Args: []string{}}}},
		{"partial at eof", ">get_all\n>get_t", []Frame{{Name: "get_all", Args: []string{}}}},
		{"empty frame", ">\n", []Frame{{Name: "", Args: []string{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scanAll(t, tt.in))
		})
	}
}

func TestScanner_Truncates(t *testing.T) {
	long := "set_setpoint," + strings.Repeat("1", 100)
	frames := scanAll(t, ">"+long+"\n>get_temp\n")
	require.Len(t, frames, 2)

	assert.True(t, frames[0].Truncated)
	assert.Equal(t, "set_setpoint", frames[0].Name)
	assert.Equal(t, long[len("set_setpoint,"):MaxFrame], frames[0].Args[0])
	assert.False(t, frames[1].Truncated)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("port closed") }

func TestScanner_ReadError(t *testing.T) {
	s := NewScanner(errReader{})
	assert.False(t, s.Scan())
	assert.EqualError(t, s.Err(), "port closed")
}

func TestDispatcher_Getters(t *testing.T) {
	svc := testutil.NewFakeStageService()
	svc.S.LastSample = 1500 * time.Millisecond
	svc.S.DAC = -1200
	svc.S.Diagnostics = [3]float64{0.25, 0.0126, 0.125}
	svc.S.Polyfit = true
	d := NewDispatcher(svc, "thermostage 1.0 (today)")

	tests := []struct {
		cmd  string
		want string
	}{
		{"get_all", "1500.000,24.500,25.000,-1200.000,100.000,0.250,0.013,0.125\n"},
		{"get_temp", "24.50000\n"},
		{"get_setpoint", "25.00000\n"},
		{"get_pid", "4.800,15.160,23.420\n"},
		{"get_mode", "OPEN_LOOP\n"},
		{"get_dac", "-1200\n"},
		{"get_period", "100\n"},
		{"get_polyfit", "1\n"},
		{"get_MAX31865_config", "11010000\n"},
		{"get_version", "thermostage 1.0 (today)\n"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Handle(Frame{Name: tt.cmd}))
		})
	}
}

func TestDispatcher_Setters(t *testing.T) {
	svc := testutil.NewFakeStageService()
	d := NewDispatcher(svc, "v")

	assert.Empty(t, d.Handle(ParseFrame("set_setpoint,-12.5")))
	assert.Equal(t, -12.5, svc.SetSetpointArg)

	assert.Empty(t, d.Handle(ParseFrame("set_pid,4.8,15.16,23.42")))
	assert.Equal(t, stage.PID{Band: 4.8, TIntegral: 15.16, TDerivative: 23.42}, svc.SetPIDArg)

	assert.Empty(t, d.Handle(ParseFrame("set_mode,CLOSED_LOOP")))
	assert.Equal(t, stage.ModeClosedLoop, svc.SetModeArg)

	assert.Empty(t, d.Handle(ParseFrame("set_dac,-4095")))
	assert.Equal(t, -4095, svc.SetDACArg)

	assert.Empty(t, d.Handle(ParseFrame("set_period,250")))
	assert.Equal(t, 250*time.Millisecond, svc.SetPeriodArg)

	assert.Empty(t, d.Handle(ParseFrame("set_polyfit,1")))
	assert.True(t, svc.SetPolyfitArg)
}

func TestDispatcher_Errors(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		prefix string
	}{
		{"unknown command", "reboot", `ERROR: unknown command "reboot"`},
		{"empty", "", "ERROR: unknown command: empty frame"},
		{"missing arg", "set_setpoint", "ERROR: wrong number of arguments: set_setpoint takes 1, got 0"},
		{"too many pid args", "set_pid,1,2,3,4", "ERROR: wrong number of arguments"},
		{"bad float", "set_setpoint,warm", "ERROR: malformed number"},
		{"float for int", "set_dac,1.5", "ERROR: malformed number"},
		{"bad mode", "set_mode,AUTO", `ERROR: invalid mode: "AUTO"`},
		{"bad polyfit", "set_polyfit,2", "ERROR: malformed number"},
		{"zero period", "set_period,0", "ERROR: scheduler: period out of timer range"},
		{"period past duration range", "set_period,288230376151711808", "ERROR: scheduler: period out of timer range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := testutil.NewFakeStageService()
			before := svc.S
			got := NewDispatcher(svc, "v").Handle(ParseFrame(tt.frame))
			assert.True(t, strings.HasPrefix(got, tt.prefix), "got %q", got)
			assert.True(t, strings.HasSuffix(got, "\n"))
			assert.Equal(t, 1, strings.Count(got, "\n"))
			assert.Equal(t, before, svc.S)
		})
	}
}

func TestDispatcher_ServiceErrors(t *testing.T) {
	svc := testutil.NewFakeStageService()
	svc.SetDACErr = stage.ErrWrongMode
	svc.ConfigErr = stage.ErrNoSensorConfig
	d := NewDispatcher(svc, "v")

	assert.Equal(t, "ERROR: set_dac requires OPEN_LOOP mode\n", d.Handle(ParseFrame("set_dac,100")))
	assert.Equal(t, "ERROR: sensor has no configuration register\n", d.Handle(ParseFrame("get_MAX31865_config")))
}

func TestDispatcher_TruncationWarning(t *testing.T) {
	svc := testutil.NewFakeStageService()
	got := NewDispatcher(svc, "v").Handle(Frame{Name: "get_dac", Truncated: true})
	assert.Equal(t, "WARNING: command truncated to 64 bytes\n0\n", got)
}

func newStage(t *testing.T) *stage.Stage {
	t.Helper()
	plant, err := sim.NewPlant(sim.PlantParams{AmbientTemperature: 22, InitialTemperature: 22}, nil)
	require.NoError(t, err)
	st, err := stage.New(stage.Settings{
		Setpoint:    25,
		SetpointMin: -40,
		SetpointMax: 80,
		PID:         stage.PID{Band: 5, TIntegral: 10},
		Mode:        stage.ModeOpenLoop,
		Period:      100 * time.Millisecond,
	}, plant, plant, stage.Quiet())
	require.NoError(t, err)
	return st
}

func TestDispatcher_StageSession(t *testing.T) {
	st := newStage(t)
	d := NewDispatcher(st, "v")
	run := func(in string) string {
		var out strings.Builder
		s := NewScanner(strings.NewReader(in))
		for s.Scan() {
			out.WriteString(d.Handle(s.Frame()))
		}
		return out.String()
	}

	assert.Equal(t, "4.800,15.160,23.420\n", run(">set_pid,4.8,15.16,23.42\n>get_pid\n"))

	assert.Equal(t, "", run(">set_dac,500\n"))
	got := run(">set_mode,CLOSED_LOOP\n>set_dac,100\n>get_dac\n")
	assert.Equal(t, "ERROR: set_dac requires OPEN_LOOP mode\n500\n", got)

	assert.True(t, strings.HasPrefix(run(">set_pid,0,1,1\n"), "ERROR: invalid pid"))
	assert.True(t, strings.HasPrefix(run(">set_setpoint,81\n"), "ERROR: setpoint out of range"))
	assert.True(t, strings.HasPrefix(run(">set_period,0\n"), "ERROR: scheduler: period out of timer range"))
	assert.Equal(t, "100\n", run(">get_period\n"))
	// 2^58+64 ms would wrap to 64 ms if scaled to nanoseconds unchecked.
	assert.True(t, strings.HasPrefix(run(">set_period,288230376151711808\n"), "ERROR: scheduler: period out of timer range"))
	assert.True(t, strings.HasPrefix(run(">set_period,4195\n"), "ERROR: scheduler: period out of timer range"))
	assert.Equal(t, "100\n", run(">get_period\n"))
	assert.Equal(t, "00000000\n", run(">get_MAX31865_config\n"))
}
