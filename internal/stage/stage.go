// Package stage owns the runtime state of the thermal stage: the sensor and
// actuator, the conversion method, the control loop and the sampling
// schedule. Every front-end reads and mutates the stage through its methods.
package stage

import (
	"io"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/Agrid-Dev/thermostage/internal/control"
	"github.com/Agrid-Dev/thermostage/internal/rtd"
	"github.com/Agrid-Dev/thermostage/internal/scheduler"
)

// Sensor returns one raw resistance-ratio reading. Reads may block for the
// converter's settling time.
type Sensor interface {
	ReadRaw() (uint16, error)
}

// ConfigReader is implemented by sensors exposing a configuration register.
type ConfigReader interface {
	Config() (uint8, error)
}

// Actuator accepts a signed level in [-control.FullScale, control.FullScale].
// Negative levels cool.
type Actuator interface {
	SetLevel(level int) error
}

// Settings seed the stage at start.
type Settings struct {
	Setpoint    float64
	SetpointMin float64
	SetpointMax float64
	PID         PID
	Mode        Mode
	Period      time.Duration
	Polyfit     bool
}

type Snapshot struct {
	Temperature float64       `json:"temperature"`
	Setpoint    float64       `json:"setpoint"`
	SetpointMin float64       `json:"setpoint_min"`
	SetpointMax float64       `json:"setpoint_max"`
	PID         PID           `json:"pid"`
	Integral    float64       `json:"integral"`
	Mode        Mode          `json:"-"`
	DAC         int           `json:"dac"`
	Period      time.Duration `json:"-"`
	Polyfit     bool          `json:"polyfit"`

	// Elapsed is the interval between the last two samples.
	Elapsed time.Duration `json:"-"`
	// LastSample is the time of the last sample since the stage started.
	LastSample time.Duration `json:"-"`
	// Diagnostics holds the proportional term, the integral accumulator and
	// the normalized error of the last control pass.
	Diagnostics  [3]float64 `json:"diagnostics"`
	Ticks        uint64     `json:"ticks"`
	SensorFaults uint64     `json:"sensor_faults"`
}

type Stage struct {
	mu    sync.Mutex
	s     Snapshot
	loop  control.Loop
	start time.Time
	last  time.Time

	sensor   Sensor
	actuator Actuator
	conv     *rtd.Converter
	sched    *scheduler.Scheduler
	jobs     chan func()

	now        func() time.Time
	timerClock int
	logger     *log.Logger
}

type Option func(*Stage)

// WithClock replaces time.Now for elapsed-time bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(st *Stage) { st.now = now }
}

// WithTimerClock sets the scheduler timer input frequency in Hz.
func WithTimerClock(hz int) Option {
	return func(st *Stage) { st.timerClock = hz }
}

func WithConverter(c *rtd.Converter) Option {
	return func(st *Stage) { st.conv = c }
}

func WithLogger(l *log.Logger) Option {
	return func(st *Stage) { st.logger = l }
}

// Quiet discards log output.
func Quiet() Option {
	return WithLogger(log.New(io.Discard, "", 0))
}

func New(settings Settings, sensor Sensor, actuator Actuator, opts ...Option) (*Stage, error) {
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	st := &Stage{
		sensor:   sensor,
		actuator: actuator,
		jobs:     make(chan func()),
		now:      time.Now,
		logger:   log.New(os.Stderr, "stage: ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(st)
	}
	if st.conv == nil {
		st.conv = rtd.NewConverter(nil)
	}
	sched, err := scheduler.New(settings.Period, st.timerClock)
	if err != nil {
		return nil, err
	}
	st.sched = sched

	st.s = Snapshot{
		Setpoint:    settings.Setpoint,
		SetpointMin: settings.SetpointMin,
		SetpointMax: settings.SetpointMax,
		PID:         settings.PID,
		Mode:        settings.Mode,
		Period:      settings.Period,
		Polyfit:     settings.Polyfit,
	}
	st.loop.Params = control.Params(settings.PID)
	st.start = st.now()
	st.last = st.start

	if err := actuator.SetLevel(0); err != nil {
		return nil, err
	}
	return st, nil
}

func validateSettings(s Settings) error {
	if !s.Mode.Valid() {
		return ErrInvalidMode
	}
	if s.SetpointMin > s.SetpointMax {
		return ErrInvalidMinMax
	}
	if !inRange(s.Setpoint, s.SetpointMin, s.SetpointMax) {
		return ErrSetpointOutOfRange
	}
	return validatePID(s.PID)
}

func validatePID(p PID) error {
	for _, v := range []float64{p.Band, p.TIntegral, p.TDerivative} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidPID
		}
	}
	if p.Band <= 0 || p.TIntegral <= 0 || p.TDerivative < 0 {
		return ErrInvalidPID
	}
	return nil
}

func inRange(v, min, max float64) bool {
	return !math.IsNaN(v) && v >= min && v <= max
}

func (st *Stage) Get() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

func (st *Stage) SetSetpoint(sp float64) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !inRange(sp, st.s.SetpointMin, st.s.SetpointMax) {
		return ErrSetpointOutOfRange
	}
	st.s.Setpoint = sp
	return nil
}

func (st *Stage) SetPID(p PID) error {
	if err := validatePID(p); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.PID = p
	st.loop.Params = control.Params(p)
	return nil
}

// SetMode switches between open and closed loop. The integral accumulator
// and the last actuator command are kept.
func (st *Stage) SetMode(m Mode) error {
	if !m.Valid() {
		return ErrInvalidMode
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Mode = m
	return nil
}

// SetDAC drives the actuator directly. Only allowed in open loop.
func (st *Stage) SetDAC(level int) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.s.Mode != ModeOpenLoop {
		return ErrWrongMode
	}
	if level < -control.FullScale || level > control.FullScale {
		return ErrDACOutOfRange
	}
	if err := st.actuator.SetLevel(level); err != nil {
		return err
	}
	st.s.DAC = level
	return nil
}

func (st *Stage) SetPeriod(d time.Duration) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.sched.SetPeriod(d); err != nil {
		return err
	}
	st.s.Period = d
	return nil
}

// SetPolyfit selects the polynomial conversion (true) or the lookup table.
func (st *Stage) SetPolyfit(on bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.Polyfit = on
}

// SensorConfig reads the sensor's configuration register.
func (st *Stage) SensorConfig() (uint8, error) {
	cr, ok := st.sensor.(ConfigReader)
	if !ok {
		return 0, ErrNoSensorConfig
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return cr.Config()
}

// MaxPeriod is the longest period the scheduler accepts.
func (st *Stage) MaxPeriod() time.Duration {
	return st.sched.MaxPeriod()
}
