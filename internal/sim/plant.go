// Package sim is a first-order thermal model of the Peltier stage. A Plant
// serves as both the sensor and the actuator of a stage when no hardware is
// attached.
package sim

import (
	"sync"
	"time"

	"github.com/Agrid-Dev/thermostage/internal/control"
	"github.com/Agrid-Dev/thermostage/internal/rtd"
)

// maxStep bounds one Euler integration step.
const maxStep = 100 * time.Millisecond

type PlantParams struct {
	AmbientTemperature float64
	InitialTemperature float64
	LossCoefficient    float64 // 1/s, >= 0. 0 for a perfectly insulated stage.
	PeltierGain        float64 // °C/s at full scale, >= 0
	ConfigRegister     uint8
	// ReadDelay emulates the converter settling time on every read.
	ReadDelay time.Duration
}

func (params *PlantParams) Validate() error {
	if params.LossCoefficient < 0 {
		return ErrNegativeLossCoefficient
	}
	if params.PeltierGain < 0 {
		return ErrNegativeGain
	}
	return nil
}

type Plant struct {
	mu     sync.Mutex
	params PlantParams
	temp   float64
	level  int
	last   time.Time
	now    func() time.Time
}

// NewPlant returns a plant at params.InitialTemperature. now may be nil.
func NewPlant(params PlantParams, now func() time.Time) (*Plant, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Plant{params: params, temp: params.InitialTemperature, last: now(), now: now}, nil
}

// DeltaTemperature is the temperature change over dt at the given actuator
// level. Positive levels heat.
func (p *Plant) DeltaTemperature(temp float64, level int, dt time.Duration) float64 {
	loss := p.params.LossCoefficient * (p.params.AmbientTemperature - temp)
	drive := p.params.PeltierGain * float64(level) / control.FullScale
	return (loss + drive) * dt.Seconds()
}

// advance integrates up to the current time. Requires p.mu.
func (p *Plant) advance() {
	now := p.now()
	dt := now.Sub(p.last)
	p.last = now
	for dt > 0 {
		step := min(dt, maxStep)
		p.temp += p.DeltaTemperature(p.temp, p.level, step)
		dt -= step
	}
}

func (p *Plant) Temperature() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return p.temp
}

func (p *Plant) Level() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *Plant) SetLevel(level int) error {
	if level < -control.FullScale || level > control.FullScale {
		return ErrLevelOutOfRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	p.level = level
	return nil
}

// ReadRaw returns the converter reading for the current temperature.
func (p *Plant) ReadRaw() (uint16, error) {
	if p.params.ReadDelay > 0 {
		time.Sleep(p.params.ReadDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	return rtd.RawAt(p.temp), nil
}

func (p *Plant) Config() (uint8, error) {
	return p.params.ConfigRegister, nil
}
