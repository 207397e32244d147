package testutil

import (
	"time"

	"github.com/Agrid-Dev/thermostage/internal/stage"
)

// FakeStageService is a reusable fake implementing ports.StageService.
// Put ONLY what multiple test packages need here.
type FakeStageService struct {
	S stage.Snapshot

	SetSetpointCalled bool
	SetSetpointArg    float64
	SetSetpointErr    error

	SetPIDCalled bool
	SetPIDArg    stage.PID
	SetPIDErr    error

	SetModeCalled bool
	SetModeArg    stage.Mode
	SetModeErr    error

	SetDACCalled bool
	SetDACArg    int
	SetDACErr    error

	SetPeriodCalled bool
	SetPeriodArg    time.Duration
	SetPeriodErr    error

	SetPolyfitCalled bool
	SetPolyfitArg    bool

	Config    uint8
	ConfigErr error
}

func NewFakeStageService() *FakeStageService {
	return &FakeStageService{
		S: stage.Snapshot{
			Temperature: 24.5,
			Setpoint:    25,
			SetpointMin: -40,
			SetpointMax: 80,
			PID:         stage.PID{Band: 4.8, TIntegral: 15.16, TDerivative: 23.42},
			Mode:        stage.ModeOpenLoop,
			Period:      100 * time.Millisecond,
		},
		Config: 0xD0,
	}
}

func (f *FakeStageService) Get() stage.Snapshot { return f.S }

func (f *FakeStageService) SetSetpoint(v float64) error {
	f.SetSetpointCalled = true
	f.SetSetpointArg = v
	if f.SetSetpointErr != nil {
		return f.SetSetpointErr
	}
	f.S.Setpoint = v
	return nil
}

func (f *FakeStageService) SetPID(p stage.PID) error {
	f.SetPIDCalled = true
	f.SetPIDArg = p
	if f.SetPIDErr != nil {
		return f.SetPIDErr
	}
	f.S.PID = p
	return nil
}

func (f *FakeStageService) SetMode(m stage.Mode) error {
	f.SetModeCalled = true
	f.SetModeArg = m
	if f.SetModeErr != nil {
		return f.SetModeErr
	}
	f.S.Mode = m
	return nil
}

func (f *FakeStageService) SetDAC(v int) error {
	f.SetDACCalled = true
	f.SetDACArg = v
	if f.SetDACErr != nil {
		return f.SetDACErr
	}
	f.S.DAC = v
	return nil
}

func (f *FakeStageService) SetPeriod(d time.Duration) error {
	f.SetPeriodCalled = true
	f.SetPeriodArg = d
	if f.SetPeriodErr != nil {
		return f.SetPeriodErr
	}
	f.S.Period = d
	return nil
}

func (f *FakeStageService) SetPolyfit(on bool) {
	f.SetPolyfitCalled = true
	f.SetPolyfitArg = on
	f.S.Polyfit = on
}

func (f *FakeStageService) SensorConfig() (uint8, error) {
	return f.Config, f.ConfigErr
}
