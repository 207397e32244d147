package ports

import (
	"time"

	"github.com/Agrid-Dev/thermostage/internal/stage"
)

// StageService is the control-plane port used by controllers (line/HTTP/MQTT/Modbus).
type StageService interface {
	Get() stage.Snapshot
	SetSetpoint(float64) error
	SetPID(stage.PID) error
	SetMode(stage.Mode) error
	SetDAC(int) error
	SetPeriod(time.Duration) error
	SetPolyfit(bool)
	SensorConfig() (uint8, error)
}
