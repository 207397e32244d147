package sim

import "errors"

var (
	ErrNegativeLossCoefficient = errors.New("loss coefficient must be >= 0")
	ErrNegativeGain            = errors.New("peltier gain must be >= 0")
	ErrLevelOutOfRange         = errors.New("actuator level out of range")
)
