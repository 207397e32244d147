package stage

import "errors"

var (
	ErrInvalidMode        = errors.New("invalid mode")
	ErrInvalidMinMax      = errors.New("invalid min/max setpoints")
	ErrSetpointOutOfRange = errors.New("setpoint out of range")
	ErrInvalidPID         = errors.New("invalid pid: band and t_i must be > 0, t_d >= 0")
	ErrDACOutOfRange      = errors.New("dac value out of range")
	ErrWrongMode          = errors.New("set_dac requires OPEN_LOOP mode")
	ErrNoSensorConfig     = errors.New("sensor has no configuration register")
)
