package rtd

import "errors"

var (
	ErrOutOfRange   = errors.New("rtd: reading out of range")
	ErrInvalidTable = errors.New("rtd: invalid table bounds")
)
