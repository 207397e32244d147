package stage

import "fmt"

// Mode selects whether the control law drives the actuator.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeOpenLoop
	ModeClosedLoop
)

func (m Mode) Valid() bool {
	return m == ModeOpenLoop || m == ModeClosedLoop
}

func (m Mode) String() string {
	switch m {
	case ModeOpenLoop:
		return "OPEN_LOOP"
	case ModeClosedLoop:
		return "CLOSED_LOOP"
	default:
		return "UNKNOWN"
	}
}

// ParseMode accepts the names used on the command line protocol.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "OPEN_LOOP":
		return ModeOpenLoop, nil
	case "CLOSED_LOOP":
		return ModeClosedLoop, nil
	default:
		return ModeUnknown, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// PID holds the band-normalized tuning. TDerivative is reported but unused.
type PID struct {
	Band        float64 `json:"band"`
	TIntegral   float64 `json:"t_integral"`
	TDerivative float64 `json:"t_derivative"`
}
