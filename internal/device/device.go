package device

import (
	"fmt"

	"github.com/Agrid-Dev/thermostage/internal/stage"
)

// Set at link time with -ldflags "-X .../internal/device.Version=...".
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

type Device struct {
	ID    string
	Stage *stage.Stage
}

func New(id string, st *stage.Stage) *Device {
	return &Device{ID: id, Stage: st}
}

// Identity is the firmware identification string reported by get_version.
func Identity() string {
	return fmt.Sprintf("thermostage %s (%s)", Version, BuildDate)
}
