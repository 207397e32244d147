// Package metrics exposes the stage state as Prometheus metrics. Values are
// read from the stage on every scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Agrid-Dev/thermostage/internal/stage"
)

const namespace = "thermostage"

// Source is the read side of ports.StageService.
type Source interface {
	Get() stage.Snapshot
}

// Register adds the stage collectors to reg.
func Register(reg prometheus.Registerer, src Source, deviceID string) error {
	labels := prometheus.Labels{"device_id": deviceID}
	gauge := func(name, help string, f func(stage.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return f(src.Get()) })
	}
	counter := func(name, help string, f func(stage.Snapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return f(src.Get()) })
	}

	collectors := []prometheus.Collector{
		gauge("temperature_celsius", "Last measured stage temperature.",
			func(s stage.Snapshot) float64 { return s.Temperature }),
		gauge("setpoint_celsius", "Target temperature.",
			func(s stage.Snapshot) float64 { return s.Setpoint }),
		gauge("actuator_command", "Signed actuator command; negative cools.",
			func(s stage.Snapshot) float64 { return float64(s.DAC) }),
		gauge("integral", "Integral accumulator of the control law.",
			func(s stage.Snapshot) float64 { return s.Integral }),
		gauge("period_seconds", "Sampling period.",
			func(s stage.Snapshot) float64 { return s.Period.Seconds() }),
		gauge("closed_loop", "1 when the control law drives the actuator.",
			func(s stage.Snapshot) float64 {
				if s.Mode == stage.ModeClosedLoop {
					return 1
				}
				return 0
			}),
		counter("samples_total", "Completed sample passes.",
			func(s stage.Snapshot) float64 { return float64(s.Ticks) }),
		counter("sensor_faults_total", "Sample passes skipped on a sensor fault.",
			func(s stage.Snapshot) float64 { return float64(s.SensorFaults) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
