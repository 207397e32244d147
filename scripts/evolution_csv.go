package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Agrid-Dev/thermostage/internal/sim"
	"github.com/Agrid-Dev/thermostage/internal/stage"
)

type SetpointCommand struct {
	IterationNumber int
	Value           float64
}

// SimulateStage runs the closed loop against the thermal model on a virtual
// clock, one sample per period, and writes the trajectory to filename.
func SimulateStage(iterations int, period time.Duration, filename string, setpointCommands []SetpointCommand) error {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	plant, err := sim.NewPlant(sim.PlantParams{
		AmbientTemperature: 22,
		InitialTemperature: 22,
		LossCoefficient:    0.01,
		PeltierGain:        0.5,
	}, clock)
	if err != nil {
		return fmt.Errorf("failed to create plant: %v", err)
	}

	st, err := stage.New(stage.Settings{
		Setpoint:    35,
		SetpointMin: -40,
		SetpointMax: 80,
		PID:         stage.PID{Band: 4.8, TIntegral: 15.16, TDerivative: 23.42},
		Mode:        stage.ModeClosedLoop,
		Period:      period,
	}, plant, plant, stage.WithClock(clock), stage.Quiet())
	if err != nil {
		return fmt.Errorf("failed to create stage: %v", err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"Iteration", "TimeS", "Temperature", "Setpoint", "Command", "Proportional", "Integral", "Error"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for i := range iterations {
		for _, cmd := range setpointCommands {
			if cmd.IterationNumber == i+1 {
				if err := st.SetSetpoint(cmd.Value); err != nil {
					return fmt.Errorf("failed to update setpoint: %v", err)
				}
				break
			}
		}

		now = now.Add(period)
		if err := st.Sample(); err != nil {
			return fmt.Errorf("sample %d: %v", i+1, err)
		}
		s := st.Get()

		if err := writer.Write([]string{
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%.3f", s.LastSample.Seconds()),
			fmt.Sprintf("%.3f", s.Temperature),
			fmt.Sprintf("%.2f", s.Setpoint),
			fmt.Sprintf("%d", s.DAC),
			fmt.Sprintf("%.4f", s.Diagnostics[0]),
			fmt.Sprintf("%.4f", s.Diagnostics[1]),
			fmt.Sprintf("%.4f", s.Diagnostics[2]),
		}); err != nil {
			return fmt.Errorf("failed to write CSV record: %v", err)
		}
	}

	return nil
}

func main() {
	iterations := flag.Int("n", 3000, "number of samples")
	period := flag.Duration("period", 100*time.Millisecond, "sampling period")
	out := flag.String("o", "thermostage.csv", "output file")
	flag.Parse()

	commands := []SetpointCommand{
		{IterationNumber: 1500, Value: 5.0},
	}
	if err := SimulateStage(*iterations, *period, *out, commands); err != nil {
		log.Fatal(err)
	}
}
