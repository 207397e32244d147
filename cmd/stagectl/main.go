package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Agrid-Dev/thermostage/internal/client"
	"github.com/Agrid-Dev/thermostage/internal/stage"
)

var (
	portName string
	addr     string
	baudRate int
	timeout  time.Duration
	limit    float64
	interval time.Duration
	count    int
)

// main registers the get/set/watch/ports commands and exits with status 1 on
// any command error.
func main() {
	rootCmd := &cobra.Command{
		Use:          "stagectl",
		Short:        "talk to a thermostage controller",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&portName, "port", "", "serial port of the controller")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "tcp address of the controller (instead of --port)")
	rootCmd.PersistentFlags().IntVar(&baudRate, "baud", client.DefaultBaudRate, "serial baud rate")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "response timeout")
	rootCmd.PersistentFlags().Float64Var(&limit, "limit", client.DefaultSetpointLimit, "upper setpoint limit (°C)")

	getCmd := &cobra.Command{
		Use:       "get [temp|setpoint|pid|mode|dac|period|polyfit|config|version|all]",
		Short:     "read a controller value",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"temp", "setpoint", "pid", "mode", "dac", "period", "polyfit", "config", "version", "all"},
		RunE:      runGet,
	}

	setCmd := &cobra.Command{
		Use:   "set [setpoint|pid|mode|dac|period|polyfit] [value...]",
		Short: "write a controller value",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runSet,
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "poll get_all and print CSV",
		RunE:  runWatch,
	}
	watchCmd.Flags().DurationVar(&interval, "interval", 250*time.Millisecond, "poll interval")
	watchCmd.Flags().IntVar(&count, "count", 0, "number of samples (0 = until interrupted)")

	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "list serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := client.Ports()
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}

	rootCmd.AddCommand(getCmd, setCmd, watchCmd, portsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func dial() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(timeout), client.WithSetpointLimit(limit)}
	switch {
	case addr != "":
		return client.DialTCP(addr, opts...)
	case portName != "":
		return client.DialSerial(portName, baudRate, opts...)
	default:
		return nil, errors.New("one of --port or --addr is required")
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	switch args[0] {
	case "temp":
		v, err := c.Temperature()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%.3f\n", v)
	case "setpoint":
		v, err := c.Setpoint()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%.3f\n", v)
	case "pid":
		p, err := c.PID()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "band=%.3f t_i=%.3f t_d=%.3f\n", p.Band, p.TIntegral, p.TDerivative)
	case "mode":
		m, err := c.Mode()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, m)
	case "dac":
		v, err := c.DAC()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "period":
		v, err := c.Period()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "polyfit":
		v, err := c.Polyfit()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "config":
		v, err := c.SensorConfig()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "version":
		v, err := c.Version()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v)
	case "all":
		s, err := c.All()
		if err != nil {
			return err
		}
		w := csv.NewWriter(out)
		_ = w.Write(csvHeader)
		_ = w.Write(csvRecord(s))
		w.Flush()
		return w.Error()
	default:
		return fmt.Errorf("unknown field %q", args[0])
	}
	return nil
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		out[i] = v
	}
	return out, nil
}

func runSet(cmd *cobra.Command, args []string) error {
	field, vals := args[0], args[1:]
	want := 1
	if field == "pid" {
		want = 3
	}
	if len(vals) != want {
		return fmt.Errorf("set %s takes %d value(s)", field, want)
	}

	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if field == "mode" {
		m, err := stage.ParseMode(vals[0])
		if err != nil {
			return err
		}
		return c.SetMode(m)
	}

	v, err := parseFloats(vals)
	if err != nil {
		return err
	}
	switch field {
	case "setpoint":
		return c.SetSetpoint(v[0])
	case "pid":
		return c.SetPID(stage.PID{Band: v[0], TIntegral: v[1], TDerivative: v[2]})
	case "dac":
		return c.SetDAC(int(v[0]))
	case "period":
		return c.SetPeriod(time.Duration(v[0]) * time.Millisecond)
	case "polyfit":
		return c.SetPolyfit(v[0] != 0)
	default:
		return fmt.Errorf("unknown field %q", field)
	}
}

var csvHeader = []string{"time_ms", "temperature", "setpoint", "dac", "period_ms", "u1", "u2", "u3"}

func csvRecord(s client.Sample) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
	return []string{
		f(float64(s.Time) / float64(time.Millisecond)),
		f(s.Temperature),
		f(s.Setpoint),
		f(s.DAC),
		f(float64(s.Period) / float64(time.Millisecond)),
		f(s.U1), f(s.U2), f(s.U3),
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	w := csv.NewWriter(cmd.OutOrStdout())
	defer w.Flush()
	if err := w.Write(csvHeader); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 0; count == 0 || n < count; n++ {
		s, err := c.All()
		if err != nil {
			return err
		}
		if err := w.Write(csvRecord(s)); err != nil {
			return err
		}
		w.Flush()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
