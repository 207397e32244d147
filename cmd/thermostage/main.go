package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/Agrid-Dev/thermostage/cmd/app"
	httpctrl "github.com/Agrid-Dev/thermostage/internal/controllers/http"
	linectrl "github.com/Agrid-Dev/thermostage/internal/controllers/line"
	modbusctrl "github.com/Agrid-Dev/thermostage/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/thermostage/internal/controllers/mqtt"
	"github.com/Agrid-Dev/thermostage/internal/device"
	"github.com/Agrid-Dev/thermostage/internal/metrics"
	"github.com/Agrid-Dev/thermostage/internal/sim"
	"github.com/Agrid-Dev/thermostage/internal/stage"
)

type runner interface {
	Run(ctx context.Context) error
}

func main() {
	var (
		configPath  string
		printConfig bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file (.yaml/.yml/.json)")
	flag.BoolVar(&printConfig, "print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if printConfig {
		b, err := cfg.YAML()
		if err != nil {
			log.Fatal(err)
		}
		os.Stdout.Write(b)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("thermostage exited: %v", err)
	}
}

func run(ctx context.Context, cfg app.Config) error {
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	hw, err := openDriver(cfg)
	if err != nil {
		return err
	}
	defer hw.Close()

	st, err := stage.New(settings, hw.sensor, hw.actuator, stage.WithTimerClock(cfg.Stage.TimerClock))
	if err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	dev := device.New(cfg.DeviceID, st)
	log.Printf("%s device=%s driver=%s", device.Identity(), dev.ID, cfg.Driver.Kind)

	runners, err := controllers(cfg, dev)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.Run(ctx) })
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}

func controllers(cfg app.Config, dev *device.Device) ([]runner, error) {
	c := cfg.Controllers
	var rs []runner

	if c.Line.Enabled {
		rs = append(rs, linectrl.New(dev.Stage, dev.Stage, device.Identity(), linectrl.Config{
			SerialPort: c.Line.SerialPort,
			BaudRate:   c.Line.BaudRate,
			TCPAddr:    c.Line.TCPAddr,
		}))
		log.Printf("line protocol on serial=%q tcp=%q", c.Line.SerialPort, c.Line.TCPAddr)
	}

	if c.HTTP.Enabled {
		var gatherer prometheus.Gatherer
		if c.Metrics.Enabled {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			if err := metrics.Register(reg, dev.Stage, dev.ID); err != nil {
				return nil, fmt.Errorf("metrics: %w", err)
			}
			gatherer = reg
		}
		rs = append(rs, httpctrl.New(dev.Stage, c.HTTP.Addr, dev.ID, gatherer))
		log.Printf("http listening on %s (metrics=%v)", c.HTTP.Addr, c.Metrics.Enabled)
	}

	if c.MQTT.Enabled {
		mc, err := mqttctrl.New(dev.Stage, mqttctrl.Config{
			DeviceID:        dev.ID,
			BrokerURL:       c.MQTT.BrokerURL,
			ClientID:        c.MQTT.ClientID,
			BaseTopic:       c.MQTT.BaseTopic,
			QoS:             c.MQTT.QoS,
			RetainSnapshot:  c.MQTT.RetainSnapshot,
			PublishInterval: c.MQTT.PublishInterval,
			Username:        c.MQTT.Username,
			Password:        c.MQTT.Password,
		})
		if err != nil {
			return nil, err
		}
		rs = append(rs, mc)
	}

	if c.Modbus.Enabled {
		mb, err := modbusctrl.New(dev.Stage, modbusctrl.Config{
			DeviceID: dev.ID,
			Addr:     c.Modbus.Addr,
			UnitID:   c.Modbus.UnitID,
		})
		if err != nil {
			return nil, err
		}
		rs = append(rs, mb)
		log.Printf("modbus listening on %s", c.Modbus.Addr)
	}
	return rs, nil
}

// driver bundles the sensor and actuator of one stage.
type driver struct {
	sensor   stage.Sensor
	actuator stage.Actuator
	close    func() error
}

func (d *driver) Close() {
	if d.close == nil {
		return
	}
	if err := d.close(); err != nil {
		log.Printf("close driver: %v", err)
	}
}

func openDriver(cfg app.Config) (*driver, error) {
	switch cfg.Driver.Kind {
	case app.DriverPeriph:
		return openPeriph(cfg.Driver)
	default:
		plant, err := sim.NewPlant(cfg.PlantParams(), nil)
		if err != nil {
			return nil, fmt.Errorf("sim: %w", err)
		}
		return &driver{sensor: plant, actuator: plant}, nil
	}
}
