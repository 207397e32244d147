package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Agrid-Dev/thermostage/internal/ports"
	"github.com/Agrid-Dev/thermostage/internal/scheduler"
	"github.com/Agrid-Dev/thermostage/internal/stage"
)

type Config struct {
	// Identity
	DeviceID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainSnapshot  bool
	PublishInterval time.Duration

	Username string
	Password string
}

type Controller struct {
	svc ports.StageService
	cfg Config

	client mqtt.Client
}

func New(svc ports.StageService, cfg Config) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "thermostage/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "thermostage-" + cfg.DeviceID
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 1 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	return &Controller{
		svc: svc,
		cfg: cfg,
	}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.OnConnect = func(cl mqtt.Client) {
		token := cl.Subscribe(c.topic("set/+"), c.cfg.QoS, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("mqtt subscribe: %v", err)
		}
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	// Publish only when a new sample landed or a setting changed.
	last := c.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			if cur := toDTO(c.svc.Get()); cur != last {
				last = c.publishSnapshot()
			}
		}
	}
}

func (c *Controller) publishSnapshot() snapshotDTO {
	dto := toDTO(c.svc.Get())
	if c.client == nil {
		return dto
	}
	b, _ := json.Marshal(dto)
	c.client.Publish(c.topic("snapshot"), c.cfg.QoS, c.cfg.RetainSnapshot, b)
	return dto
}

type snapshotDTO struct {
	Temperature  float64    `json:"temperature"`
	Setpoint     float64    `json:"setpoint"`
	SetpointMin  float64    `json:"setpoint_min"`
	SetpointMax  float64    `json:"setpoint_max"`
	PID          stage.PID  `json:"pid"`
	Integral     float64    `json:"integral"`
	Mode         string     `json:"mode"`
	DAC          int        `json:"dac"`
	PeriodMS     int64      `json:"period_ms"`
	Polyfit      bool       `json:"polyfit"`
	LastSampleMS int64      `json:"last_sample_ms"`
	Diagnostics  [3]float64 `json:"diagnostics"`
	Ticks        uint64     `json:"ticks"`
	SensorFaults uint64     `json:"sensor_faults"`
}

func toDTO(s stage.Snapshot) snapshotDTO {
	return snapshotDTO{
		Temperature:  s.Temperature,
		Setpoint:     s.Setpoint,
		SetpointMin:  s.SetpointMin,
		SetpointMax:  s.SetpointMax,
		PID:          s.PID,
		Integral:     s.Integral,
		Mode:         s.Mode.String(),
		DAC:          s.DAC,
		PeriodMS:     s.Period.Milliseconds(),
		Polyfit:      s.Polyfit,
		LastSampleMS: s.LastSample.Milliseconds(),
		Diagnostics:  s.Diagnostics,
		Ticks:        s.Ticks,
		SensorFaults: s.SensorFaults,
	}
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

type errorDTO struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/set/<field>
	t := msg.Topic()
	prefix := strings.TrimRight(c.cfg.BaseTopic, "/") + "/set/"
	if !strings.HasPrefix(t, prefix) {
		return
	}
	field := strings.TrimPrefix(t, prefix)

	if err := c.apply(field, msg.Payload()); err != nil {
		c.publishError(field, err)
		return
	}
	c.publishSnapshot()
}

func (c *Controller) apply(field string, payload []byte) error {
	switch field {
	case "setpoint":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return err
		}
		return c.svc.SetSetpoint(v)

	case "pid":
		v, err := decodeValueStrict[stage.PID](payload)
		if err != nil {
			return err
		}
		return c.svc.SetPID(v)

	case "mode":
		s, err := decodeValueStrict[string](payload)
		if err != nil {
			return err
		}
		m, err := stage.ParseMode(s)
		if err != nil {
			return err
		}
		return c.svc.SetMode(m)

	case "dac":
		v, err := decodeValueStrict[int](payload)
		if err != nil {
			return err
		}
		return c.svc.SetDAC(v)

	case "period":
		v, err := decodeValueStrict[int64](payload)
		if err != nil {
			return err
		}
		period, err := scheduler.PeriodFromMillis(v)
		if err != nil {
			return err
		}
		return c.svc.SetPeriod(period)

	case "polyfit":
		v, err := decodeValueStrict[bool](payload)
		if err != nil {
			return err
		}
		c.svc.SetPolyfit(v)
		return nil
	}
	return fmt.Errorf("unknown field %q", field)
}

func (c *Controller) publishError(field string, err error) {
	if c.client == nil {
		return
	}
	b, _ := json.Marshal(errorDTO{Field: field, Error: err.Error()})
	c.client.Publish(c.topic("error"), c.cfg.QoS, false, b)
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}
