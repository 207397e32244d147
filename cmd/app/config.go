package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/Agrid-Dev/thermostage/internal/sim"
	"github.com/Agrid-Dev/thermostage/internal/stage"
)

// EnvPrefix marks environment overrides, e.g. THERMOSTAGE_STAGE_SETPOINT.
const EnvPrefix = "THERMOSTAGE_"

const (
	DriverSim    = "sim"
	DriverPeriph = "periph"
)

type Config struct {
	DeviceID    string            `koanf:"device_id" yaml:"device_id"`
	Controllers ControllersConfig `koanf:"controllers" yaml:"controllers"`
	Stage       StageConfig       `koanf:"stage" yaml:"stage"`
	Driver      DriverConfig      `koanf:"driver" yaml:"driver"`
	Plant       PlantConfig       `koanf:"plant" yaml:"plant"`
}

type ControllersConfig struct {
	Line    LineConfig    `koanf:"line" yaml:"line"`
	HTTP    HTTPConfig    `koanf:"http" yaml:"http"`
	MQTT    MQTTConfig    `koanf:"mqtt" yaml:"mqtt"`
	Modbus  ModbusConfig  `koanf:"modbus" yaml:"modbus"`
	Metrics MetricsConfig `koanf:"metrics" yaml:"metrics"`
}

type LineConfig struct {
	Enabled    bool   `koanf:"enabled" yaml:"enabled"`
	SerialPort string `koanf:"serial_port" yaml:"serial_port"`
	BaudRate   int    `koanf:"baud_rate" yaml:"baud_rate"`
	TCPAddr    string `koanf:"tcp_addr" yaml:"tcp_addr"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

type MQTTConfig struct {
	Enabled         bool          `koanf:"enabled" yaml:"enabled"`
	BrokerURL       string        `koanf:"broker_url" yaml:"broker_url"`
	ClientID        string        `koanf:"client_id" yaml:"client_id"`
	BaseTopic       string        `koanf:"base_topic" yaml:"base_topic"`
	QoS             byte          `koanf:"qos" yaml:"qos"`
	RetainSnapshot  bool          `koanf:"retain_snapshot" yaml:"retain_snapshot"`
	PublishInterval time.Duration `koanf:"publish_interval" yaml:"publish_interval"`
	Username        string        `koanf:"username" yaml:"username"`
	Password        string        `koanf:"password" yaml:"password"`
}

type ModbusConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
	UnitID  byte   `koanf:"unit_id" yaml:"unit_id"`
}

// MetricsConfig exposes Prometheus metrics on the HTTP controller.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

type StageConfig struct {
	Setpoint    float64       `koanf:"setpoint" yaml:"setpoint"`
	SetpointMin float64       `koanf:"setpoint_min" yaml:"setpoint_min"`
	SetpointMax float64       `koanf:"setpoint_max" yaml:"setpoint_max"`
	Band        float64       `koanf:"band" yaml:"band"`
	TIntegral   float64       `koanf:"t_integral" yaml:"t_integral"`
	TDerivative float64       `koanf:"t_derivative" yaml:"t_derivative"`
	Mode        string        `koanf:"mode" yaml:"mode"` // "OPEN_LOOP" | "CLOSED_LOOP"
	Period      time.Duration `koanf:"period" yaml:"period"`
	Polyfit     bool          `koanf:"polyfit" yaml:"polyfit"`
	TimerClock  int           `koanf:"timer_clock" yaml:"timer_clock"` // Hz
}

// DriverConfig selects the hardware. Device names follow periph registries.
type DriverConfig struct {
	Kind        string `koanf:"kind" yaml:"kind"` // "sim" | "periph"
	SPIPort     string `koanf:"spi_port" yaml:"spi_port"`
	Wires       int    `koanf:"wires" yaml:"wires"`
	Filter50Hz  bool   `koanf:"filter_50hz" yaml:"filter_50hz"`
	I2CBus      string `koanf:"i2c_bus" yaml:"i2c_bus"`
	DACAddr     uint16 `koanf:"dac_addr" yaml:"dac_addr"`
	PolarityPin string `koanf:"polarity_pin" yaml:"polarity_pin"`
	// CoolHigh drives the polarity pin high for negative levels.
	CoolHigh bool `koanf:"cool_high" yaml:"cool_high"`
}

type PlantConfig struct {
	AmbientTemperature float64       `koanf:"ambient_temperature" yaml:"ambient_temperature"`
	InitialTemperature float64       `koanf:"initial_temperature" yaml:"initial_temperature"`
	LossCoefficient    float64       `koanf:"loss_coefficient" yaml:"loss_coefficient"`
	PeltierGain        float64       `koanf:"peltier_gain" yaml:"peltier_gain"`
	ConfigRegister     uint8         `koanf:"config_register" yaml:"config_register"`
	ReadDelay          time.Duration `koanf:"read_delay" yaml:"read_delay"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		DeviceID: "default",
		Controllers: ControllersConfig{
			Line:   LineConfig{Enabled: true, BaudRate: 115200, TCPAddr: "127.0.0.1:7000"},
			HTTP:   HTTPConfig{Addr: ":8080"},
			MQTT:   MQTTConfig{PublishInterval: 1 * time.Second},
			Modbus: ModbusConfig{Addr: "127.0.0.1:1502", UnitID: 1},
		},
		Stage: StageConfig{
			Setpoint:    25,
			SetpointMin: -40,
			SetpointMax: 80,
			Band:        4.8,
			TIntegral:   15.16,
			TDerivative: 23.42,
			Mode:        "OPEN_LOOP",
			Period:      100 * time.Millisecond,
		},
		Driver: DriverConfig{
			Kind:    DriverSim,
			SPIPort: "SPI0.0",
			Wires:   2,
			I2CBus:  "1",
			DACAddr: 0x62,
			// BCM numbering
			PolarityPin: "GPIO17",
		},
		Plant: PlantConfig{
			AmbientTemperature: 22,
			InitialTemperature: 22,
			LossCoefficient:    0.01,
			PeltierGain:        0.5,
			ConfigRegister:     0xD0,
			ReadDelay:          65 * time.Millisecond,
		},
	}
}

// LoadConfig layers defaults, the file at path and THERMOSTAGE_* environment
// variables, in that order. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, err
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, EnvPrefix)), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Config file missing → use defaults
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var parser koanf.Parser
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		parser = kyaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// envKeyTransform maps an environment key without prefix to a koanf path:
// CONTROLLERS_<NAME>_<FIELD> becomes controllers.<name>.<field> and
// <SECTION>_<FIELD> becomes <section>.<field> for the known sections.
// Anything else is lowercased unchanged.
func envKeyTransform(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	if strings.HasPrefix(s, "controllers_") {
		parts := strings.SplitN(s, "_", 3)
		if len(parts) < 3 {
			return s
		}
		return parts[0] + "." + parts[1] + "." + parts[2]
	}

	for _, section := range []string{"stage", "driver", "plant"} {
		if rest, ok := strings.CutPrefix(s, section+"_"); ok {
			return section + "." + rest
		}
	}
	return s
}

// Validate rejects configurations that cannot start.
func (c Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("config: device_id is required")
	}
	switch c.Driver.Kind {
	case DriverSim, DriverPeriph:
	default:
		return fmt.Errorf("config: unknown driver %q", c.Driver.Kind)
	}
	if c.Driver.Kind == DriverPeriph {
		switch c.Driver.Wires {
		case 2, 3, 4:
		default:
			return fmt.Errorf("config: driver.wires must be 2, 3 or 4, got %d", c.Driver.Wires)
		}
	}
	l := c.Controllers.Line
	if l.Enabled && l.SerialPort == "" && l.TCPAddr == "" {
		return errors.New("config: line controller needs serial_port or tcp_addr")
	}
	if c.Controllers.Metrics.Enabled && !c.Controllers.HTTP.Enabled {
		return errors.New("config: metrics are served by the http controller")
	}
	if _, err := c.Settings(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Settings converts the stage section. Range checks are left to stage.New.
func (c Config) Settings() (stage.Settings, error) {
	mode, err := stage.ParseMode(c.Stage.Mode)
	if err != nil {
		return stage.Settings{}, err
	}
	return stage.Settings{
		Setpoint:    c.Stage.Setpoint,
		SetpointMin: c.Stage.SetpointMin,
		SetpointMax: c.Stage.SetpointMax,
		PID: stage.PID{
			Band:        c.Stage.Band,
			TIntegral:   c.Stage.TIntegral,
			TDerivative: c.Stage.TDerivative,
		},
		Mode:    mode,
		Period:  c.Stage.Period,
		Polyfit: c.Stage.Polyfit,
	}, nil
}

func (c Config) PlantParams() sim.PlantParams {
	return sim.PlantParams{
		AmbientTemperature: c.Plant.AmbientTemperature,
		InitialTemperature: c.Plant.InitialTemperature,
		LossCoefficient:    c.Plant.LossCoefficient,
		PeltierGain:        c.Plant.PeltierGain,
		ConfigRegister:     c.Plant.ConfigRegister,
		ReadDelay:          c.Plant.ReadDelay,
	}
}

// YAML renders the effective configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
