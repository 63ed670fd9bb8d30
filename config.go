package canbus

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openchassis/canbus/bus"
	"github.com/openchassis/canbus/controller"
)

// Default telemetry topic names, applied when the configuration leaves them
// empty.
const (
	DefaultReceivedTopic = "chassis/detail/received"
	DefaultSenderTopic   = "chassis/detail/sender"
)

// Config assembles everything Init needs: the transport connection, the
// vehicle parameters handed to the controller, the frame-log switches, and
// the telemetry topic names.
type Config struct {
	// Connection selects and parameterizes the transport driver.
	Connection bus.ConnectionParams

	// Vehicle is passed through to the controller's Init.
	Vehicle controller.VehicleParams

	// EnableReceiverLog and EnableSenderLog switch on rotating on-disk
	// logs of raw frame traffic, one file per direction under LogDir.
	EnableReceiverLog bool
	EnableSenderLog   bool

	// ReceivedTopic and SenderTopic name the fabric channels the publish
	// methods write to. Empty values take the package defaults.
	ReceivedTopic string
	SenderTopic   string

	// LogDir is the directory for frame logs. Defaults to the working
	// directory.
	LogDir string

	// TelemetryDB, when non-empty, is the path of a SQLite database that
	// archives every published snapshot.
	TelemetryDB string
}

// DefaultConfig returns a Config with the package defaults filled in. The
// connection and vehicle sections start empty and must be set by the caller.
func DefaultConfig() Config {
	return Config{
		ReceivedTopic: DefaultReceivedTopic,
		SenderTopic:   DefaultSenderTopic,
		LogDir:        ".",
	}
}

func (c *Config) applyDefaults() {
	if c.ReceivedTopic == "" {
		c.ReceivedTopic = DefaultReceivedTopic
	}
	if c.SenderTopic == "" {
		c.SenderTopic = DefaultSenderTopic
	}
	if c.LogDir == "" {
		c.LogDir = "."
	}
}

// validate collects all violations so a misconfiguration surfaces in one
// round trip.
func (c Config) validate() error {
	var errs []error
	if c.Connection.Driver == "" {
		errs = append(errs, errors.New("connection.driver must not be empty"))
	}
	if c.ReceivedTopic == c.SenderTopic {
		errs = append(errs, errors.New("receivedTopic and senderTopic must differ"))
	}
	if c.Vehicle.CommTimeout < 0 {
		errs = append(errs, errors.New("vehicle.commTimeoutMs must not be negative"))
	}
	if c.Vehicle.HeartbeatCadence < 0 {
		errs = append(errs, errors.New("vehicle.heartbeatCadenceMs must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("canbus: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// configYAML is the on-disk schema. Durations are integral milliseconds so
// config files stay readable.
type configYAML struct {
	Connection        bus.ConnectionParams `yaml:"connection"`
	Vehicle           vehicleYAML          `yaml:"vehicle"`
	EnableReceiverLog bool                 `yaml:"enableReceiverLog"`
	EnableSenderLog   bool                 `yaml:"enableSenderLog"`
	ReceivedTopic     string               `yaml:"receivedTopic"`
	SenderTopic       string               `yaml:"senderTopic"`
	LogDir            string               `yaml:"logDir"`
	TelemetryDB       string               `yaml:"telemetryDb"`
}

type vehicleYAML struct {
	Brand              string  `yaml:"brand"`
	MaxSteerPct        float64 `yaml:"maxSteerPct"`
	CommTimeoutMs      int     `yaml:"commTimeoutMs"`
	HeartbeatCadenceMs int     `yaml:"heartbeatCadenceMs"`
}

// LoadConfig reads and validates a YAML configuration file. Omitted topic
// and log-dir fields take the package defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var y configYAML
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg := Config{
		Connection: y.Connection,
		Vehicle: controller.VehicleParams{
			Brand:            y.Vehicle.Brand,
			MaxSteerPct:      y.Vehicle.MaxSteerPct,
			CommTimeout:      time.Duration(y.Vehicle.CommTimeoutMs) * time.Millisecond,
			HeartbeatCadence: time.Duration(y.Vehicle.HeartbeatCadenceMs) * time.Millisecond,
		},
		EnableReceiverLog: y.EnableReceiverLog,
		EnableSenderLog:   y.EnableSenderLog,
		ReceivedTopic:     y.ReceivedTopic,
		SenderTopic:       y.SenderTopic,
		LogDir:            y.LogDir,
		TelemetryDB:       y.TelemetryDB,
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
