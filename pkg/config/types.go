package config

import (
	"time"

	"github.com/openfroyo/upll/pkg/capability"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the process configuration.
type Config struct {
	// Store selects the datastore adapter.
	Store StoreConfig `yaml:"store"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Driver bounds controller calls.
	Driver DriverConfig `yaml:"driver"`

	// Capabilities is the path of the capability table. Relative paths are
	// resolved against the directory of the configuration file.
	Capabilities string `yaml:"capabilities"`

	// Controllers is the controller inventory.
	Controllers []capability.Controller `yaml:"controllers" validate:"dive"`
}

// StoreConfig selects and sizes the datastore adapter.
type StoreConfig struct {
	// Backend is sqlite or memory.
	Backend string `yaml:"backend" validate:"required,oneof=sqlite memory"`

	// Path is the SQLite database file, ":memory:" for a private database.
	Path string `yaml:"path" validate:"required_if=Backend sqlite"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// DriverConfig bounds the vote phase of a commit.
type DriverConfig struct {
	// Timeout is the deadline of one controller call.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// Parallelism is the number of controller calls in flight per operation.
	Parallelism int `yaml:"parallelism" validate:"gte=0,lte=256"`
}

// TelemetryConfig is the YAML form of telemetry.Config.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" validate:"required"`
	Environment    string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`

	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

type LoggingConfig struct {
	Level        string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format       string `yaml:"format" validate:"oneof=console json"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	Sampling     bool   `yaml:"sampling"`
	TimeFormat   string `yaml:"time_format"`
}

type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Exporter     string            `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string            `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Headers      map[string]string `yaml:"headers"`
	Insecure     bool              `yaml:"insecure"`
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`
}

type EventsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BufferSize     int           `yaml:"buffer_size" validate:"gte=0"`
	EnableAsync    bool          `yaml:"async"`
	PublishTimeout time.Duration `yaml:"publish_timeout" validate:"gte=0"`
}
