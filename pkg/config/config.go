package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/upll/pkg/capability"
	"github.com/openfroyo/upll/pkg/commit"
	"github.com/openfroyo/upll/pkg/driver"
	"github.com/openfroyo/upll/pkg/stores"
	"github.com/openfroyo/upll/pkg/telemetry"
)

// Default returns a configuration that runs on an in-memory store with no
// controllers.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Backend: BackendMemory,
			Path:    ":memory:",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    tel.ServiceName,
			ServiceVersion: tel.ServiceVersion,
			Environment:    tel.Environment,
			Logging: LoggingConfig{
				Level:        tel.Logging.Level,
				Format:       tel.Logging.Format,
				Output:       tel.Logging.Output,
				EnableCaller: tel.Logging.EnableCaller,
				TimeFormat:   tel.Logging.TimeFormat,
			},
			Tracing: TracingConfig{
				Exporter:     tel.Tracing.Exporter,
				SamplingRate: tel.Tracing.SamplingRate,
				Insecure:     tel.Tracing.Insecure,
			},
			Metrics: MetricsConfig{
				Enabled:   tel.Metrics.Enabled,
				Path:      tel.Metrics.Path,
				Namespace: tel.Metrics.Namespace,
			},
			Events: EventsConfig{
				Enabled:        tel.Events.Enabled,
				BufferSize:     tel.Events.BufferSize,
				EnableAsync:    tel.Events.EnableAsync,
				PublishTimeout: tel.Events.PublishTimeout,
			},
		},
		Driver: DriverConfig{
			Timeout:     driver.DefaultTimeout,
			Parallelism: commit.DefaultParallelism,
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Capabilities != "" && !filepath.IsAbs(cfg.Capabilities) {
		cfg.Capabilities = filepath.Join(filepath.Dir(path), cfg.Capabilities)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of every section and the inventory.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := capability.NewInventory(c.Controllers); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TelemetryConfig converts the telemetry section.
func (c *Config) TelemetryConfig() *telemetry.Config {
	out := telemetry.DefaultConfig()
	t := c.Telemetry
	out.ServiceName = t.ServiceName
	out.ServiceVersion = t.ServiceVersion
	out.Environment = t.Environment
	for k, v := range t.ResourceAttributes {
		out.ResourceAttributes[k] = v
	}

	out.Logging.Level = t.Logging.Level
	out.Logging.Format = t.Logging.Format
	out.Logging.Output = t.Logging.Output
	out.Logging.EnableCaller = t.Logging.EnableCaller
	out.Logging.EnableSampling = t.Logging.Sampling
	if t.Logging.TimeFormat != "" {
		out.Logging.TimeFormat = t.Logging.TimeFormat
	}

	out.Tracing.Enabled = t.Tracing.Enabled
	if t.Tracing.Exporter != "" {
		out.Tracing.Exporter = t.Tracing.Exporter
	}
	out.Tracing.Endpoint = t.Tracing.Endpoint
	out.Tracing.SamplingRate = t.Tracing.SamplingRate
	out.Tracing.Insecure = t.Tracing.Insecure
	for k, v := range t.Tracing.Headers {
		out.Tracing.Headers[k] = v
	}

	out.Metrics.Enabled = t.Metrics.Enabled
	out.Metrics.ListenAddress = t.Metrics.ListenAddress
	if t.Metrics.Path != "" {
		out.Metrics.Path = t.Metrics.Path
	}
	if t.Metrics.Namespace != "" {
		out.Metrics.Namespace = t.Metrics.Namespace
	}

	out.Events.Enabled = t.Events.Enabled
	out.Events.EnableAsync = t.Events.EnableAsync
	if t.Events.BufferSize > 0 {
		out.Events.BufferSize = t.Events.BufferSize
	}
	if t.Events.PublishTimeout > 0 {
		out.Events.PublishTimeout = t.Events.PublishTimeout
	}
	return out
}

// StoreConfig converts the store section for the SQLite backend.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
	}
}

// Inventory builds the controller inventory.
func (c *Config) Inventory() (*capability.Inventory, error) {
	return capability.NewInventory(c.Controllers)
}

// CapabilityTable loads the capability table, or returns an empty table
// when none is configured.
func (c *Config) CapabilityTable() (*capability.Table, error) {
	if c.Capabilities == "" {
		return capability.NewTable(capability.File{})
	}
	return capability.LoadTable(c.Capabilities)
}

// DriverTimeout returns the per-call deadline.
func (c *Config) DriverTimeout() time.Duration {
	if c.Driver.Timeout <= 0 {
		return driver.DefaultTimeout
	}
	return c.Driver.Timeout
}
