package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the logging, tracing, metrics and event settings of an
// engine process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are added to the otel resource of every span.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path appended to.
	Output string

	EnableCaller bool

	// Sampling keeps SamplingInitial messages per second, then one in
	// SamplingThereafter. Per-row commit logs are the only high-rate source.
	EnableSampling     bool
	SamplingInitial    int `validate:"gte=0"`
	SamplingThereafter int `validate:"gte=0"`

	// TimeFormat is unix, unixms, unixmicro or rfc3339.
	TimeFormat string
}

// TracingConfig configures the otel tracer provider.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp (gRPC), stdout or none.
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string

	SamplingRate       float64       `validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `validate:"gte=0"`
	ExportTimeout      time.Duration `validate:"gte=0"`

	Headers  map[string]string
	Insecure bool
}

// MetricsConfig configures the prometheus registry and its endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path when set; empty keeps the registry private.
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are the latency buckets in seconds of episode
	// and driver call histograms.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures change notifications.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the queue between commit and subscribers.
	BufferSize int `validate:"gte=0"`

	// EnableAsync delivers from a goroutine; otherwise subscribers run on
	// the publishing goroutine.
	EnableAsync bool

	// PublishTimeout bounds how long Notify waits for buffer space.
	PublishTimeout time.Duration `validate:"gte=0"`
}

// DefaultConfig returns console logging at info, tracing off, a private
// metrics registry and asynchronous change notifications.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "upll",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "upll",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
			},
		},
		Events: EventsConfig{
			Enabled:        true,
			BufferSize:     1000,
			EnableAsync:    true,
			PublishTimeout: 5 * time.Second,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Events.Enabled && c.Events.BufferSize == 0 {
		return fmt.Errorf("invalid telemetry config: event buffer size must be positive")
	}
	return nil
}
