package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config selects what a fleet process logs, traces, measures and publishes.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Environment is attached to traces, e.g. development or production.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string

	EnableCaller bool

	// EnableSampling logs SamplingInitial messages per second and then every
	// SamplingThereafter-th message.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the collector address of the otlp exporter, e.g. localhost:4317.
	Endpoint string `validate:"required_if=Exporter otlp"`

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Headers are sent with every otlp export.
	Headers  map[string]string
	Insecure bool
}

// MetricsConfig configures the prometheus registry.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress of the standalone metrics server. Empty disables the
	// server; the registry is still served by Handler.
	ListenAddress string
	Path          string

	Namespace               string
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	Enabled    bool
	BufferSize int `validate:"required_if=Enabled true,gte=0"`

	// FlushInterval and MaxBatchSize bound how long and how many events wait
	// in the async buffer.
	FlushInterval time.Duration
	MaxBatchSize  int
	EnableAsync   bool
}

// ServiceOf returns a copy of cfg with service name and version set.
func (c Config) ServiceOf(name, version string) *Config {
	c.ServiceName = name
	c.ServiceVersion = version
	return &c
}

// DefaultConfig logs to stdout, disables tracing and keeps metrics and events on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "fleet",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stdout",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "fleet",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 100 * time.Millisecond,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

// Validate checks the configuration against its struct tags. Field errors
// are reported by their lower-cased path, e.g. logging.level.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		messages = append(messages, describeFieldError(fe))
	}
	return errors.New(strings.Join(messages, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	name := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("invalid %s %q, want one of %s", name, fe.Value(), fe.Param())
	case "required", "required_if":
		return fmt.Sprintf("%s is required", name)
	default:
		return fmt.Sprintf("invalid %s %v, want %s=%s", name, fe.Value(), fe.Tag(), fe.Param())
	}
}
