package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/fleet/pkg/broker"
	"github.com/openfroyo/fleet/pkg/stores"
	"github.com/openfroyo/fleet/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLEET_"

// Settings is the process configuration of the control plane and the agent.
type Settings struct {
	Network   NetworkSettings   `yaml:"network"`
	Stream    StreamSettings    `yaml:"stream"`
	Broker    BrokerSettings    `yaml:"broker"`
	Storage   StorageSettings   `yaml:"storage"`
	Auth      AuthSettings      `yaml:"auth"`
	Policy    PolicySettings    `yaml:"policy"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
	Peer      PeerSettings      `yaml:"peer"`
}

type NetworkSettings struct {
	// Bind is where the control plane listens.
	Bind Endpoint `yaml:"bind"`

	// Remote is where agents reach the control plane.
	Remote RemoteEndpoint `yaml:"remote"`

	Connect   ConnectSettings   `yaml:"connect"`
	Interface InterfaceSettings `yaml:"interface"`
	Bridge    BridgeSettings    `yaml:"bridge"`
}

type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`
}

type RemoteEndpoint struct {
	Scheme string `yaml:"scheme" validate:"oneof=http https"`
	Host   string `yaml:"host" validate:"required"`
	Port   int    `yaml:"port" validate:"gte=1,lte=65535"`
}

type ConnectSettings struct {
	Retries  int           `yaml:"retries" validate:"gte=1"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

type InterfaceSettings struct {
	Management struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"management"`
}

type BridgeSettings struct {
	// Default is the bridge name used when a peer descriptor names none.
	Default string `yaml:"default" validate:"required,max=15"`
}

type StreamSettings struct {
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" validate:"gt=0"`
	PingDelay         time.Duration `yaml:"ping_delay" validate:"gt=0"`
	RetryDelay        time.Duration `yaml:"retry_delay" validate:"gt=0"`
}

type BrokerSettings struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" validate:"gt=0"`
	QueueSize        int           `yaml:"queue_size" validate:"gte=1"`
}

type StorageSettings struct {
	Backend string `yaml:"backend" validate:"oneof=badger sqlite memory"`
	Path    string `yaml:"path" validate:"required_unless=Backend memory"`
}

type AuthSettings struct {
	Enabled  bool          `yaml:"enabled"`
	Secret   string        `yaml:"secret" validate:"required_if=Enabled true"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl" validate:"gt=0"`

	// Token is the bearer token an agent presents.
	Token string `yaml:"token"`
}

type PolicySettings struct {
	// Paths lists files and directories with additional admission policies.
	Paths []string `yaml:"paths"`

	// Watch reloads the policies when the files change.
	Watch bool `yaml:"watch"`
}

type TelemetrySettings struct {
	Environment     string  `yaml:"environment"`
	LogLevel        string  `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat       string  `yaml:"log_format" validate:"oneof=console json"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string  `yaml:"tracing_endpoint" validate:"required_if=TracingExporter otlp"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// MetricsAddress starts a dedicated metrics listener. Metrics are also
	// served by the admin API.
	MetricsAddress string `yaml:"metrics_address"`
}

type PeerSettings struct {
	// ID identifies the agent. Required by fleet-agent only.
	ID string `yaml:"id" validate:"omitempty,uuid"`
}

// DefaultSettings returns the defaults every file and override is applied on.
func DefaultSettings() *Settings {
	s := &Settings{}
	s.Network.Bind = Endpoint{Host: "0.0.0.0", Port: 8080}
	s.Network.Remote = RemoteEndpoint{Scheme: "http", Host: "localhost", Port: 8080}
	s.Network.Connect = ConnectSettings{Retries: 5, Interval: 5 * time.Second}
	s.Network.Interface.Management.Enabled = true
	s.Network.Bridge.Default = "br-opendut"
	s.Stream = StreamSettings{DisconnectTimeout: 30 * time.Second, PingDelay: 5 * time.Second, RetryDelay: time.Second}
	s.Broker = BrokerSettings{HeartbeatTimeout: 30 * time.Second, QueueSize: 64}
	s.Storage = StorageSettings{Backend: stores.BackendBadger, Path: "data/fleet"}
	s.Auth = AuthSettings{Issuer: "fleet", TokenTTL: 24 * time.Hour}
	s.Telemetry = TelemetrySettings{
		Environment:     "development",
		LogLevel:        "info",
		LogFormat:       "console",
		TracingExporter: "none",
		SamplingRate:    1.0,
	}
	return s
}

// LoadSettings builds the settings from defaults, the optional YAML file at
// path and FLEET_* environment variables, in that order of precedence. A
// .env file in the working directory is loaded into the environment first.
func LoadSettings(path string) (*Settings, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	s := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	}

	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

type envOverride struct {
	key   string
	apply func(s *Settings, value string) error
}

var envOverrides = []envOverride{
	{"NETWORK_BIND_HOST", func(s *Settings, v string) error { s.Network.Bind.Host = v; return nil }},
	{"NETWORK_BIND_PORT", func(s *Settings, v string) error { return setInt(&s.Network.Bind.Port, v) }},
	{"NETWORK_REMOTE_SCHEME", func(s *Settings, v string) error { s.Network.Remote.Scheme = v; return nil }},
	{"NETWORK_REMOTE_HOST", func(s *Settings, v string) error { s.Network.Remote.Host = v; return nil }},
	{"NETWORK_REMOTE_PORT", func(s *Settings, v string) error { return setInt(&s.Network.Remote.Port, v) }},
	{"NETWORK_CONNECT_RETRIES", func(s *Settings, v string) error { return setInt(&s.Network.Connect.Retries, v) }},
	{"NETWORK_CONNECT_INTERVAL", func(s *Settings, v string) error { return setDuration(&s.Network.Connect.Interval, v) }},
	{"NETWORK_INTERFACE_MANAGEMENT_ENABLED", func(s *Settings, v string) error {
		return setBool(&s.Network.Interface.Management.Enabled, v)
	}},
	{"NETWORK_BRIDGE_DEFAULT", func(s *Settings, v string) error { s.Network.Bridge.Default = v; return nil }},
	{"STREAM_DISCONNECT_TIMEOUT", func(s *Settings, v string) error { return setDuration(&s.Stream.DisconnectTimeout, v) }},
	{"BROKER_HEARTBEAT_TIMEOUT", func(s *Settings, v string) error { return setDuration(&s.Broker.HeartbeatTimeout, v) }},
	{"STORAGE_BACKEND", func(s *Settings, v string) error { s.Storage.Backend = v; return nil }},
	{"STORAGE_PATH", func(s *Settings, v string) error { s.Storage.Path = v; return nil }},
	{"AUTH_ENABLED", func(s *Settings, v string) error { return setBool(&s.Auth.Enabled, v) }},
	{"AUTH_SECRET", func(s *Settings, v string) error { s.Auth.Secret = v; return nil }},
	{"AUTH_TOKEN", func(s *Settings, v string) error { s.Auth.Token = v; return nil }},
	{"POLICY_PATHS", func(s *Settings, v string) error { s.Policy.Paths = splitList(v); return nil }},
	{"LOG_LEVEL", func(s *Settings, v string) error { s.Telemetry.LogLevel = v; return nil }},
	{"LOG_FORMAT", func(s *Settings, v string) error { s.Telemetry.LogFormat = v; return nil }},
	{"TRACING_EXPORTER", func(s *Settings, v string) error { s.Telemetry.TracingExporter = v; return nil }},
	{"TRACING_ENDPOINT", func(s *Settings, v string) error { s.Telemetry.TracingEndpoint = v; return nil }},
	{"METRICS_ADDRESS", func(s *Settings, v string) error { s.Telemetry.MetricsAddress = v; return nil }},
	{"PEER_ID", func(s *Settings, v string) error { s.Peer.ID = v; return nil }},
}

// ApplyEnv applies the FLEET_* variables found by lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, override := range envOverrides {
		value, ok := lookup(EnvPrefix + override.key)
		if !ok {
			continue
		}
		if err := override.apply(s, strings.TrimSpace(value)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, override.key, err))
		}
	}
	return errors.Join(errs...)
}

func setInt(target *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*target = n
	return nil
}

func setBool(target *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*target = b
	return nil
}

func setDuration(target *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*target = d
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the settings against their struct tags.
func (s *Settings) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// BindAddress returns host:port the control plane listens on.
func (s *Settings) BindAddress() string {
	return net.JoinHostPort(s.Network.Bind.Host, strconv.Itoa(s.Network.Bind.Port))
}

// RemoteURL returns the base URL agents and the CLI connect to.
func (s *Settings) RemoteURL() string {
	return s.Network.Remote.Scheme + "://" + net.JoinHostPort(s.Network.Remote.Host, strconv.Itoa(s.Network.Remote.Port))
}

// StoreConfig returns the storage backend selection.
func (s *Settings) StoreConfig() stores.Config {
	return stores.Config{Backend: s.Storage.Backend, Path: s.Storage.Path}
}

// TelemetryConfig derives the telemetry configuration of a service.
func (s *Settings) TelemetryConfig(service, version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig().ServiceOf(service, version)
	cfg.Environment = s.Telemetry.Environment
	cfg.Logging.Level = s.Telemetry.LogLevel
	cfg.Logging.Format = s.Telemetry.LogFormat
	cfg.Tracing.Enabled = s.Telemetry.TracingExporter != "none"
	cfg.Tracing.Exporter = s.Telemetry.TracingExporter
	cfg.Tracing.Endpoint = s.Telemetry.TracingEndpoint
	cfg.Tracing.SamplingRate = s.Telemetry.SamplingRate
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddress = s.Telemetry.MetricsAddress
	return cfg
}

// BrokerOptions returns the session broker tuning.
func (s *Settings) BrokerOptions() broker.Options {
	return broker.Options{
		HeartbeatTimeout: s.Broker.HeartbeatTimeout,
		QueueSize:        s.Broker.QueueSize,
	}
}
