package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultSettingsAreValid(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if s.Network.Bridge.Default != "br-opendut" {
		t.Errorf("expected default bridge br-opendut, got %s", s.Network.Bridge.Default)
	}
	if s.Network.Connect.Retries != 5 || s.Network.Connect.Interval != 5*time.Second {
		t.Errorf("unexpected connect defaults %+v", s.Network.Connect)
	}
	if s.Stream.DisconnectTimeout != 30*time.Second {
		t.Errorf("unexpected disconnect timeout %s", s.Stream.DisconnectTimeout)
	}
}

func TestLoadSettingsFromFile(t *testing.T) {
	path := writeSettings(t, `
network:
  bind:
    host: 127.0.0.1
    port: 9000
  remote:
    scheme: https
    host: carl.example
    port: 443
  connect:
    retries: 3
    interval: 2s
storage:
  backend: sqlite
  path: /var/lib/fleet/fleet.db
policy:
  paths: [/etc/fleet/policies]
  watch: true
`)

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}

	if got := s.BindAddress(); got != "127.0.0.1:9000" {
		t.Errorf("BindAddress() = %s", got)
	}
	if got := s.RemoteURL(); got != "https://carl.example:443" {
		t.Errorf("RemoteURL() = %s", got)
	}
	if s.Network.Connect.Interval != 2*time.Second || s.Network.Connect.Retries != 3 {
		t.Errorf("unexpected connect settings %+v", s.Network.Connect)
	}
	if cfg := s.StoreConfig(); cfg.Backend != "sqlite" || cfg.Path != "/var/lib/fleet/fleet.db" {
		t.Errorf("unexpected store config %+v", cfg)
	}
	if !s.Policy.Watch || len(s.Policy.Paths) != 1 {
		t.Errorf("unexpected policy settings %+v", s.Policy)
	}
	// untouched keys keep their defaults
	if s.Broker.QueueSize != 64 {
		t.Errorf("expected default queue size, got %d", s.Broker.QueueSize)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FLEET_NETWORK_REMOTE_HOST":                  "carl",
		"FLEET_NETWORK_CONNECT_RETRIES":              "9",
		"FLEET_NETWORK_INTERFACE_MANAGEMENT_ENABLED": "false",
		"FLEET_STREAM_DISCONNECT_TIMEOUT":            "1m",
		"FLEET_POLICY_PATHS":                         "a.rego, b/ ,",
		"FLEET_PEER_ID":                              "c3a1a6a0-3f0e-4d5b-9d1c-1e0c2b9a7f01",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	s := DefaultSettings()
	if err := s.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if s.Network.Remote.Host != "carl" || s.Network.Connect.Retries != 9 {
		t.Errorf("unexpected network settings %+v", s.Network)
	}
	if s.Network.Interface.Management.Enabled {
		t.Error("expected interface management to be disabled")
	}
	if s.Stream.DisconnectTimeout != time.Minute {
		t.Errorf("unexpected disconnect timeout %s", s.Stream.DisconnectTimeout)
	}
	if len(s.Policy.Paths) != 2 || s.Policy.Paths[1] != "b/" {
		t.Errorf("unexpected policy paths %v", s.Policy.Paths)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("expected valid settings: %v", err)
	}
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	env := map[string]string{
		"FLEET_NETWORK_BIND_PORT":         "eighty",
		"FLEET_BROKER_HEARTBEAT_TIMEOUT": "soon",
	}
	s := DefaultSettings()
	err := s.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"FLEET_NETWORK_BIND_PORT", "FLEET_BROKER_HEARTBEAT_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("expected error to name %s, got %v", key, err)
		}
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeSettings(t, "storage:\n  backend: memory\n")
	t.Setenv("FLEET_STORAGE_BACKEND", "badger")
	t.Setenv("FLEET_STORAGE_PATH", "/tmp/fleet")

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if s.Storage.Backend != "badger" || s.Storage.Path != "/tmp/fleet" {
		t.Errorf("expected environment to win, got %+v", s.Storage)
	}
}

func TestSettingsValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"unknown backend", func(s *Settings) { s.Storage.Backend = "etcd" }},
		{"badger without path", func(s *Settings) { s.Storage.Path = "" }},
		{"auth without secret", func(s *Settings) { s.Auth.Enabled = true }},
		{"otlp without endpoint", func(s *Settings) { s.Telemetry.TracingExporter = "otlp" }},
		{"bad peer id", func(s *Settings) { s.Peer.ID = "carl" }},
		{"bridge name too long", func(s *Settings) { s.Network.Bridge.Default = "bridge-name-too-long" }},
		{"zero retries", func(s *Settings) { s.Network.Connect.Retries = 0 }},
		{"bad log level", func(s *Settings) { s.Telemetry.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	s := DefaultSettings()
	s.Storage = StorageSettings{Backend: "memory"}
	if err := s.Validate(); err != nil {
		t.Errorf("memory backend needs no path: %v", err)
	}
}

func TestTelemetryConfig(t *testing.T) {
	s := DefaultSettings()
	s.Telemetry.LogFormat = "json"
	s.Telemetry.MetricsAddress = ":9100"

	cfg := s.TelemetryConfig("fleet", "1.2.3")
	if cfg.ServiceName != "fleet" || cfg.ServiceVersion != "1.2.3" {
		t.Errorf("unexpected service %s/%s", cfg.ServiceName, cfg.ServiceVersion)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("unexpected log format %s", cfg.Logging.Format)
	}
	if cfg.Tracing.Enabled {
		t.Error("tracing must be disabled for exporter none")
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddress != ":9100" {
		t.Errorf("unexpected metrics config %+v", cfg.Metrics)
	}
}
