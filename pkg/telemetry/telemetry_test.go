package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/fleet/pkg/types"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"otlp with endpoint", func(c *Config) {
			c.Logging.Format = "json"
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = "collector:4317"
			c.Tracing.SamplingRate = 0.1
		}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"invalid level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"invalid format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"jaeger is not supported", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"empty event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	peerID := types.RandomPeerID()
	clusterID := types.RandomClusterID()

	logger := NewWriterLogger(&buf, "debug").NewComponentLogger("broker")
	logger.WithPeerID(peerID).WithClusterID(clusterID).WithError(errors.New("boom")).Info("hello")

	out := buf.String()
	for _, want := range []string{`"component":"broker"`, peerID.String(), clusterID.String(), `"error":"boom"`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log output to contain %s, got %s", want, out)
		}
	}
}

func TestValidateNamesInvalidField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "xml"
	cfg.ServiceName = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	for _, want := range []string{"servicename is required", `invalid logging.format "xml"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}

func TestLoggerLevelFiltersMessages(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn message missing: %s", out)
	}
}

func TestAsyncEventsAreFlushed(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: 10 * time.Millisecond,
		MaxBatchSize:  100,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	defer ep.Shutdown(context.Background())

	received := make(chan Event, 1)
	ep.Subscribe(func(event Event) { received <- event }, FilterByType(EventTypePeerConnected))

	if err := ep.PublishPeerDisconnected("p1", "timeout"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := ep.PublishPeerConnected("p2", "10.0.0.2"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case event := <-received:
		if event.PeerID != "p2" || event.ID == "" {
			t.Errorf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a single buffered event to be flushed")
	}
}

func TestShutdownDrainsEvents(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Hour,
		MaxBatchSize:  100,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	ep.Subscribe(func(event Event) { wg.Done() }, FilterByClusterID("c1"))

	if err := ep.PublishClusterUndeployed("c1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected buffered event to be delivered on shutdown")
	}
}

type classifiedError struct{}

func (classifiedError) Error() string     { return "not found" }
func (classifiedError) ErrorKind() string { return "not_found" }
func (classifiedError) ErrorCode() string { return "peer_not_found" }

func TestOperationMetrics(t *testing.T) {
	tel := NewNop()
	defer tel.Shutdown(context.Background())

	ok := tel.StartOperation(context.Background(), "fleet.test")
	ok.End(nil)

	failed := tel.StartOperation(context.Background(), "fleet.test")
	failed.End(classifiedError{})

	families, err := tel.Metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	counts := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counts[family.GetName()] += c.GetValue()
			}
		}
	}

	if counts["fleet_fleet_operations_total"] != 2 {
		t.Errorf("expected 2 operations, got %v", counts["fleet_fleet_operations_total"])
	}
	if counts["fleet_errors_total"] != 1 {
		t.Errorf("expected 1 classified error, got %v", counts["fleet_errors_total"])
	}
}

func TestTelemetryShutdownWithoutServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.ListenAddress = ""
	cfg.Logging.Output = "stderr"

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		t.Fatalf("StartMetricsServer() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
