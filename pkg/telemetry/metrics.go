package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the control plane and the agent.
type Metrics struct {
	config MetricsConfig

	// Broker metrics
	connectedPeers   prometheus.Gauge
	sessionsOpened   *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec

	// Reconciler metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	rollouts          *prometheus.CounterVec

	// Agent metrics
	applies       *prometheus.CounterVec
	applyDuration prometheus.Histogram
	tasks         *prometheus.CounterVec
	reconnects    prometheus.Counter

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		connectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connected_peers",
				Help:      "Current number of peers holding an open stream",
			},
		),
		sessionsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "sessions_opened_total",
				Help:      "Total number of opened peer sessions",
			},
			[]string{"superseded"},
		),
		sessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "sessions_closed_total",
				Help:      "Total number of closed peer sessions",
			},
			[]string{"reason"},
		),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "messages_sent_total",
				Help:      "Total number of downstream messages queued for peers",
			},
			[]string{"type"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "messages_received_total",
				Help:      "Total number of upstream messages received from peers",
			},
			[]string{"type"},
		),
		messagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "messages_dropped_total",
				Help:      "Total number of downstream messages dropped before delivery",
			},
			[]string{"reason"},
		),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fleet",
				Name:      "operations_total",
				Help:      "Total number of reconciler operations",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "fleet",
				Name:      "operation_duration_seconds",
				Help:      "Duration of reconciler operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		rollouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fleet",
				Name:      "rollouts_total",
				Help:      "Total number of cluster rollout attempts",
			},
			[]string{"result"},
		),

		applies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "applies_total",
				Help:      "Total number of applied peer configurations",
			},
			[]string{"status"},
		),
		applyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "apply_duration_seconds",
				Help:      "Duration of applying a peer configuration in seconds",
				Buckets:   buckets,
			},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "tasks_total",
				Help:      "Total number of executed apply tasks",
			},
			[]string{"task", "status"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "reconnects_total",
				Help:      "Total number of stream reconnects",
			},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by kind and code",
			},
			[]string{"kind", "code"},
		),
	}

	registry.MustRegister(
		m.connectedPeers,
		m.sessionsOpened,
		m.sessionsClosed,
		m.messagesSent,
		m.messagesReceived,
		m.messagesDropped,
		m.operations,
		m.operationDuration,
		m.rollouts,
		m.applies,
		m.applyDuration,
		m.tasks,
		m.reconnects,
		m.errorsByKind,
	)

	return m, nil
}

// Broker Metrics

// RecordSessionOpened counts an opened session and tracks the connected peers.
func (m *Metrics) RecordSessionOpened(superseded bool, connected int) {
	if m.sessionsOpened == nil {
		return
	}
	label := "false"
	if superseded {
		label = "true"
	}
	m.sessionsOpened.WithLabelValues(label).Inc()
	m.connectedPeers.Set(float64(connected))
}

// RecordSessionClosed counts a closed session and tracks the connected peers.
func (m *Metrics) RecordSessionClosed(reason string, connected int) {
	if m.sessionsClosed == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.connectedPeers.Set(float64(connected))
}

// RecordMessageSent counts a message queued for a peer.
func (m *Metrics) RecordMessageSent(msgType string) {
	if m.messagesSent == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

// RecordMessageReceived counts a message received from a peer.
func (m *Metrics) RecordMessageReceived(msgType string) {
	if m.messagesReceived == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

// RecordMessagesDropped counts messages discarded before delivery.
func (m *Metrics) RecordMessagesDropped(reason string, count int) {
	if m.messagesDropped == nil || count == 0 {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Add(float64(count))
}

// Reconciler Metrics

// RecordOperation records a reconciler operation with its status and duration.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRollout counts a rollout attempt by result (assigned, pending, failed).
func (m *Metrics) RecordRollout(result string) {
	if m.rollouts == nil {
		return
	}
	m.rollouts.WithLabelValues(result).Inc()
}

// Agent Metrics

// RecordApply records an applied configuration.
func (m *Metrics) RecordApply(status string, duration time.Duration) {
	if m.applies == nil {
		return
	}
	m.applies.WithLabelValues(status).Inc()
	m.applyDuration.Observe(duration.Seconds())
}

// RecordTask records one executed apply task.
func (m *Metrics) RecordTask(task, status string) {
	if m.tasks == nil {
		return
	}
	m.tasks.WithLabelValues(task, status).Inc()
}

// RecordReconnect counts a stream reconnect.
func (m *Metrics) RecordReconnect() {
	if m.reconnects == nil {
		return
	}
	m.reconnects.Inc()
}

// Error Metrics

// RecordError records an error by kind and optionally by code.
func (m *Metrics) RecordError(kind, code string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind, code).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Registry returns the registry backing the metrics, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := m.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", server.Addr).Msg("metrics server failed")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
