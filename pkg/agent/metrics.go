package agent

import (
	"sync"
	"time"

	"github.com/openfroyo/fleet/pkg/engine"
	"github.com/openfroyo/fleet/pkg/telemetry"
)

// ApplySummary describes the last applied configuration.
type ApplySummary struct {
	At        time.Time
	Duration  time.Duration
	Succeeded int
	Unchanged int
	Failed    int
	Skipped   int
	Err       error
}

// MetricsManager records apply outcomes.
type MetricsManager struct {
	metrics *telemetry.Metrics

	mu      sync.Mutex
	last    ApplySummary
	applies int
}

// NewMetricsManager creates a manager reporting into tel's metrics.
func NewMetricsManager(tel *telemetry.Telemetry) *MetricsManager {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &MetricsManager{metrics: tel.Metrics}
}

// RecordApply stores the outcome of an apply run.
func (m *MetricsManager) RecordApply(report *engine.Report, err error) {
	summary := ApplySummary{At: time.Now(), Err: err}
	if report != nil {
		summary.Duration = report.Duration
		summary.Succeeded = report.Count(engine.StatusSucceeded)
		summary.Unchanged = report.Count(engine.StatusUnchanged)
		summary.Failed = report.Count(engine.StatusFailed)
		summary.Skipped = report.Count(engine.StatusSkipped)
		if err == nil {
			summary.Err = report.Err()
		}
	}

	status := "success"
	if summary.Err != nil {
		status = "failure"
	}
	m.metrics.RecordApply(status, summary.Duration)

	m.mu.Lock()
	m.last = summary
	m.applies++
	m.mu.Unlock()
}

// Last returns the summary of the most recent apply and the number of applies so far.
func (m *MetricsManager) Last() (ApplySummary, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.applies
}
