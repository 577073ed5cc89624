package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/fleet/pkg/telemetry"
)

// Options configures a Scheduler.
type Options struct {
	// MaxParallel is the maximum number of units running at once within a level.
	MaxParallel int

	// DefaultTimeout bounds an attempt of units without their own timeout.
	DefaultTimeout time.Duration

	// BaseBackoff is the delay before the first retry; it doubles per attempt.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// FailFast stops the run after the first level with a failed unit.
	FailFast bool
}

// DefaultOptions returns the scheduler defaults.
func DefaultOptions() Options {
	return Options{
		MaxParallel:    4,
		DefaultTimeout: 30 * time.Second,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Scheduler executes units level by level, running independent units in parallel within each level.
type Scheduler struct {
	opts    Options
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewScheduler creates a scheduler. Zero option values fall back to DefaultOptions.
func NewScheduler(opts Options, tel *telemetry.Telemetry) *Scheduler {
	defaults := DefaultOptions()
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaults.MaxParallel
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaults.DefaultTimeout
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaults.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Scheduler{
		opts:    opts,
		logger:  tel.Logger.NewComponentLogger("engine"),
		metrics: tel.Metrics,
	}
}

// run holds the state of one Run call.
type run struct {
	mu      sync.RWMutex
	units   map[string]*Unit
	results map[string]*Result
}

func (r *run) status(unitID string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if result, ok := r.results[unitID]; ok {
		return result.Status
	}
	return StatusPending
}

func (r *run) store(result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.UnitID] = &result
}

// Run executes the units and waits for completion. The returned error is
// non-nil only for an invalid graph or a cancelled context; task failures
// are reported through Report.Err.
func (s *Scheduler) Run(ctx context.Context, units []Unit) (*Report, error) {
	start := time.Now()

	graph, err := NewDAGBuilder().BuildGraph(units)
	if err != nil {
		return nil, err
	}

	r := &run{
		units:   make(map[string]*Unit, len(units)),
		results: make(map[string]*Result, len(units)),
	}
	for i := range units {
		r.units[units[i].ID] = &units[i]
	}

	var runErr error
	for level, unitIDs := range graph.Levels {
		if ctx.Err() != nil {
			runErr = NewPermanentError("execution cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
			break
		}

		failed := s.runLevel(ctx, r, unitIDs)
		if failed > 0 && s.opts.FailFast {
			s.logger.WithField("level", level).Warnf("Stopping after %d failed unit(s)", failed)
			break
		}
	}

	report := &Report{Duration: time.Since(start)}
	for _, unitIDs := range graph.Levels {
		for _, unitID := range unitIDs {
			r.mu.RLock()
			result, ok := r.results[unitID]
			r.mu.RUnlock()
			if !ok {
				status := StatusSkipped
				if runErr != nil {
					status = StatusCancelled
				}
				result = &Result{UnitID: unitID, Description: r.units[unitID].Task.Description(), Status: status}
			}
			report.Results = append(report.Results, *result)
		}
	}

	return report, runErr
}

// runLevel executes all units of a level with a worker pool and returns the number of failures.
func (s *Scheduler) runLevel(ctx context.Context, r *run, unitIDs []string) int {
	workerCount := s.opts.MaxParallel
	if len(unitIDs) < workerCount {
		workerCount = len(unitIDs)
	}

	workQueue := make(chan *Unit, len(unitIDs))
	for _, id := range unitIDs {
		workQueue <- r.units[id]
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range workQueue {
				result := s.runUnit(ctx, r, unit)
				r.store(result)
				s.metrics.RecordTask(unitKind(unit), string(result.Status))
			}
		}()
	}
	wg.Wait()

	failed := 0
	for _, id := range unitIDs {
		if r.status(id) == StatusFailed {
			failed++
		}
	}
	return failed
}

// runUnit checks and, when needed, executes a single unit with retry logic.
func (s *Scheduler) runUnit(ctx context.Context, r *run, unit *Unit) Result {
	description := unit.Task.Description()
	logger := s.logger.WithField("unit", unit.ID)
	start := time.Now()

	result := Result{UnitID: unit.ID, Description: description}
	finish := func(status Status, err error) Result {
		result.Status = status
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	for _, dep := range unit.DependsOn {
		if !r.status(dep).IsSuccess() {
			logger.Debugf("Skipping '%s': dependency %s did not succeed", description, dep)
			return finish(StatusSkipped, NewPermanentError(
				fmt.Sprintf("dependency %s did not succeed", dep), nil,
			).WithCode(ErrCodeDependencyFailed).WithUnit(unit.ID))
		}
	}

	fulfillment, err := unit.Task.CheckFulfilled(ctx)
	if err != nil {
		logger.WithError(err).Warnf("Checking '%s' failed", description)
		return finish(StatusFailed, classify(unit, err))
	}
	if fulfillment == Fulfilled {
		logger.Debugf("'%s' already fulfilled", description)
		return finish(StatusUnchanged, nil)
	}

	timeout := unit.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = unit.Task.Execute(attemptCtx)
		cancel()

		if err == nil {
			logger.Infof("%s: done", description)
			return finish(StatusSucceeded, nil)
		}

		if !IsTransient(err) || attempt >= unit.MaxRetries {
			logger.WithError(err).Errorf("%s: failed", description)
			return finish(StatusFailed, classify(unit, err))
		}

		backoff := s.backoff(attempt)
		logger.WithError(err).Warnf("%s: retrying in %s (attempt %d/%d)", description, backoff, attempt+1, unit.MaxRetries+1)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return finish(StatusFailed, NewPermanentError("execution cancelled", ctx.Err()).
				WithCode(ErrCodeCancelled).WithUnit(unit.ID))
		}
	}
}

// backoff calculates exponential backoff capped at MaxBackoff.
func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := s.opts.BaseBackoff << uint(attempt)
	if delay <= 0 || delay > s.opts.MaxBackoff {
		delay = s.opts.MaxBackoff
	}
	return delay
}

// classify wraps unclassified task errors as permanent failures of the unit.
func classify(unit *Unit, err error) error {
	if taskErr, ok := err.(*TaskError); ok {
		if taskErr.Unit == "" {
			taskErr.Unit = unit.ID
		}
		return taskErr
	}
	return NewPermanentError(unit.Task.Description(), err).
		WithCode(ErrCodeTaskFailed).WithUnit(unit.ID)
}

func unitKind(unit *Unit) string {
	if unit.Kind == "" {
		return "task"
	}
	return unit.Kind
}
