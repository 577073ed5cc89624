package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder collects execution order across tasks.
type recorder struct {
	mu       sync.Mutex
	executed []string
}

func (r *recorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, id)
}

func (r *recorder) index(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.executed {
		if e == id {
			return i
		}
	}
	return -1
}

// mockTask fails a configurable number of times before succeeding.
type mockTask struct {
	id        string
	rec       *recorder
	fulfilled Fulfillment
	checkErr  error
	failures  int
	failWith  func() error

	mu    sync.Mutex
	calls int
}

func (m *mockTask) Description() string { return "task " + m.id }

func (m *mockTask) CheckFulfilled(context.Context) (Fulfillment, error) {
	return m.fulfilled, m.checkErr
}

func (m *mockTask) Execute(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	calls := m.calls
	m.mu.Unlock()

	if m.rec != nil {
		m.rec.record(m.id)
	}
	if calls <= m.failures {
		return m.failWith()
	}
	return nil
}

func (m *mockTask) executions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func fastScheduler() *Scheduler {
	return NewScheduler(Options{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, nil)
}

func transient() error { return NewTransientError("interface busy", nil) }
func permanent() error { return errors.New("permission denied") }

func TestScheduler_RespectsDependencies(t *testing.T) {
	rec := &recorder{}
	units := []Unit{
		{ID: "executor", Task: &mockTask{id: "executor", rec: rec}, DependsOn: []string{"join"}},
		{ID: "join", Task: &mockTask{id: "join", rec: rec}, DependsOn: []string{"bridge"}},
		{ID: "bridge", Task: &mockTask{id: "bridge", rec: rec}},
	}

	report, err := fastScheduler().Run(context.Background(), units)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := report.Err(); err != nil {
		t.Fatalf("report.Err() = %v", err)
	}
	if report.Count(StatusSucceeded) != 3 {
		t.Errorf("Expected 3 succeeded units, got %d", report.Count(StatusSucceeded))
	}
	if !(rec.index("bridge") < rec.index("join") && rec.index("join") < rec.index("executor")) {
		t.Errorf("Unexpected execution order: %v", rec.executed)
	}
}

func TestScheduler_FulfilledTasksAreNotExecuted(t *testing.T) {
	done := &mockTask{id: "done", fulfilled: Fulfilled}
	unchecked := &mockTask{id: "unchecked", fulfilled: Unchecked}

	report, err := fastScheduler().Run(context.Background(), []Unit{
		{ID: "done", Task: done},
		{ID: "unchecked", Task: unchecked, DependsOn: []string{"done"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if done.executions() != 0 {
		t.Errorf("Fulfilled task executed %d times", done.executions())
	}
	if unchecked.executions() != 1 {
		t.Errorf("Unchecked task executed %d times, want 1", unchecked.executions())
	}
	if result, _ := report.Result("done"); result.Status != StatusUnchanged {
		t.Errorf("Fulfilled task status = %s, want unchanged", result.Status)
	}
	if !report.Changed() {
		t.Error("Expected report to be changed")
	}
}

func TestScheduler_RetriesTransientErrors(t *testing.T) {
	task := &mockTask{id: "flaky", failures: 2, failWith: transient}

	report, err := fastScheduler().Run(context.Background(), []Unit{
		{ID: "flaky", Task: task, MaxRetries: 3},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	result, _ := report.Result("flaky")
	if result.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (err=%v)", result.Status, result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestScheduler_GivesUpAfterMaxRetries(t *testing.T) {
	task := &mockTask{id: "flaky", failures: 10, failWith: transient}

	report, _ := fastScheduler().Run(context.Background(), []Unit{
		{ID: "flaky", Task: task, MaxRetries: 2},
	})

	if task.executions() != 3 {
		t.Errorf("Executed %d times, want 3", task.executions())
	}
	if !IsTransient(report.Err()) {
		t.Errorf("Expected transient failure in report, got %v", report.Err())
	}
}

func TestScheduler_PermanentErrorsAreNotRetried(t *testing.T) {
	task := &mockTask{id: "broken", failures: 10, failWith: permanent}
	dependent := &mockTask{id: "dependent"}
	independent := &mockTask{id: "independent"}

	report, err := fastScheduler().Run(context.Background(), []Unit{
		{ID: "broken", Task: task, MaxRetries: 5},
		{ID: "dependent", Task: dependent, DependsOn: []string{"broken"}},
		{ID: "independent", Task: independent},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if task.executions() != 1 {
		t.Errorf("Permanent failure retried: %d executions", task.executions())
	}
	if dependent.executions() != 0 {
		t.Error("Dependent of a failed unit must not run")
	}
	if independent.executions() != 1 {
		t.Error("Independent unit should still run")
	}

	result, _ := report.Result("broken")
	if result.Status != StatusFailed || !IsPermanent(result.Err) {
		t.Errorf("broken = %s (%v), want permanent failure", result.Status, result.Err)
	}
	skipped, _ := report.Result("dependent")
	if !errors.Is(skipped.Err, &TaskError{Class: ErrorClassPermanent, Code: ErrCodeDependencyFailed}) {
		t.Errorf("dependent error = %v, want dependency failure", skipped.Err)
	}
	if report.Count(StatusSkipped) != 1 || report.Count(StatusFailed) != 1 {
		t.Errorf("Unexpected summary: %+v", report.Results)
	}
}

func TestScheduler_CheckErrorFailsUnit(t *testing.T) {
	task := &mockTask{id: "check", checkErr: errors.New("netlink unavailable")}

	report, _ := fastScheduler().Run(context.Background(), []Unit{{ID: "check", Task: task}})

	if task.executions() != 0 {
		t.Error("Task must not execute when its check fails")
	}
	if result, _ := report.Result("check"); result.Status != StatusFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
}

func TestScheduler_FailFast(t *testing.T) {
	later := &mockTask{id: "later"}
	s := NewScheduler(Options{FailFast: true}, nil)

	report, err := s.Run(context.Background(), []Unit{
		{ID: "first", Task: &mockTask{id: "first", failures: 1, failWith: permanent}},
		{ID: "other", Task: &mockTask{id: "other"}},
		{ID: "later", Task: later, DependsOn: []string{"other"}},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if later.executions() != 0 {
		t.Error("FailFast must stop before the next level")
	}
	if result, _ := report.Result("later"); result.Status != StatusSkipped {
		t.Errorf("later = %s, want skipped", result.Status)
	}
}

func TestScheduler_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := fastScheduler().Run(ctx, []Unit{unit("a")})
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if report.Count(StatusCancelled) != 1 {
		t.Errorf("Expected 1 cancelled unit, got %+v", report.Results)
	}
}

func TestScheduler_InvalidGraph(t *testing.T) {
	_, err := fastScheduler().Run(context.Background(), []Unit{unit("a", "b")})
	if err == nil {
		t.Fatal("Expected error for missing dependency")
	}
}

func TestTaskError_Format(t *testing.T) {
	err := NewPermanentError("create bridge", errors.New("exists")).WithUnit("bridge")
	want := "[permanent] create bridge (unit=bridge): exists"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if IsTransient(err) || !IsPermanent(err) {
		t.Error("classification mismatch")
	}
	if IsPermanent(nil) {
		t.Error("nil must not be permanent")
	}
}
