package engine

import (
	"errors"
	"time"
)

// Status is the outcome of a unit in a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"

	// StatusUnchanged means the task reported itself fulfilled and was not executed.
	StatusUnchanged Status = "unchanged"

	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// IsSuccess reports whether dependents of the unit may run.
func (s Status) IsSuccess() bool {
	return s == StatusSucceeded || s == StatusUnchanged
}

// IsTerminal reports whether the unit has finished.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

// Result is the outcome of one unit.
type Result struct {
	UnitID      string
	Description string
	Status      Status
	Attempts    int
	Duration    time.Duration
	Err         error
}

// Report summarizes a run. Results are ordered by level, then unit id.
type Report struct {
	Results  []Result
	Duration time.Duration
}

// Count returns the number of units with the given status.
func (r *Report) Count(status Status) int {
	n := 0
	for _, result := range r.Results {
		if result.Status == status {
			n++
		}
	}
	return n
}

// Result returns the result of a unit.
func (r *Report) Result(unitID string) (Result, bool) {
	for _, result := range r.Results {
		if result.UnitID == unitID {
			return result, true
		}
	}
	return Result{}, false
}

// Err joins the errors of all failed units, nil if none failed.
func (r *Report) Err() error {
	var errs []error
	for _, result := range r.Results {
		if result.Status == StatusFailed && result.Err != nil {
			errs = append(errs, result.Err)
		}
	}
	return errors.Join(errs...)
}

// Changed reports whether any task was executed successfully.
func (r *Report) Changed() bool {
	return r.Count(StatusSucceeded) > 0
}
