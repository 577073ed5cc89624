// Package engine runs apply tasks in dependency order.
//
// A Task reports whether its effect is already in place (CheckFulfilled) and
// otherwise performs it (Execute). Tasks are wrapped in Units that declare
// dependencies on other units by id. The DAGBuilder sorts units into levels
// with Kahn's algorithm; the Scheduler runs the units of one level in
// parallel, retries transient failures with exponential backoff and skips
// units whose dependencies did not succeed.
//
// Errors returned by tasks may be classified with NewTransientError and
// NewPermanentError. Unclassified errors are treated as permanent.
//
// Usage:
//
//	units := []engine.Unit{
//	    {ID: "bridge", Task: createBridge},
//	    {ID: "join-eth0", Task: joinEth0, DependsOn: []string{"bridge"}},
//	}
//	report, err := engine.NewScheduler(engine.DefaultOptions(), tel).Run(ctx, units)
//	if err != nil {
//	    return err // invalid graph or cancelled
//	}
//	if err := report.Err(); err != nil {
//	    log.Printf("some tasks failed: %v", err)
//	}
package engine
