// Package telemetry provides observability instrumentation for the fleet
// control plane and its agents.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into one handle.
//
// # Usage
//
// Create the handle at startup and shut it down on the exit path:
//
//	cfg := telemetry.DefaultConfig().ServiceOf("fleet", version)
//
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("broker")
//	logger.WithPeerID(peerID).Info("Session opened")
//	logger.WithError(err).Error("Sending to peer failed")
//
// # Operations
//
// Reconciler operations are wrapped in an instrumented context that opens a
// span, times the call and counts it by status:
//
//	ic := tel.StartOperation(ctx, "fleet.assign_cluster", telemetry.AttrPeerID.String(id))
//	defer func() { ic.End(err) }()
//
// Errors implementing ErrorClassifier are additionally counted by kind and code.
//
// # Events
//
// The broker publishes peer.connected and peer.disconnected; the reconcilers
// subscribe to them to resume pending rollouts:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    ...
//	}, telemetry.FilterByType(telemetry.EventTypePeerConnected))
//
// # Metrics
//
// Key metrics exposed:
//
//   - fleet_broker_connected_peers
//   - fleet_broker_sessions_opened_total{superseded}
//   - fleet_broker_messages_dropped_total{reason}
//   - fleet_fleet_operations_total{operation,status}
//   - fleet_fleet_rollouts_total{result}
//   - fleet_agent_applies_total{status}
//   - fleet_agent_tasks_total{task,status}
//   - fleet_errors_total{kind,code}
//
// # Shutdown
//
// Shutdown stops the event publisher first, then the metrics server, then the
// tracer, flushing pending spans. All three are attempted even if one fails.
package telemetry
