// Package agent implements the peer side of the fleet: the stream loop that
// receives configuration from the control plane and the pipeline that
// applies it to the host.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/fleet/pkg/protocol"
	"github.com/openfroyo/fleet/pkg/telemetry"
)

// Conn is a bidirectional message stream to the control plane.
// transport.Stream implements it.
type Conn interface {
	Send(msg protocol.Message) error
	Recv() (*protocol.Message, error)
	Close() error
}

// DialFunc opens a new stream.
type DialFunc func(ctx context.Context) (Conn, error)

// ConnectOptions controls the connection attempts of Connect.
type ConnectOptions struct {
	// Retries is the number of attempts.
	Retries int

	// Interval is the pause between attempts.
	Interval time.Duration
}

// DefaultConnectOptions returns five attempts spaced by five seconds.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{Retries: 5, Interval: 5 * time.Second}
}

// Connect dials the control plane, retrying failed attempts, and sends the
// initial ping on the new stream.
func Connect(ctx context.Context, dial DialFunc, opts ConnectOptions, tel *telemetry.Telemetry) (Conn, error) {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	logger := tel.Logger.NewComponentLogger("agent")
	if opts.Retries <= 0 {
		opts.Retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		conn, err := dial(ctx)
		if err == nil {
			if err := conn.Send(protocol.NewPing()); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("failed to send initial ping: %w", err)
			}
			logger.Infof("Connected on attempt %d", attempt)
			return conn, nil
		}

		lastErr = err
		if attempt == opts.Retries {
			break
		}
		logger.WithError(err).Warnf("Connection attempt %d/%d failed, retrying in %s", attempt, opts.Retries, opts.Interval)
		tel.Metrics.RecordReconnect()

		select {
		case <-time.After(opts.Interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", opts.Retries, lastErr)
}
