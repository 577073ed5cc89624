package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openfroyo/fleet/pkg/protocol"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

// StreamConfig configures a Stream.
type StreamConfig struct {
	SelfID types.PeerID

	// DisconnectTimeout is how long Run waits for the next message.
	DisconnectTimeout time.Duration

	// PingDelay is the pause between a pong and the next ping.
	PingDelay time.Duration

	// RetryDelay is the pause after a retryable stream status.
	RetryDelay time.Duration

	DeviceManagement DeviceManagement
	Executors        *ExecutorManager
	Metrics          *MetricsManager

	// Mailbox receives decoded configurations.
	Mailbox *Mailbox
}

// Stream is the receive loop of an agent on an open connection.
type Stream struct {
	conn   Conn
	cfg    StreamConfig
	logger *telemetry.Logger
	tracer *telemetry.Tracer

	pingMu    sync.Mutex
	pingTimer *time.Timer
}

type received struct {
	msg *protocol.Message
	err error
}

// NewStream binds the loop to conn.
func NewStream(conn Conn, cfg StreamConfig, tel *telemetry.Telemetry) *Stream {
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 30 * time.Second
	}
	if cfg.PingDelay <= 0 {
		cfg.PingDelay = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = NewMailbox()
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Stream{
		conn:   conn,
		cfg:    cfg,
		logger: tel.Logger.NewComponentLogger("stream").WithPeerID(cfg.SelfID),
		tracer: tel.Tracer,
	}
}

// Mailbox returns the mailbox fed by the stream.
func (s *Stream) Mailbox() *Mailbox { return s.cfg.Mailbox }

// Run processes inbound messages until the stream ends. It returns a reason
// and a nil error for an orderly end, ErrDisconnectTimeout when the control
// plane went silent and a *FatalError for unrecoverable stream statuses.
func (s *Stream) Run(ctx context.Context) (ShutdownReason, error) {
	done := make(chan struct{})
	defer close(done)
	defer s.stopPing()

	inbound := make(chan received)
	go func() {
		for {
			msg, err := s.conn.Recv()
			select {
			case inbound <- received{msg: msg, err: err}:
			case <-done:
				return
			}
			if errors.Is(err, io.EOF) {
				return
			}
		}
	}()

	timer := time.NewTimer(s.cfg.DisconnectTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonCancelled, nil

		case <-timer.C:
			s.logger.Errorf("No message received within %s", s.cfg.DisconnectTimeout)
			return "", ErrDisconnectTimeout

		case in := <-inbound:
			if in.err != nil {
				// Errors do not count as a sign of life.
				reason, stop, err := s.handleError(ctx, in.err)
				if stop {
					return reason, err
				}
				continue
			}
			if reason, stop := s.handleMessage(ctx, in.msg); stop {
				return reason, nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.DisconnectTimeout)
		}
	}
}

// handleError applies the status policy to a receive error.
func (s *Stream) handleError(ctx context.Context, err error) (ShutdownReason, bool, error) {
	if errors.Is(err, io.EOF) {
		s.logger.Info("Stream closed by control plane")
		return ReasonStreamClosed, true, nil
	}

	var lost connectionLost
	if errors.As(err, &lost) && lost.ConnectionLost() {
		s.logger.WithError(err).Warn("Connection to control plane lost")
		return "", true, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	st, ok := status.FromError(err)
	if !ok {
		// Malformed frames and other per-message failures keep the stream alive.
		s.logger.WithError(err).Warn("Ignoring unreadable message")
		return "", false, nil
	}

	switch st.Code() {
	case codes.OK, codes.AlreadyExists:
		return "", false, nil
	case codes.DeadlineExceeded, codes.Unavailable:
		s.logger.WithError(err).Debugf("Retryable stream status, waiting %s", s.cfg.RetryDelay)
		select {
		case <-time.After(s.cfg.RetryDelay):
			return "", false, nil
		case <-ctx.Done():
			return ReasonCancelled, true, nil
		}
	default:
		s.logger.WithError(err).Error("Unrecoverable stream status")
		return "", true, &FatalError{Code: st.Code(), Message: st.Message()}
	}
}

// handleMessage dispatches one inbound message.
func (s *Stream) handleMessage(ctx context.Context, msg *protocol.Message) (ShutdownReason, bool) {
	switch msg.Type {
	case protocol.MessageTypePong:
		s.schedulePing()

	case protocol.MessageTypeApplyPeerConfiguration:
		s.handleApply(ctx, msg)

	case protocol.MessageTypeDisconnect:
		var notice protocol.Disconnect
		_ = msg.ParseData(&notice)
		s.logger.WithField("reason", notice.Reason).Info("Control plane requested disconnect")
		return ReasonDisconnectRequested, true

	default:
		s.logger.Debugf("Ignoring %s message", msg.Type)
	}
	return "", false
}

func (s *Stream) handleApply(ctx context.Context, msg *protocol.Message) {
	ctx = protocol.ExtractTrace(ctx, msg)
	_, span := s.tracer.StartPeerSpan(ctx, "agent.receive_configuration", s.cfg.SelfID.String())
	defer span.End()

	var apply protocol.ApplyPeerConfiguration
	if err := msg.ParseData(&apply); err != nil {
		s.logger.WithError(err).Warn("Ignoring undecodable configuration message")
		telemetry.RecordError(span, err)
		return
	}
	if apply.OldConfiguration == nil || apply.Configuration == nil {
		s.logger.Warn("Ignoring configuration message without old or new configuration")
		return
	}

	old, cfg, err := protocol.DecodeApply(&apply)
	if err != nil {
		s.logger.WithError(err).Warn("Ignoring configuration that could not be converted")
		telemetry.RecordError(span, err)
		return
	}

	replaced := s.cfg.Mailbox.Put(ApplyPeerConfigurationParams{
		SelfID:           s.cfg.SelfID,
		OldConfiguration: old,
		Configuration:    cfg,
		DeviceManagement: s.cfg.DeviceManagement,
		Executors:        s.cfg.Executors,
		Metrics:          s.cfg.Metrics,
	})
	if replaced {
		s.logger.Debug("Replaced pending configuration with newer one")
	}
	telemetry.RecordSuccess(span)
}

// schedulePing sends a ping after PingDelay without blocking the receive loop.
func (s *Stream) schedulePing() {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()

	if s.pingTimer != nil {
		s.pingTimer.Stop()
	}
	s.pingTimer = time.AfterFunc(s.cfg.PingDelay, func() {
		if err := s.conn.Send(protocol.NewPing()); err != nil {
			s.logger.WithError(err).Debug("Sending ping failed")
		}
	})
}

func (s *Stream) stopPing() {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
}
