// Package broker multiplexes one bidirectional stream per connected peer.
//
// A peer is connected while it holds a session. Opening a second session for
// the same peer supersedes the first: the old session is closed and its
// undelivered messages are dropped. Every new session starts with a replay of
// the peer's complete current configuration, so nothing lost with a
// superseded or broken session has to be resent individually.
//
// Liveness is judged by upstream traffic only. A watchdog closes sessions
// that stay silent longer than the heartbeat timeout.
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/openfroyo/fleet/pkg/configuration"
	"github.com/openfroyo/fleet/pkg/protocol"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

// ErrPeerNotConnected is returned when sending to a peer without session.
var ErrPeerNotConnected = errors.New("peer is not connected")

// ConfigurationSource loads the configuration replayed to a connecting peer.
type ConfigurationSource interface {
	LoadPeerConfiguration(ctx context.Context, peerID types.PeerID) (configuration.OldPeerConfiguration, configuration.PeerConfiguration, error)
}

// Options tunes the broker.
type Options struct {
	// HeartbeatTimeout is the longest a session may stay silent.
	HeartbeatTimeout time.Duration

	// CheckInterval is how often the watchdog looks for silent sessions.
	// Defaults to a quarter of the heartbeat timeout.
	CheckInterval time.Duration

	// QueueSize bounds the downstream queue of each session.
	QueueSize int
}

// DefaultOptions returns the default broker options.
func DefaultOptions() Options {
	return Options{
		HeartbeatTimeout: 30 * time.Second,
		QueueSize:        64,
	}
}

// Broker holds the session table.
type Broker struct {
	source  ConfigurationSource
	options Options
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	sessions map[types.PeerID]*Session

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a broker replaying configurations from source.
func New(source ConfigurationSource, options Options, tel *telemetry.Telemetry) *Broker {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if options.HeartbeatTimeout <= 0 {
		options.HeartbeatTimeout = DefaultOptions().HeartbeatTimeout
	}
	if options.CheckInterval <= 0 {
		options.CheckInterval = options.HeartbeatTimeout / 4
	}
	if options.QueueSize <= 0 {
		options.QueueSize = DefaultOptions().QueueSize
	}

	return &Broker{
		source:   source,
		options:  options,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("broker"),
		metrics:  tel.Metrics,
		sessions: make(map[types.PeerID]*Session),
	}
}

// Start runs the heartbeat watchdog until Shutdown or ctx is done.
func (b *Broker) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(b.options.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				b.expire(now)
			}
		}
	}()
}

// Shutdown stops the watchdog and ends every session with a disconnect notice.
func (b *Broker) Shutdown(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	b.mu.RLock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		s.tryEnqueue(protocol.NewDisconnect(ReasonShutdown))
		b.closeSession(s, ReasonShutdown, false)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker shutdown timeout: %w", ctx.Err())
	}
}

// Open registers a session for the peer and queues the replay of its
// configuration. An existing session of the peer is superseded.
//
// The session is registered before the configuration is loaded. Messages
// sent to the peer while the replay loads are queued behind the replay.
func (b *Broker) Open(ctx context.Context, peerID types.PeerID, remoteAddr netip.Addr, headers map[string]string) (*Session, error) {
	if len(headers) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
	}
	ctx, span := b.tel.Tracer.StartPeerSpan(ctx, "broker.open", peerID.String())
	defer span.End()
	span.SetAttributes(telemetry.AttrRemoteHost.String(remoteAddr.String()))

	session := newSession(b, peerID, remoteAddr, headers, b.options.QueueSize)

	b.mu.Lock()
	previous := b.sessions[peerID]
	b.sessions[peerID] = session
	connected := len(b.sessions)
	b.mu.Unlock()

	logger := b.logger.WithPeerID(peerID).WithField("remote_host", remoteAddr.String())
	if previous != nil {
		dropped, _ := previous.terminate(ReasonSuperseded, true)
		b.metrics.RecordMessagesDropped(ReasonSuperseded, dropped)
		b.metrics.RecordSessionClosed(ReasonSuperseded, connected)
		logger.Warnf("Superseded existing session, dropped %d queued messages", dropped)
	}
	b.metrics.RecordSessionOpened(previous != nil, connected)

	replay, err := b.loadReplay(ctx, peerID)
	if err != nil {
		telemetry.RecordError(span, err)
		b.closeSession(session, ReasonReplayFailed, true)
		return nil, err
	}
	if !session.start(replay) {
		err := fmt.Errorf("%w: <%s> %s while opening", ErrSessionClosed, peerID, session.Reason())
		telemetry.RecordError(span, err)
		return nil, err
	}

	_ = b.tel.Events.PublishPeerConnected(peerID.String(), remoteAddr.String())
	logger.Info("Peer connected")

	telemetry.RecordSuccess(span)
	return session, nil
}

func (b *Broker) loadReplay(ctx context.Context, peerID types.PeerID) (protocol.Message, error) {
	old, cfg, err := b.source.LoadPeerConfiguration(ctx, peerID)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to load configuration of peer <%s>: %w", peerID, err)
	}
	replay, err := protocol.NewApplyPeerConfiguration(protocol.EncodeApply(old, cfg))
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to encode configuration of peer <%s>: %w", peerID, err)
	}
	protocol.InjectTrace(ctx, &replay)
	return replay, nil
}

// SendToPeer queues msg on the peer's session.
func (b *Broker) SendToPeer(ctx context.Context, peerID types.PeerID, msg protocol.Message) error {
	session := b.session(peerID)
	if session == nil {
		return fmt.Errorf("%w: <%s>", ErrPeerNotConnected, peerID)
	}
	if err := session.enqueue(ctx, msg); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return fmt.Errorf("%w: <%s>", ErrPeerNotConnected, peerID)
		}
		return err
	}
	return nil
}

// Disconnect queues a disconnect notice and ends the peer's session. The
// notice is flushed before the stream closes.
func (b *Broker) Disconnect(peerID types.PeerID, reason string) {
	session := b.session(peerID)
	if session == nil {
		return
	}
	session.tryEnqueue(protocol.NewDisconnect(reason))
	b.closeSession(session, ReasonDisconnectRequested, false)
}

// IsConnected reports whether the peer holds a session.
func (b *Broker) IsConnected(peerID types.PeerID) bool {
	return b.session(peerID) != nil
}

// RemoteAddr returns the address the peer connected from.
func (b *Broker) RemoteAddr(peerID types.PeerID) (netip.Addr, bool) {
	session := b.session(peerID)
	if session == nil {
		return netip.Addr{}, false
	}
	return session.remoteAddr, true
}

// ConnectedPeers returns the connected peers ordered by id.
func (b *Broker) ConnectedPeers() []types.PeerID {
	b.mu.RLock()
	peers := make([]types.PeerID, 0, len(b.sessions))
	for peerID := range b.sessions {
		peers = append(peers, peerID)
	}
	b.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return bytes.Compare(peers[i][:], peers[j][:]) < 0 })
	return peers
}

func (b *Broker) session(peerID types.PeerID) *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[peerID]
}

// closeSession removes s from the table if it is still the peer's current
// session and terminates it.
func (b *Broker) closeSession(s *Session, reason string, drop bool) {
	b.mu.Lock()
	current := b.sessions[s.peerID] == s
	if current {
		delete(b.sessions, s.peerID)
	}
	connected := len(b.sessions)
	b.mu.Unlock()

	dropped, closed := s.terminate(reason, drop)
	if !closed {
		return
	}
	b.metrics.RecordMessagesDropped(reason, dropped)
	b.metrics.RecordSessionClosed(reason, connected)

	if current {
		_ = b.tel.Events.PublishPeerDisconnected(s.peerID.String(), reason)
		b.logger.WithPeerID(s.peerID).WithField("reason", reason).Info("Peer disconnected")
	}
}

// expire closes sessions silent for longer than the heartbeat timeout.
func (b *Broker) expire(now time.Time) {
	b.mu.RLock()
	var expired []*Session
	for _, s := range b.sessions {
		if now.Sub(s.LastSeen()) > b.options.HeartbeatTimeout {
			expired = append(expired, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range expired {
		b.logger.WithPeerID(s.peerID).Warnf("No message within %s, closing session", b.options.HeartbeatTimeout)
		b.closeSession(s, ReasonHeartbeatTimeout, true)
	}
}
