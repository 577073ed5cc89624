package broker

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/fleet/pkg/protocol"
	"github.com/openfroyo/fleet/pkg/types"
)

// Close reasons.
const (
	ReasonSuperseded          = "superseded"
	ReasonHeartbeatTimeout    = "heartbeat_timeout"
	ReasonDisconnectRequested = "disconnect_requested"
	ReasonStreamClosed        = "stream_closed"
	ReasonShutdown            = "shutdown"
	ReasonReplayFailed        = "replay_failed"
)

// ErrSessionClosed is returned when enqueueing on a closed session.
var ErrSessionClosed = errors.New("session is closed")

// Session is the connected state of one peer. Its downstream queue is owned
// by the session and delivered in FIFO order.
type Session struct {
	broker     *Broker
	peerID     types.PeerID
	remoteAddr netip.Addr
	headers    map[string]string
	openedAt   time.Time

	out  chan protocol.Message
	done chan struct{}

	// held collects messages queued before the replay, guarded by startMu.
	startMu sync.Mutex
	started chan struct{}
	held    []protocol.Message

	closeOnce sync.Once
	reason    atomic.Value
	lastSeen  atomic.Int64
}

func newSession(b *Broker, peerID types.PeerID, remoteAddr netip.Addr, headers map[string]string, queueSize int) *Session {
	s := &Session{
		broker:     b,
		peerID:     peerID,
		remoteAddr: remoteAddr,
		headers:    headers,
		openedAt:   time.Now(),
		out:        make(chan protocol.Message, queueSize),
		done:       make(chan struct{}),
		started:    make(chan struct{}),
	}
	s.touch()
	return s
}

// PeerID returns the peer owning the session.
func (s *Session) PeerID() types.PeerID { return s.peerID }

// RemoteAddr returns the address the peer connected from.
func (s *Session) RemoteAddr() netip.Addr { return s.remoteAddr }

// Headers returns the extra headers supplied when the stream was opened.
func (s *Session) Headers() map[string]string { return s.headers }

// Downstream delivers the messages queued for the peer.
func (s *Session) Downstream() <-chan protocol.Message { return s.out }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the session ended, or "" while it is open.
func (s *Session) Reason() string {
	if r, ok := s.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Pending drains the messages still queued. After Done it returns what must
// be flushed to the peer before the stream is closed; queues of superseded
// or timed out sessions have already been dropped.
func (s *Session) Pending() []protocol.Message {
	var pending []protocol.Message
	for {
		select {
		case msg := <-s.out:
			pending = append(pending, msg)
		default:
			return pending
		}
	}
}

// LastSeen returns when the peer last sent a message.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// Receive handles a message sent by the peer. Every message proves liveness;
// pings are answered with a pong.
func (s *Session) Receive(ctx context.Context, msg protocol.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.touch()
	s.broker.metrics.RecordMessageReceived(string(msg.Type))

	logger := s.broker.logger.WithPeerID(s.peerID)
	switch msg.Type {
	case protocol.MessageTypePing:
		return s.enqueue(ctx, protocol.NewPong())
	case protocol.MessageTypePong:
		return nil
	case protocol.MessageTypeStatus:
		var status protocol.Status
		if err := msg.ParseData(&status); err != nil {
			logger.WithError(err).Warn("Received malformed status")
			return nil
		}
		logger.Debugf("Received status %d: %s", status.Code, status.Message)
		return nil
	default:
		logger.Warnf("Ignoring unexpected upstream message of type %s", msg.Type)
		return nil
	}
}

// Close ends the session from the stream side. Queued messages are dropped;
// the peer receives its full configuration again on its next connect.
func (s *Session) Close(reason string) {
	s.broker.closeSession(s, reason, true)
}

func (s *Session) enqueue(ctx context.Context, msg protocol.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	held, full := s.hold(msg)
	if held {
		return nil
	}
	if full {
		select {
		case <-s.started:
		case <-s.done:
			return ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case s.out <- msg:
		s.broker.metrics.RecordMessageSent(string(msg.Type))
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEnqueue queues msg unless the queue is full.
func (s *Session) tryEnqueue(msg protocol.Message) bool {
	held, full := s.hold(msg)
	if held {
		return true
	}
	if full {
		return false
	}

	select {
	case s.out <- msg:
		s.broker.metrics.RecordMessageSent(string(msg.Type))
		return true
	default:
		return false
	}
}

// hold keeps msg back until the replay is queued. One slot of the queue is
// left for the replay itself. It reports full when the session has not
// started yet and no room is left.
func (s *Session) hold(msg protocol.Message) (held, full bool) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	select {
	case <-s.started:
		return false, false
	default:
	}
	if len(s.held) >= cap(s.out)-1 {
		return false, true
	}
	s.held = append(s.held, msg)
	s.broker.metrics.RecordMessageSent(string(msg.Type))
	return true, false
}

// start queues the replay followed by the held messages. It reports false
// if the session ended while the replay was loading.
func (s *Session) start(replay protocol.Message) bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	select {
	case <-s.done:
		return false
	default:
	}

	s.out <- replay
	s.broker.metrics.RecordMessageSent(string(replay.Type))
	for _, msg := range s.held {
		s.out <- msg
	}
	s.held = nil
	close(s.started)
	return true
}

// terminate closes done once; it reports whether this call closed it.
func (s *Session) terminate(reason string, drop bool) (dropped int, closed bool) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		if drop {
			dropped = len(s.Pending()) + s.dropHeld()
		}
		close(s.done)
		closed = true
	})
	return dropped, closed
}

func (s *Session) dropHeld() int {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	n := len(s.held)
	s.held = nil
	return n
}
