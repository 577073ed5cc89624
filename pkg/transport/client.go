package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openfroyo/fleet/pkg/protocol"
	"github.com/openfroyo/fleet/pkg/types"
)

// MalformedMessageError is returned by Recv for frames that are not valid messages.
type MalformedMessageError struct {
	Err error
}

func (e *MalformedMessageError) Error() string { return fmt.Sprintf("malformed message: %v", e.Err) }
func (e *MalformedMessageError) Unwrap() error { return e.Err }

// ConnectionLostError is returned by Recv once the websocket connection is
// broken. Every later Recv returns it again; the stream has to be redialed.
// It reports codes.Unavailable, or codes.DeadlineExceeded for read timeouts,
// to status-based callers.
type ConnectionLostError struct {
	Code codes.Code
	Err  error
}

func (e *ConnectionLostError) Error() string { return fmt.Sprintf("connection lost: %v", e.Err) }
func (e *ConnectionLostError) Unwrap() error { return e.Err }

// GRPCStatus lets status.FromError and status.Code see the error code.
func (e *ConnectionLostError) GRPCStatus() *status.Status { return status.New(e.Code, e.Error()) }

// ConnectionLost marks the error as permanent for the stream it came from.
func (e *ConnectionLostError) ConnectionLost() bool { return true }

// DialOptions configures a stream connection.
type DialOptions struct {
	// URL is the base address of the control plane, e.g. http://carl:8080.
	URL string

	PeerID types.PeerID

	// Token is sent as bearer token when set.
	Token string

	// Header adds extra request headers.
	Header http.Header

	HandshakeTimeout time.Duration
}

// Stream is the agent side of a peer stream.
type Stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// readErr is the first connection-level read failure. Gorilla connections
	// must not be read again after a failed read.
	readErr error
}

// StreamURL converts a base address into the websocket stream endpoint.
func StreamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = StreamPath
	return u.String(), nil
}

// Dial opens a stream for the peer.
func Dial(ctx context.Context, opts DialOptions) (*Stream, error) {
	endpoint, err := StreamURL(opts.URL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for key, values := range opts.Header {
		header[key] = values
	}
	header.Set(HeaderPeerID, opts.PeerID.String())
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialer := *websocket.DefaultDialer
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		return nil, status.Error(dialCode(code), fmt.Sprintf("dial %s failed (http %d): %v", endpoint, code, err))
	}
	return &Stream{conn: conn}, nil
}

func dialCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusBadRequest:
		return codes.InvalidArgument
	default:
		return codes.Unavailable
	}
}

// Send writes a message to the stream. It is safe for concurrent use.
func (s *Stream) Send(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	return nil
}

// Recv reads the next message. A normal close yields io.EOF, a non-OK status
// frame a grpc status error, and a broken connection a *ConnectionLostError.
// Recv must be called from a single goroutine.
func (s *Stream) Recv() (*protocol.Message, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.readErr = recvError(err)
		return nil, s.readErr
	}

	msg, err := protocol.Unmarshal(data)
	if err != nil {
		return nil, &MalformedMessageError{Err: err}
	}

	if msg.Type == protocol.MessageTypeStatus {
		var st protocol.Status
		if err := msg.ParseData(&st); err != nil {
			return nil, &MalformedMessageError{Err: err}
		}
		if codes.Code(st.Code) != codes.OK {
			return nil, status.Error(codes.Code(st.Code), st.Message)
		}
	}
	return msg, nil
}

func recvError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectionLostError{Code: codes.DeadlineExceeded, Err: err}
	}
	return &ConnectionLostError{Code: codes.Unavailable, Err: err}
}

// Close ends the stream with a normal closure.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}
