package agent

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// ErrDisconnectTimeout is returned by Stream.Run when no message arrived
// within the disconnect timeout.
var ErrDisconnectTimeout = errors.New("no message received within disconnect timeout")

// ErrConnectionLost is returned by Stream.Run when the connection broke.
// The stream cannot be read again; the caller redials.
var ErrConnectionLost = errors.New("connection to control plane lost")

// connectionLost is implemented by transport errors of a broken connection.
type connectionLost interface {
	ConnectionLost() bool
}

// FatalError reports a stream status the agent cannot recover from. The
// process driver turns it into a non-zero exit so a supervisor restarts the
// agent with fresh state.
type FatalError struct {
	Code    codes.Code
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal stream status %s: %s", e.Code, e.Message)
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// ShutdownReason tells why Stream.Run ended without error.
type ShutdownReason string

const (
	ReasonStreamClosed        ShutdownReason = "stream_closed"
	ReasonDisconnectRequested ShutdownReason = "disconnect_requested"
	ReasonCancelled           ShutdownReason = "cancelled"
)
