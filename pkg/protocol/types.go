// Package protocol defines the JSON message envelope exchanged between the
// fleet control plane and its agents over a bidirectional stream.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypePing is a heartbeat request.
	MessageTypePing MessageType = "PING"
	// MessageTypePong answers a ping.
	MessageTypePong MessageType = "PONG"
	// MessageTypeApplyPeerConfiguration carries the complete configuration of a peer.
	MessageTypeApplyPeerConfiguration MessageType = "APPLY_PEER_CONFIGURATION"
	// MessageTypeDisconnect asks the agent to end the stream.
	MessageTypeDisconnect MessageType = "DISCONNECT"
	// MessageTypeStatus carries a stream-level status code.
	MessageTypeStatus MessageType = "STATUS"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType       `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
}

// Ping is sent by either side to prove liveness.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// ApplyPeerConfiguration carries both halves of a peer's configuration.
// Either half may be missing on a malformed message.
type ApplyPeerConfiguration struct {
	OldConfiguration *WireOldPeerConfiguration `json:"old_configuration,omitempty"`
	Configuration    *WirePeerConfiguration    `json:"configuration,omitempty"`
}

// Disconnect tells the agent the server closes its session.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// Status is a stream-level status, encoded with gRPC code numbers.
type Status struct {
	Code    uint32 `json:"code"`
	Message string `json:"message,omitempty"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypePing, MessageTypePong, MessageTypeApplyPeerConfiguration,
		MessageTypeDisconnect, MessageTypeStatus:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks the envelope of a decoded message.
func (m *Message) Validate() error {
	if err := m.Type.Validate(); err != nil {
		return err
	}
	if m.Type == MessageTypeApplyPeerConfiguration && len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	return nil
}
