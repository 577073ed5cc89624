package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// NewMessage wraps data into an envelope of the given type.
func NewMessage(msgType MessageType, data interface{}) (Message, error) {
	if err := msgType.Validate(); err != nil {
		return Message{}, fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	if data != nil {
		var err error
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}, nil
}

func mustMessage(msgType MessageType, data interface{}) Message {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		panic(err)
	}
	return msg
}

// NewPing returns a PING message.
func NewPing() Message { return mustMessage(MessageTypePing, nil) }

// NewPong returns a PONG message.
func NewPong() Message { return mustMessage(MessageTypePong, nil) }

// NewDisconnect returns a DISCONNECT message.
func NewDisconnect(reason string) Message {
	return mustMessage(MessageTypeDisconnect, &Disconnect{Reason: reason})
}

// NewStatus returns a STATUS message.
func NewStatus(code uint32, message string) Message {
	return mustMessage(MessageTypeStatus, &Status{Code: code, Message: message})
}

// NewApplyPeerConfiguration returns an APPLY_PEER_CONFIGURATION message.
func NewApplyPeerConfiguration(apply *ApplyPeerConfiguration) (Message, error) {
	return NewMessage(MessageTypeApplyPeerConfiguration, apply)
}

// Marshal encodes a message for the wire.
func Marshal(msg Message) ([]byte, error) {
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message type: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates a message read from the wire.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	return &msg, nil
}

// ParseData parses the message payload into target.
func (m *Message) ParseData(target interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", m.Type, err)
	}
	return nil
}
