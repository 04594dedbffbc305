// Package wire defines the JSON messages exchanged with the remote IDE
// automation backend. These shapes are the protocol contract: the duplex
// stream and the discrete fallback endpoints both speak them, so the rest of
// the client never knows which transport a message travelled over.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/idemirror/snapshot"
)

// Inbound message discriminators.
const (
	TypeStateUpdated    = "ide-state-updated"
	TypeConnected       = "ide-connected"
	TypeTypingConfirmed = "typing-confirmed"
	TypeError           = "error"
)

// Outbound command discriminators.
const (
	CmdConnectIDE      = "connect-ide"
	CmdClickElement    = "click-element"
	CmdTypeText        = "type-text"
	CmdTypeBatch       = "type-batch"
	CmdSendChatMessage = "send-chat-message"
)

// Envelope is the raw inbound frame. Error frames use either the message or
// the error field depending on backend version; ErrorText merges them.
type Envelope struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ErrorText returns the error payload of an error frame.
func (e *Envelope) ErrorText() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// Event is a typed inbound event decoded from an Envelope.
type Event interface{ isEvent() }

// SnapshotUpdated carries a fresh StateSnapshot. Initial distinguishes the
// first snapshot of a connection (ide-connected) from later refreshes.
type SnapshotUpdated struct {
	Snapshot *snapshot.StateSnapshot
	Initial  bool
}

// InputAcknowledged confirms that the backend applied a keystroke or batch.
type InputAcknowledged struct {
	Key      string `json:"key"`
	Selector string `json:"selector"`
}

// ChannelError reports a backend-side or transport-side failure. Transient:
// the session continues.
type ChannelError struct {
	Message string
}

func (SnapshotUpdated) isEvent()   {}
func (InputAcknowledged) isEvent() {}
func (ChannelError) isEvent()      {}

// DecodeEvent parses one inbound frame into a typed Event. Unknown types are
// an error so the caller can log and drop them without crashing the session.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	switch env.Type {
	case TypeStateUpdated, TypeConnected:
		snap, err := snapshot.Unmarshal(env.Data)
		if err != nil {
			return nil, fmt.Errorf("wire: %s: %w", env.Type, err)
		}
		return SnapshotUpdated{Snapshot: snap, Initial: env.Type == TypeConnected}, nil

	case TypeTypingConfirmed:
		var ack InputAcknowledged
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return nil, fmt.Errorf("wire: typing-confirmed: %w", err)
		}
		return ack, nil

	case TypeError:
		return ChannelError{Message: env.ErrorText()}, nil

	default:
		return nil, fmt.Errorf("wire: unknown inbound type %q", env.Type)
	}
}
