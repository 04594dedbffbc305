package wire

import (
	"encoding/json"

	"github.com/hazyhaar/idemirror/snapshot"
)

// Modifiers carries the modifier-key flags attached to a single-key command.
type Modifiers struct {
	Ctrl  bool `json:"ctrlKey"`
	Shift bool `json:"shiftKey"`
	Alt   bool `json:"altKey"`
	Meta  bool `json:"metaKey"`
}

// Coordinates is a click position in the captured viewport's space.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Command is one outbound frame.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ClickPayload addresses an element, optionally with an explicit position
// for backends that click by coordinates rather than selector.
type ClickPayload struct {
	Selector    string       `json:"selector"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// TypeTextPayload is an immediate single-key command with modifier flags.
type TypeTextPayload struct {
	Text      string    `json:"text,omitempty"`
	Key       string    `json:"key,omitempty"`
	Modifiers Modifiers `json:"modifiers"`
	Selector  string    `json:"selector"`
}

// TypeBatchPayload is an accumulated run of plain characters.
type TypeBatchPayload struct {
	Text     string `json:"text"`
	Selector string `json:"selector"`
}

// ChatPayload is a one-shot chat message submission.
type ChatPayload struct {
	Message string `json:"message"`
}

// ConnectIDE asks the backend to attach to (or refresh) the remote IDE.
func ConnectIDE() Command {
	return Command{Type: CmdConnectIDE}
}

// ClickElement activates the element behind a zone.
func ClickElement(selector string, coords *Coordinates) Command {
	return Command{Type: CmdClickElement, Payload: ClickPayload{Selector: selector, Coordinates: coords}}
}

// TypeText sends one key immediately, bypassing batching.
func TypeText(text, key string, mods Modifiers, selector string) Command {
	return Command{Type: CmdTypeText, Payload: TypeTextPayload{Text: text, Key: key, Modifiers: mods, Selector: selector}}
}

// TypeBatch sends an accumulated character run.
func TypeBatch(text, selector string) Command {
	return Command{Type: CmdTypeBatch, Payload: TypeBatchPayload{Text: text, Selector: selector}}
}

// SendChatMessage submits a chat composer message in one shot.
func SendChatMessage(message string) Command {
	return Command{Type: CmdSendChatMessage, Payload: ChatPayload{Message: message}}
}

// Result is the response shape of the discrete fallback endpoints.
type Result struct {
	Success bool                    `json:"success"`
	Data    *snapshot.StateSnapshot `json:"data,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// MarshalCommand serialises a Command to one JSON frame.
func MarshalCommand(c Command) ([]byte, error) {
	return json.Marshal(c)
}
