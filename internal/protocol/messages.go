package protocol

import (
	"encoding/json"
	"fmt"
)

// Viewer -> broker
const (
	TypeSessionRestart = "session.restart"
	TypeTerminalResize = "terminal.resize"
	TypeTerminalKey    = "terminal.key"
	TypeInputSubmit    = "input.submit"
	TypeUIAction       = "ui.action"
	TypeToolUIEvent    = "ui.tool_ui.event"
)

// Broker -> viewer
const (
	TypeTerminalData = "terminal.data"
	TypeUIState      = "ui.state"
	TypeToolUIState  = "ui.tool_ui.state"
	TypeSessionError = "session.error"
)

// Worker -> broker (control channel)
const (
	TypeRunnerReady       = "runner.ready"
	TypeRunnerUIState     = "runner.ui_state"
	TypeRunnerToolUIState = "runner.tool_ui.state"
	TypeRunnerLog         = "runner.log"
)

// Broker -> worker (control channel)
const (
	TypeRunnerSubmit      = "runner.submit"
	TypeRunnerUIAction    = "runner.ui_action"
	TypeRunnerToolUIEvent = "runner.tool_ui.event"
)

// Message is the flat envelope shared by the viewer and control vocabularies.
// Only the fields relevant to Type are populated.
type Message struct {
	Type       string          `json:"type"`
	Data       string          `json:"data,omitempty"`
	Cols       uint16          `json:"cols,omitempty"`
	Rows       uint16          `json:"rows,omitempty"`
	Text       string          `json:"text,omitempty"`
	Action     json.RawMessage `json:"action,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
	Message    string          `json:"message,omitempty"`
	Level      string          `json:"level,omitempty"`
	PID        int             `json:"pid,omitempty"`
}

// Parse decodes a single JSON document into a Message. Documents without a
// type are rejected so callers can treat them as transport noise.
func Parse(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}
	return msg, nil
}

// Marshal encodes a viewer frame. Viewer frames travel as individual
// WebSocket text messages, so no trailing newline is added.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func TerminalData(data string) Message {
	return Message{Type: TypeTerminalData, Data: data}
}

func SessionError(message string) Message {
	return Message{Type: TypeSessionError, Message: message}
}

func UIStateMessage(state UIState) (Message, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeUIState, State: raw}, nil
}

func ToolUIStateMessage(s ToolUIState) Message {
	return Message{
		Type:       TypeToolUIState,
		ToolCallID: s.ToolCallID,
		ToolName:   s.ToolName,
		State:      s.State,
	}
}

func RunnerSubmit(text string) Message {
	return Message{Type: TypeRunnerSubmit, Text: text}
}

func RunnerUIAction(action json.RawMessage) Message {
	return Message{Type: TypeRunnerUIAction, Action: action}
}

func RunnerToolUIEvent(toolCallID string, event json.RawMessage) Message {
	return Message{Type: TypeRunnerToolUIEvent, ToolCallID: toolCallID, Event: event}
}

// ToolUIState is the last state a worker published for one tool call.
type ToolUIState struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	State      json.RawMessage `json:"state"`
}

// Kind returns the state's "kind" tag, or "" when the payload has none.
func (s ToolUIState) Kind() string {
	var tagged struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(s.State, &tagged); err != nil {
		return ""
	}
	return tagged.Kind
}
