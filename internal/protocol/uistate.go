package protocol

import (
	"encoding/json"
	"strings"
)

// Overlay identifies the dialog a viewer should show on top of the terminal.
// The set of overlays belongs to the worker; the broker forwards whatever it
// receives.
type Overlay string

// OverlayApproval is the overlay the bundled dev runner shows while a tool
// call waits for a decision.
const OverlayApproval Overlay = "approval"

// ApprovalRequest asks a viewer to allow or deny one tool invocation.
// Fields the broker does not interpret are kept and re-encoded unchanged.
type ApprovalRequest struct {
	ToolCallID string
	ToolName   string
	// Args is the worker's serialization of the tool arguments. It is not
	// validated here; use ParsedArgs.
	Args string

	raw json.RawMessage
}

// UnmarshalJSON accepts "id" as an alias for "toolCallId" and arguments sent
// either as a JSON string or as an inline JSON value.
func (a *ApprovalRequest) UnmarshalJSON(b []byte) error {
	var fields struct {
		ID         string          `json:"id"`
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Args       json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	a.ToolCallID = fields.ToolCallID
	if a.ToolCallID == "" {
		a.ToolCallID = fields.ID
	}
	a.ToolName = fields.ToolName
	a.Args = ""
	a.raw = append(json.RawMessage(nil), b...)

	args := strings.TrimSpace(string(fields.Args))
	if args == "" || args == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(fields.Args, &s); err == nil {
		a.Args = s
	} else {
		a.Args = args
	}
	return nil
}

// MarshalJSON re-encodes a decoded request as received, adding "toolCallId"
// when the worker only sent "id". Requests built in code encode their fields.
func (a ApprovalRequest) MarshalJSON() ([]byte, error) {
	if a.raw == nil {
		return json.Marshal(struct {
			ToolCallID string `json:"toolCallId"`
			ToolName   string `json:"toolName"`
			Args       string `json:"args"`
		}{a.ToolCallID, a.ToolName, a.Args})
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(a.raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}
	if _, ok := obj["toolCallId"]; !ok {
		id, _ := json.Marshal(a.ToolCallID)
		obj["toolCallId"] = id
	}
	return json.Marshal(obj)
}

// ParsedArgs decodes Args as a JSON object. ok is false when the worker sent
// something that isn't one.
func (a ApprovalRequest) ParsedArgs() (map[string]interface{}, bool) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(a.Args), &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// SelectOption is one entry of the worker supplied model / toolset / system
// prompt pickers. Decoded options keep their original encoding.
type SelectOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Selected    bool   `json:"selected,omitempty"`

	raw json.RawMessage
}

type selectOptionFields struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Selected    bool   `json:"selected,omitempty"`
}

func (o *SelectOption) UnmarshalJSON(b []byte) error {
	var f selectOptionFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*o = SelectOption{
		ID:          f.ID,
		Label:       f.Label,
		Description: f.Description,
		Selected:    f.Selected,
		raw:         append(json.RawMessage(nil), b...),
	}
	return nil
}

func (o SelectOption) MarshalJSON() ([]byte, error) {
	if o.raw != nil {
		return o.raw, nil
	}
	return json.Marshal(selectOptionFields{o.ID, o.Label, o.Description, o.Selected})
}

// UIState is the worker-authoritative snapshot of overlay and approval state.
// It is always replaced wholesale, never patched. Top-level fields the broker
// does not model are carried in Extra and forwarded as is.
type UIState struct {
	ActiveOverlay        *Overlay
	PendingApprovals     []ApprovalRequest
	CurrentApprovalIndex int
	CurrentApproval      *ApprovalRequest
	Models               []SelectOption
	Toolsets             []SelectOption
	SystemPrompts        []SelectOption

	Extra map[string]json.RawMessage
}

type uiStateFields struct {
	ActiveOverlay        *Overlay          `json:"activeOverlay"`
	PendingApprovals     []ApprovalRequest `json:"pendingApprovals"`
	CurrentApprovalIndex int               `json:"currentApprovalIndex"`
	CurrentApproval      *ApprovalRequest  `json:"currentApproval,omitempty"`
	Models               []SelectOption    `json:"models"`
	Toolsets             []SelectOption    `json:"toolsets"`
	SystemPrompts        []SelectOption    `json:"systemPrompts"`
}

var uiStateKeys = []string{
	"activeOverlay", "pendingApprovals", "currentApprovalIndex", "currentApproval",
	"models", "toolsets", "systemPrompts",
}

// UnmarshalJSON decodes onto the current value, so fields absent from b keep
// whatever s already held.
func (s *UIState) UnmarshalJSON(b []byte) error {
	f := uiStateFields{
		ActiveOverlay:        s.ActiveOverlay,
		PendingApprovals:     s.PendingApprovals,
		CurrentApprovalIndex: s.CurrentApprovalIndex,
		CurrentApproval:      s.CurrentApproval,
		Models:               s.Models,
		Toolsets:             s.Toolsets,
		SystemPrompts:        s.SystemPrompts,
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for _, k := range uiStateKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}

	*s = UIState{
		ActiveOverlay:        f.ActiveOverlay,
		PendingApprovals:     f.PendingApprovals,
		CurrentApprovalIndex: f.CurrentApprovalIndex,
		CurrentApproval:      f.CurrentApproval,
		Models:               f.Models,
		Toolsets:             f.Toolsets,
		SystemPrompts:        f.SystemPrompts,
		Extra:                all,
	}
	return nil
}

func (s UIState) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(uiStateFields{
		ActiveOverlay:        s.ActiveOverlay,
		PendingApprovals:     s.PendingApprovals,
		CurrentApprovalIndex: s.CurrentApprovalIndex,
		CurrentApproval:      s.CurrentApproval,
		Models:               s.Models,
		Toolsets:             s.Toolsets,
		SystemPrompts:        s.SystemPrompts,
	})
	if err != nil || len(s.Extra) == 0 {
		return known, err
	}

	out := make(map[string]json.RawMessage, len(s.Extra)+len(uiStateKeys))
	for k, v := range s.Extra {
		out[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// EmptyUIState is the state of a session that has no worker history.
func EmptyUIState() UIState {
	return UIState{
		PendingApprovals: []ApprovalRequest{},
		Models:           []SelectOption{},
		Toolsets:         []SelectOption{},
		SystemPrompts:    []SelectOption{},
	}
}

// Normalize derives the denormalized fields of a snapshot received from the
// worker: the index points into PendingApprovals whenever it is non-empty and
// CurrentApproval mirrors that element (or is nil for an empty list).
// Everything else is left as the worker sent it.
func (s UIState) Normalize() UIState {
	out := s
	if out.ActiveOverlay != nil {
		o := *out.ActiveOverlay
		out.ActiveOverlay = &o
	}

	out.PendingApprovals = append([]ApprovalRequest{}, s.PendingApprovals...)
	out.Models = append([]SelectOption{}, s.Models...)
	out.Toolsets = append([]SelectOption{}, s.Toolsets...)
	out.SystemPrompts = append([]SelectOption{}, s.SystemPrompts...)
	if s.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}

	if len(out.PendingApprovals) == 0 {
		out.CurrentApprovalIndex = 0
		out.CurrentApproval = nil
		return out
	}

	if out.CurrentApprovalIndex < 0 {
		out.CurrentApprovalIndex = 0
	}
	if out.CurrentApprovalIndex >= len(out.PendingApprovals) {
		out.CurrentApprovalIndex = len(out.PendingApprovals) - 1
	}
	current := out.PendingApprovals[out.CurrentApprovalIndex]
	out.CurrentApproval = &current
	return out
}

// CurrentApprovalID returns the tool call id of the focal approval, or "".
func (s UIState) CurrentApprovalID() string {
	if s.CurrentApproval == nil {
		return ""
	}
	return s.CurrentApproval.ToolCallID
}

// DecodeUIState parses a runner.ui_state payload and normalizes it.
func DecodeUIState(raw json.RawMessage) (UIState, error) {
	state := EmptyUIState()
	if err := json.Unmarshal(raw, &state); err != nil {
		return UIState{}, err
	}
	return state.Normalize(), nil
}
