package postprocess

import "encoding/json"

// ToolEvent is the decoded payload of an upstream toolUseEvent.
type ToolEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`
}

// ToolActionKind enumerates assembler outputs.
type ToolActionKind int

const (
	// ToolOpen fires on first sight of a toolUseId with a resolved name.
	ToolOpen ToolActionKind = iota
	// ToolArgs carries an input fragment for an open call.
	ToolArgs
	// ToolClose fires when the upstream marks the call complete.
	ToolClose
)

// ToolAction is one state transition produced from a tool event.
type ToolAction struct {
	Kind     ToolActionKind
	Index    int
	ID       string
	Name     string
	Fragment string
}

// ToolCall is a fully assembled call, in open order.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type toolState struct {
	index  int
	name   string
	args   string
	closed bool
}

// ToolAssembler reconstructs tool calls from fragmented toolUseEvents.
// Names are sticky once seen; input fragments (raw strings or JSON values)
// are concatenated; duplicate opens of a closed id are ignored.
type ToolAssembler struct {
	order []string
	state map[string]*toolState
	names map[string]string
}

// NewToolAssembler returns an empty assembler.
func NewToolAssembler() *ToolAssembler {
	return &ToolAssembler{state: make(map[string]*toolState), names: make(map[string]string)}
}

// Feed consumes one event and returns the resulting actions in order.
func (a *ToolAssembler) Feed(ev ToolEvent) []ToolAction {
	if ev.ToolUseID == "" {
		return nil
	}
	if ev.Name != "" {
		a.names[ev.ToolUseID] = ev.Name
	}
	name := a.names[ev.ToolUseID]
	if name == "" {
		// Cannot open a call without a name; wait for a named event.
		return nil
	}

	st, exists := a.state[ev.ToolUseID]
	if exists && st.closed {
		return nil
	}

	var actions []ToolAction
	if !exists {
		st = &toolState{index: len(a.order), name: name}
		a.state[ev.ToolUseID] = st
		a.order = append(a.order, ev.ToolUseID)
		actions = append(actions, ToolAction{Kind: ToolOpen, Index: st.index, ID: ev.ToolUseID, Name: name})
	}

	if fragment := inputFragment(ev.Input); fragment != "" {
		st.args += fragment
		actions = append(actions, ToolAction{Kind: ToolArgs, Index: st.index, ID: ev.ToolUseID, Fragment: fragment})
	}

	if ev.Stop {
		st.closed = true
		actions = append(actions, ToolAction{Kind: ToolClose, Index: st.index, ID: ev.ToolUseID})
	}
	return actions
}

// Calls returns the assembled calls in open order.
func (a *ToolAssembler) Calls() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, id := range a.order {
		st := a.state[id]
		out = append(out, ToolCall{ID: id, Name: st.name, Arguments: st.args})
	}
	return out
}

// Seen reports whether any tool call was opened.
func (a *ToolAssembler) Seen() bool { return len(a.order) > 0 }

// ArgumentsText concatenates all argument strings, for token accounting.
func (a *ToolAssembler) ArgumentsText() string {
	var s string
	for _, id := range a.order {
		s += a.state[id].args
	}
	return s
}

// inputFragment renders a tool input as its streamed text form: strings
// pass through verbatim, everything else is marshaled as JSON.
func inputFragment(input any) string {
	switch v := input.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
