package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolAssemblerBasicLifecycle(t *testing.T) {
	a := NewToolAssembler()

	actions := a.Feed(ToolEvent{ToolUseID: "call_1", Name: "get_weather", Input: map[string]any{"city": "sf"}})
	require.Len(t, actions, 2)
	assert.Equal(t, ToolOpen, actions[0].Kind)
	assert.Equal(t, 0, actions[0].Index)
	assert.Equal(t, "get_weather", actions[0].Name)
	assert.Equal(t, ToolArgs, actions[1].Kind)
	assert.JSONEq(t, `{"city":"sf"}`, actions[1].Fragment)

	actions = a.Feed(ToolEvent{ToolUseID: "call_1", Input: map[string]any{"unit": "c"}})
	require.Len(t, actions, 1)
	assert.Equal(t, ToolArgs, actions[0].Kind)

	actions = a.Feed(ToolEvent{ToolUseID: "call_1", Stop: true})
	require.Len(t, actions, 1)
	assert.Equal(t, ToolClose, actions[0].Kind)

	calls := a.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, `{"city":"sf"}{"unit":"c"}`, calls[0].Arguments)
}

func TestToolAssemblerStringFragments(t *testing.T) {
	a := NewToolAssembler()
	a.Feed(ToolEvent{ToolUseID: "t1", Name: "search", Input: `{"q":`})
	a.Feed(ToolEvent{ToolUseID: "t1", Input: `"go"}`})

	calls := a.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"q":"go"}`, calls[0].Arguments)
}

func TestToolAssemblerNameIsSticky(t *testing.T) {
	a := NewToolAssembler()
	a.Feed(ToolEvent{ToolUseID: "t1", Name: "first"})
	actions := a.Feed(ToolEvent{ToolUseID: "t1", Name: "ignored", Input: "x"})
	require.Len(t, actions, 1)

	calls := a.Calls()
	assert.Equal(t, "first", calls[0].Name)
}

func TestToolAssemblerIgnoresNamelessEvents(t *testing.T) {
	a := NewToolAssembler()
	assert.Empty(t, a.Feed(ToolEvent{ToolUseID: "t1", Input: "early"}))
	assert.False(t, a.Seen())

	actions := a.Feed(ToolEvent{ToolUseID: "t1", Name: "late", Input: "now"})
	require.Len(t, actions, 2)
	assert.Equal(t, "now", a.Calls()[0].Arguments)
}

func TestToolAssemblerDuplicateOpenAfterCloseIgnored(t *testing.T) {
	a := NewToolAssembler()
	a.Feed(ToolEvent{ToolUseID: "t1", Name: "f", Input: "a"})
	a.Feed(ToolEvent{ToolUseID: "t1", Stop: true})

	assert.Empty(t, a.Feed(ToolEvent{ToolUseID: "t1", Name: "f", Input: "b"}))
	assert.Equal(t, "a", a.Calls()[0].Arguments)
}

func TestToolAssemblerMultipleCallsKeepIndexOrder(t *testing.T) {
	a := NewToolAssembler()
	a.Feed(ToolEvent{ToolUseID: "t1", Name: "f1"})
	actions := a.Feed(ToolEvent{ToolUseID: "t2", Name: "f2"})
	require.Len(t, actions, 1)
	assert.Equal(t, 1, actions[0].Index)

	calls := a.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "t1", calls[0].ID)
	assert.Equal(t, "t2", calls[1].ID)
	assert.Equal(t, "f1f2", a.Calls()[0].Name+a.Calls()[1].Name)
}

func TestToolAssemblerStickyNameFollowupWithoutName(t *testing.T) {
	a := NewToolAssembler()
	a.Feed(ToolEvent{ToolUseID: "t1", Name: "f", Input: map[string]any{"a": 1}})
	actions := a.Feed(ToolEvent{ToolUseID: "t1", Input: map[string]any{"b": 2}, Stop: true})
	require.Len(t, actions, 2)
	assert.Equal(t, ToolArgs, actions[0].Kind)
	assert.Equal(t, ToolClose, actions[1].Kind)
	assert.Equal(t, "f", a.Calls()[0].Name)
	assert.Equal(t, `{"a":1}{"b":2}`, a.ArgumentsText())
}
