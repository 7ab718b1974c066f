package modelmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapCanonicalNames(t *testing.T) {
	cases := map[string]string{
		"claude-sonnet-4-20250514":   "claude-sonnet-4",
		"claude-sonnet-4-5-20250929": "claude-sonnet-4.5",
		"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
		"claude-opus-4-5-20251101":   "claude-opus-4.5",
		"claude-3-5-sonnet-20241022": "claude-sonnet-4.5",
		"claude-3-5-haiku-20241022":  "claude-haiku-4.5",
	}
	for in, want := range cases {
		assert.Equal(t, want, Map(in, "claude-sonnet-4"), in)
	}
}

func TestMapHeuristics(t *testing.T) {
	assert.Equal(t, "claude-opus-4.5", Map("claude-opus-4-1-20250805", "claude-sonnet-4"))
	assert.Equal(t, "claude-haiku-4.5", Map("some-haiku-variant", "claude-sonnet-4"))
	assert.Equal(t, "claude-sonnet-4.5", Map("claude-sonnet-4-5-1m", "claude-sonnet-4"))
	assert.Equal(t, "claude-sonnet-4", Map("claude-sonnet-4-20240101", "claude-sonnet-4"))
}

func TestMapFriendlyLabels(t *testing.T) {
	assert.Equal(t, "claude-opus-4.5", Map("Opus (claude-opus-4-5-20251101)", "claude-sonnet-4"))
	assert.Equal(t, "claude-opus-4.5", Map("claude-opus-4-5-20251101)", "claude-sonnet-4"))
}

func TestMapFallsBackToDefault(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4", Map("", "claude-sonnet-4"))
	assert.Equal(t, "claude-sonnet-4", Map("auto", "claude-sonnet-4"))
	assert.Equal(t, "claude-sonnet-4", Map("gpt-4o", "claude-sonnet-4"))
	assert.Equal(t, "claude-haiku-4.5", Map("totally-unknown-haiku", "nonsense-default"))
	assert.Equal(t, FallbackModel, Map("gpt-4o", "also-unknown"))
}

func TestSupportedModels(t *testing.T) {
	models := SupportedModels()
	assert.Len(t, models, 4)
	for _, m := range models {
		assert.True(t, IsValid(m.ID))
		assert.Equal(t, 8192, m.MaxTokens)
		assert.Equal(t, 1_000_000, m.ContextWindow)
	}
}
