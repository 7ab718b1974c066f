// Package modelmap normalizes caller-supplied model names onto the ids the
// upstream actually accepts. Unknown names collapse to a configured default
// rather than being forwarded, which would trigger a ValidationException.
package modelmap

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// FallbackModel is used when neither the request nor the configured default
// resolves to a supported id.
const FallbackModel = "claude-sonnet-4"

// validModels are the upstream-supported ids.
var validModels = map[string]bool{
	"claude-sonnet-4":   true,
	"claude-sonnet-4.5": true,
	"claude-haiku-4.5":  true,
	"claude-opus-4.5":   true,
}

// canonicalToShort maps dated canonical names onto supported short ids.
var canonicalToShort = map[string]string{
	"claude-sonnet-4-20250514":   "claude-sonnet-4",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-3-5-sonnet-20241022": "claude-sonnet-4.5",
	"claude-3-5-sonnet-20240620": "claude-sonnet-4.5",
	"claude-3-5-haiku-20241022":  "claude-haiku-4.5",
}

// ModelInfo describes a supported model for the /v1/models listing.
type ModelInfo struct {
	ID            string
	MaxTokens     int
	ContextWindow int
}

// SupportedModels returns the model catalogue in stable order.
func SupportedModels() []ModelInfo {
	ids := []string{"claude-haiku-4.5", "claude-opus-4.5", "claude-sonnet-4", "claude-sonnet-4.5"}
	out := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, ModelInfo{ID: id, MaxTokens: 8192, ContextWindow: 1_000_000})
	}
	return out
}

// IsValid reports whether id is accepted by the upstream as-is.
func IsValid(id string) bool { return validModels[id] }

// Map resolves a caller model name onto a supported upstream id, falling
// back to defaultModel (itself normalized) for unknown names.
func Map(model, defaultModel string) string {
	def := ensureDefault(defaultModel)
	normalized := normalize(model)
	if normalized == "" || normalized == "auto" {
		return def
	}
	if resolved := resolve(normalized); resolved != "" {
		if resolved != normalized {
			log.Debugf("mapped model %q to %q", model, resolved)
		}
		return resolved
	}
	log.Warnf("unable to normalize model %q, using default %q", model, def)
	return def
}

func ensureDefault(defaultModel string) string {
	if resolved := resolve(normalize(defaultModel)); resolved != "" {
		return resolved
	}
	return FallbackModel
}

// normalize lowercases, keeps the substring starting at the claude- prefix
// (clients send labels like "opus (claude-opus-4-5-20251101)"), and strips
// stray wrapping characters.
func normalize(model string) string {
	raw := strings.ToLower(strings.TrimSpace(model))
	if raw == "" {
		return ""
	}
	if idx := strings.Index(raw, "claude-"); idx > 0 {
		raw = raw[idx:]
	}
	return strings.Trim(raw, "()[]{} ")
}

func resolve(normalized string) string {
	if normalized == "" {
		return ""
	}
	if validModels[normalized] {
		return normalized
	}
	if short, ok := canonicalToShort[normalized]; ok {
		return short
	}
	return heuristic(normalized)
}

func heuristic(model string) string {
	switch {
	case strings.HasPrefix(model, "claude-sonnet-4-5"), strings.HasPrefix(model, "claude-sonnet-4.5"):
		return "claude-sonnet-4.5"
	case strings.HasPrefix(model, "claude-sonnet-4"):
		return "claude-sonnet-4"
	case strings.Contains(model, "opus-4-5"), strings.Contains(model, "opus-4.5"):
		return "claude-opus-4.5"
	case strings.Contains(model, "haiku-4-5"), strings.Contains(model, "haiku-4.5"):
		return "claude-haiku-4.5"
	case strings.Contains(model, "opus"):
		return "claude-opus-4.5"
	case strings.Contains(model, "haiku"):
		return "claude-haiku-4.5"
	case strings.Contains(model, "1m"), strings.Contains(model, "1000k"):
		return "claude-sonnet-4.5"
	}
	return ""
}
