package translator

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// compressKeepRecent is how many non-system turns survive compression.
	compressKeepRecent = 5
	// compressPreviewLen caps the per-message preview in the summary.
	compressPreviewLen = 150
)

// CompressOpenAI shrinks an oversized conversation: system messages and the
// most recent turns are kept verbatim, everything older is folded into a
// single system message of truncated previews. Returns the request unchanged
// when there is nothing to fold.
func CompressOpenAI(req *OpenAIRequest) *OpenAIRequest {
	var system, other []OpenAIMessage
	for _, m := range req.Messages {
		if m.Role == "system" || m.Role == "developer" {
			system = append(system, m)
		} else {
			other = append(other, m)
		}
	}
	if len(other) <= compressKeepRecent {
		return req
	}

	older := other[:len(other)-compressKeepRecent]
	recent := other[len(other)-compressKeepRecent:]

	var parts []string
	for _, m := range older {
		text := openAIMessageText(m.Content)
		if len(m.ToolCalls) > 0 && text == "" {
			text = "(tool call)"
		}
		if len(text) > compressPreviewLen {
			text = text[:compressPreviewLen] + "..."
		}
		parts = append(parts, m.Role+": "+text)
	}
	summary := fmt.Sprintf("[Conversation history summary, %d earlier messages]\n%s",
		len(older), strings.Join(parts, "\n"))
	raw, err := json.Marshal(summary)
	if err != nil {
		return req
	}

	out := *req
	out.Messages = make([]OpenAIMessage, 0, len(system)+1+len(recent))
	out.Messages = append(out.Messages, system...)
	out.Messages = append(out.Messages, OpenAIMessage{Role: "system", Content: raw})
	out.Messages = append(out.Messages, recent...)
	return &out
}
