package translator

import (
	"encoding/json"
	"strings"

	"github.com/router-for-me/QProxyAPI/internal/apperrors"
)

// OpenAIRequest is the Chat Completions request shape, including the legacy
// functions fields.
type OpenAIRequest struct {
	Model        string          `json:"model,omitempty"`
	Messages     []OpenAIMessage `json:"messages"`
	Stream       bool            `json:"stream,omitempty"`
	User         string          `json:"user,omitempty"`
	Tools        []OpenAITool    `json:"tools,omitempty"`
	ToolChoice   json.RawMessage `json:"tool_choice,omitempty"`
	Functions    []OpenAIFunc    `json:"functions,omitempty"`
	FunctionCall json.RawMessage `json:"function_call,omitempty"`
}

// OpenAIMessage is one chat turn.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

// OpenAITool wraps a function tool definition.
type OpenAITool struct {
	Type     string     `json:"type"`
	Function OpenAIFunc `json:"function"`
}

// OpenAIFunc is a function definition (also the legacy functions entry).
type OpenAIFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// OpenAIToolCall is an assistant-requested function call.
type OpenAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// UsesTooling reports whether the request involves tools at all, which
// selects the event-level upstream path.
func (r *OpenAIRequest) UsesTooling() bool {
	if len(r.Tools) > 0 || len(r.Functions) > 0 {
		return true
	}
	for _, m := range r.Messages {
		if m.Role == "tool" || len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

// MessageTexts returns the plain text of each message, for token counting
// and session keys.
func (r *OpenAIRequest) MessageTexts() []string {
	out := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, openAIMessageText(m.Content))
	}
	return out
}

// BuildFromOpenAI converts a Chat Completions request into the upstream
// envelope by lowering it to the Anthropic shape first: system messages fold
// into the system prompt, tool calls become tool_use blocks, and tool-role
// messages become tool_result turns.
func BuildFromOpenAI(req *OpenAIRequest, conversationID string, opts Options) (*Envelope, error) {
	claudeReq, err := openAIToClaude(req)
	if err != nil {
		return nil, err
	}
	return BuildFromClaude(claudeReq, conversationID, opts)
}

func openAIToClaude(req *OpenAIRequest) (*ClaudeRequest, error) {
	if len(req.Messages) == 0 {
		return nil, apperrors.New(400, apperrors.CodeInvalidRequest, "messages must not be empty")
	}

	out := &ClaudeRequest{Model: req.Model, Stream: req.Stream}
	if req.User != "" {
		out.Metadata = &ClaudeMetadata{UserID: req.User}
	}
	out.Tools = openAITools(req)

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if text := openAIMessageText(m.Content); text != "" {
				systemParts = append(systemParts, text)
			}
		case "user":
			blocks := openAIUserBlocks(m.Content)
			out.Messages = append(out.Messages, ClaudeMessage{Role: "user", Content: blocks})
		case "assistant":
			blocks, err := openAIAssistantBlocks(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, ClaudeMessage{Role: "assistant", Content: blocks})
		case "tool":
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     openAIMessageText(m.Content),
			}
			raw, err := json.Marshal([]any{block})
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, ClaudeMessage{Role: "user", Content: raw})
		default:
			return nil, apperrors.New(400, apperrors.CodeInvalidRequest, "unsupported message role: "+m.Role)
		}
	}
	if len(systemParts) > 0 {
		raw, err := json.Marshal(strings.Join(systemParts, "\n\n"))
		if err != nil {
			return nil, err
		}
		out.System = raw
	}
	if len(out.Messages) == 0 {
		return nil, apperrors.New(400, apperrors.CodeInvalidRequest, "messages must contain at least one user or assistant turn")
	}
	return out, nil
}

// openAITools normalizes tools, folding the legacy functions list in when
// tools are absent.
func openAITools(req *OpenAIRequest) []ClaudeTool {
	tools := req.Tools
	if len(tools) == 0 && len(req.Functions) > 0 {
		tools = make([]OpenAITool, 0, len(req.Functions))
		for _, f := range req.Functions {
			tools = append(tools, OpenAITool{Type: "function", Function: f})
		}
	}
	if len(tools) == 0 {
		return nil
	}
	out := make([]ClaudeTool, 0, len(tools))
	for _, t := range tools {
		if t.Function.Name == "" {
			continue
		}
		out = append(out, ClaudeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return out
}

// openAIMessageText extracts plain text from a string or parts-array content.
func openAIMessageText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" || (p.Type == "" && p.Text != "") {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// openAIUserBlocks lowers user content to Anthropic blocks, converting
// data-URL images to base64 image blocks.
func openAIUserBlocks(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		b, _ := json.Marshal(s)
		return b
	}
	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return json.RawMessage(`""`)
	}
	var blocks []any
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case "image_url":
			if mediaType, data, ok := parseDataURL(p.ImageURL.URL); ok {
				blocks = append(blocks, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": mediaType,
						"data":       data,
					},
				})
			}
		}
	}
	b, err := json.Marshal(blocks)
	if err != nil || len(blocks) == 0 {
		return json.RawMessage(`""`)
	}
	return b
}

// parseDataURL splits "data:image/png;base64,AAAA" into its media type and
// payload. Remote URLs are not fetched.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := url[len("data:"):]
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return "", "", false
	}
	meta, payload := rest[:comma], rest[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "image/png"
	}
	return mediaType, payload, true
}

func openAIAssistantBlocks(m OpenAIMessage) (json.RawMessage, error) {
	var blocks []any
	if text := openAIMessageText(m.Content); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	for _, call := range m.ToolCalls {
		input := json.RawMessage(`{}`)
		args := strings.TrimSpace(call.Function.Arguments)
		if args != "" && json.Valid([]byte(args)) {
			input = json.RawMessage(args)
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Function.Name,
			"input": input,
		})
	}
	if len(blocks) == 0 {
		return json.RawMessage(`""`), nil
	}
	return json.Marshal(blocks)
}
