// Package translator converts OpenAI- and Anthropic-style chat requests into
// the conversationState form the upstream assistant endpoint accepts: a
// strictly alternating user/assistant history plus the current user message,
// with tools, tool results, and images carried in the message context.
package translator

import "encoding/json"

// Origin identifies this client to the upstream service.
const Origin = "KIRO_CLI"

// ConversationState is the upstream request envelope.
type ConversationState struct {
	ConversationID  string         `json:"conversationId"`
	History         []HistoryItem  `json:"history"`
	CurrentMessage  CurrentMessage `json:"currentMessage"`
	ChatTriggerType string         `json:"chatTriggerType"`
}

// Envelope wraps the state the way the wire expects it.
type Envelope struct {
	ConversationState ConversationState `json:"conversationState"`
}

// CurrentMessage holds the message being answered.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// HistoryItem is one past turn; exactly one of the two fields is set.
type HistoryItem struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// UserInputMessage is a user turn.
type UserInputMessage struct {
	Content                 string          `json:"content"`
	UserInputMessageContext *MessageContext `json:"userInputMessageContext"`
	Origin                  string          `json:"origin"`
	ModelID                 string          `json:"modelId,omitempty"`
	Images                  []Image         `json:"images,omitempty"`
}

// MessageContext carries the environment, tool specs, and tool results
// attached to a user turn.
type MessageContext struct {
	EnvState    *EnvState    `json:"envState,omitempty"`
	Tools       []Tool       `json:"tools,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// EnvState describes the client environment.
type EnvState struct {
	OperatingSystem         string `json:"operatingSystem"`
	CurrentWorkingDirectory string `json:"currentWorkingDirectory"`
}

// Tool is one tool offered to the model.
type Tool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification names a tool and its input schema.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps the raw JSON schema.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// ToolResult is the outcome of one earlier tool invocation.
type ToolResult struct {
	ToolUseID string      `json:"toolUseId"`
	Content   []TextBlock `json:"content"`
	Status    string      `json:"status,omitempty"`
}

// TextBlock is a plain text fragment.
type TextBlock struct {
	Text string `json:"text"`
}

// Image is an inline image attachment.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource holds base64 image bytes.
type ImageSource struct {
	Bytes string `json:"bytes"`
}

// AssistantResponseMessage is an assistant turn.
type AssistantResponseMessage struct {
	MessageID string    `json:"messageId"`
	Content   string    `json:"content"`
	ToolUses  []ToolUse `json:"toolUses,omitempty"`
}

// ToolUse is one tool invocation requested by the assistant.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}
