package translator

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/translator/modelmap"
)

const (
	thinkingHint     = "<thinking_mode>interleaved</thinking_mode><max_thinking_length>16000</max_thinking_length>"
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"

	// Tool descriptions longer than this are truncated in the tool spec and
	// carried in full inside the TOOL DOCUMENTATION section.
	toolDescriptionLimit    = 10240
	toolDescriptionTruncate = 10100
	truncationNote          = "\n\n...(Full description provided in TOOL DOCUMENTATION section)"

	cancelledToolResultText = "Tool use was cancelled by the user"
)

// ClaudeRequest is the Anthropic Messages API request shape, with flexible
// fields kept raw for per-block decoding.
type ClaudeRequest struct {
	Model     string          `json:"model"`
	System    json.RawMessage `json:"system,omitempty"`
	Messages  []ClaudeMessage `json:"messages"`
	Tools     []ClaudeTool    `json:"tools,omitempty"`
	Thinking  json.RawMessage `json:"thinking,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
	Metadata  *ClaudeMetadata `json:"metadata,omitempty"`
}

// ClaudeMetadata carries the optional caller identity.
type ClaudeMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ClaudeMessage is one turn; Content is a string or a block array.
type ClaudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ClaudeTool is an Anthropic tool definition.
type ClaudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// contentBlock is one element of an Anthropic content array. Unused fields
// stay zero depending on Type.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Status    string          `json:"status,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// UsesTooling reports whether the request involves tools at all.
func (r *ClaudeRequest) UsesTooling() bool {
	if len(r.Tools) > 0 {
		return true
	}
	for _, m := range r.Messages {
		var blocks []contentBlock
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			continue
		}
		for _, b := range blocks {
			if b.Type == "tool_use" || b.Type == "tool_result" {
				return true
			}
		}
	}
	return false
}

// MessageTexts returns the plain text of each message, for token counting
// and session keys.
func (r *ClaudeRequest) MessageTexts() []string {
	out := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, claudeMessageText(m.Content))
	}
	return out
}

func claudeMessageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "thinking":
			if b.Thinking != "" {
				parts = append(parts, b.Thinking)
			}
		case "tool_result":
			for _, tb := range toolResultContent(b.Content) {
				if tb.Text != "" {
					parts = append(parts, tb.Text)
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

// Options tune the conversion.
type Options struct {
	// OperatingSystem and WorkingDirectory fill envState.
	OperatingSystem  string
	WorkingDirectory string
	// DefaultModel backs model mapping for unknown names.
	DefaultModel string
	// Strict turns history-shape violations into errors instead of warnings.
	Strict bool
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.OperatingSystem == "" {
		o.OperatingSystem = "macos"
	}
	if o.WorkingDirectory == "" {
		o.WorkingDirectory = "/"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if !o.Strict {
		o.Strict = strictFromEnv()
	}
	return o
}

func strictFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG_MESSAGE_CONVERSION"))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ThinkingEnabled interprets the Anthropic thinking field: a bool, the
// string "enabled", or an object with type/enabled/budget_tokens.
func ThinkingEnabled(raw json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(strings.TrimSpace(s), "enabled")
	}
	var obj struct {
		Type         string   `json:"type"`
		Enabled      *bool    `json:"enabled"`
		BudgetTokens *float64 `json:"budget_tokens"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	if strings.EqualFold(obj.Type, "enabled") {
		return true
	}
	if obj.Enabled != nil {
		return *obj.Enabled
	}
	return obj.BudgetTokens != nil && *obj.BudgetTokens > 0
}

// BuildFromClaude converts an Anthropic request into the upstream envelope.
// conversationID may be empty to mint a fresh one.
func BuildFromClaude(req *ClaudeRequest, conversationID string, opts Options) (*Envelope, error) {
	opts = opts.withDefaults()
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if len(req.Messages) == 0 {
		return nil, apperrors.New(400, apperrors.CodeInvalidRequest, "messages must not be empty")
	}

	tools, longDocs := convertTools(req.Tools)

	// Current message comes from the trailing user turn.
	var prompt string
	var toolResults []ToolResult
	var images []Image
	hasToolResult := false
	last := req.Messages[len(req.Messages)-1]
	if last.Role == "user" {
		parsed := parseUserContent(last.Content, true)
		prompt = parsed.text
		toolResults = parsed.toolResults
		images = parsed.images
		hasToolResult = len(parsed.toolResults) > 0
	}

	ctx := &MessageContext{
		EnvState: &EnvState{
			OperatingSystem:         opts.OperatingSystem,
			CurrentWorkingDirectory: opts.WorkingDirectory,
		},
		Tools:       tools,
		ToolResults: toolResults,
	}

	content := formatCurrentContent(strings.TrimSpace(prompt), hasToolResult, longDocs, opts.Now())
	if ThinkingEnabled(req.Thinking) && content != "" {
		content = appendThinkingHint(content)
	}
	if sys := systemText(req.System); sys != "" {
		content = "--- SYSTEM PROMPT BEGIN ---\n" + sys + "\n--- SYSTEM PROMPT END ---\n\n" + content
	}

	modelID := modelmap.Map(req.Model, opts.DefaultModel)
	current := UserInputMessage{
		Content:                 content,
		UserInputMessageContext: ctx,
		Origin:                  Origin,
		ModelID:                 modelID,
		Images:                  images,
	}

	historyMsgs := req.Messages
	if last.Role == "user" {
		historyMsgs = historyMsgs[:len(historyMsgs)-1]
	}
	history, err := buildHistory(historyMsgs, opts)
	if err != nil {
		return nil, err
	}

	// A trailing user run in history folds into the current message so the
	// history stays alternating; the current context and tools win.
	if n := len(history); n > 0 && history[n-1].UserInputMessage != nil {
		current = mergePreservingCurrentContext(*history[n-1].UserInputMessage, current)
		history = history[:n-1]
	}
	pruneImagesToLastTwo(history, &current)

	return &Envelope{ConversationState: ConversationState{
		ConversationID:  conversationID,
		History:         history,
		CurrentMessage:  CurrentMessage{UserInputMessage: current},
		ChatTriggerType: "MANUAL",
	}}, nil
}

// formatCurrentContent wraps the prompt in the section markers. A pure
// tool-result turn carries no text at all unless tool docs force a frame.
func formatCurrentContent(prompt string, hasToolResult bool, longDocs []toolDoc, now time.Time) string {
	stamp := timestamp(now)
	content := ""
	if !hasToolResult || prompt != "" {
		content = "--- CONTEXT ENTRY BEGIN ---\n" +
			"Current time: " + stamp + "\n" +
			"--- CONTEXT ENTRY END ---\n\n" +
			"--- USER MESSAGE BEGIN ---\n" +
			prompt + "\n" +
			"--- USER MESSAGE END ---"
	}
	if len(longDocs) > 0 {
		var sb strings.Builder
		sb.WriteString("--- TOOL DOCUMENTATION BEGIN ---\n")
		for _, doc := range longDocs {
			sb.WriteString("Tool: " + doc.name + "\nFull Description:\n" + doc.description + "\n")
		}
		sb.WriteString("--- TOOL DOCUMENTATION END ---\n\n")
		if content != "" {
			content = sb.String() + content
		} else {
			content = sb.String() +
				"--- CONTEXT ENTRY BEGIN ---\n" +
				"Current time: " + stamp + "\n" +
				"--- CONTEXT ENTRY END ---"
		}
	}
	return content
}

// timestamp renders "Monday, 2006-01-02T15:04:05.000-07:00".
func timestamp(now time.Time) string {
	return now.Format("Monday") + ", " + now.Format("2006-01-02T15:04:05.000-07:00")
}

func appendThinkingHint(text string) string {
	if text == "" {
		return thinkingHint
	}
	if strings.Contains(text, thinkingHint) {
		return text
	}
	sep := "\n"
	if strings.HasSuffix(text, "\n") || strings.HasSuffix(text, "\r") {
		sep = ""
	}
	return text + sep + thinkingHint
}

type toolDoc struct {
	name        string
	description string
}

func convertTools(tools []ClaudeTool) ([]Tool, []toolDoc) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]Tool, 0, len(tools))
	var docs []toolDoc
	for _, t := range tools {
		desc := t.Description
		if len(desc) > toolDescriptionLimit {
			docs = append(docs, toolDoc{name: t.Name, description: desc})
			desc = desc[:toolDescriptionTruncate] + truncationNote
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		out = append(out, Tool{ToolSpecification: ToolSpecification{
			Name:        t.Name,
			Description: desc,
			InputSchema: InputSchema{JSON: schema},
		}})
	}
	return out, docs
}

func systemText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// parsedUserContent is a user turn broken into its upstream pieces.
type parsedUserContent struct {
	text        string
	toolResults []ToolResult
	images      []Image
}

// parseUserContent splits a user content value into text, tool results, and
// images. wrapThinking controls whether thinking blocks are kept as tagged
// text (current message) or dropped (history keeps plain text only).
func parseUserContent(raw json.RawMessage, wrapThinking bool) parsedUserContent {
	var out parsedUserContent
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		out.text = s
		return out
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return out
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "thinking":
			if wrapThinking {
				parts = append(parts, thinkingStartTag+b.Thinking+thinkingEndTag)
			}
		case "image":
			if b.Source != nil && b.Source.Type == "base64" {
				out.images = append(out.images, Image{
					Format: imageFormat(b.Source.MediaType),
					Source: ImageSource{Bytes: b.Source.Data},
				})
			}
		case "tool_result":
			out.toolResults = appendToolResult(out.toolResults, b)
		}
	}
	out.text = strings.Join(parts, "\n")
	return out
}

func imageFormat(mediaType string) string {
	if idx := strings.LastIndex(mediaType, "/"); idx >= 0 && idx < len(mediaType)-1 {
		return mediaType[idx+1:]
	}
	return "png"
}

// appendToolResult converts one tool_result block, merging into an existing
// entry when the id repeats. Empty content becomes the cancellation notice.
func appendToolResult(results []ToolResult, b contentBlock) []ToolResult {
	content := toolResultContent(b.Content)
	empty := true
	for _, c := range content {
		if strings.TrimSpace(c.Text) != "" {
			empty = false
			break
		}
	}
	if empty {
		content = []TextBlock{{Text: cancelledToolResultText}}
	}

	for i := range results {
		if results[i].ToolUseID == b.ToolUseID {
			results[i].Content = append(results[i].Content, content...)
			return results
		}
	}
	status := b.Status
	if status == "" {
		status = "success"
	}
	return append(results, ToolResult{ToolUseID: b.ToolUseID, Content: content, Status: status})
}

func toolResultContent(raw json.RawMessage) []TextBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []TextBlock{{Text: s}}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var out []TextBlock
	for _, item := range items {
		var itemStr string
		if err := json.Unmarshal(item, &itemStr); err == nil {
			out = append(out, TextBlock{Text: itemStr})
			continue
		}
		var obj struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && (obj.Type == "text" || obj.Text != "") {
			out = append(out, TextBlock{Text: obj.Text})
		}
	}
	return out
}

// buildHistory converts the prior turns and normalizes them to strict
// user/assistant alternation.
func buildHistory(messages []ClaudeMessage, opts Options) ([]HistoryItem, error) {
	seenToolUseIDs := make(map[string]struct{})
	var raw []HistoryItem

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			parsed := parseUserContent(msg.Content, false)
			ctx := &MessageContext{
				EnvState: &EnvState{
					OperatingSystem:         opts.OperatingSystem,
					CurrentWorkingDirectory: opts.WorkingDirectory,
				},
				ToolResults: parsed.toolResults,
			}
			raw = append(raw, HistoryItem{UserInputMessage: &UserInputMessage{
				Content:                 parsed.text,
				UserInputMessageContext: ctx,
				Origin:                  Origin,
				Images:                  parsed.images,
			}})
		case "assistant":
			entry := &AssistantResponseMessage{
				MessageID: uuid.NewString(),
				Content:   assistantText(msg.Content),
			}
			for _, use := range assistantToolUses(msg.Content) {
				if _, seen := seenToolUseIDs[use.ToolUseID]; seen {
					continue
				}
				seenToolUseIDs[use.ToolUseID] = struct{}{}
				entry.ToolUses = append(entry.ToolUses, use)
			}
			raw = append(raw, HistoryItem{AssistantResponseMessage: entry})
		}
	}

	// Merge runs of plain user messages, keeping tool-result turns distinct
	// at first, then collapse any remaining consecutive users.
	var history []HistoryItem
	var pending []UserInputMessage
	flush := func() {
		if len(pending) > 0 {
			merged := mergeUserMessages(pending)
			history = append(history, HistoryItem{UserInputMessage: &merged})
			pending = nil
		}
	}
	for _, item := range raw {
		if item.UserInputMessage != nil {
			if len(item.UserInputMessage.UserInputMessageContext.ToolResults) > 0 {
				flush()
				history = append(history, item)
			} else {
				pending = append(pending, *item.UserInputMessage)
			}
			continue
		}
		flush()
		history = append(history, item)
	}
	flush()

	history = collapseUserRuns(history)
	if err := validateHistory(history, opts.Strict); err != nil {
		return nil, err
	}
	return history, nil
}

// collapseUserRuns merges any remaining consecutive user turns.
func collapseUserRuns(history []HistoryItem) []HistoryItem {
	var out []HistoryItem
	var pending []UserInputMessage
	flush := func() {
		if len(pending) > 0 {
			merged := mergeUserMessages(pending)
			out = append(out, HistoryItem{UserInputMessage: &merged})
			pending = nil
		}
	}
	for _, item := range history {
		if item.UserInputMessage != nil {
			pending = append(pending, *item.UserInputMessage)
			continue
		}
		flush()
		out = append(out, item)
	}
	flush()
	return out
}

func assistantText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "thinking":
			parts = append(parts, thinkingStartTag+b.Thinking+thinkingEndTag)
		}
	}
	return strings.Join(parts, "\n")
}

func assistantToolUses(raw json.RawMessage) []ToolUse {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var out []ToolUse
	for _, b := range blocks {
		if b.Type != "tool_use" || b.ID == "" {
			continue
		}
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		out = append(out, ToolUse{ToolUseID: b.ID, Name: b.Name, Input: input})
	}
	return out
}

// mergeUserMessages joins consecutive user turns: contents joined with blank
// lines, tool results merged by id, context and origin taken from the first
// message, and only the last two messages' images kept.
func mergeUserMessages(messages []UserInputMessage) UserInputMessage {
	if len(messages) == 1 {
		return messages[0]
	}

	var contents []string
	var allToolResults []ToolResult
	var imageLists [][]Image
	var base *MessageContext
	origin := ""
	modelID := ""

	for i := range messages {
		msg := &messages[i]
		ctx := msg.UserInputMessageContext
		if base == nil && ctx != nil {
			copied := *ctx
			copied.ToolResults = nil
			base = &copied
		}
		if ctx != nil {
			allToolResults = mergeToolResults(allToolResults, ctx.ToolResults)
		}
		if origin == "" {
			origin = msg.Origin
		}
		if modelID == "" {
			modelID = msg.ModelID
		}
		if msg.Content != "" {
			contents = append(contents, msg.Content)
		}
		if len(msg.Images) > 0 {
			imageLists = append(imageLists, msg.Images)
		}
	}

	if base == nil {
		base = &MessageContext{}
	}
	base.ToolResults = allToolResults
	if origin == "" {
		origin = Origin
	}

	merged := UserInputMessage{
		Content:                 strings.Join(contents, "\n\n"),
		UserInputMessageContext: base,
		Origin:                  origin,
		ModelID:                 modelID,
	}
	if len(imageLists) > 0 {
		start := 0
		if len(imageLists) > 2 {
			start = len(imageLists) - 2
		}
		for _, list := range imageLists[start:] {
			merged.Images = append(merged.Images, list...)
		}
	}
	return merged
}

// mergeToolResults appends incoming results, concatenating the content of a
// repeated toolUseId and keeping the first status seen.
func mergeToolResults(existing, incoming []ToolResult) []ToolResult {
	for _, tr := range incoming {
		merged := false
		for i := range existing {
			if existing[i].ToolUseID != "" && existing[i].ToolUseID == tr.ToolUseID {
				existing[i].Content = append(existing[i].Content, tr.Content...)
				if existing[i].Status == "" {
					existing[i].Status = tr.Status
				}
				merged = true
				break
			}
		}
		if !merged {
			existing = append(existing, tr)
		}
	}
	return existing
}

// mergePreservingCurrentContext folds a trailing history user turn into the
// current message: merged text and tool results, but the current message's
// context (env, tools) and model win.
func mergePreservingCurrentContext(prev, current UserInputMessage) UserInputMessage {
	merged := mergeUserMessages([]UserInputMessage{prev, current})
	toolResults := merged.UserInputMessageContext.ToolResults
	ctx := *current.UserInputMessageContext
	ctx.ToolResults = toolResults
	merged.UserInputMessageContext = &ctx
	merged.ModelID = current.ModelID
	return merged
}

// pruneImagesToLastTwo keeps images only on the last two user messages that
// carry any, counting the current message.
func pruneImagesToLastTwo(history []HistoryItem, current *UserInputMessage) {
	var targets []*UserInputMessage
	for i := range history {
		if u := history[i].UserInputMessage; u != nil && len(u.Images) > 0 {
			targets = append(targets, u)
		}
	}
	if len(current.Images) > 0 {
		targets = append(targets, current)
	}
	for i := 0; i < len(targets)-2; i++ {
		targets[i].Images = nil
	}
}

// validateHistory checks alternation and that every user toolResult answers
// a toolUse from the immediately preceding assistant turn.
func validateHistory(history []HistoryItem, strict bool) error {
	report := func(msg string) error {
		if strict {
			return apperrors.New(400, apperrors.CodeInvalidRequest, msg)
		}
		log.Warn(msg)
		return nil
	}

	lastRole := ""
	for idx, item := range history {
		role := historyRole(item)
		if role == "" {
			continue
		}
		if role == lastRole {
			if err := report(fmt.Sprintf("history alternation violated at index %d (role %s repeats)", idx, role)); err != nil {
				return err
			}
		}
		lastRole = role
	}

	var lastToolUseIDs map[string]struct{}
	for idx, item := range history {
		if a := item.AssistantResponseMessage; a != nil {
			lastToolUseIDs = make(map[string]struct{}, len(a.ToolUses))
			for _, use := range a.ToolUses {
				lastToolUseIDs[use.ToolUseID] = struct{}{}
			}
			continue
		}
		u := item.UserInputMessage
		if u == nil || len(u.UserInputMessageContext.ToolResults) == 0 {
			continue
		}
		ok := lastToolUseIDs != nil
		if ok {
			for _, tr := range u.UserInputMessageContext.ToolResults {
				if _, found := lastToolUseIDs[tr.ToolUseID]; !found {
					ok = false
					break
				}
			}
		}
		if !ok {
			ids := toolResultIDs(u.UserInputMessageContext.ToolResults)
			if err := report(fmt.Sprintf("toolResults at index %d do not answer the preceding toolUses (%s)", idx, strings.Join(ids, ", "))); err != nil {
				return err
			}
		}
	}
	return nil
}

func historyRole(item HistoryItem) string {
	switch {
	case item.UserInputMessage != nil:
		return "user"
	case item.AssistantResponseMessage != nil:
		return "assistant"
	}
	return ""
}

func toolResultIDs(results []ToolResult) []string {
	ids := make([]string, 0, len(results))
	for _, tr := range results {
		ids = append(ids, tr.ToolUseID)
	}
	sort.Strings(ids)
	return ids
}
