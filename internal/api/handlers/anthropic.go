package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/api/middleware"
	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/dispatch"
	"github.com/router-for-me/QProxyAPI/internal/session"
	"github.com/router-for-me/QProxyAPI/internal/translator"
	"github.com/router-for-me/QProxyAPI/internal/translator/modelmap"
	"github.com/router-for-me/QProxyAPI/internal/usage"
)

// Messages serves POST /v1/messages in the Anthropic dialect.
func (d *Deps) Messages(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		renderError(c, dialectAnthropic, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "unreadable request body"))
		return
	}
	d.traceBody("/v1/messages", raw)
	var req translator.ClaudeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		renderError(c, dialectAnthropic, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	if d.blockDuplicate(c, "/v1/messages", req.Model, raw) {
		return
	}

	conversationID := conversationIDFor(c, raw)
	c.Header("X-Conversation-Id", conversationID)
	c.Header("X-ConversationId", conversationID)

	texts := req.MessageTexts()
	inputTokens := countTexts(texts) + usage.CountTokens(rawText(req.System))
	if _, err := d.checkTokenBudget(inputTokens); err != nil {
		renderError(c, dialectAnthropic, err)
		return
	}

	env, err := translator.BuildFromClaude(&req, conversationID, d.translatorOptions())
	if err != nil {
		renderError(c, dialectAnthropic, err)
		return
	}

	var userID string
	if req.Metadata != nil {
		userID = req.Metadata.UserID
	}
	sessionKey := session.Key(userID, texts)

	stream, err := d.Dispatcher.Dispatch(c.Request.Context(), dispatch.Params{
		Key:                middleware.KeyInfo(c),
		Envelope:           env,
		RequestedAccountID: c.GetHeader("X-Account-Id"),
		SessionKey:         sessionKey,
	})
	if err != nil {
		renderError(c, dialectAnthropic, err)
		return
	}
	defer func() { _ = stream.Close() }()

	model := modelmap.Map(req.Model, d.Cfg.Get().AmazonQ.DefaultModel)
	promptTokens := stream.ScaleTokens(inputTokens)
	middleware.RecordTokenUsage(dialectAnthropic, model, "input", promptTokens)

	if req.Stream {
		d.streamMessages(c, stream, model, promptTokens, sessionKey)
		return
	}
	d.completeMessages(c, stream, model, conversationID, promptTokens, sessionKey)
}

// conversationIDFor resolves the conversation id: explicit header, then the
// request body, then a fresh id.
func conversationIDFor(c *gin.Context, raw []byte) string {
	if v := strings.TrimSpace(c.GetHeader("x-conversation-id")); v != "" {
		return v
	}
	var body struct {
		ConversationID  string `json:"conversation_id"`
		ConversationID2 string `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.ConversationID != "" {
			return body.ConversationID
		}
		if body.ConversationID2 != "" {
			return body.ConversationID2
		}
	}
	return uuid.NewString()
}

// rawText extracts plain text from a string-or-blocks JSON value.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// sseEmitter writes Anthropic SSE events and tracks the open content block.
type sseEmitter struct {
	c  *gin.Context
	fl http.Flusher

	blockType string
	blockOpen bool
	index     int
}

func newSSEEmitter(c *gin.Context) *sseEmitter {
	sseHeaders(c)
	return &sseEmitter{c: c, fl: flusher(c), index: -1}
}

func (e *sseEmitter) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = e.c.Writer.WriteString("event: " + name + "\ndata: " + string(data) + "\n\n")
	if e.fl != nil {
		e.fl.Flush()
	}
}

// open starts a content block of the given type, closing any block of a
// different type first. Tool blocks always force a fresh block.
func (e *sseEmitter) open(blockType string, block gin.H) {
	if e.blockOpen && (e.blockType != blockType || blockType == "tool_use") {
		e.closeBlock()
	}
	if e.blockOpen {
		return
	}
	e.index++
	e.blockType = blockType
	e.blockOpen = true
	e.event("content_block_start", gin.H{
		"type":          "content_block_start",
		"index":         e.index,
		"content_block": block,
	})
}

func (e *sseEmitter) delta(delta gin.H) {
	e.event("content_block_delta", gin.H{
		"type":  "content_block_delta",
		"index": e.index,
		"delta": delta,
	})
}

func (e *sseEmitter) closeBlock() {
	if !e.blockOpen {
		return
	}
	e.event("content_block_stop", gin.H{"type": "content_block_stop", "index": e.index})
	e.blockOpen = false
}

func (d *Deps) streamMessages(c *gin.Context, stream *dispatch.Stream, model string, promptTokens int, sessionKey string) {
	e := newSSEEmitter(c)
	messageID := "msg_" + uuid.NewString()

	e.event("message_start", gin.H{
		"type": "message_start",
		"message": gin.H{
			"id":            messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         gin.H{"input_tokens": promptTokens, "output_tokens": 0},
		},
	})
	e.event("ping", gin.H{"type": "ping"})

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.WithError(err).Warn("upstream stream aborted")
			ae := apperrors.AsError(err)
			middleware.RecordAPIError(ae.Code, dialectAnthropic)
			e.closeBlock()
			e.event("error", ae.AnthropicBody())
			d.finishDispatch(stream, sessionKey)
			return
		}
		switch chunk.Kind {
		case dispatch.ChunkText:
			e.open("text", gin.H{"type": "text", "text": ""})
			e.delta(gin.H{"type": "text_delta", "text": chunk.Text})
		case dispatch.ChunkThinking:
			e.open("thinking", gin.H{"type": "thinking", "thinking": ""})
			e.delta(gin.H{"type": "thinking_delta", "thinking": chunk.Text})
		case dispatch.ChunkToolOpen:
			e.open("tool_use", gin.H{
				"type":  "tool_use",
				"id":    chunk.ToolID,
				"name":  chunk.ToolName,
				"input": gin.H{},
			})
		case dispatch.ChunkToolArgs:
			e.delta(gin.H{"type": "input_json_delta", "partial_json": chunk.Text})
		case dispatch.ChunkToolClose:
			e.closeBlock()
		}
	}
	e.closeBlock()

	outputTokens := stream.OutputTokens()
	e.event("message_delta", gin.H{
		"type": "message_delta",
		"delta": gin.H{
			"stop_reason":   stopReason(stream.FinishReason()),
			"stop_sequence": nil,
		},
		"usage": gin.H{"input_tokens": promptTokens, "output_tokens": outputTokens},
	})
	e.event("message_stop", gin.H{"type": "message_stop"})

	middleware.RecordTokenUsage(dialectAnthropic, model, "output", outputTokens)
	d.finishDispatch(stream, sessionKey)
}

func (d *Deps) completeMessages(c *gin.Context, stream *dispatch.Stream, model, conversationID string, promptTokens int, sessionKey string) {
	var text, thinking string
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			renderError(c, dialectAnthropic, err)
			d.finishDispatch(stream, sessionKey)
			return
		}
		switch chunk.Kind {
		case dispatch.ChunkText:
			text += chunk.Text
		case dispatch.ChunkThinking:
			thinking += chunk.Text
		}
	}

	var content []gin.H
	if thinking != "" {
		content = append(content, gin.H{"type": "thinking", "thinking": thinking})
	}
	if text != "" || len(stream.ToolCalls()) == 0 {
		content = append(content, gin.H{"type": "text", "text": text})
	}
	for _, call := range stream.ToolCalls() {
		input := json.RawMessage(`{}`)
		if trimmed := strings.TrimSpace(call.Arguments); trimmed != "" && json.Valid([]byte(trimmed)) {
			input = json.RawMessage(trimmed)
		}
		content = append(content, gin.H{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Name,
			"input": input,
		})
	}

	outputTokens := stream.OutputTokens()
	middleware.RecordTokenUsage(dialectAnthropic, model, "output", outputTokens)
	c.JSON(http.StatusOK, gin.H{
		"id":              "msg_" + uuid.NewString(),
		"type":            "message",
		"role":            "assistant",
		"model":           model,
		"conversation_id": conversationID,
		"conversationId":  conversationID,
		"content":         content,
		"stop_reason":     stopReason(stream.FinishReason()),
		"stop_sequence":   nil,
		"usage": gin.H{
			"input_tokens":  promptTokens,
			"output_tokens": outputTokens,
		},
	})
	d.finishDispatch(stream, sessionKey)
}

// stopReason maps the neutral finish reason onto Anthropic vocabulary.
func stopReason(finish string) string {
	if finish == "tool_calls" {
		return "tool_use"
	}
	return "end_turn"
}

// CountTokens serves POST /v1/messages/count_tokens.
func (d *Deps) CountTokens(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		renderError(c, dialectAnthropic, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "unreadable request body"))
		return
	}
	var req translator.ClaudeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		renderError(c, dialectAnthropic, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	if d.blockDuplicate(c, "/v1/messages/count_tokens", req.Model, raw) {
		return
	}
	total := countTexts(req.MessageTexts()) + usage.CountTokens(rawText(req.System))
	if len(req.Tools) > 0 {
		if b, err := json.Marshal(req.Tools); err == nil {
			total += usage.CountTokens(string(b))
		}
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": d.scaledInputTokens(total)})
}
