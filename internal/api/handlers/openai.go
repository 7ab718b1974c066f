package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/api/middleware"
	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/dispatch"
	"github.com/router-for-me/QProxyAPI/internal/session"
	"github.com/router-for-me/QProxyAPI/internal/translator"
	"github.com/router-for-me/QProxyAPI/internal/translator/modelmap"
)

// ChatCompletions serves POST /v1/chat/completions in the OpenAI dialect.
func (d *Deps) ChatCompletions(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		renderError(c, dialectOpenAI, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "unreadable request body"))
		return
	}
	d.traceBody("/v1/chat/completions", raw)
	var req translator.OpenAIRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		renderError(c, dialectOpenAI, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	if d.blockDuplicate(c, "/v1/chat/completions", req.Model, raw) {
		return
	}

	texts := req.MessageTexts()
	inputTokens := countTexts(texts)
	overCompress, err := d.checkTokenBudget(inputTokens)
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	if overCompress {
		if req.UsesTooling() {
			renderError(c, dialectOpenAI, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest,
				"messages too large for tool mode compression, reduce the conversation size"))
			return
		}
		req = *translator.CompressOpenAI(&req)
		texts = req.MessageTexts()
		inputTokens = countTexts(texts)
	}

	env, err := translator.BuildFromOpenAI(&req, uuid.NewString(), d.translatorOptions())
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}

	sessionKey := session.Key(req.User, texts)
	stream, err := d.Dispatcher.Dispatch(c.Request.Context(), dispatch.Params{
		Key:                middleware.KeyInfo(c),
		Envelope:           env,
		RequestedAccountID: c.GetHeader("X-Account-Id"),
		SessionKey:         sessionKey,
	})
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	defer func() { _ = stream.Close() }()

	model := modelmap.Map(req.Model, d.Cfg.Get().AmazonQ.DefaultModel)
	promptTokens := stream.ScaleTokens(inputTokens)
	middleware.RecordTokenUsage(dialectOpenAI, model, "input", promptTokens)

	if req.Stream {
		d.streamChatCompletion(c, stream, model, promptTokens, sessionKey)
		return
	}
	d.completeChatCompletion(c, stream, model, promptTokens, sessionKey)
}

// oaChunk is one chat.completion.chunk SSE payload.
func oaChunk(id string, created int64, model string, delta gin.H, finish any, usage gin.H) gin.H {
	out := gin.H{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []gin.H{{"index": 0, "delta": delta, "finish_reason": finish}},
	}
	if usage != nil {
		out["usage"] = usage
	}
	return out
}

func (d *Deps) streamChatCompletion(c *gin.Context, stream *dispatch.Stream, model string, promptTokens int, sessionKey string) {
	sseHeaders(c)
	fl := flusher(c)
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	write := func(payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = c.Writer.WriteString("data: " + string(data) + "\n\n")
		if fl != nil {
			fl.Flush()
		}
	}

	write(oaChunk(id, created, model, gin.H{"role": "assistant"}, nil, nil))

	toolIndex := make(map[string]int)
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.WithError(err).Warn("upstream stream aborted")
			ae := apperrors.AsError(err)
			middleware.RecordAPIError(ae.Code, dialectOpenAI)
			write(gin.H{"error": ae.OpenAIBody()["error"]})
			_, _ = c.Writer.WriteString("data: [DONE]\n\n")
			if fl != nil {
				fl.Flush()
			}
			d.finishDispatch(stream, sessionKey)
			return
		}
		switch chunk.Kind {
		case dispatch.ChunkText:
			write(oaChunk(id, created, model, gin.H{"content": chunk.Text}, nil, nil))
		case dispatch.ChunkToolOpen:
			idx := len(toolIndex)
			toolIndex[chunk.ToolID] = idx
			write(oaChunk(id, created, model, gin.H{"tool_calls": []gin.H{{
				"index": idx,
				"id":    chunk.ToolID,
				"type":  "function",
				"function": gin.H{
					"name":      chunk.ToolName,
					"arguments": "",
				},
			}}}, nil, nil))
		case dispatch.ChunkToolArgs:
			write(oaChunk(id, created, model, gin.H{"tool_calls": []gin.H{{
				"index":    toolIndex[chunk.ToolID],
				"function": gin.H{"arguments": chunk.Text},
			}}}, nil, nil))
		}
		// Thinking chunks have no OpenAI representation and are dropped.
	}

	completionTokens := stream.OutputTokens()
	write(oaChunk(id, created, model, gin.H{}, stream.FinishReason(), gin.H{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"total_tokens":      promptTokens + completionTokens,
	}))
	_, _ = c.Writer.WriteString("data: [DONE]\n\n")
	if fl != nil {
		fl.Flush()
	}

	middleware.RecordTokenUsage(dialectOpenAI, model, "output", completionTokens)
	d.finishDispatch(stream, sessionKey)
}

func (d *Deps) completeChatCompletion(c *gin.Context, stream *dispatch.Stream, model string, promptTokens int, sessionKey string) {
	var content string
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			renderError(c, dialectOpenAI, err)
			d.finishDispatch(stream, sessionKey)
			return
		}
		if chunk.Kind == dispatch.ChunkText {
			content += chunk.Text
		}
	}

	message := gin.H{"role": "assistant", "content": content}
	if calls := stream.ToolCalls(); len(calls) > 0 {
		toolCalls := make([]gin.H, 0, len(calls))
		for _, call := range calls {
			args := call.Arguments
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, gin.H{
				"id":   call.ID,
				"type": "function",
				"function": gin.H{
					"name":      call.Name,
					"arguments": args,
				},
			})
		}
		message["tool_calls"] = toolCalls
	}

	completionTokens := stream.OutputTokens()
	middleware.RecordTokenUsage(dialectOpenAI, model, "output", completionTokens)
	c.JSON(http.StatusOK, gin.H{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []gin.H{{
			"index":         0,
			"message":       message,
			"finish_reason": stream.FinishReason(),
		}},
		"usage": gin.H{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
	d.finishDispatch(stream, sessionKey)
}

// finishDispatch records the outcome with a fresh context; the request
// context is often already cancelled by the time the stream ends.
func (d *Deps) finishDispatch(stream *dispatch.Stream, sessionKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	d.Dispatcher.Finish(ctx, stream, sessionKey)
}

// ListModels serves GET /v1/models.
func (d *Deps) ListModels(c *gin.Context) {
	models := modelmap.SupportedModels()
	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{
			"id":       m.ID,
			"object":   "model",
			"created":  0,
			"owned_by": "amazonq",
			"metadata": gin.H{
				"max_tokens":     m.MaxTokens,
				"context_window": m.ContextWindow,
			},
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
