package handlers_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/QProxyAPI/internal/account"
	"github.com/router-for-me/QProxyAPI/internal/api"
	"github.com/router-for-me/QProxyAPI/internal/api/handlers"
	"github.com/router-for-me/QProxyAPI/internal/authflow"
	"github.com/router-for-me/QProxyAPI/internal/config"
	"github.com/router-for-me/QProxyAPI/internal/dedupe"
	"github.com/router-for-me/QProxyAPI/internal/dispatch"
	"github.com/router-for-me/QProxyAPI/internal/eventstream"
	"github.com/router-for-me/QProxyAPI/internal/keymanager"
	"github.com/router-for-me/QProxyAPI/internal/quota"
	"github.com/router-for-me/QProxyAPI/internal/session"
	"github.com/router-for-me/QProxyAPI/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func encodeFrame(headers map[string]string, payload []byte) []byte {
	var headerBuf bytes.Buffer
	for name, value := range headers {
		headerBuf.WriteByte(byte(len(name)))
		headerBuf.WriteString(name)
		headerBuf.WriteByte(7)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(value)))
		headerBuf.Write(l[:])
		headerBuf.WriteString(value)
	}
	totalLen := uint32(12 + headerBuf.Len() + len(payload) + 4)

	var frame bytes.Buffer
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], totalLen)
	frame.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(headerBuf.Len()))
	frame.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], crc32.ChecksumIEEE(frame.Bytes()))
	frame.Write(u32[:])
	frame.Write(headerBuf.Bytes())
	frame.Write(payload)
	binary.BigEndian.PutUint32(u32[:], crc32.ChecksumIEEE(frame.Bytes()))
	frame.Write(u32[:])
	return frame.Bytes()
}

func assistantFrame(content string) []byte {
	payload, _ := json.Marshal(map[string]string{"content": content})
	return encodeFrame(map[string]string{":event-type": eventstream.EventAssistantResponse}, payload)
}

func toolFrame(payload string) []byte {
	return encodeFrame(map[string]string{":event-type": eventstream.EventToolUse}, []byte(payload))
}

type testGateway struct {
	engine *gin.Engine
	apiKey string
	deps   *handlers.Deps
	db     *store.DB
	acc    *account.Account
}

// newGateway wires a full server against a fake upstream.
func newGateway(t *testing.T, upstream http.HandlerFunc, mutate func(*config.Config)) *testGateway {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Metrics = false
	cfg.AmazonQ.BaseURL = srv.URL
	cfg.Security.AdminAPIKey = "admin-secret"
	if mutate != nil {
		mutate(cfg)
	}
	cfgStore := config.NewStore("", cfg)

	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{
		SQLitePath: filepath.Join(t.TempDir(), "gateway.sqlite3"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	accounts := account.NewStore(db, 3, false)
	quotas := quota.NewService(db)
	accounts.SetQuotaRecorder(quotas)
	sessions := session.NewService(db)

	acc, err := accounts.Create(ctx, account.CreateParams{
		Label:        "pool-1",
		ClientID:     "cid",
		ClientSecret: "csec",
		RefreshToken: "rt-pool-1",
		AccessToken:  "at-pool-1",
		ExpiresIn:    3600,
		Enabled:      true,
	})
	require.NoError(t, err)

	keys := keymanager.NewManager(nil, keymanager.Options{
		MasterKey: []byte("0123456789abcdef0123456789abcdef0123456789abcdef"),
	})
	_, apiKey, err := keys.Generate(ctx, keymanager.GenerateOptions{})
	require.NoError(t, err)

	dispatcher := dispatch.New(
		accounts,
		nil,
		dispatch.NewSelector(accounts, quotas, sessions),
		dispatch.NewClient(srv.Client(), cfg.AmazonQ),
		cfg.Tokens.CountMultiplier,
	)

	deps := &handlers.Deps{
		Cfg:        cfgStore,
		Accounts:   accounts,
		Quota:      quotas,
		Keys:       keys,
		Auth:       authflow.NewManager(db, nil, accounts, 10),
		Dispatcher: dispatcher,
		Dedupe: dedupe.New(dedupe.Options{
			Window:  time.Duration(cfg.Dedupe.WindowMS) * time.Millisecond,
			MaxKeys: cfg.Dedupe.MaxKeys,
		}),
	}
	return &testGateway{
		engine: api.New(deps).Engine(),
		apiKey: apiKey,
		deps:   deps,
		db:     db,
		acc:    acc,
	}
}

func (g *testGateway) do(method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	g.engine.ServeHTTP(w, req)
	return w
}

func (g *testGateway) doAuthed(method, path string, body any) *httptest.ResponseRecorder {
	return g.do(method, path, body, map[string]string{"Authorization": "Bearer " + g.apiKey})
}

func chatBody(stream bool) gin.H {
	return gin.H{
		"model":    "claude-sonnet-4",
		"stream":   stream,
		"messages": []gin.H{{"role": "user", "content": "hi there"}},
	}
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(assistantFrame("hello from upstream"))
	}, nil)

	w := g.doAuthed(http.MethodPost, "/v1/chat/completions", chatBody(false))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "chat.completion", res.Object)
	assert.Equal(t, "claude-sonnet-4", res.Model)
	require.Len(t, res.Choices, 1)
	assert.Equal(t, "hello from upstream", res.Choices[0].Message.Content)
	assert.Equal(t, "stop", res.Choices[0].FinishReason)
	assert.Greater(t, res.Usage.CompletionTokens, 0)
	assert.Equal(t, res.Usage.PromptTokens+res.Usage.CompletionTokens, res.Usage.TotalTokens)

	// The serving account is credited.
	got, err := g.deps.Accounts.Get(context.Background(), g.acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SuccessCount)
}

func TestChatCompletionsStreaming(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(assistantFrame("chunk one "))
		_, _ = w.Write(assistantFrame("chunk one and two"))
	}, nil)

	w := g.doAuthed(http.MethodPost, "/v1/chat/completions", chatBody(true))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))

	var sawRole bool
	var content string
	var finish string
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
			continue
		}
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(line[len("data: "):]), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		require.Len(t, chunk.Choices, 1)
		if chunk.Choices[0].Delta.Role == "assistant" {
			sawRole = true
		}
		content += chunk.Choices[0].Delta.Content
		if chunk.Choices[0].FinishReason != nil {
			finish = *chunk.Choices[0].FinishReason
		}
	}
	assert.True(t, sawRole)
	assert.Equal(t, "chunk one and two", content)
	assert.Equal(t, "stop", finish)
}

func TestChatCompletionsToolCalls(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(toolFrame(`{"toolUseId":"t1","name":"get_weather","input":"{\"city\":\"sf\"}","stop":true}`))
	}, nil)

	body := chatBody(false)
	body["tools"] = []gin.H{{
		"type": "function",
		"function": gin.H{
			"name":       "get_weather",
			"parameters": gin.H{"type": "object"},
		},
	}}
	w := g.doAuthed(http.MethodPost, "/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		Choices []struct {
			Message struct {
				ToolCalls []struct {
					ID       string `json:"id"`
					Type     string `json:"type"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Choices, 1)
	assert.Equal(t, "tool_calls", res.Choices[0].FinishReason)
	require.Len(t, res.Choices[0].Message.ToolCalls, 1)
	call := res.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "t1", call.ID)
	assert.Equal(t, "function", call.Type)
	assert.Equal(t, "get_weather", call.Function.Name)
	assert.JSONEq(t, `{"city":"sf"}`, call.Function.Arguments)
}

func TestMessagesNonStreaming(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(assistantFrame("anthropic answer"))
	}, nil)

	w := g.doAuthed(http.MethodPost, "/v1/messages", gin.H{
		"model":    "claude-sonnet-4",
		"messages": []gin.H{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Conversation-Id"))
	assert.Equal(t, w.Header().Get("X-Conversation-Id"), w.Header().Get("X-ConversationId"))

	var res struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Role       string `json:"role"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, strings.HasPrefix(res.ID, "msg_"))
	assert.Equal(t, "message", res.Type)
	assert.Equal(t, "assistant", res.Role)
	assert.Equal(t, "end_turn", res.StopReason)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	assert.Equal(t, "anthropic answer", res.Content[0].Text)
	assert.Greater(t, res.Usage.OutputTokens, 0)
}

func TestMessagesHonorsConversationHeader(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(assistantFrame("ok"))
	}, nil)

	w := g.do(http.MethodPost, "/v1/messages", gin.H{
		"model":    "claude-sonnet-4",
		"messages": []gin.H{{"role": "user", "content": "hi"}},
	}, map[string]string{
		"Authorization":     "Bearer " + g.apiKey,
		"x-conversation-id": "conv-42",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "conv-42", w.Header().Get("X-Conversation-Id"))
}

func TestMessagesStreaming(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(assistantFrame("<thinking>why</thinking>because"))
		_, _ = w.Write(encodeFrame(map[string]string{":event-type": eventstream.EventAssistantEnd}, []byte(`{}`)))
	}, nil)

	w := g.doAuthed(http.MethodPost, "/v1/messages", gin.H{
		"model":    "claude-sonnet-4",
		"stream":   true,
		"messages": []gin.H{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			events = append(events, line[len("event: "):])
		}
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "message_start", events[0])
	assert.Equal(t, "ping", events[1])
	assert.Equal(t, "message_stop", events[len(events)-1])
	assert.Contains(t, events, "content_block_start")
	assert.Contains(t, events, "content_block_delta")
	assert.Contains(t, events, "content_block_stop")
	assert.Contains(t, events, "message_delta")

	// Thinking streams as its own block before the text block.
	assert.Contains(t, body, `"thinking_delta"`)
	assert.Contains(t, body, `"text_delta"`)
	assert.Contains(t, body, `"stop_reason":"end_turn"`)
}

func TestCountTokens(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {}, nil)

	w := g.doAuthed(http.MethodPost, "/v1/messages/count_tokens", gin.H{
		"model":    "claude-sonnet-4",
		"system":   "be brief",
		"messages": []gin.H{{"role": "user", "content": "how many tokens is this"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		InputTokens int `json:"input_tokens"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Greater(t, res.InputTokens, 0)
}

func TestCountTokensDuplicateBlocked(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {}, func(cfg *config.Config) {
		cfg.Dedupe.WindowMS = 60_000
	})

	body := gin.H{
		"model":    "claude-sonnet-4",
		"messages": []gin.H{{"role": "user", "content": "count me"}},
	}
	header := map[string]string{
		"Authorization": "Bearer " + g.apiKey,
		"X-End-User-Id": "user-7",
	}

	first := g.do(http.MethodPost, "/v1/messages/count_tokens", body, header)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := g.do(http.MethodPost, "/v1/messages/count_tokens", body, header)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "Duplicate request blocked")
}

func TestAuthRequired(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {}, nil)

	w := g.do(http.MethodPost, "/v1/chat/completions", chatBody(false), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing API key")

	w = g.do(http.MethodPost, "/v1/chat/completions", chatBody(false),
		map[string]string{"Authorization": "Bearer sk-bogus"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestModelsArePublic(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {}, nil)

	w := g.do(http.MethodGet, "/v1/models", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Object string `json:"object"`
		Data   []struct {
			ID       string `json:"id"`
			OwnedBy  string `json:"owned_by"`
			Metadata struct {
				MaxTokens     int `json:"max_tokens"`
				ContextWindow int `json:"context_window"`
			} `json:"metadata"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "list", res.Object)
	require.NotEmpty(t, res.Data)
	for _, m := range res.Data {
		assert.Equal(t, "amazonq", m.OwnedBy)
		assert.Equal(t, 8192, m.Metadata.MaxTokens)
		assert.Equal(t, 1_000_000, m.Metadata.ContextWindow)
	}
}

func TestDuplicateRequestBlocked(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(assistantFrame("ok"))
	}, func(cfg *config.Config) {
		cfg.Dedupe.WindowMS = 60_000
	})

	first := g.doAuthed(http.MethodPost, "/v1/chat/completions", chatBody(false))
	require.Equal(t, http.StatusOK, first.Code)

	second := g.doAuthed(http.MethodPost, "/v1/chat/completions", chatBody(false))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	var res struct {
		Message      string `json:"message"`
		RetryAfterMS int64  `json:"retry_after_ms"`
		Fingerprint  string `json:"fingerprint"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &res))
	assert.Equal(t, "Duplicate request blocked", res.Message)
	assert.Greater(t, res.RetryAfterMS, int64(0))
	assert.Len(t, res.Fingerprint, 12)

	// The bypass header opts a single request out.
	third := g.do(http.MethodPost, "/v1/chat/completions", chatBody(false), map[string]string{
		"Authorization":   "Bearer " + g.apiKey,
		"X-Dedupe-Bypass": "1",
	})
	assert.Equal(t, http.StatusOK, third.Code)
}

func TestOversizedPromptRejected(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {}, func(cfg *config.Config) {
		cfg.Tokens.MaxTokensPerRequest = 3
	})

	w := g.doAuthed(http.MethodPost, "/v1/chat/completions", gin.H{
		"model":    "claude-sonnet-4",
		"messages": []gin.H{{"role": "user", "content": strings.Repeat("many words here ", 50)}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "maximum prompt size")
}

func TestHealthEndpoint(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {}, nil)

	w := g.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"enabled_accounts":1`)
}

func TestAdminRequiresKey(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {}, nil)

	w := g.do(http.MethodGet, "/admin/accounts", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = g.do(http.MethodGet, "/admin/accounts", nil, map[string]string{"X-Admin-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = g.do(http.MethodGet, "/admin/accounts", nil, map[string]string{"X-Admin-Key": "admin-secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminUnconfiguredIs503(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {}, func(cfg *config.Config) {
		cfg.Security.AdminAPIKey = ""
	})

	w := g.do(http.MethodGet, "/admin/accounts", nil, map[string]string{"X-Admin-Key": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminAccountLifecycle(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {}, nil)
	adminHeader := map[string]string{"X-Admin-Key": "admin-secret"}

	w := g.do(http.MethodPost, "/admin/accounts", gin.H{
		"label":        "second",
		"clientId":     "cid-2",
		"clientSecret": "csec-2",
		"refreshToken": "rt-second",
		"accessToken":  "at-second-long-enough",
		"expiresIn":    3600,
	}, adminHeader)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		ID           string `json:"id"`
		RefreshToken string `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.NotContains(t, created.RefreshToken, "rt-second")

	w = g.do(http.MethodGet, "/admin/accounts", nil, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":2`)

	w = g.do(http.MethodPost, "/admin/accounts/"+created.ID+"/disable", gin.H{"reason": "maintenance"}, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)

	w = g.do(http.MethodGet, "/admin/accounts/"+created.ID, nil, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"enabled":false`)

	w = g.do(http.MethodPost, "/admin/accounts/"+created.ID+"/enable", nil, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)

	w = g.do(http.MethodDelete, "/admin/accounts/"+created.ID, nil, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)

	w = g.do(http.MethodGet, "/admin/accounts/"+created.ID, nil, adminHeader)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminKeyLifecycle(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(assistantFrame("ok"))
	}, nil)
	adminHeader := map[string]string{"X-Admin-Key": "admin-secret"}

	w := g.do(http.MethodPost, "/admin/keys", gin.H{"expiresInDays": 7}, adminHeader)
	require.Equal(t, http.StatusCreated, w.Code)

	var issued struct {
		KeyID  string `json:"keyId"`
		APIKey string `json:"apiKey"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	require.NotEmpty(t, issued.KeyID)
	assert.True(t, strings.HasPrefix(issued.APIKey, "sk-"))

	// The fresh key authenticates chat requests.
	chat := g.do(http.MethodPost, "/v1/chat/completions", chatBody(false),
		map[string]string{"Authorization": "Bearer " + issued.APIKey})
	assert.Equal(t, http.StatusOK, chat.Code)

	w = g.do(http.MethodGet, "/admin/keys", nil, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), issued.KeyID)
	assert.NotContains(t, w.Body.String(), issued.APIKey)

	w = g.do(http.MethodPost, "/admin/keys/"+issued.KeyID+"/revoke", gin.H{"reason": "test"}, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)

	chat = g.do(http.MethodPost, "/v1/chat/completions", chatBody(false),
		map[string]string{"Authorization": "Bearer " + issued.APIKey})
	assert.Equal(t, http.StatusUnauthorized, chat.Code)
}

func TestAdminQuotaStats(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(assistantFrame("ok"))
	}, nil)

	// One successful request records usage.
	w := g.doAuthed(http.MethodPost, "/v1/chat/completions", chatBody(false))
	require.Equal(t, http.StatusOK, w.Code)

	adminHeader := map[string]string{"X-Admin-Key": "admin-secret"}
	w = g.do(http.MethodGet, "/admin/quota", nil, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), g.acc.ID)

	w = g.do(http.MethodGet, "/admin/quota/"+g.acc.ID, nil, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"request_count":1`)

	w = g.do(http.MethodGet, "/admin/quota/alerts", nil, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)
}
