package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/QProxyAPI/internal/classifier"
	"github.com/router-for-me/QProxyAPI/internal/config"
	"github.com/router-for-me/QProxyAPI/internal/translator"
)

// maxErrorBody caps how much of an upstream error response is retained for
// classification and logging.
const maxErrorBody = 64 * 1024

// UpstreamError is a non-200 answer (or an in-stream error frame) from the
// assistant endpoint, already classified.
type UpstreamError struct {
	StatusCode int
	Code       string
	Message    string
	Class      classifier.Result
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream error %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Client posts conversation envelopes to the Amazon Q streaming endpoint.
type Client struct {
	http *http.Client
	cfg  config.AmazonQ
}

// NewClient wires the upstream client. httpClient may be nil.
func NewClient(httpClient *http.Client, cfg config.AmazonQ) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, cfg: cfg}
}

func (c *Client) endpoint() string {
	path := c.cfg.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// Send posts the envelope and returns the raw event stream body. Non-200
// responses are drained and returned as *UpstreamError.
func (c *Client) Send(ctx context.Context, accessToken string, env *translator.Envelope) (io.ReadCloser, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("X-Amz-Target", c.cfg.Target)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("X-Amz-User-Agent", c.cfg.AmzUserAgent)
	req.Header.Set("X-Amzn-Codewhisperer-Optout", c.cfg.Optout)
	req.Header.Set("Amz-Sdk-Request", "attempt=1; max=3")
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	code := errorCode(resp.Header.Get("X-Amzn-Errortype"), body)
	message := errorMessage(body)
	return nil, &UpstreamError{
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    message,
		Class:      classifier.Classify(message, resp.StatusCode, code),
	}
}

// errorCode resolves the upstream error code from the x-amzn-errortype header
// or the __type payload field. Both may carry namespace and URI decoration.
func errorCode(header string, body []byte) string {
	code := header
	if code == "" {
		code = gjson.GetBytes(body, "__type").String()
	}
	if idx := strings.Index(code, ":"); idx >= 0 {
		code = code[:idx]
	}
	if idx := strings.LastIndex(code, "#"); idx >= 0 {
		code = code[idx+1:]
	}
	return strings.TrimSpace(code)
}

func errorMessage(body []byte) string {
	for _, path := range []string{"message", "Message", "reason"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}
