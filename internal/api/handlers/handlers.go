// Package handlers implements the gateway's HTTP endpoints: the OpenAI and
// Anthropic chat dialects backed by the dispatcher, and the admin surface
// for accounts, keys, quota, and enrollment.
package handlers

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/account"
	"github.com/router-for-me/QProxyAPI/internal/api/middleware"
	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/authflow"
	"github.com/router-for-me/QProxyAPI/internal/config"
	"github.com/router-for-me/QProxyAPI/internal/dedupe"
	"github.com/router-for-me/QProxyAPI/internal/dispatch"
	"github.com/router-for-me/QProxyAPI/internal/keymanager"
	"github.com/router-for-me/QProxyAPI/internal/quota"
	"github.com/router-for-me/QProxyAPI/internal/translator"
	"github.com/router-for-me/QProxyAPI/internal/usage"
	"github.com/router-for-me/QProxyAPI/internal/util"
)

// Dialect labels for error rendering and metrics.
const (
	dialectOpenAI    = "openai"
	dialectAnthropic = "anthropic"
)

// Deps carries everything the handlers need.
type Deps struct {
	Cfg        *config.Store
	Accounts   *account.Store
	Refresher  *account.Refresher
	Quota      *quota.Service
	Keys       *keymanager.Manager
	Auth       *authflow.Manager
	Dispatcher *dispatch.Dispatcher
	Dedupe     *dedupe.Detector
}

// renderError writes err in the requested dialect's error envelope.
func renderError(c *gin.Context, dialect string, err error) {
	ae := apperrors.AsError(err)
	if ae.StatusCode >= 500 {
		log.WithError(err).Error("request failed")
	}
	middleware.RecordAPIError(ae.Code, dialect)
	if dialect == dialectAnthropic {
		c.JSON(ae.StatusCode, ae.AnthropicBody())
		return
	}
	c.JSON(ae.StatusCode, ae.OpenAIBody())
}

// blockDuplicate answers 429 when the request repeats inside the dedupe
// window. Returns true when the request was blocked.
func (d *Deps) blockDuplicate(c *gin.Context, path, model string, raw []byte) bool {
	det := d.Dedupe
	if !det.Enabled() {
		return false
	}
	fp := dedupe.FingerprintDrop(raw, "stream")
	key := det.Key(c.Request, path, model, fp)
	blocked, retry := det.ShouldBlock(c.Request, key)
	if !blocked {
		return false
	}
	retryMS := retry.Milliseconds()
	retrySec := int(math.Ceil(float64(retryMS) / 1000))
	if retrySec < 1 {
		retrySec = 1
	}
	if d.Cfg.Get().Dedupe.TraceEnabled {
		log.Infof("duplicate request blocked on %s (fp=%s, retry in %dms)", path, fp[:12], retryMS)
	}
	middleware.RecordAPIError(apperrors.CodeDuplicateRequest, path)
	c.Header("Retry-After", strconv.Itoa(retrySec))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"message":        "Duplicate request blocked",
		"retry_after_ms": retryMS,
		"fingerprint":    fp[:12],
	})
	return true
}

// traceBody logs the inbound request body at debug level when verbose
// request logging is on. Credential-bearing fields are redacted first.
func (d *Deps) traceBody(path string, raw []byte) {
	if !d.Cfg.Get().RequestLog {
		return
	}
	log.WithField("path", path).Debugf("request body: %s", util.RedactSensitiveJSON(raw))
}

// countTexts sums token counts over message texts.
func countTexts(texts []string) int {
	total := 0
	for _, t := range texts {
		total += usage.CountTokens(t)
	}
	return total
}

// translatorOptions builds the conversion options from live config.
func (d *Deps) translatorOptions() translator.Options {
	cfg := d.Cfg.Get()
	return translator.Options{
		OperatingSystem:  cfg.AmazonQ.ClientOS,
		WorkingDirectory: cfg.AmazonQ.ClientCWD,
		DefaultModel:     cfg.AmazonQ.DefaultModel,
		Strict:           cfg.DebugMessageConversion,
	}
}

// scaledInputTokens applies the configured count multiplier.
func (d *Deps) scaledInputTokens(tokens int) int {
	m := d.Cfg.Get().Tokens.CountMultiplier
	if m <= 0 {
		return tokens
	}
	return int(float64(tokens) * m)
}

// checkTokenBudget rejects requests whose prompt exceeds the hard limit.
// Returns whether the prompt is over the compression threshold.
func (d *Deps) checkTokenBudget(inputTokens int) (overCompress bool, err error) {
	limits := d.Cfg.Get().Tokens
	if limits.MaxTokensPerRequest > 0 && inputTokens > limits.MaxTokensPerRequest {
		return false, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest,
			"request exceeds the maximum prompt size of "+strconv.Itoa(limits.MaxTokensPerRequest)+" tokens")
	}
	return limits.CompressThreshold > 0 && inputTokens > limits.CompressThreshold, nil
}

// flusher returns the response flusher; SSE requires one.
func flusher(c *gin.Context) http.Flusher {
	f, _ := c.Writer.(http.Flusher)
	return f
}

// sseHeaders prepares the response for server-sent events.
func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// finishTimeout bounds the bookkeeping writes after a response ends.
const finishTimeout = 10 * time.Second
