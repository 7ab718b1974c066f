package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/config"
	"github.com/router-for-me/QProxyAPI/internal/keymanager"
)

// keyInfoContextKey is where APIKeyAuth stores the verified key record.
const keyInfoContextKey = "qproxy.keyinfo"

// ClientIP resolves the caller address, trusting the usual proxy headers
// in order and falling back to the socket address.
func ClientIP(r *http.Request) string {
	for _, name := range []string{"CF-Connecting-IP", "True-Client-IP", "X-Real-IP", "X-Forwarded-For"} {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			if first := strings.TrimSpace(strings.Split(v, ",")[0]); first != "" {
				return first
			}
		}
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

// bearerToken pulls the API key from the Authorization header or the
// Anthropic-style x-api-key header.
func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// APIKeyAuth verifies the client key and stores its record in the request
// context. Rejections use the OpenAI error envelope, which Anthropic SDKs
// also surface sensibly.
func APIKeyAuth(keys *keymanager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			e := apperrors.New(http.StatusUnauthorized, apperrors.CodeInvalidAPIKey, "missing API key")
			RecordAPIError(e.Code, "auth")
			c.AbortWithStatusJSON(e.StatusCode, e.OpenAIBody())
			return
		}
		info := keys.Verify(c.Request.Context(), token, ClientIP(c.Request), c.Request.UserAgent())
		if info == nil {
			e := apperrors.New(http.StatusUnauthorized, apperrors.CodeInvalidAPIKey, "invalid or expired API key")
			RecordAPIError(e.Code, "auth")
			c.AbortWithStatusJSON(e.StatusCode, e.OpenAIBody())
			return
		}
		c.Set(keyInfoContextKey, info)
		c.Next()
	}
}

// KeyInfo returns the verified key stored by APIKeyAuth, or nil on
// unauthenticated routes.
func KeyInfo(c *gin.Context) *keymanager.KeyInfo {
	if v, ok := c.Get(keyInfoContextKey); ok {
		if info, ok := v.(*keymanager.KeyInfo); ok {
			return info
		}
	}
	return nil
}

// AdminAuth gates the management endpoints behind the X-Admin-Key header.
// When no admin key is configured the whole surface answers 503.
func AdminAuth(cfg *config.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := cfg.Get().Security.AdminAPIKey
		if expected == "" {
			e := apperrors.New(http.StatusServiceUnavailable, apperrors.CodeInternal, "admin API key not configured")
			c.AbortWithStatusJSON(e.StatusCode, e.OpenAIBody())
			return
		}
		got := strings.TrimSpace(c.GetHeader("X-Admin-Key"))
		if got == "" {
			got = bearerToken(c.Request)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			e := apperrors.New(http.StatusUnauthorized, apperrors.CodeInvalidAPIKey, "invalid admin key")
			RecordAPIError(e.Code, "admin")
			c.AbortWithStatusJSON(e.StatusCode, e.OpenAIBody())
			return
		}
		c.Next()
	}
}
