package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSensitiveQuery(t *testing.T) {
	assert.Equal(t, "", MaskSensitiveQuery(""))
	assert.Equal(t, "page=2", MaskSensitiveQuery("page=2"))

	masked := MaskSensitiveQuery("api_key=sk-secret&page=2")
	assert.Contains(t, masked, "api_key=%5BREDACTED%5D")
	assert.Contains(t, masked, "page=2")

	// Unparseable queries are dropped wholesale rather than leaked.
	assert.Equal(t, "[REDACTED]", MaskSensitiveQuery("a=%zz"))
}

func TestRedactSensitiveJSON(t *testing.T) {
	out := RedactSensitiveJSON([]byte(`{"model":"m","api_key":"sk-1","nested":{"password":"p"}}`))
	assert.Contains(t, string(out), `"api_key":"[REDACTED]"`)
	assert.Contains(t, string(out), `"password":"[REDACTED]"`)
	assert.Contains(t, string(out), `"model":"m"`)

	// Non-JSON bodies pass through untouched.
	raw := []byte("plain text token=abc")
	assert.Equal(t, raw, RedactSensitiveJSON(raw))
}
