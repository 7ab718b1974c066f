package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyAWSCodeWins(t *testing.T) {
	res := Classify("something odd happened", 200, "AccessDeniedException")
	assert.Equal(t, Suspended, res.Type)
	assert.Contains(t, res.Reason, "AccessDeniedException")
}

func TestClassifyThrottlingTemporary(t *testing.T) {
	res := Classify("request was throttled, retry shortly", 0, "ThrottlingException")
	assert.Equal(t, RateLimited, res.Type)
}

func TestClassifyThrottlingPermanentOnQuotaLanguage(t *testing.T) {
	res := Classify("monthly quota has been reached for this account", 0, "ThrottlingException")
	assert.Equal(t, Suspended, res.Type)
}

func TestClassifyStatusCodes(t *testing.T) {
	assert.Equal(t, AuthError, Classify("x", 401, "").Type)
	assert.Equal(t, Suspended, Classify("x", 403, "").Type)
	assert.Equal(t, Conflict, Classify("x", 409, "").Type)
	assert.Equal(t, RateLimited, Classify("x", 429, "").Type)
}

func TestClassify429PermanentIndicators(t *testing.T) {
	res := Classify("daily quota exceeded, upgrade required", 429, "")
	assert.Equal(t, Suspended, res.Type)
}

func TestClassifySuspensionPatterns(t *testing.T) {
	for _, msg := range []string{
		"Account suspended due to policy violation",
		"access_revoked by administrator",
		"token expired, please re-authenticate",
		"monthly limit exceeded",
	} {
		res := Classify(msg, 0, "")
		assert.Equal(t, Suspended, res.Type, msg)
	}
}

func TestClassifyRateLimitPatterns(t *testing.T) {
	res := Classify("too many requests, slow down", 0, "")
	assert.Equal(t, RateLimited, res.Type)
}

func TestClassifyNetworkPatterns(t *testing.T) {
	res := Classify("connection timeout while reading response", 0, "")
	assert.Equal(t, NetworkError, res.Type)
}

func TestClassifyQuotaIndicators(t *testing.T) {
	res := Classify("usage limit hit for this billing period", 0, "")
	assert.Equal(t, QuotaExceeded, res.Type)
}

func TestClassifyUnknownTruncatesReason(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'z'
	}
	res := Classify(string(long), 0, "")
	assert.Equal(t, Unknown, res.Type)
	assert.Len(t, res.Reason, 100)
}

func TestShouldDisable(t *testing.T) {
	assert.True(t, ShouldDisable(Suspended))
	assert.True(t, ShouldDisable(QuotaExceeded))
	assert.False(t, ShouldDisable(RateLimited))
	assert.False(t, ShouldDisable(AuthError))
}

func TestRetryDelay(t *testing.T) {
	d, ok := RetryDelay(RateLimited)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, d)

	_, ok = RetryDelay(Suspended)
	assert.False(t, ok)

	d, ok = RetryDelay(Unknown)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)
}
