package keymanager

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef0123456789abcdef")
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(nil, Options{MasterKey: testMasterKey()})
}

func TestGenerateKeyFormat(t *testing.T) {
	m := newTestManager(t)
	keyID, apiKey, err := m.Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)

	assert.Len(t, keyID, 32)
	assert.True(t, strings.HasPrefix(apiKey, "sk-"))
	assert.Len(t, apiKey, 51)
	for _, r := range apiKey[3:] {
		assert.True(t, (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'), string(r))
	}

	info, ok := m.Get(keyID)
	require.True(t, ok)
	assert.Equal(t, StatusActive, info.Status)
	assert.Len(t, info.Salt, 64)
	require.NotNil(t, info.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(180*24*time.Hour), *info.ExpiresAt, time.Minute)
}

func TestVerifyRoundTrip(t *testing.T) {
	m := newTestManager(t)
	keyID, apiKey, err := m.Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)

	info := m.Verify(context.Background(), apiKey, "10.0.0.1", "test-client")
	require.NotNil(t, info)
	assert.Equal(t, keyID, info.KeyID)
	assert.EqualValues(t, 1, info.UsageCount)
	assert.NotNil(t, info.LastUsed)
}

func TestVerifyRejectsBadFormatAndUnknown(t *testing.T) {
	m := newTestManager(t)
	assert.Nil(t, m.Verify(context.Background(), "", "1.2.3.4", ""))
	assert.Nil(t, m.Verify(context.Background(), "api-notsk", "1.2.3.4", ""))
	assert.Nil(t, m.Verify(context.Background(), "sk-"+strings.Repeat("x", 48), "1.2.3.4", ""))
}

func TestVerifyMaxUsesDeactivates(t *testing.T) {
	m := newTestManager(t)
	keyID, apiKey, err := m.Generate(context.Background(), GenerateOptions{MaxUses: 1})
	require.NoError(t, err)

	require.NotNil(t, m.Verify(context.Background(), apiKey, "", ""))
	assert.Nil(t, m.Verify(context.Background(), apiKey, "", ""))

	info, ok := m.Get(keyID)
	require.True(t, ok)
	assert.Equal(t, StatusInactive, info.Status)
}

func TestVerifyIPAllowList(t *testing.T) {
	m := newTestManager(t)
	_, apiKey, err := m.Generate(context.Background(), GenerateOptions{AllowedIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)

	assert.Nil(t, m.Verify(context.Background(), apiKey, "10.0.0.2", ""))
	assert.NotNil(t, m.Verify(context.Background(), apiKey, "10.0.0.1", ""))
}

func TestVerifyUserAgentAllowListIsSubstring(t *testing.T) {
	m := newTestManager(t)
	_, apiKey, err := m.Generate(context.Background(), GenerateOptions{AllowedUserAgents: []string{"python-requests"}})
	require.NoError(t, err)

	assert.Nil(t, m.Verify(context.Background(), apiKey, "", "curl/8.0"))
	assert.NotNil(t, m.Verify(context.Background(), apiKey, "", "Python-Requests/2.31"))
}

func TestVerifyRateLimit(t *testing.T) {
	m := newTestManager(t)
	_, apiKey, err := m.Generate(context.Background(), GenerateOptions{RateLimitPerMinute: 2})
	require.NoError(t, err)

	assert.NotNil(t, m.Verify(context.Background(), apiKey, "", ""))
	assert.NotNil(t, m.Verify(context.Background(), apiKey, "", ""))
	assert.Nil(t, m.Verify(context.Background(), apiKey, "", ""))
}

func TestRepeatedFailuresCompromiseKey(t *testing.T) {
	m := newTestManager(t)
	keyID, apiKey, err := m.Generate(context.Background(), GenerateOptions{AllowedIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Nil(t, m.Verify(context.Background(), apiKey, "6.6.6.6", ""))
	}
	info, ok := m.Get(keyID)
	require.True(t, ok)
	assert.Equal(t, StatusCompromised, info.Status)
}

func TestRevokeAndRotate(t *testing.T) {
	m := newTestManager(t)
	keyID, apiKey, err := m.Generate(context.Background(), GenerateOptions{
		MaxUses:            10,
		AllowedAccountIDs:  []string{"acc-1"},
		DefaultAccountID:   "acc-2",
		RateLimitPerMinute: 42,
	})
	require.NoError(t, err)

	newID, newKey, err := m.Rotate(context.Background(), keyID)
	require.NoError(t, err)
	assert.NotEqual(t, keyID, newID)
	assert.NotEqual(t, apiKey, newKey)

	// Old key no longer verifies, new one carries the constraints over.
	assert.Nil(t, m.Verify(context.Background(), apiKey, "", ""))
	info := m.Verify(context.Background(), newKey, "", "")
	require.NotNil(t, info)
	assert.EqualValues(t, 10, info.MaxUses)
	assert.Equal(t, 42, info.RateLimitPerMinute)
	assert.Equal(t, "acc-2", info.DefaultAccountID)
	assert.ElementsMatch(t, []string{"acc-1", "acc-2"}, info.AllowedAccountIDs)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := newTestManager(t)
	cipher, err := m.encryptKey("sk-secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cipher, "enc-v1:"))

	plain, upgrade := m.decryptKey(cipher)
	assert.Equal(t, "sk-secret", plain)
	assert.False(t, upgrade)
}

func TestDecryptedKeyOnlyForActive(t *testing.T) {
	m := newTestManager(t)
	keyID, apiKey, err := m.Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)

	plain, ok := m.DecryptedKey(keyID)
	require.True(t, ok)
	assert.Equal(t, apiKey, plain)

	m.Revoke(context.Background(), keyID, "test")
	_, ok = m.DecryptedKey(keyID)
	assert.False(t, ok)
}

func TestDecodeMasterKeyFormats(t *testing.T) {
	// Characters outside the base64 and hex alphabets force the raw path.
	raw := "!raw-master-key-that-is-long-enough-to-use!"
	key, err := decodeMasterKey(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte(raw), key)

	// Base64 is tried first, so any alphanumeric value decodes that way.
	key, err = decodeMasterKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(key), 32)

	_, err = decodeMasterKey("tooshort")
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, salt, err := HashPassword("hunter2", "")
	require.NoError(t, err)
	assert.Len(t, salt, 32)

	assert.True(t, VerifyPassword("hunter2", hash, salt))
	assert.False(t, VerifyPassword("hunter3", hash, salt))
}

func TestVerifyHonorsAuditorIPBlock(t *testing.T) {
	auditor := NewAuditor(nil)
	m := NewManager(nil, Options{MasterKey: testMasterKey(), Auditor: auditor})
	_, apiKey, err := m.Generate(context.Background(), GenerateOptions{})
	require.NoError(t, err)

	// A handful of failures is suspicious but does not block the IP.
	for i := 0; i < 5; i++ {
		auditor.RecordFailedLogin(context.Background(), "6.6.6.6", "ua")
	}
	assert.NotNil(t, m.Verify(context.Background(), apiKey, "6.6.6.6", "ua"))

	for i := 0; i < 16; i++ {
		auditor.RecordFailedLogin(context.Background(), "6.6.6.6", "ua")
	}
	assert.Nil(t, m.Verify(context.Background(), apiKey, "6.6.6.6", "ua"))
	assert.NotNil(t, m.Verify(context.Background(), apiKey, "7.7.7.7", "ua"))
}

func TestFailedVerifiesFeedAuditor(t *testing.T) {
	auditor := NewAuditor(nil)
	m := NewManager(nil, Options{MasterKey: testMasterKey(), Auditor: auditor})
	for i := 0; i < 21; i++ {
		assert.Nil(t, m.Verify(context.Background(), "sk-"+strings.Repeat("x", 48), "5.5.5.5", "ua"))
	}
	assert.True(t, auditor.IsIPBlocked("5.5.5.5"))
	assert.False(t, auditor.IsIPBlocked("4.4.4.4"))
}

func TestAuditorBlocksAfterThreshold(t *testing.T) {
	a := NewAuditor(nil)
	for i := 0; i < 21; i++ {
		a.RecordFailedLogin(context.Background(), "9.9.9.9", "ua")
	}
	assert.True(t, a.IsIPBlocked("9.9.9.9"))
	assert.False(t, a.IsIPBlocked("8.8.8.8"))
	assert.NotEmpty(t, a.RecentActivities())
}
