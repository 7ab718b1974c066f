package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/QProxyAPI/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{
		SQLitePath: filepath.Join(t.TempDir(), "test.sqlite3"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(db)
}

func TestKeyStableAcrossConversationGrowth(t *testing.T) {
	opening := []string{"hello", "hi there", "how are you"}
	grown := append(append([]string{}, opening...), "fourth", "fifth")
	assert.Equal(t, Key("", opening), Key("", grown))
	assert.Len(t, Key("", opening), 16)
}

func TestKeyVariesByUserAndContent(t *testing.T) {
	msgs := []string{"hello"}
	assert.NotEqual(t, Key("user-a", msgs), Key("user-b", msgs))
	assert.NotEqual(t, Key("", []string{"hello"}), Key("", []string{"goodbye"}))
}

func TestBindAndLookup(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	key := Key("user", []string{"hello"})

	require.NoError(t, s.Bind(ctx, key, "acc-1"))
	got, err := s.Account(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", got)

	// Rebinding replaces the account.
	require.NoError(t, s.Bind(ctx, key, "acc-2"))
	got, err = s.Account(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "acc-2", got)
}

func TestExpiredBindingNotReturned(t *testing.T) {
	s := newTestService(t)
	s.ttl = -time.Minute
	ctx := context.Background()
	key := Key("", []string{"stale"})

	require.NoError(t, s.Bind(ctx, key, "acc-1"))
	got, err := s.Account(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCleanupExpired(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	s.ttl = -time.Minute
	require.NoError(t, s.Bind(ctx, "dead", "acc-1"))
	s.ttl = DefaultTTL
	require.NoError(t, s.Bind(ctx, "live", "acc-2"))

	n, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Account(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, "acc-2", got)
}
