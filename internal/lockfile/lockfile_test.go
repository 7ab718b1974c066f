package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	m, err := NewManager(t.TempDir(), time.Second, time.Minute)
	require.NoError(t, err)

	lock, err := m.Acquire(context.Background(), "token_refresh_acc-1")
	require.NoError(t, err)

	_, statErr := os.Stat(lock.path)
	assert.NoError(t, statErr)

	lock.Release()
	_, statErr = os.Stat(lock.path)
	assert.True(t, os.IsNotExist(statErr))

	// Release is idempotent.
	lock.Release()
}

func TestAcquireTimesOutOnContention(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 300*time.Millisecond, time.Minute)
	require.NoError(t, err)

	held, err := m.Acquire(context.Background(), "shared")
	require.NoError(t, err)
	defer held.Release()

	_, err = m.Acquire(context.Background(), "shared")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire timeout")
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	m, err := NewManager(t.TempDir(), 10*time.Second, time.Minute)
	require.NoError(t, err)

	held, err := m.Acquire(context.Background(), "shared")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "shared")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSanitizeLockNames(t *testing.T) {
	m, err := NewManager(t.TempDir(), time.Second, time.Minute)
	require.NoError(t, err)

	lock, err := m.Acquire(context.Background(), "acc/../../etc")
	require.NoError(t, err)
	defer lock.Release()

	assert.Equal(t, "acc_.._.._etc.lock", filepath.Base(lock.path))
}
