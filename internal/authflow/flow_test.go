package authflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/QProxyAPI/internal/account"
	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/oidc"
	"github.com/router-for-me/QProxyAPI/internal/store"
)

func newTestManager(t *testing.T, handler http.Handler) (*Manager, *account.Store, *store.DB) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	db, err := store.Open(context.Background(), store.Config{
		SQLitePath: filepath.Join(t.TempDir(), "test.sqlite3"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	accounts := account.NewStore(db, 3, false)
	client := oidc.NewClient(srv.Client(), oidc.Config{
		BaseURL:              srv.URL,
		KiroTokenURLTemplate: srv.URL + "/%s/token",
	})
	return NewManager(db, client, accounts, 0), accounts, db
}

// deviceFlowHandler emulates the register/authorize/token endpoints for a
// flow that succeeds immediately.
func deviceFlowHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/client/register", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"clientId": "cid", "clientSecret": "csec"})
	})
	mux.HandleFunc("/device_authorization", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"deviceCode":              "dev",
			"userCode":                "ABCD-1234",
			"verificationUriComplete": "https://device.example/approve",
			"interval":                1,
			"expiresIn":               600,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "at",
			"refreshToken": "rt",
			"expiresIn":    3600,
		})
	})
	return mux
}

func waitForStatus(t *testing.T, m *Manager, authID, want string) *StatusResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Status(context.Background(), authID)
		require.NoError(t, err)
		if st.Status == want {
			return st
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("status never reached %q", want)
	return nil
}

func TestDeviceFlowCompletesAndCreatesAccount(t *testing.T) {
	m, accounts, _ := newTestManager(t, deviceFlowHandler())
	ctx := context.Background()

	res, err := m.Start(ctx, StartParams{Label: "team account"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AuthID)
	assert.Equal(t, "ABCD-1234", res.UserCode)
	assert.Equal(t, "https://device.example/approve", res.AuthURL)

	st := waitForStatus(t, m, res.AuthID, StatusCompleted)
	require.NotEmpty(t, st.AccountID)

	acc, err := accounts.Get(ctx, st.AccountID)
	require.NoError(t, err)
	assert.Equal(t, "team account", acc.Label)
	assert.True(t, acc.IsKiro())
	assert.Equal(t, "rt", acc.RefreshToken)
	assert.Equal(t, "kiro_builder_id", acc.Other["source"])
}

func TestClaimReturnsMaskableAccount(t *testing.T) {
	m, _, _ := newTestManager(t, deviceFlowHandler())
	ctx := context.Background()

	res, err := m.Start(ctx, StartParams{})
	require.NoError(t, err)
	waitForStatus(t, m, res.AuthID, StatusCompleted)

	st, acc, err := m.Claim(ctx, res.AuthID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	require.NotNil(t, acc)
	assert.Equal(t, st.AccountID, acc.ID)
}

func TestStatusUnknownSessionIs404(t *testing.T) {
	m, _, _ := newTestManager(t, deviceFlowHandler())
	_, err := m.Status(context.Background(), "nope")
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 404, appErr.StatusCode)
}

func TestDeviceFlowTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/client/register", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"clientId": "cid", "clientSecret": "csec"})
	})
	mux.HandleFunc("/device_authorization", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"deviceCode": "dev", "interval": 1, "expiresIn": 600})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"__type": "ExpiredTokenException"})
	})
	m, _, _ := newTestManager(t, mux)

	res, err := m.Start(context.Background(), StartParams{})
	require.NoError(t, err)

	st := waitForStatus(t, m, res.AuthID, StatusTimeout)
	assert.Contains(t, st.Error, "timed out")
}

func TestSessionMirroredToDatabase(t *testing.T) {
	m, _, db := newTestManager(t, deviceFlowHandler())
	ctx := context.Background()

	res, err := m.Start(ctx, StartParams{})
	require.NoError(t, err)
	waitForStatus(t, m, res.AuthID, StatusCompleted)

	row, err := db.QueryRow(ctx, "SELECT payload FROM auth_sessions WHERE auth_id = ?", res.AuthID)
	require.NoError(t, err)
	require.NotNil(t, row)
	payload, _ := row["payload"].(string)
	assert.True(t, strings.Contains(payload, StatusCompleted))

	// A cold cache still resolves the session through the mirror.
	m.sessions.entries = map[string]*sessionEntry{}
	st, err := m.Status(ctx, res.AuthID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
}

func TestImportRefreshTokensSkipsDuplicates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "at-" + r.URL.Path, "expiresIn": 3600})
	})
	m, _, _ := newTestManager(t, mux)
	ctx := context.Background()

	res, err := m.ImportRefreshTokens(ctx, ImportTokensParams{
		RefreshTokens: []string{"rt-1", "rt-1", "rt-2"},
		ClientID:      "cid",
		ClientSecret:  "csec",
		LabelPrefix:   "Batch",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.CreatedCount)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "duplicate in request", res.Skipped[0].Reason)
	assert.Equal(t, "Batch #1", res.Created[0].Label)

	// Importing the same tokens again skips them as existing.
	res, err = m.ImportRefreshTokens(ctx, ImportTokensParams{
		RefreshTokens: []string{"rt-1"},
		ClientID:      "cid",
		ClientSecret:  "csec",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.CreatedCount)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "already exists", res.Skipped[0].Reason)
}

func TestImportRefreshTokensRequiresClient(t *testing.T) {
	m, _, _ := newTestManager(t, http.NewServeMux())
	_, err := m.ImportRefreshTokens(context.Background(), ImportTokensParams{RefreshTokens: []string{"rt"}})
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.StatusCode)
}

func TestImportCredentialsRefreshes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/us-east-1/token", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "fresh-at",
			"refreshToken": "fresh-rt",
			"expiresIn":    3600,
		})
	})
	m, _, _ := newTestManager(t, mux)

	res, err := m.ImportCredentials(context.Background(), ImportCredentialsParams{
		ClientID:     "cid",
		ClientSecret: "csec",
		RefreshToken: "old-rt",
	})
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, "fresh-at", res.Account.AccessToken)
	assert.Equal(t, "fresh-rt", res.Account.RefreshToken)
	assert.Equal(t, "kiro_aws_import", res.Account.Other["source"])
}

func TestImportCredentialsFallsBackToSuppliedToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	m, _, _ := newTestManager(t, mux)

	res, err := m.ImportCredentials(context.Background(), ImportCredentialsParams{
		ClientID:     "cid",
		ClientSecret: "csec",
		RefreshToken: "rt",
		AccessToken:  "stale-at",
	})
	require.NoError(t, err)
	assert.False(t, res.Refreshed)
	assert.Equal(t, "stale-at", res.Account.AccessToken)

	// Without a supplied token the failed refresh is fatal.
	_, err = m.ImportCredentials(context.Background(), ImportCredentialsParams{
		ClientID:     "cid",
		ClientSecret: "csec",
		RefreshToken: "rt-2",
	})
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.StatusCode)
}

func TestSessionCacheSnapshotsEntries(t *testing.T) {
	cache := newSessionCache(nil, 10)
	ctx := context.Background()

	sess := &Session{AuthID: "auth-1", Status: StatusPending}
	cache.Put(ctx, sess)

	// Mutations to the caller's session stay invisible until the next Put.
	sess.Status = StatusCompleted
	sess.AccountID = "acc-1"
	got := cache.Get(ctx, "auth-1")
	require.NotNil(t, got)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.AccountID)

	// Mutating a returned session never leaks back into the cache.
	got.Status = StatusError
	again := cache.Get(ctx, "auth-1")
	require.NotNil(t, again)
	assert.Equal(t, StatusPending, again.Status)

	// A fresh Put publishes the update.
	cache.Put(ctx, sess)
	final := cache.Get(ctx, "auth-1")
	require.NotNil(t, final)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "acc-1", final.AccountID)
}

func TestSessionCacheEvictsAtCapacity(t *testing.T) {
	cache := newSessionCache(nil, 100)
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		cache.Put(ctx, &Session{AuthID: string(rune('a'+i%26)) + string(rune('0'+i/26)), Status: StatusPending})
	}
	assert.LessOrEqual(t, len(cache.entries), 100)
}
