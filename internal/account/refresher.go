package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/lockfile"
	"github.com/router-for-me/QProxyAPI/internal/oidc"
)

const (
	// refreshDebounce skips a refresh when another process finished one
	// this recently.
	refreshDebounce = 60 * time.Second
	// refreshLoopInterval is the background sweep cadence.
	refreshLoopInterval = 5 * time.Minute
	// refreshStaleAfter forces a refresh when the last one is this old,
	// regardless of the recorded expiry.
	refreshStaleAfter = 25 * time.Minute
	// expiryLeeway refreshes tokens slightly before their recorded expiry.
	expiryLeeway = 2 * time.Minute
)

// Refresher renews access tokens. Concurrent refreshes for one account are
// collapsed in-process via singleflight and across processes via file locks.
type Refresher struct {
	store *Store
	oidc  *oidc.Client
	locks *lockfile.Manager
	group singleflight.Group
}

// NewRefresher wires a Refresher. locks may be nil to skip cross-process
// coordination.
func NewRefresher(store *Store, oidcClient *oidc.Client, locks *lockfile.Manager) *Refresher {
	return &Refresher{store: store, oidc: oidcClient, locks: locks}
}

// Refresh renews the account's access token if still needed once the lock is
// held, and returns the fresh record. Failures are recorded on the account
// and surface as 502s.
func (r *Refresher) Refresh(ctx context.Context, accountID string) (*Account, error) {
	v, err, _ := r.group.Do(accountID, func() (any, error) {
		return r.refreshLocked(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Account), nil
}

func (r *Refresher) refreshLocked(ctx context.Context, accountID string) (*Account, error) {
	if r.locks != nil {
		lock, err := r.locks.Acquire(ctx, "token_refresh_"+accountID)
		if err != nil {
			return nil, apperrors.Wrap(err, 502, apperrors.CodeLockTimeout, "Token refresh lock busy")
		}
		defer lock.Release()
	}

	// Re-read under the lock; another holder may have refreshed already.
	acc, err := r.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acc.AccessTokenExpired(expiryLeeway) {
		return acc, nil
	}
	if recentlyRefreshed(acc) {
		log.Debugf("account %s refreshed %s ago, skipping", shortID(accountID), sinceLastRefresh(acc).Truncate(time.Second))
		return acc, nil
	}

	tok, err := r.renew(ctx, acc)
	if err != nil {
		return nil, r.recordFailure(ctx, acc, err)
	}
	return r.recordSuccess(ctx, acc, tok)
}

// renew dispatches to the Kiro Builder ID or Amazon Q refresh grant.
func (r *Refresher) renew(ctx context.Context, acc *Account) (*oidc.Token, error) {
	if strings.TrimSpace(acc.RefreshToken) == "" {
		return nil, missingCredentialsError("refreshToken")
	}
	if acc.IsKiro() {
		if strings.TrimSpace(acc.ClientID) == "" || strings.TrimSpace(acc.ClientSecret) == "" {
			return nil, missingCredentialsError("clientId/clientSecret")
		}
		return r.oidc.RefreshKiroBuilderID(ctx, acc.ClientID, acc.ClientSecret, acc.RefreshToken, acc.Region())
	}
	if !acc.HasFullCredentials() {
		return nil, missingCredentialsError("clientId/clientSecret")
	}
	return r.oidc.RefreshAmazonQ(ctx, acc.ClientID, acc.ClientSecret, acc.RefreshToken)
}

func (r *Refresher) recordFailure(ctx context.Context, acc *Account, cause error) error {
	now := nowStamp()
	if _, dbErr := r.store.db.Exec(ctx,
		"UPDATE accounts SET last_refresh_time = ?, last_refresh_status = ?, updated_at = ? WHERE id = ?",
		now, "failed", now, acc.ID); dbErr != nil {
		log.WithError(dbErr).Errorf("record refresh failure for %s failed", shortID(acc.ID))
	}
	if err := r.store.UpdateStats(ctx, acc.ID, false, false, false); err != nil {
		log.WithError(err).Errorf("update stats after refresh failure for %s failed", shortID(acc.ID))
	}

	var missing *missingCredentials
	if errors.As(cause, &missing) {
		// Unrecoverable until someone supplies credentials; stop retrying.
		if err := r.store.Disable(ctx, acc.ID, "missing_credentials"); err != nil {
			log.WithError(err).Errorf("disable account %s failed", shortID(acc.ID))
		}
		return apperrors.New(400, apperrors.CodeInvalidRequest,
			"Token refresh failed: account is missing "+missing.field)
	}

	detail := cause.Error()
	var httpErr *oidc.HTTPError
	if errors.As(cause, &httpErr) {
		detail = fmt.Sprintf("HTTP %d", httpErr.StatusCode)
	}
	log.Errorf("token refresh for %s failed: %s", shortID(acc.ID), detail)
	return apperrors.Wrap(cause, 502, apperrors.CodeUpstream, "Token refresh failed: "+detail)
}

func (r *Refresher) recordSuccess(ctx context.Context, acc *Account, tok *oidc.Token) (*Account, error) {
	now := nowStamp()
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = acc.RefreshToken
	}
	expiresAt := expiresAtFrom(tok.ExpiresIn)

	if acc.IsKiro() {
		// Kiro records carry provider metadata in the attribute map; keep
		// its expiresAt mirror current for older readers.
		acc.Other["provider"] = "kiro"
		if _, ok := acc.Other["authMethod"]; !ok {
			acc.Other["authMethod"] = "builder-id"
		}
		if expiresAt != "" {
			acc.Other["expiresAt"] = expiresAt
		}
		_, err := r.store.db.Exec(ctx, `
			UPDATE accounts
			SET accessToken = ?, refreshToken = ?, expires_at = ?, other = ?,
			    last_refresh_time = ?, last_refresh_status = ?, updated_at = ?
			WHERE id = ?`,
			tok.AccessToken, refreshToken, nullable(expiresAt), acc.OtherJSON(),
			now, "success", now, acc.ID)
		if err != nil {
			return nil, err
		}
	} else {
		_, err := r.store.db.Exec(ctx, `
			UPDATE accounts
			SET accessToken = ?, refreshToken = ?, expires_at = ?,
			    last_refresh_time = ?, last_refresh_status = ?, updated_at = ?
			WHERE id = ?`,
			tok.AccessToken, refreshToken, nullable(expiresAt),
			now, "success", now, acc.ID)
		if err != nil {
			return nil, err
		}
	}

	log.Infof("refreshed token for account %s", shortID(acc.ID))
	return r.store.Get(ctx, acc.ID)
}

// Loop sweeps the enabled accounts every five minutes and refreshes the ones
// whose tokens are missing, expired, or stale. Runs until ctx is done.
func (r *Refresher) Loop(ctx context.Context) {
	ticker := time.NewTicker(refreshLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Refresher) sweep(ctx context.Context) {
	accounts, err := r.store.ListEnabled(ctx)
	if err != nil {
		log.WithError(err).Error("refresh sweep: list accounts failed")
		return
	}
	for _, acc := range accounts {
		if !needsBackgroundRefresh(acc) {
			continue
		}
		if _, err := r.Refresh(ctx, acc.ID); err != nil {
			log.WithError(err).Warnf("background refresh for %s failed", shortID(acc.ID))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// needsBackgroundRefresh is broader than AccessTokenExpired: it also renews
// tokens whose last refresh is old enough that the recorded expiry cannot be
// trusted.
func needsBackgroundRefresh(acc *Account) bool {
	if acc.AccessTokenExpired(expiryLeeway) {
		return true
	}
	last, ok := parseUTC(acc.LastRefreshTime)
	if !ok {
		return true
	}
	return time.Since(last) > refreshStaleAfter
}

func recentlyRefreshed(acc *Account) bool {
	last, ok := parseUTC(acc.LastRefreshTime)
	if !ok {
		return false
	}
	return acc.LastRefreshStatus == "success" && time.Since(last) < refreshDebounce && strings.TrimSpace(acc.AccessToken) != ""
}

func sinceLastRefresh(acc *Account) time.Duration {
	last, ok := parseUTC(acc.LastRefreshTime)
	if !ok {
		return 0
	}
	return time.Since(last)
}

type missingCredentials struct{ field string }

func (e *missingCredentials) Error() string { return "missing " + e.field }

func missingCredentialsError(field string) error { return &missingCredentials{field: field} }
