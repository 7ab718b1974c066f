// Package dispatch routes a translated conversation to the account pool:
// account selection, token freshness, the upstream call, failure
// classification, and failover across accounts.
package dispatch

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/account"
	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/classifier"
	"github.com/router-for-me/QProxyAPI/internal/keymanager"
	"github.com/router-for-me/QProxyAPI/internal/translator"
	"github.com/router-for-me/QProxyAPI/internal/usage"
)

const (
	maxAttempts = 3
	tokenLeeway = 2 * time.Minute
)

// Dispatcher executes chat requests against the pool with failover.
type Dispatcher struct {
	accounts   *account.Store
	refresher  *account.Refresher
	selector   *Selector
	client     *Client
	multiplier float64
}

// New wires a dispatcher. refresher may be nil when tokens are managed
// externally (tests).
func New(accounts *account.Store, refresher *account.Refresher, selector *Selector, client *Client, tokenMultiplier float64) *Dispatcher {
	return &Dispatcher{
		accounts:   accounts,
		refresher:  refresher,
		selector:   selector,
		client:     client,
		multiplier: tokenMultiplier,
	}
}

// Params describe one request.
type Params struct {
	Key                *keymanager.KeyInfo
	Envelope           *translator.Envelope
	RequestedAccountID string
	SessionKey         string
}

// Dispatch sends the envelope, failing over across up to three accounts. On
// success the returned stream must be drained and closed by the caller, then
// finished with Finish.
func (d *Dispatcher) Dispatch(ctx context.Context, p Params) (*Stream, error) {
	acc, err := d.selector.Select(ctx, SelectParams{
		Key:                p.Key,
		RequestedAccountID: p.RequestedAccountID,
		SessionKey:         p.SessionKey,
	})
	if err != nil {
		return nil, err
	}

	tried := make(map[string]struct{}, maxAttempts)
	var last *UpstreamError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tried[acc.ID] = struct{}{}

		token, tokenErr := d.accessToken(ctx, acc)
		if tokenErr != nil {
			log.WithError(tokenErr).Warnf("account %s token unavailable", shortID(acc.ID))
			last = &UpstreamError{
				Message: tokenErr.Error(),
				Class:   classifier.Result{Type: classifier.AuthError, Reason: "token refresh failed"},
			}
		} else {
			body, sendErr := d.client.Send(ctx, token, p.Envelope)
			if sendErr == nil {
				return newStream(acc, body, usage.NewCounter(d.multiplier)), nil
			}
			var uerr *UpstreamError
			if errors.As(sendErr, &uerr) {
				d.punish(ctx, acc, uerr)
				last = uerr
			} else {
				if ctx.Err() != nil {
					return nil, sendErr
				}
				_ = d.accounts.UpdateStats(ctx, acc.ID, false, false, false)
				last = &UpstreamError{
					Message: sendErr.Error(),
					Class:   classifier.Result{Type: classifier.NetworkError, Reason: "transport failure"},
				}
			}
		}
		log.Warnf("account %s failed (%s), attempt %d/%d", shortID(acc.ID), last.Class.Type, attempt+1, maxAttempts)

		next := d.selector.Fallback(ctx, p.Key, tried)
		if next == nil {
			break
		}
		acc = next
	}
	return nil, finalError(last)
}

// Finish records the outcome of a drained stream and binds the session so
// follow-up turns in the same conversation reuse the account.
func (d *Dispatcher) Finish(ctx context.Context, s *Stream, sessionKey string) {
	success := s.HasContent()
	if err := d.accounts.UpdateStats(ctx, s.Account.ID, success, false, false); err != nil {
		log.WithError(err).Warnf("record stats for %s failed", shortID(s.Account.ID))
	}
	if success && sessionKey != "" && d.selector.sessions != nil {
		if err := d.selector.sessions.Bind(ctx, sessionKey, s.Account.ID); err != nil {
			log.WithError(err).Warn("session bind failed")
		}
	}
}

// accessToken refreshes the account when the token is stale.
func (d *Dispatcher) accessToken(ctx context.Context, acc *account.Account) (string, error) {
	if !acc.AccessTokenExpired(tokenLeeway) {
		return acc.AccessToken, nil
	}
	if d.refresher == nil {
		if acc.AccessToken != "" {
			return acc.AccessToken, nil
		}
		return "", apperrors.New(502, apperrors.CodeUpstream, "account has no access token")
	}
	refreshed, err := d.refresher.Refresh(ctx, acc.ID)
	if err != nil {
		return "", err
	}
	if refreshed.AccessToken == "" {
		return "", apperrors.New(502, apperrors.CodeUpstream, "refresh produced no access token")
	}
	*acc = *refreshed
	return refreshed.AccessToken, nil
}

// punish applies the account-side consequence of a classified failure.
func (d *Dispatcher) punish(ctx context.Context, acc *account.Account, uerr *UpstreamError) {
	switch uerr.Class.Type {
	case classifier.QuotaExceeded:
		_ = d.accounts.UpdateStats(ctx, acc.ID, false, true, true)
	case classifier.Suspended:
		_ = d.accounts.UpdateStats(ctx, acc.ID, false, false, false)
		if err := d.accounts.Disable(ctx, acc.ID, "suspended"); err != nil {
			log.WithError(err).Warnf("disable %s failed", shortID(acc.ID))
		}
	case classifier.AuthError:
		_ = d.accounts.UpdateStats(ctx, acc.ID, false, false, false)
		if err := d.accounts.Disable(ctx, acc.ID, "unauthorized"); err != nil {
			log.WithError(err).Warnf("disable %s failed", shortID(acc.ID))
		}
	case classifier.RateLimited:
		_ = d.accounts.UpdateStats(ctx, acc.ID, false, true, false)
	default:
		_ = d.accounts.UpdateStats(ctx, acc.ID, false, false, false)
	}
}

// finalError maps the last failure to the caller-facing status once every
// account has been tried.
func finalError(last *UpstreamError) error {
	if last == nil {
		return apperrors.New(502, apperrors.CodeUpstream, "no upstream attempt completed")
	}
	switch last.Class.Type {
	case classifier.QuotaExceeded:
		return apperrors.New(402, apperrors.CodeQuotaExhausted, "all accounts have exhausted their quota, try again later")
	case classifier.Suspended:
		return apperrors.New(403, apperrors.CodeAccountsBlocked, "all available accounts are suspended")
	case classifier.AuthError:
		return apperrors.New(403, apperrors.CodeAccountsBlocked, "all available accounts failed authentication")
	case classifier.RateLimited:
		return apperrors.New(429, apperrors.CodeRateLimited, "all available accounts are rate limited")
	default:
		return apperrors.Wrap(last, 502, apperrors.CodeUpstream, "upstream request failed")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8] + "***"
	}
	return id
}
