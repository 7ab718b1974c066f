package dispatch

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/account"
	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/keymanager"
	"github.com/router-for-me/QProxyAPI/internal/quota"
	"github.com/router-for-me/QProxyAPI/internal/session"
)

// Selector picks the upstream account for a request. Priority order: the
// account explicitly requested by header, the account bound to the caller's
// session, the API key's default account, then weighted least-use across the
// remaining candidates.
type Selector struct {
	accounts *account.Store
	quota    *quota.Service
	sessions *session.Service
}

// NewSelector wires a selector. quota and sessions may be nil (tests).
func NewSelector(accounts *account.Store, q *quota.Service, sessions *session.Service) *Selector {
	return &Selector{accounts: accounts, quota: q, sessions: sessions}
}

// SelectParams identify the caller and their preferences.
type SelectParams struct {
	Key                *keymanager.KeyInfo
	RequestedAccountID string
	SessionKey         string
}

// Select resolves the initial account for a request.
func (s *Selector) Select(ctx context.Context, p SelectParams) (*account.Account, error) {
	candidates, err := s.scoped(ctx, p.Key)
	if err != nil {
		return nil, err
	}

	if p.RequestedAccountID != "" {
		for _, acc := range candidates {
			if acc.ID == p.RequestedAccountID {
				return acc, nil
			}
		}
		return nil, apperrors.New(403, apperrors.CodeAccountsBlocked, "account not allowed for this key")
	}

	if p.SessionKey != "" && s.sessions != nil {
		if acc := s.sessionAccount(ctx, p.SessionKey, candidates); acc != nil {
			return acc, nil
		}
	}

	if p.Key != nil && p.Key.DefaultAccountID != "" {
		for _, acc := range candidates {
			if acc.ID == p.Key.DefaultAccountID {
				return acc, nil
			}
		}
	}

	return bestAccount(candidates), nil
}

// Fallback picks the best not-yet-tried account, or nil when the pool is
// spent.
func (s *Selector) Fallback(ctx context.Context, key *keymanager.KeyInfo, tried map[string]struct{}) *account.Account {
	candidates, err := s.scoped(ctx, key)
	if err != nil {
		return nil
	}
	remaining := candidates[:0]
	for _, acc := range candidates {
		if _, seen := tried[acc.ID]; !seen {
			remaining = append(remaining, acc)
		}
	}
	if len(remaining) == 0 {
		return nil
	}
	return bestAccount(remaining)
}

// scoped lists enabled accounts restricted to the key's allow list.
func (s *Selector) scoped(ctx context.Context, key *keymanager.KeyInfo) ([]*account.Account, error) {
	candidates, err := s.accounts.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apperrors.New(401, apperrors.CodeAccountsBlocked, "no enabled account available")
	}
	if key == nil || len(key.AllowedAccountIDs) == 0 {
		return candidates, nil
	}
	allowed := make(map[string]struct{}, len(key.AllowedAccountIDs))
	for _, id := range key.AllowedAccountIDs {
		allowed[id] = struct{}{}
	}
	scoped := candidates[:0]
	for _, acc := range candidates {
		if _, ok := allowed[acc.ID]; ok {
			scoped = append(scoped, acc)
		}
	}
	if len(scoped) == 0 {
		return nil, apperrors.New(403, apperrors.CodeAccountsBlocked, "api key has no permitted accounts")
	}
	return scoped, nil
}

// sessionAccount returns the session-bound account when it is still in the
// candidate set and its monthly quota is not exhausted.
func (s *Selector) sessionAccount(ctx context.Context, sessionKey string, candidates []*account.Account) *account.Account {
	accountID, err := s.sessions.Account(ctx, sessionKey)
	if err != nil || accountID == "" {
		return nil
	}
	for _, acc := range candidates {
		if acc.ID != accountID {
			continue
		}
		if acc.QuotaExhausted {
			return nil
		}
		if s.quota != nil {
			if stats, qErr := s.quota.Get(ctx, acc.ID); qErr == nil && stats != nil && stats.QuotaStatus == quota.StatusExhausted {
				log.Debugf("session account %s quota exhausted, reselecting", accountID)
				return nil
			}
		}
		return acc
	}
	return nil
}

// bestAccount ranks by error rate, then total successes (load balance), then
// error count.
func bestAccount(candidates []*account.Account) *account.Account {
	if len(candidates) == 1 {
		return candidates[0]
	}
	ranked := append([]*account.Account(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := errorRate(ranked[i]), errorRate(ranked[j])
		if ri != rj {
			return ri < rj
		}
		if ranked[i].SuccessCount != ranked[j].SuccessCount {
			return ranked[i].SuccessCount < ranked[j].SuccessCount
		}
		return ranked[i].ErrorCount < ranked[j].ErrorCount
	})
	return ranked[0]
}

func errorRate(acc *account.Account) float64 {
	total := acc.ErrorCount + acc.SuccessCount
	if total == 0 {
		return 0
	}
	return float64(acc.ErrorCount) / float64(total)
}
