// Package session provides sticky sessions: conversations are keyed by their
// opening messages and pinned to the upstream account that served them, so
// follow-up turns land on the same account while the binding lives.
package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/store"
)

// DefaultTTL is how long a session stays bound to an account.
const DefaultTTL = time.Hour

// Service persists session-to-account bindings.
type Service struct {
	db  *store.DB
	ttl time.Duration
}

// NewService builds a Service with the default TTL.
func NewService(db *store.DB) *Service {
	return &Service{db: db, ttl: DefaultTTL}
}

// Key derives the session key from the caller identity and the opening
// messages. Only the first three message bodies participate, so the key is
// stable as the conversation grows.
func Key(userID string, messageContents []string) string {
	content := ""
	for i, c := range messageContents {
		if i >= 3 {
			break
		}
		content += c
	}
	if userID != "" {
		content = userID + ":" + content
	}
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// Account returns the account bound to the session, or "" when the binding
// is missing or expired.
func (s *Service) Account(ctx context.Context, sessionKey string) (string, error) {
	row, err := s.db.QueryRow(ctx,
		"SELECT account_id FROM session_accounts WHERE session_key = ? AND expires_at > ?",
		sessionKey, time.Now().Unix())
	if err != nil || row == nil {
		return "", err
	}
	id, _ := row["account_id"].(string)
	return id, nil
}

// Bind pins the session to an account, replacing any existing binding and
// restarting the TTL.
func (s *Service) Bind(ctx context.Context, sessionKey, accountID string) error {
	now := time.Now().Unix()
	expires := now + int64(s.ttl/time.Second)

	n, err := s.db.Exec(ctx,
		"UPDATE session_accounts SET account_id = ?, expires_at = ?, created_at = ? WHERE session_key = ?",
		accountID, expires, now, sessionKey)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO session_accounts (session_key, account_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
		sessionKey, accountID, expires, now)
	return err
}

// CleanupExpired drops dead bindings and returns how many were removed.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.db.Exec(ctx, "DELETE FROM session_accounts WHERE expires_at <= ?", time.Now().Unix())
	if err == nil && n > 0 {
		log.Debugf("removed %d expired session bindings", n)
	}
	return n, err
}
