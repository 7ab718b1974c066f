// Package authflow runs the OIDC device-authorization flows used to enroll
// new upstream accounts, and the bulk import paths for existing credentials.
// In-flight flows are tracked as short-lived auth sessions held in memory
// and mirrored to the database so another instance can answer status polls.
package authflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/store"
)

const (
	// SessionTTL bounds how long a pending device flow stays resumable.
	SessionTTL = 10 * time.Minute
	// defaultMaxSessions caps the in-memory session map.
	defaultMaxSessions = 1000
	// cleanupInterval is the background sweep cadence.
	cleanupInterval = 10 * time.Minute
	// cleanupBatch bounds one DB cleanup pass.
	cleanupBatch = 100
)

// Session is one in-flight device authorization.
type Session struct {
	AuthID                  string         `json:"authId"`
	Type                    string         `json:"type"`
	ClientID                string         `json:"clientId"`
	ClientSecret            string         `json:"clientSecret"`
	RegistrationExpiresAt   int64          `json:"registrationExpiresAt,omitempty"`
	StartURL                string         `json:"startUrl,omitempty"`
	Region                  string         `json:"region,omitempty"`
	DeviceCode              string         `json:"deviceCode"`
	Interval                int            `json:"interval"`
	ExpiresIn               int            `json:"expiresIn"`
	VerificationURIComplete string         `json:"verificationUriComplete,omitempty"`
	UserCode                string         `json:"userCode,omitempty"`
	StartTime               int64          `json:"startTime"`
	Label                   string         `json:"label,omitempty"`
	Enabled                 bool           `json:"enabled"`
	Other                   map[string]any `json:"other,omitempty"`
	Status                  string         `json:"status"`
	Error                   string         `json:"error,omitempty"`
	AccountID               string         `json:"accountId,omitempty"`
}

// Session status values.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
	StatusError     = "error"
)

type sessionEntry struct {
	session   *Session
	createdAt time.Time
}

// sessionCache is a TTL-bounded, capacity-bounded map of auth sessions,
// mirrored to the auth_sessions table. Eviction drops the oldest entries
// first when the cap is hit.
type sessionCache struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	order   []string
	max     int
	db      *store.DB
}

func newSessionCache(db *store.DB, max int) *sessionCache {
	if max <= 0 {
		max = defaultMaxSessions
	}
	return &sessionCache{entries: make(map[string]*sessionEntry), max: max, db: db}
}

// Put stores a snapshot of the session in memory and mirrors it to the
// database. Callers keep mutating their own copy between polls, so the cache
// never aliases caller-owned pointers. Expired entries are swept on every
// write.
func (c *sessionCache) Put(ctx context.Context, s *Session) {
	now := time.Now()
	snapshot := *s

	c.mu.Lock()
	c.sweepLocked(now)
	if _, exists := c.entries[s.AuthID]; !exists {
		c.order = append(c.order, s.AuthID)
	}
	c.entries[s.AuthID] = &sessionEntry{session: &snapshot, createdAt: now}
	for len(c.entries) > c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	if len(c.entries) >= c.max*8/10 {
		log.Warnf("auth session cache at %d/%d entries", len(c.entries), c.max)
	}
	c.mu.Unlock()

	c.persist(ctx, s, now)
}

func (c *sessionCache) persist(ctx context.Context, s *Session, now time.Time) {
	if c.db == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		log.WithError(err).Error("marshal auth session failed")
		return
	}
	if _, err = c.db.Exec(ctx, "DELETE FROM auth_sessions WHERE auth_id = ?", s.AuthID); err != nil {
		log.WithError(err).Debug("delete stale auth session failed")
	}
	if _, err = c.db.Exec(ctx,
		"INSERT INTO auth_sessions (auth_id, payload, created_at) VALUES (?, ?, ?)",
		s.AuthID, string(payload), now.Unix()); err != nil {
		log.WithError(err).Error("persist auth session failed")
	}
}

// Get returns a live session, consulting memory first and the database as a
// fallback for sessions started by another instance.
func (c *sessionCache) Get(ctx context.Context, authID string) *Session {
	now := time.Now()

	c.mu.Lock()
	if entry, ok := c.entries[authID]; ok {
		if now.Sub(entry.createdAt) < SessionTTL {
			s := *entry.session
			c.mu.Unlock()
			return &s
		}
		delete(c.entries, authID)
	}
	c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	row, err := c.db.QueryRow(ctx,
		"SELECT payload, created_at FROM auth_sessions WHERE auth_id = ?", authID)
	if err != nil || row == nil {
		return nil
	}
	created, _ := row["created_at"].(int64)
	if now.Unix()-created >= int64(SessionTTL/time.Second) {
		return nil
	}
	payload, _ := row["payload"].(string)
	var s Session
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil
	}
	return &s
}

// Delete removes the session everywhere.
func (c *sessionCache) Delete(ctx context.Context, authID string) {
	c.mu.Lock()
	delete(c.entries, authID)
	c.mu.Unlock()
	if c.db != nil {
		_, _ = c.db.Exec(ctx, "DELETE FROM auth_sessions WHERE auth_id = ?", authID)
	}
}

func (c *sessionCache) sweepLocked(now time.Time) {
	kept := c.order[:0]
	for _, id := range c.order {
		entry, ok := c.entries[id]
		if !ok {
			continue
		}
		if now.Sub(entry.createdAt) >= SessionTTL {
			delete(c.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

// CleanupExpired drops expired sessions from memory and the database, in a
// bounded batch, and returns the number of DB rows removed.
func (c *sessionCache) CleanupExpired(ctx context.Context) int64 {
	now := time.Now()
	c.mu.Lock()
	c.sweepLocked(now)
	c.mu.Unlock()

	if c.db == nil {
		return 0
	}
	cutoff := now.Add(-SessionTTL).Unix()
	rows, err := c.db.Query(ctx,
		"SELECT auth_id FROM auth_sessions WHERE created_at < ? LIMIT ?", cutoff, cleanupBatch)
	if err != nil {
		log.WithError(err).Error("auth session cleanup query failed")
		return 0
	}
	var removed int64
	for _, row := range rows {
		id, _ := row["auth_id"].(string)
		if id == "" {
			continue
		}
		if n, err := c.db.Exec(ctx, "DELETE FROM auth_sessions WHERE auth_id = ?", id); err == nil {
			removed += n
		}
	}
	if removed > 0 {
		log.Debugf("removed %d expired auth sessions", removed)
	}
	return removed
}
