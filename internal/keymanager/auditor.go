package keymanager

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/store"
)

const (
	failedLoginWindow   = 24 * time.Hour
	suspiciousThreshold = 10
	blockWindow         = time.Hour
	blockThreshold      = 20
	maxActivityBuffer   = 1000
)

// Activity is one recorded suspicious event.
type Activity struct {
	Timestamp time.Time
	Type      string
	ClientIP  string
	Details   string
	UserAgent string
}

// Auditor tracks failed authentications per IP and persists security events
// to the audit_logs table.
type Auditor struct {
	mu           sync.Mutex
	db           *store.DB
	failedLogins map[string][]time.Time
	activities   []Activity
}

// NewAuditor builds an Auditor. db may be nil for memory-only use.
func NewAuditor(db *store.DB) *Auditor {
	return &Auditor{db: db, failedLogins: make(map[string][]time.Time)}
}

// RecordFailedLogin notes a failed authentication. Crossing the suspicious
// threshold inside 24 hours also records a suspicious-activity event.
func (a *Auditor) RecordFailedLogin(ctx context.Context, clientIP, userAgent string) {
	if clientIP == "" {
		return
	}
	a.mu.Lock()
	now := time.Now().UTC()
	cutoff := now.Add(-failedLoginWindow)
	kept := a.failedLogins[clientIP][:0]
	for _, at := range a.failedLogins[clientIP] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	a.failedLogins[clientIP] = kept
	count := len(kept)
	a.mu.Unlock()

	if count > suspiciousThreshold {
		a.Record(ctx, "multiple_failed_logins", clientIP, userAgent, "more than 10 failed logins in 24h")
	}
}

// Record stores a security event in memory and in audit_logs.
func (a *Auditor) Record(ctx context.Context, eventType, clientIP, userAgent, details string) {
	activity := Activity{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		ClientIP:  clientIP,
		Details:   details,
		UserAgent: userAgent,
	}
	a.mu.Lock()
	a.activities = append(a.activities, activity)
	if len(a.activities) > maxActivityBuffer {
		a.activities = a.activities[len(a.activities)-maxActivityBuffer:]
	}
	a.mu.Unlock()

	log.Warnf("security event [%s] from %s: %s", eventType, orUnknown(clientIP), truncate(details, 160))

	if a.db == nil {
		return
	}
	if _, err := a.db.Exec(ctx,
		"INSERT INTO audit_logs (timestamp, event_type, client_ip, details, user_agent) VALUES (?, ?, ?, ?, ?)",
		activity.Timestamp.Format(time.RFC3339), eventType, clientIP, details, truncate(userAgent, 200)); err != nil {
		log.WithError(err).Warn("audit log insert failed")
	}
}

// IsIPBlocked reports whether an IP crossed the hard block threshold within
// the last hour.
func (a *Auditor) IsIPBlocked(clientIP string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	attempts, ok := a.failedLogins[clientIP]
	if !ok {
		return false
	}
	cutoff := time.Now().UTC().Add(-blockWindow)
	recent := 0
	for _, at := range attempts {
		if at.After(cutoff) {
			recent++
		}
	}
	return recent > blockThreshold
}

// RecentActivities returns a copy of the buffered events, newest last.
func (a *Auditor) RecentActivities() []Activity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Activity(nil), a.activities...)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}
