// Package quota tracks per-account monthly usage and throttle counters and
// derives a coarse quota status used for alerting and account selection.
package quota

import (
	"context"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/store"
)

// Quota status values, ordered by severity.
const (
	StatusNormal    = "normal"
	StatusWarning   = "warning"
	StatusCritical  = "critical"
	StatusExhausted = "exhausted"
)

const (
	defaultWarningThreshold  = 0.8
	defaultCriticalThreshold = 0.95
)

// Stats is one account's usage snapshot for the current month.
type Stats struct {
	AccountID        string `json:"account_id"`
	Month            string `json:"month"`
	RequestCount     int64  `json:"request_count"`
	ThrottleCount    int64  `json:"throttle_count"`
	LastThrottleTime int64  `json:"last_throttle_time,omitempty"`
	QuotaStatus      string `json:"quota_status"`
	UpdatedAt        int64  `json:"updated_at"`
}

// Alert flags an account whose quota needs attention.
type Alert struct {
	AccountID     string `json:"account_id"`
	RequestCount  int64  `json:"request_count"`
	ThrottleCount int64  `json:"throttle_count"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// Service records usage and computes statuses.
type Service struct {
	db       *store.DB
	warning  float64
	critical float64
}

// NewService reads the threshold overrides from the environment.
func NewService(db *store.DB) *Service {
	return &Service{
		db:       db,
		warning:  envFloat("QUOTA_WARNING_THRESHOLD", defaultWarningThreshold),
		critical: envFloat("QUOTA_CRITICAL_THRESHOLD", defaultCriticalThreshold),
	}
}

// MonthKey is the UTC month bucket for quota counters.
func MonthKey() string { return time.Now().UTC().Format("2006-01") }

// RecordRequest bumps the request counter and, when throttled, the throttle
// counter and last-throttle timestamp.
func (s *Service) RecordRequest(ctx context.Context, accountID string, throttled bool) error {
	month := MonthKey()
	now := time.Now().Unix()

	var n int64
	var err error
	if throttled {
		n, err = s.db.Exec(ctx, `
			UPDATE quota_stats
			SET request_count = request_count + 1, throttle_count = throttle_count + 1,
			    last_throttle_time = ?, month_key = ?, updated_at = ?
			WHERE account_id = ?`,
			now, month, now, accountID)
	} else {
		n, err = s.db.Exec(ctx,
			"UPDATE quota_stats SET request_count = request_count + 1, month_key = ?, updated_at = ? WHERE account_id = ?",
			month, now, accountID)
	}
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	throttles := int64(0)
	lastThrottle := any(nil)
	if throttled {
		throttles = 1
		lastThrottle = now
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO quota_stats (account_id, month_key, request_count, throttle_count, last_throttle_time, quota_status, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?)`,
		accountID, month, throttles, lastThrottle, StatusNormal, now, now)
	return err
}

// UpdateStatus recomputes the account's quota status from this month's
// counters. Any throttle marks the quota exhausted; otherwise the
// throttle ratio is checked against the warning and critical thresholds.
func (s *Service) UpdateStatus(ctx context.Context, accountID string) error {
	month := MonthKey()
	row, err := s.db.QueryRow(ctx,
		"SELECT request_count, throttle_count FROM quota_stats WHERE account_id = ? AND month_key = ?",
		accountID, month)
	if err != nil || row == nil {
		return err
	}

	requests := rowInt(row, "request_count")
	throttles := rowInt(row, "throttle_count")

	status := StatusNormal
	switch {
	case throttles > 0:
		status = StatusExhausted
	case requests > 0:
		ratio := float64(throttles) / float64(requests)
		if ratio >= s.critical {
			status = StatusCritical
		} else if ratio >= s.warning {
			status = StatusWarning
		}
	}

	_, err = s.db.Exec(ctx,
		"UPDATE quota_stats SET quota_status = ?, updated_at = ? WHERE account_id = ? AND month_key = ?",
		status, time.Now().Unix(), accountID, month)
	if err == nil && status != StatusNormal {
		log.Warnf("account %s quota status is %s (%d requests, %d throttles)", accountID, status, requests, throttles)
	}
	return err
}

// Get returns the account's stats for the current month, or nil.
func (s *Service) Get(ctx context.Context, accountID string) (*Stats, error) {
	month := MonthKey()
	row, err := s.db.QueryRow(ctx, `
		SELECT request_count, throttle_count, last_throttle_time, quota_status, updated_at
		FROM quota_stats WHERE account_id = ? AND month_key = ?`,
		accountID, month)
	if err != nil || row == nil {
		return nil, err
	}
	return statsFromRow(accountID, month, row), nil
}

// List returns all stats for the current month, heaviest throttlers first.
func (s *Service) List(ctx context.Context) ([]*Stats, error) {
	month := MonthKey()
	rows, err := s.db.Query(ctx, `
		SELECT account_id, request_count, throttle_count, last_throttle_time, quota_status, updated_at
		FROM quota_stats WHERE month_key = ?
		ORDER BY throttle_count DESC, request_count DESC`,
		month)
	if err != nil {
		return nil, err
	}
	out := make([]*Stats, 0, len(rows))
	for _, row := range rows {
		out = append(out, statsFromRow(rowString(row, "account_id"), month, row))
	}
	return out, nil
}

// Alerts lists accounts whose quota status is warning or worse.
func (s *Service) Alerts(ctx context.Context) ([]*Alert, error) {
	month := MonthKey()
	rows, err := s.db.Query(ctx, `
		SELECT account_id, request_count, throttle_count, quota_status
		FROM quota_stats
		WHERE month_key = ? AND quota_status IN (?, ?, ?)`,
		month, StatusWarning, StatusCritical, StatusExhausted)
	if err != nil {
		return nil, err
	}
	out := make([]*Alert, 0, len(rows))
	for _, row := range rows {
		a := &Alert{
			AccountID:     rowString(row, "account_id"),
			RequestCount:  rowInt(row, "request_count"),
			ThrottleCount: rowInt(row, "throttle_count"),
			Status:        rowString(row, "quota_status"),
		}
		a.Message = alertMessage(a.Status, a.RequestCount, a.ThrottleCount)
		out = append(out, a)
	}
	return out, nil
}

func alertMessage(status string, requests, throttles int64) string {
	switch status {
	case StatusExhausted:
		return "account quota exhausted, throttled " + strconv.FormatInt(throttles, 10) + " times this month"
	case StatusCritical:
		return "account quota nearly exhausted: " + strconv.FormatInt(requests, 10) + " requests, " + strconv.FormatInt(throttles, 10) + " throttles"
	case StatusWarning:
		return "account quota usage high: " + strconv.FormatInt(requests, 10) + " requests, " + strconv.FormatInt(throttles, 10) + " throttles"
	default:
		return "quota status normal"
	}
}

func statsFromRow(accountID, month string, row store.Row) *Stats {
	return &Stats{
		AccountID:        accountID,
		Month:            month,
		RequestCount:     rowInt(row, "request_count"),
		ThrottleCount:    rowInt(row, "throttle_count"),
		LastThrottleTime: rowInt(row, "last_throttle_time"),
		QuotaStatus:      rowString(row, "quota_status"),
		UpdatedAt:        rowInt(row, "updated_at"),
	}
}

func rowString(row store.Row, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowInt(row store.Row, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func envFloat(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warnf("invalid %s value %q, using %.2f", name, raw, fallback)
		return fallback
	}
	return v
}
