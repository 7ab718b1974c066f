package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/store"
)

const disableBatchSize = 20

// QuotaRecorder receives per-account usage signals. Implemented by the quota
// service; nil disables recording.
type QuotaRecorder interface {
	RecordRequest(ctx context.Context, accountID string, throttled bool) error
	UpdateStatus(ctx context.Context, accountID string) error
}

// Store persists accounts and their health counters.
type Store struct {
	db                    *store.DB
	quota                 QuotaRecorder
	maxErrorCount         int64
	autoDisableIncomplete bool
}

// NewStore builds a Store. maxErrorCount is the consecutive-failure
// threshold that disables an account.
func NewStore(db *store.DB, maxErrorCount int, autoDisableIncomplete bool) *Store {
	if maxErrorCount < 1 {
		maxErrorCount = 1
	}
	return &Store{db: db, maxErrorCount: int64(maxErrorCount), autoDisableIncomplete: autoDisableIncomplete}
}

// SetQuotaRecorder wires the quota service in after construction.
func (s *Store) SetQuotaRecorder(q QuotaRecorder) { s.quota = q }

// Get fetches one account.
func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	row, err := s.db.QueryRow(ctx, "SELECT * FROM accounts WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperrors.New(404, apperrors.CodeInvalidRequest, "Account not found")
	}
	return fromRow(row), nil
}

// ListEnabled returns enabled accounts with usable refresh credentials,
// newest first. Accounts missing credentials are skipped and, when
// configured, batch-disabled.
func (s *Store) ListEnabled(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.Query(ctx, "SELECT * FROM accounts WHERE enabled = 1 ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	var valid []*Account
	var invalidIDs []string
	for _, row := range rows {
		acc := fromRow(row)
		if acc.HasRefreshCredentials() {
			valid = append(valid, acc)
			continue
		}
		if acc.ID != "" {
			invalidIDs = append(invalidIDs, acc.ID)
		}
		log.Warnf("skipping enabled account %s: credentials incomplete", orPlaceholder(acc.ID))
	}
	if len(invalidIDs) > 0 && s.autoDisableIncomplete {
		s.disableIncomplete(ctx, invalidIDs)
	}
	return valid, nil
}

// ListDisabled returns disabled accounts, newest first.
func (s *Store) ListDisabled(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.Query(ctx, "SELECT * FROM accounts WHERE enabled = 0 ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// CountEnabled reports the number of usable accounts, for health checks.
func (s *Store) CountEnabled(ctx context.Context) int {
	accounts, err := s.ListEnabled(ctx)
	if err != nil {
		log.WithError(err).Error("count enabled accounts failed")
		return 0
	}
	return len(accounts)
}

// disableIncomplete batch-disables accounts that lack refresh credentials,
// in bounded chunks of individual parameterized updates.
func (s *Store) disableIncomplete(ctx context.Context, ids []string) {
	const maxBatch = 100
	if len(ids) > maxBatch {
		log.Warnf("too many incomplete accounts (%d), disabling first %d", len(ids), maxBatch)
		ids = ids[:maxBatch]
	}
	now := nowStamp()
	disabled, failed := 0, 0
	for start := 0; start < len(ids); start += disableBatchSize {
		end := start + disableBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			if !validAccountID(id) {
				log.Warnf("invalid account id format skipped: %s", orPlaceholder(id))
				continue
			}
			if _, err := s.db.Exec(ctx,
				"UPDATE accounts SET enabled = 0, last_refresh_status = ?, updated_at = ? WHERE id = ?",
				"missing_credentials", now, id); err != nil {
				log.WithError(err).Errorf("disable incomplete account %s failed", id)
				failed++
				continue
			}
			disabled++
		}
	}
	if disabled > 0 {
		log.Infof("disabled %d incomplete accounts (%d failed)", disabled, failed)
	}
}

// CreateParams describe a new account.
type CreateParams struct {
	Label        string
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	ExpiresIn    int64
	Other        map[string]any
	Enabled      bool
}

// Create inserts a new account. Duplicate refresh tokens (and duplicate
// email claims, when the access token is a JWT) are rejected with 409.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Account, error) {
	if dup, reason := s.isDuplicate(ctx, p.RefreshToken, p.AccessToken); dup {
		return nil, apperrors.New(409, apperrors.CodeInvalidRequest, "account already exists ("+reason+")")
	}
	if p.ClientID == "" || p.ClientSecret == "" || p.RefreshToken == "" {
		log.Warnf("creating account %s without full credentials; it stays unusable until completed", orPlaceholder(p.Label))
	}

	other := p.Other
	if other == nil {
		other = map[string]any{}
	}
	if email := emailFromJWT(p.AccessToken); email != "" {
		other["email"] = email
	}

	id := uuid.NewString()
	now := nowStamp()
	acc := &Account{
		ID:           id,
		Label:        p.Label,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RefreshToken: p.RefreshToken,
		AccessToken:  p.AccessToken,
		ExpiresAt:    expiresAtFrom(p.ExpiresIn),
		Other:        other,
		Enabled:      p.Enabled,
	}
	enabled := 0
	if p.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (id, label, clientId, clientSecret, refreshToken, accessToken, expires_at, other,
			last_refresh_time, last_refresh_status, created_at, updated_at, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Label, p.ClientID, p.ClientSecret, p.RefreshToken, p.AccessToken,
		nullable(acc.ExpiresAt), acc.OtherJSON(), now, "success", now, now, enabled)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return s.Get(ctx, id)
}

// isDuplicate enforces one account per refresh token and per email claim.
func (s *Store) isDuplicate(ctx context.Context, refreshToken, accessToken string) (bool, string) {
	if refreshToken != "" {
		row, err := s.db.QueryRow(ctx, "SELECT id FROM accounts WHERE refreshToken = ?", refreshToken)
		if err != nil {
			log.WithError(err).Warn("duplicate refresh token check failed")
		} else if row != nil {
			return true, "refresh token"
		}
	}
	email := emailFromJWT(accessToken)
	if email == "" {
		return false, ""
	}
	rows, err := s.db.Query(ctx, "SELECT id, other FROM accounts WHERE other IS NOT NULL")
	if err != nil {
		log.WithError(err).Warn("duplicate email check failed")
		return false, ""
	}
	for _, row := range rows {
		acc := fromRow(row)
		if existing, _ := acc.Other["email"].(string); existing != "" && strings.EqualFold(existing, email) {
			return true, "email"
		}
	}
	return false, ""
}

// RefreshTokenHash is the dedup identity for a refresh token.
func RefreshTokenHash(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}

// UpdateFields are the mutable account columns; nil pointers are left
// untouched.
type UpdateFields struct {
	Label        *string
	ClientID     *string
	ClientSecret *string
	RefreshToken *string
	AccessToken  *string
	Other        map[string]any
	Enabled      *bool
}

// Update patches an account and returns the fresh record.
func (s *Store) Update(ctx context.Context, id string, f UpdateFields) (*Account, error) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if f.Label != nil {
		add("label", *f.Label)
	}
	if f.ClientID != nil {
		add("clientId", *f.ClientID)
	}
	if f.ClientSecret != nil {
		add("clientSecret", *f.ClientSecret)
	}
	if f.RefreshToken != nil {
		add("refreshToken", *f.RefreshToken)
	}
	if f.AccessToken != nil {
		add("accessToken", *f.AccessToken)
	}
	if f.Other != nil {
		b, err := json.Marshal(f.Other)
		if err != nil {
			return nil, err
		}
		add("other", string(b))
	}
	if f.Enabled != nil {
		v := 0
		if *f.Enabled {
			v = 1
		}
		add("enabled", v)
	}
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}
	add("updated_at", nowStamp())
	args = append(args, id)

	n, err := s.db.Exec(ctx, "UPDATE accounts SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperrors.New(404, apperrors.CodeInvalidRequest, "Account not found")
	}
	return s.Get(ctx, id)
}

// Delete removes an account.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.db.Exec(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.New(404, apperrors.CodeInvalidRequest, "Account not found")
	}
	return nil
}

// Disable switches an account off, recording the reason.
func (s *Store) Disable(ctx context.Context, id, reason string) error {
	_, err := s.db.Exec(ctx,
		"UPDATE accounts SET enabled = 0, last_refresh_status = ?, updated_at = ? WHERE id = ?",
		reason, nowStamp(), id)
	if err == nil {
		log.Warnf("account %s disabled: %s", shortID(id), reason)
	}
	return err
}

// Enable switches an account back on.
func (s *Store) Enable(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, "UPDATE accounts SET enabled = 1, updated_at = ? WHERE id = ?", nowStamp(), id)
	return err
}

// UpdateStats applies one request outcome atomically. Success resets the
// error and quota flags; a quota failure marks the account exhausted and
// disabled; any other failure bumps the error counter and disables the
// account once it crosses the threshold. Quota usage is recorded alongside.
func (s *Store) UpdateStats(ctx context.Context, id string, success, throttled, quotaExhausted bool) error {
	now := nowStamp()

	if s.quota != nil {
		if err := s.quota.RecordRequest(ctx, id, throttled); err != nil {
			log.WithError(err).Warnf("record quota usage for %s failed", shortID(id))
		}
	}

	var err error
	switch {
	case success:
		_, err = s.db.Exec(ctx,
			"UPDATE accounts SET success_count = success_count + 1, error_count = 0, quota_exhausted = 0, updated_at = ? WHERE id = ?",
			now, id)
	case quotaExhausted:
		_, err = s.db.Exec(ctx,
			"UPDATE accounts SET quota_exhausted = 1, enabled = 0, updated_at = ? WHERE id = ?",
			now, id)
	default:
		_, err = s.db.Exec(ctx, `
			UPDATE accounts
			SET error_count = error_count + 1,
			    enabled = CASE WHEN error_count + 1 >= ? THEN 0 ELSE enabled END,
			    updated_at = ?
			WHERE id = ?`,
			s.maxErrorCount, now, id)
	}
	if err != nil {
		return err
	}

	if throttled && s.quota != nil {
		if qErr := s.quota.UpdateStatus(ctx, id); qErr != nil {
			log.WithError(qErr).Warnf("update quota status for %s failed", shortID(id))
		}
	}
	return nil
}

func validAccountID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-'
		if !ok {
			return false
		}
	}
	return true
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orPlaceholder(s string) string {
	if s == "" {
		return "<unknown>"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
