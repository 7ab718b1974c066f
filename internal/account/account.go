// Package account manages the upstream account pool: the persisted records,
// their health counters, and token refresh.
package account

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/router-for-me/QProxyAPI/internal/store"
)

// timeLayout is the UTC second-resolution layout used across the accounts
// table.
const timeLayout = "2006-01-02T15:04:05"

// Account is one upstream Amazon Q or Kiro account.
type Account struct {
	ID                string
	Label             string
	ClientID          string
	ClientSecret      string
	RefreshToken      string
	AccessToken       string
	ExpiresAt         string
	Other             map[string]any
	LastRefreshTime   string
	LastRefreshStatus string
	CreatedAt         string
	UpdatedAt         string
	Enabled           bool
	ErrorCount        int64
	SuccessCount      int64
	QuotaExhausted    bool
}

// Provider returns the provider recorded in the attribute map, lowercased.
func (a *Account) Provider() string {
	p, _ := a.Other["provider"].(string)
	return strings.ToLower(strings.TrimSpace(p))
}

// IsKiro reports whether this account refreshes through the Kiro Builder ID
// endpoint.
func (a *Account) IsKiro() bool { return a.Provider() == "kiro" }

// HasFullCredentials reports whether the OIDC refresh triple is present.
func (a *Account) HasFullCredentials() bool {
	return strings.TrimSpace(a.ClientID) != "" &&
		strings.TrimSpace(a.ClientSecret) != "" &&
		strings.TrimSpace(a.RefreshToken) != ""
}

// HasRefreshCredentials reports whether the account can be refreshed at all.
// Kiro accounts only need a refresh token; Amazon Q accounts need the full
// triple.
func (a *Account) HasRefreshCredentials() bool {
	if a.IsKiro() {
		return strings.TrimSpace(a.RefreshToken) != ""
	}
	return a.HasFullCredentials()
}

// EffectiveExpiresAt prefers the expires_at column, falling back to the
// expiresAt carried in the attribute map by older records.
func (a *Account) EffectiveExpiresAt() string {
	if v := strings.TrimSpace(a.ExpiresAt); v != "" {
		return v
	}
	if v, ok := a.Other["expiresAt"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// AccessTokenExpired reports whether the access token is missing or past its
// recorded expiry (with leeway). A record without a parseable expiry counts
// as expired so the next refresh writes one back.
func (a *Account) AccessTokenExpired(leeway time.Duration) bool {
	if strings.TrimSpace(a.AccessToken) == "" {
		return true
	}
	exp, ok := parseUTC(a.EffectiveExpiresAt())
	if !ok {
		return true
	}
	if leeway < 0 {
		leeway = 0
	}
	return !time.Now().UTC().Before(exp.Add(-leeway))
}

// Region returns the IDC region hint for Kiro refreshes.
func (a *Account) Region() string {
	if v, ok := a.Other["idcRegion"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := a.Other["region"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// OtherJSON renders the attribute map for storage. Empty maps become NULL.
func (a *Account) OtherJSON() any {
	if len(a.Other) == 0 {
		return nil
	}
	b, err := json.Marshal(a.Other)
	if err != nil {
		return nil
	}
	return string(b)
}

func parseUTC(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{timeLayout, time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func nowStamp() string { return time.Now().UTC().Format(timeLayout) }

// expiresAtFrom converts an expiresIn seconds value to an absolute stamp.
func expiresAtFrom(expiresIn int64) string {
	if expiresIn <= 0 {
		return ""
	}
	return time.Now().UTC().Add(time.Duration(expiresIn) * time.Second).Format(timeLayout)
}

func fromRow(row store.Row) *Account {
	if row == nil {
		return nil
	}
	a := &Account{
		ID:                rowString(row, "id"),
		Label:             rowString(row, "label"),
		ClientID:          rowString(row, "clientId"),
		ClientSecret:      rowString(row, "clientSecret"),
		RefreshToken:      rowString(row, "refreshToken"),
		AccessToken:       rowString(row, "accessToken"),
		ExpiresAt:         rowString(row, "expires_at"),
		LastRefreshTime:   rowString(row, "last_refresh_time"),
		LastRefreshStatus: rowString(row, "last_refresh_status"),
		CreatedAt:         rowString(row, "created_at"),
		UpdatedAt:         rowString(row, "updated_at"),
		Enabled:           rowInt(row, "enabled") != 0,
		ErrorCount:        rowInt(row, "error_count"),
		SuccessCount:      rowInt(row, "success_count"),
		QuotaExhausted:    rowInt(row, "quota_exhausted") != 0,
		Other:             map[string]any{},
	}
	if raw := rowString(row, "other"); raw != "" {
		var other map[string]any
		if err := json.Unmarshal([]byte(raw), &other); err == nil && other != nil {
			a.Other = other
		}
	}
	return a
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
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// emailFromJWT pulls the email (or sub) claim from an unverified JWT access
// token, used only for duplicate detection on import.
func emailFromJWT(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Email string `json:"email"`
		Sub   string `json:"sub"`
	}
	if err = json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	if claims.Email != "" {
		return strings.ToLower(claims.Email)
	}
	return strings.ToLower(claims.Sub)
}
