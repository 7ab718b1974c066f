package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/account"
	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/oidc"
	"github.com/router-for-me/QProxyAPI/internal/store"
)

// pollTimeout caps how long a background poll waits for user approval,
// independent of the device code's advertised lifetime.
const pollTimeout = 5 * time.Minute

// Manager drives device-authorization flows and credential imports.
type Manager struct {
	oidc     *oidc.Client
	accounts *account.Store
	sessions *sessionCache
}

// NewManager wires the flow manager. maxSessions bounds concurrent pending
// flows; 0 uses the default.
func NewManager(db *store.DB, oidcClient *oidc.Client, accounts *account.Store, maxSessions int) *Manager {
	return &Manager{
		oidc:     oidcClient,
		accounts: accounts,
		sessions: newSessionCache(db, maxSessions),
	}
}

// StartParams configure a new device flow.
type StartParams struct {
	StartURL string
	Region   string
	Label    string
	Enabled  *bool
}

// StartResult is returned to the caller who must visit the auth URL.
type StartResult struct {
	AuthID    string `json:"authId"`
	AuthURL   string `json:"authUrl"`
	UserCode  string `json:"userCode"`
	ExpiresIn int    `json:"expiresIn"`
	Interval  int    `json:"interval"`
}

// StatusResult is one status poll answer.
type StatusResult struct {
	Status    string `json:"status"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

// Start registers an OIDC client, begins device authorization, and spawns a
// background poller that creates the account once the user approves.
func (m *Manager) Start(ctx context.Context, p StartParams) (*StartResult, error) {
	reg, err := m.oidc.RegisterClient(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, 502, apperrors.CodeUpstream, "Builder ID authorization error")
	}
	dev, err := m.oidc.DeviceAuthorize(ctx, reg, p.StartURL)
	if err != nil {
		return nil, apperrors.Wrap(err, 502, apperrors.CodeUpstream, "Builder ID authorization error")
	}

	startURL := p.StartURL
	if startURL == "" {
		startURL = m.oidc.StartURL()
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}

	sess := &Session{
		AuthID:                  uuid.NewString(),
		Type:                    "kiro_builder_id",
		ClientID:                reg.ClientID,
		ClientSecret:            reg.ClientSecret,
		RegistrationExpiresAt:   reg.ClientSecretExpiresAt,
		StartURL:                startURL,
		Region:                  m.oidc.NormalizeRegion(p.Region),
		DeviceCode:              dev.DeviceCode,
		Interval:                dev.Interval,
		ExpiresIn:               dev.ExpiresIn,
		VerificationURIComplete: dev.VerificationURIComplete,
		UserCode:                dev.UserCode,
		StartTime:               time.Now().Unix(),
		Label:                   p.Label,
		Enabled:                 enabled,
		Status:                  StatusPending,
	}
	m.sessions.Put(ctx, sess)

	go m.poll(sess, reg, dev)

	return &StartResult{
		AuthID:    sess.AuthID,
		AuthURL:   sess.VerificationURIComplete,
		UserCode:  sess.UserCode,
		ExpiresIn: sess.ExpiresIn,
		Interval:  sess.Interval,
	}, nil
}

// poll waits for the user to approve the device code, then creates the
// account and records the outcome on the session.
func (m *Manager) poll(sess *Session, reg *oidc.Registration, dev *oidc.DeviceAuthorization) {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout+30*time.Second)
	defer cancel()

	tok, err := m.oidc.PollDeviceToken(ctx, reg, dev, pollTimeout)
	if err != nil {
		if errors.Is(err, oidc.ErrAuthTimeout) {
			sess.Status = StatusTimeout
			sess.Error = "Builder ID authorization timed out"
		} else {
			sess.Status = StatusError
			sess.Error = "Builder ID authorization failed"
			log.WithError(err).Errorf("device flow %s failed", shortAuthID(sess.AuthID))
		}
		m.sessions.Put(ctx, sess)
		return
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		sess.Status = StatusError
		sess.Error = "token response missing accessToken or refreshToken"
		m.sessions.Put(ctx, sess)
		return
	}

	other := map[string]any{
		"provider":   "kiro",
		"authMethod": "builder-id",
		"idcRegion":  sess.Region,
		"source":     "kiro_builder_id",
		"startUrl":   sess.StartURL,
	}
	if sess.RegistrationExpiresAt > 0 {
		other["registrationExpiresAt"] = sess.RegistrationExpiresAt
	}
	label := sess.Label
	if label == "" {
		label = "Kiro(Builder ID)"
	}
	acc, err := m.accounts.Create(ctx, account.CreateParams{
		Label:        label,
		ClientID:     sess.ClientID,
		ClientSecret: sess.ClientSecret,
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		ExpiresIn:    tok.ExpiresIn,
		Other:        other,
		Enabled:      sess.Enabled,
	})
	if err != nil {
		sess.Status = StatusError
		sess.Error = "account creation failed"
		var appErr *apperrors.Error
		if errors.As(err, &appErr) && appErr.StatusCode == 409 {
			sess.Error = appErr.Message
		}
		log.WithError(err).Errorf("device flow %s account creation failed", shortAuthID(sess.AuthID))
		m.sessions.Put(ctx, sess)
		return
	}

	sess.Status = StatusCompleted
	sess.AccountID = acc.ID
	sess.Error = ""
	m.sessions.Put(ctx, sess)
	log.Infof("device flow %s completed, account %s created", shortAuthID(sess.AuthID), acc.ID)
}

// Status answers one status poll. Remaining counts down from the shorter of
// the device code lifetime and the poll cap.
func (m *Manager) Status(ctx context.Context, authID string) (*StatusResult, error) {
	sess := m.sessions.Get(ctx, authID)
	if sess == nil {
		return nil, apperrors.New(404, apperrors.CodeInvalidRequest, "Auth session not found")
	}
	window := sess.ExpiresIn
	if limit := int(pollTimeout / time.Second); window > limit {
		window = limit
	}
	remaining := int(sess.StartTime + int64(window) - time.Now().Unix())
	if remaining < 0 {
		remaining = 0
	}
	return &StatusResult{
		Status:    sess.Status,
		Remaining: remaining,
		Error:     sess.Error,
		AccountID: sess.AccountID,
	}, nil
}

// Claim returns the account created by a completed flow, or the current
// session state when the flow has not finished.
func (m *Manager) Claim(ctx context.Context, authID string) (*StatusResult, *account.Account, error) {
	sess := m.sessions.Get(ctx, authID)
	if sess == nil {
		return nil, nil, apperrors.New(404, apperrors.CodeInvalidRequest, "Auth session not found")
	}
	status := &StatusResult{Status: sess.Status, Error: sess.Error, AccountID: sess.AccountID}
	if sess.Status != StatusCompleted || sess.AccountID == "" {
		return status, nil, nil
	}
	acc, err := m.accounts.Get(ctx, sess.AccountID)
	if err != nil {
		return nil, nil, err
	}
	return status, acc, nil
}

// CleanupLoop sweeps expired auth sessions every ten minutes until ctx is
// done.
func (m *Manager) CleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sessions.CleanupExpired(ctx)
		}
	}
}

// ImportTokensParams is a bulk refresh-token import request.
type ImportTokensParams struct {
	RefreshTokens      []string
	ClientID           string
	ClientSecret       string
	Region             string
	LabelPrefix        string
	Enabled            *bool
	SkipDuplicateCheck bool
}

// ImportSkip records one token skipped during import.
type ImportSkip struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Region       string             `json:"region"`
	Created      []*account.Account `json:"created"`
	CreatedCount int                `json:"created_count"`
	Skipped      []ImportSkip       `json:"skipped"`
	SkippedCount int                `json:"skipped_count"`
	Failed       []ImportSkip       `json:"failed"`
	FailedCount  int                `json:"failed_count"`
}

// ImportRefreshTokens validates each token against the Builder ID endpoint
// and creates one account per usable token, skipping duplicates.
func (m *Manager) ImportRefreshTokens(ctx context.Context, p ImportTokensParams) (*ImportResult, error) {
	if p.ClientID == "" || p.ClientSecret == "" {
		return nil, apperrors.New(400, apperrors.CodeInvalidRequest, "clientId and clientSecret are required")
	}
	if len(p.RefreshTokens) == 0 {
		return nil, apperrors.New(400, apperrors.CodeInvalidRequest, "refreshTokens must not be empty")
	}
	region := m.oidc.NormalizeRegion(p.Region)
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	labelPrefix := p.LabelPrefix
	if labelPrefix == "" {
		labelPrefix = "Kiro"
	}

	result := &ImportResult{Region: region, Created: []*account.Account{}, Skipped: []ImportSkip{}, Failed: []ImportSkip{}}
	seen := make(map[string]struct{})
	for i, rt := range p.RefreshTokens {
		idx := i + 1
		rt = strings.TrimSpace(rt)
		if rt == "" {
			result.Skipped = append(result.Skipped, ImportSkip{Index: idx, Reason: "empty token"})
			continue
		}
		if _, dup := seen[rt]; dup {
			result.Skipped = append(result.Skipped, ImportSkip{Index: idx, Reason: "duplicate in request"})
			continue
		}
		seen[rt] = struct{}{}

		tok, err := m.oidc.RefreshKiroBuilderID(ctx, p.ClientID, p.ClientSecret, rt, region)
		if err != nil {
			result.Failed = append(result.Failed, ImportSkip{Index: idx, Reason: "import_failed"})
			log.WithError(err).Warnf("refresh token import #%d failed", idx)
			continue
		}
		refreshToken := tok.RefreshToken
		if refreshToken == "" {
			refreshToken = rt
		}
		acc, err := m.accounts.Create(ctx, account.CreateParams{
			Label:        fmt.Sprintf("%s #%d", labelPrefix, idx),
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RefreshToken: refreshToken,
			AccessToken:  tok.AccessToken,
			ExpiresIn:    tok.ExpiresIn,
			Other: map[string]any{
				"provider":   "kiro",
				"authMethod": "builder-id",
				"idcRegion":  region,
				"source":     "kiro_import",
				"startUrl":   m.oidc.StartURL(),
			},
			Enabled: enabled,
		})
		if err != nil {
			var appErr *apperrors.Error
			if !p.SkipDuplicateCheck && errors.As(err, &appErr) && appErr.StatusCode == 409 {
				result.Skipped = append(result.Skipped, ImportSkip{Index: idx, Reason: "already exists"})
				continue
			}
			result.Failed = append(result.Failed, ImportSkip{Index: idx, Reason: "import_failed"})
			continue
		}
		result.Created = append(result.Created, acc)
	}
	result.CreatedCount = len(result.Created)
	result.SkippedCount = len(result.Skipped)
	result.FailedCount = len(result.Failed)
	return result, nil
}

// ImportCredentialsParams imports one full credential set, typically lifted
// from an AWS SSO cache file.
type ImportCredentialsParams struct {
	ClientID              string
	ClientSecret          string
	RefreshToken          string
	AccessToken           string
	StartURL              string
	Region                string
	RegistrationExpiresAt int64
	Label                 string
	Enabled               *bool
	SkipDuplicateCheck    bool
}

// CredentialImportResult reports a single-credential import.
type CredentialImportResult struct {
	Region     string           `json:"region"`
	AuthMethod string           `json:"authMethod"`
	Refreshed  bool             `json:"refreshed"`
	Account    *account.Account `json:"account"`
}

// ImportCredentials validates the credential set with a refresh attempt and
// creates the account. A failed refresh still imports when an access token
// was supplied.
func (m *Manager) ImportCredentials(ctx context.Context, p ImportCredentialsParams) (*CredentialImportResult, error) {
	if strings.TrimSpace(p.ClientID) == "" {
		return nil, apperrors.New(400, apperrors.CodeInvalidRequest, "missing clientId")
	}
	if strings.TrimSpace(p.ClientSecret) == "" {
		return nil, apperrors.New(400, apperrors.CodeInvalidRequest, "missing clientSecret")
	}
	if strings.TrimSpace(p.RefreshToken) == "" {
		return nil, apperrors.New(400, apperrors.CodeInvalidRequest, "missing refreshToken")
	}
	region := m.oidc.NormalizeRegion(p.Region)

	refreshed := false
	accessToken := p.AccessToken
	refreshToken := p.RefreshToken
	var expiresIn int64
	if tok, err := m.oidc.RefreshKiroBuilderID(ctx, p.ClientID, p.ClientSecret, p.RefreshToken, region); err == nil {
		refreshed = true
		accessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			refreshToken = tok.RefreshToken
		}
		expiresIn = tok.ExpiresIn
	} else {
		log.WithError(err).Warn("token refresh failed during credential import")
	}
	if accessToken == "" {
		return nil, apperrors.New(400, apperrors.CodeInvalidRequest, "missing accessToken and refresh failed")
	}

	startURL := p.StartURL
	if startURL == "" {
		startURL = m.oidc.StartURL()
	}
	other := map[string]any{
		"provider":   "kiro",
		"authMethod": "builder-id",
		"idcRegion":  region,
		"source":     "kiro_aws_import",
		"startUrl":   startURL,
	}
	if p.RegistrationExpiresAt > 0 {
		other["registrationExpiresAt"] = p.RegistrationExpiresAt
	}
	label := p.Label
	if label == "" {
		label = "Kiro(Builder ID)"
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}

	acc, err := m.accounts.Create(ctx, account.CreateParams{
		Label:        label,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RefreshToken: refreshToken,
		AccessToken:  accessToken,
		ExpiresIn:    expiresIn,
		Other:        other,
		Enabled:      enabled,
	})
	if err != nil {
		return nil, err
	}
	return &CredentialImportResult{
		Region:     region,
		AuthMethod: "builder-id",
		Refreshed:  refreshed,
		Account:    acc,
	}, nil
}

func shortAuthID(id string) string {
	if len(id) > 8 {
		return id[:8] + "***"
	}
	return id
}
