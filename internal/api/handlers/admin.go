package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/QProxyAPI/internal/account"
	"github.com/router-for-me/QProxyAPI/internal/apperrors"
	"github.com/router-for-me/QProxyAPI/internal/authflow"
	"github.com/router-for-me/QProxyAPI/internal/keymanager"
	"github.com/router-for-me/QProxyAPI/internal/quota"
)

// maskSecret hides the middle of a credential, leaving enough to identify it.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// accountJSON renders one account with masked credentials.
func accountJSON(a *account.Account) gin.H {
	return gin.H{
		"id":                 a.ID,
		"label":              a.Label,
		"provider":           a.Provider(),
		"enabled":            a.Enabled,
		"clientId":           maskSecret(a.ClientID),
		"refreshToken":       maskSecret(a.RefreshToken),
		"accessToken":        maskSecret(a.AccessToken),
		"expiresAt":          a.EffectiveExpiresAt(),
		"errorCount":         a.ErrorCount,
		"successCount":       a.SuccessCount,
		"quotaExhausted":     a.QuotaExhausted,
		"lastRefreshTime":    a.LastRefreshTime,
		"lastRefreshStatus":  a.LastRefreshStatus,
		"createdAt":          a.CreatedAt,
		"updatedAt":          a.UpdatedAt,
		"hasFullCredentials": a.HasFullCredentials(),
		"other":              a.OtherJSON(),
	}
}

// ListAccounts serves GET /admin/accounts.
func (d *Deps) ListAccounts(c *gin.Context) {
	ctx := c.Request.Context()
	enabled, err := d.Accounts.ListEnabled(ctx)
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	disabled, err := d.Accounts.ListDisabled(ctx)
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	out := make([]gin.H, 0, len(enabled)+len(disabled))
	for _, a := range enabled {
		out = append(out, accountJSON(a))
	}
	for _, a := range disabled {
		out = append(out, accountJSON(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out, "total": len(out)})
}

// GetAccount serves GET /admin/accounts/:id.
func (d *Deps) GetAccount(c *gin.Context) {
	a, err := d.Accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, accountJSON(a))
}

type accountPayload struct {
	Label        *string        `json:"label"`
	ClientID     *string        `json:"clientId"`
	ClientSecret *string        `json:"clientSecret"`
	RefreshToken *string        `json:"refreshToken"`
	AccessToken  *string        `json:"accessToken"`
	ExpiresIn    int64          `json:"expiresIn"`
	Other        map[string]any `json:"other"`
	Enabled      *bool          `json:"enabled"`
}

func strOr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// CreateAccount serves POST /admin/accounts.
func (d *Deps) CreateAccount(c *gin.Context) {
	var p accountPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		renderError(c, dialectOpenAI, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	a, err := d.Accounts.Create(c.Request.Context(), account.CreateParams{
		Label:        strOr(p.Label),
		ClientID:     strOr(p.ClientID),
		ClientSecret: strOr(p.ClientSecret),
		RefreshToken: strOr(p.RefreshToken),
		AccessToken:  strOr(p.AccessToken),
		ExpiresIn:    p.ExpiresIn,
		Other:        p.Other,
		Enabled:      enabled,
	})
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusCreated, accountJSON(a))
}

// UpdateAccount serves PATCH /admin/accounts/:id.
func (d *Deps) UpdateAccount(c *gin.Context) {
	var p accountPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		renderError(c, dialectOpenAI, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	a, err := d.Accounts.Update(c.Request.Context(), c.Param("id"), account.UpdateFields{
		Label:        p.Label,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RefreshToken: p.RefreshToken,
		AccessToken:  p.AccessToken,
		Other:        p.Other,
		Enabled:      p.Enabled,
	})
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, accountJSON(a))
}

// DeleteAccount serves DELETE /admin/accounts/:id.
func (d *Deps) DeleteAccount(c *gin.Context) {
	if err := d.Accounts.Delete(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// EnableAccount serves POST /admin/accounts/:id/enable.
func (d *Deps) EnableAccount(c *gin.Context) {
	if err := d.Accounts.Enable(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "enabled": true})
}

// DisableAccount serves POST /admin/accounts/:id/disable.
func (d *Deps) DisableAccount(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "disabled by operator"
	}
	if err := d.Accounts.Disable(c.Request.Context(), c.Param("id"), body.Reason); err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "enabled": false})
}

// RefreshAccount serves POST /admin/accounts/:id/refresh.
func (d *Deps) RefreshAccount(c *gin.Context) {
	if d.Refresher == nil {
		renderError(c, dialectOpenAI, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeInternal, "token refresh unavailable"))
		return
	}
	a, err := d.Refresher.Refresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, accountJSON(a))
}

// StartAuth serves POST /admin/auth/start.
func (d *Deps) StartAuth(c *gin.Context) {
	var body struct {
		StartURL string `json:"startUrl"`
		Region   string `json:"region"`
		Label    string `json:"label"`
		Enabled  *bool  `json:"enabled"`
	}
	_ = c.ShouldBindJSON(&body)
	res, err := d.Auth.Start(c.Request.Context(), authflow.StartParams{
		StartURL: body.StartURL,
		Region:   body.Region,
		Label:    body.Label,
		Enabled:  body.Enabled,
	})
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AuthStatus serves GET /admin/auth/status/:authId.
func (d *Deps) AuthStatus(c *gin.Context) {
	res, err := d.Auth.Status(c.Request.Context(), c.Param("authId"))
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ClaimAuth serves POST /admin/auth/claim/:authId.
func (d *Deps) ClaimAuth(c *gin.Context) {
	res, acc, err := d.Auth.Claim(c.Request.Context(), c.Param("authId"))
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	out := gin.H{"status": res.Status}
	if acc != nil {
		out["account"] = accountJSON(acc)
	}
	c.JSON(http.StatusOK, out)
}

// ImportTokens serves POST /admin/auth/import-tokens.
func (d *Deps) ImportTokens(c *gin.Context) {
	var body struct {
		RefreshTokens      []string `json:"refreshTokens"`
		ClientID           string   `json:"clientId"`
		ClientSecret       string   `json:"clientSecret"`
		Region             string   `json:"region"`
		LabelPrefix        string   `json:"labelPrefix"`
		Enabled            *bool    `json:"enabled"`
		SkipDuplicateCheck bool     `json:"skipDuplicateCheck"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		renderError(c, dialectOpenAI, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	res, err := d.Auth.ImportRefreshTokens(c.Request.Context(), authflow.ImportTokensParams{
		RefreshTokens:      body.RefreshTokens,
		ClientID:           body.ClientID,
		ClientSecret:       body.ClientSecret,
		Region:             body.Region,
		LabelPrefix:        body.LabelPrefix,
		Enabled:            body.Enabled,
		SkipDuplicateCheck: body.SkipDuplicateCheck,
	})
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ImportCredentials serves POST /admin/auth/import-credentials.
func (d *Deps) ImportCredentials(c *gin.Context) {
	var body struct {
		ClientID              string `json:"clientId"`
		ClientSecret          string `json:"clientSecret"`
		RefreshToken          string `json:"refreshToken"`
		AccessToken           string `json:"accessToken"`
		StartURL              string `json:"startUrl"`
		Region                string `json:"region"`
		RegistrationExpiresAt int64  `json:"registrationExpiresAt"`
		Label                 string `json:"label"`
		Enabled               *bool  `json:"enabled"`
		SkipDuplicateCheck    bool   `json:"skipDuplicateCheck"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		renderError(c, dialectOpenAI, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	res, err := d.Auth.ImportCredentials(c.Request.Context(), authflow.ImportCredentialsParams{
		ClientID:              body.ClientID,
		ClientSecret:          body.ClientSecret,
		RefreshToken:          body.RefreshToken,
		AccessToken:           body.AccessToken,
		StartURL:              body.StartURL,
		Region:                body.Region,
		RegistrationExpiresAt: body.RegistrationExpiresAt,
		Label:                 body.Label,
		Enabled:               body.Enabled,
		SkipDuplicateCheck:    body.SkipDuplicateCheck,
	})
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// QuotaStats serves GET /admin/quota.
func (d *Deps) QuotaStats(c *gin.Context) {
	stats, err := d.Quota.List(c.Request.Context())
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"month": quota.MonthKey(), "accounts": stats})
}

// QuotaAlerts serves GET /admin/quota/alerts.
func (d *Deps) QuotaAlerts(c *gin.Context) {
	alerts, err := d.Quota.Alerts(c.Request.Context())
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "total": len(alerts)})
}

// AccountQuota serves GET /admin/quota/:accountId.
func (d *Deps) AccountQuota(c *gin.Context) {
	stats, err := d.Quota.Get(c.Request.Context(), c.Param("accountId"))
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	if stats == nil {
		renderError(c, dialectOpenAI, apperrors.New(http.StatusNotFound, apperrors.CodeInvalidRequest, "no usage recorded for account"))
		return
	}
	c.JSON(http.StatusOK, stats)
}

// keyJSON renders a key record without any secret material.
func keyJSON(k *keymanager.KeyInfo) gin.H {
	return gin.H{
		"keyId":              k.KeyID,
		"status":             k.Status,
		"createdAt":          k.CreatedAt,
		"expiresAt":          k.ExpiresAt,
		"lastUsed":           k.LastUsed,
		"usageCount":         k.UsageCount,
		"maxUses":            k.MaxUses,
		"rateLimitPerMinute": k.RateLimitPerMinute,
		"allowedAccountIds":  k.AllowedAccountIDs,
		"defaultAccountId":   k.DefaultAccountID,
		"metadata":           k.Metadata,
	}
}

// ListKeys serves GET /admin/keys.
func (d *Deps) ListKeys(c *gin.Context) {
	keys := d.Keys.List()
	out := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyJSON(k))
	}
	c.JSON(http.StatusOK, gin.H{"keys": out, "total": len(out)})
}

// GenerateKey serves POST /admin/keys. The plaintext key appears only in
// this response.
func (d *Deps) GenerateKey(c *gin.Context) {
	var body struct {
		ExpiresInDays      int            `json:"expiresInDays"`
		MaxUses            int64          `json:"maxUses"`
		AllowedIPs         []string       `json:"allowedIps"`
		AllowedUserAgents  []string       `json:"allowedUserAgents"`
		RateLimitPerMinute int            `json:"rateLimitPerMinute"`
		Metadata           map[string]any `json:"metadata"`
		AllowedAccountIDs  []string       `json:"allowedAccountIds"`
		DefaultAccountID   string         `json:"defaultAccountId"`
	}
	_ = c.ShouldBindJSON(&body)
	keyID, apiKey, err := d.Keys.Generate(c.Request.Context(), keymanager.GenerateOptions{
		ExpiresInDays:      body.ExpiresInDays,
		MaxUses:            body.MaxUses,
		AllowedIPs:         body.AllowedIPs,
		AllowedUserAgents:  body.AllowedUserAgents,
		RateLimitPerMinute: body.RateLimitPerMinute,
		Metadata:           body.Metadata,
		AllowedAccountIDs:  body.AllowedAccountIDs,
		DefaultAccountID:   body.DefaultAccountID,
	})
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"keyId": keyID, "apiKey": apiKey})
}

// RevokeKey serves POST /admin/keys/:id/revoke.
func (d *Deps) RevokeKey(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if !d.Keys.Revoke(c.Request.Context(), c.Param("id"), body.Reason) {
		renderError(c, dialectOpenAI, apperrors.New(http.StatusNotFound, apperrors.CodeInvalidRequest, "unknown key id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"keyId": c.Param("id"), "revoked": true})
}

// RotateKey serves POST /admin/keys/:id/rotate.
func (d *Deps) RotateKey(c *gin.Context) {
	newID, apiKey, err := d.Keys.Rotate(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keyId": newID, "apiKey": apiKey})
}

// DeleteKey serves DELETE /admin/keys/:id.
func (d *Deps) DeleteKey(c *gin.Context) {
	if err := d.Keys.Delete(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, dialectOpenAI, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}
