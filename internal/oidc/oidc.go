// Package oidc talks to the AWS SSO OIDC endpoints used to enroll and
// refresh accounts: client registration, device authorization, device-code
// polling, and the JSON refresh grant for Amazon Q and Kiro Builder ID
// tokens.
package oidc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Sentinel poll outcomes.
var (
	// ErrAuthorizationPending means the user has not yet approved the code.
	ErrAuthorizationPending = errors.New("authorization pending")
	// ErrSlowDown asks the poller to widen its interval.
	ErrSlowDown = errors.New("slow down")
	// ErrAuthTimeout means the device code expired before approval.
	ErrAuthTimeout = errors.New("device authorization timed out")
)

const registrationScopes = "codewhisperer:completions codewhisperer:analysis codewhisperer:conversations"

// Config points the client at the OIDC endpoints.
type Config struct {
	// BaseURL is the regional OIDC service root.
	BaseURL string
	// StartURL is the default AWS access portal.
	StartURL string
	// KiroTokenURLTemplate holds one %s verb for the region.
	KiroTokenURLTemplate string
	// KiroDefaultRegion backs NormalizeRegion.
	KiroDefaultRegion string
	// KiroUserAgent is sent on Builder ID refreshes.
	KiroUserAgent string
}

// Client performs OIDC operations over a shared HTTP client.
type Client struct {
	http *http.Client
	cfg  Config
}

// NewClient builds a Client. httpClient may be nil.
func NewClient(httpClient *http.Client, cfg Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://oidc.us-east-1.amazonaws.com"
	}
	if cfg.StartURL == "" {
		cfg.StartURL = "https://view.awsapps.com/start"
	}
	if cfg.KiroTokenURLTemplate == "" {
		cfg.KiroTokenURLTemplate = "https://oidc.%s.amazonaws.com/token"
	}
	if cfg.KiroDefaultRegion == "" {
		cfg.KiroDefaultRegion = "us-east-1"
	}
	if cfg.KiroUserAgent == "" {
		cfg.KiroUserAgent = "KiroIDE"
	}
	return &Client{http: httpClient, cfg: cfg}
}

// StartURL returns the configured access portal URL.
func (c *Client) StartURL() string { return c.cfg.StartURL }

// NormalizeRegion falls back to the configured default region.
func (c *Client) NormalizeRegion(region string) string {
	if r := strings.TrimSpace(region); r != "" {
		return r
	}
	return c.cfg.KiroDefaultRegion
}

// HTTPError carries the upstream status without leaking response bodies into
// user-facing errors.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Token is a refresh or device-code grant result.
type Token struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Registration is a dynamically registered OIDC client.
type Registration struct {
	ClientID              string `json:"clientId"`
	ClientSecret          string `json:"clientSecret"`
	ClientSecretExpiresAt int64  `json:"clientSecretExpiresAt"`
}

// DeviceAuthorization is the device-code grant bootstrap.
type DeviceAuthorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// RegisterClient registers a short-lived public OIDC client.
func (c *Client) RegisterClient(ctx context.Context) (*Registration, error) {
	body := map[string]any{
		"clientName": "qproxy-" + uuid.NewString()[:8],
		"clientType": "public",
		"scopes":     strings.Split(registrationScopes, " "),
	}
	var reg Registration
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/client/register", body, nil, &reg); err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		return nil, errors.New("register client: response missing credentials")
	}
	return &reg, nil
}

// DeviceAuthorize starts a device-code authorization. startURL may be empty
// to use the configured default.
func (c *Client) DeviceAuthorize(ctx context.Context, reg *Registration, startURL string) (*DeviceAuthorization, error) {
	if startURL == "" {
		startURL = c.cfg.StartURL
	}
	body := map[string]any{
		"clientId":     reg.ClientID,
		"clientSecret": reg.ClientSecret,
		"startUrl":     startURL,
	}
	var dev DeviceAuthorization
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/device_authorization", body, nil, &dev); err != nil {
		return nil, fmt.Errorf("device authorize: %w", err)
	}
	if dev.DeviceCode == "" {
		return nil, errors.New("device authorize: response missing deviceCode")
	}
	if dev.Interval <= 0 {
		dev.Interval = 1
	}
	if dev.ExpiresIn <= 0 {
		dev.ExpiresIn = 600
	}
	return &dev, nil
}

// CreateDeviceToken attempts one device-code exchange. Returns
// ErrAuthorizationPending or ErrSlowDown while the user has not finished.
func (c *Client) CreateDeviceToken(ctx context.Context, reg *Registration, deviceCode string) (*Token, error) {
	body := map[string]any{
		"clientId":     reg.ClientID,
		"clientSecret": reg.ClientSecret,
		"deviceCode":   deviceCode,
		"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
	}
	var tok Token
	err := c.postJSON(ctx, c.cfg.BaseURL+"/token", body, nil, &tok)
	if err == nil {
		return &tok, nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch classifyOIDCError(httpErr.Body) {
		case "authorization_pending":
			return nil, ErrAuthorizationPending
		case "slow_down":
			return nil, ErrSlowDown
		case "expired_token":
			return nil, ErrAuthTimeout
		}
	}
	return nil, err
}

// PollDeviceToken polls the token endpoint until approval, expiry, or
// maxWait elapses, honouring the advertised interval and slow-down hints.
func (c *Client) PollDeviceToken(ctx context.Context, reg *Registration, dev *DeviceAuthorization, maxWait time.Duration) (*Token, error) {
	interval := time.Duration(dev.Interval) * time.Second
	deadline := time.Now().Add(minDuration(time.Duration(dev.ExpiresIn)*time.Second, maxWait))
	for {
		if time.Now().After(deadline) {
			return nil, ErrAuthTimeout
		}
		tok, err := c.CreateDeviceToken(ctx, reg, dev.DeviceCode)
		switch {
		case err == nil:
			return tok, nil
		case errors.Is(err, ErrAuthorizationPending):
		case errors.Is(err, ErrSlowDown):
			interval += 5 * time.Second
		case errors.Is(err, ErrAuthTimeout):
			return nil, ErrAuthTimeout
		default:
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RefreshAmazonQ performs the Amazon Q JSON refresh grant against the
// configured OIDC token endpoint.
func (c *Client) RefreshAmazonQ(ctx context.Context, clientID, clientSecret, refreshToken string) (*Token, error) {
	body := map[string]any{
		"grantType":    "refresh_token",
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"refreshToken": refreshToken,
	}
	headers := map[string]string{
		"user-agent":            "aws-sdk-rust/1.3.9 os/macos lang/rust/1.87.0 exec-env/CLI md/appVersion-1.19.7",
		"x-amz-user-agent":      "aws-sdk-rust/1.3.9 ua/2.1 api/ssooidc/1.88.0 os/macos lang/rust/1.87.0 exec-env/CLI m/E md/appVersion-1.19.7 app/AmazonQ-For-CLI",
		"amz-sdk-request":       "attempt=1; max=3",
		"amz-sdk-invocation-id": uuid.NewString(),
	}
	var tok Token
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/token", body, headers, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("refresh response missing accessToken")
	}
	return &tok, nil
}

// RefreshKiroBuilderID refreshes a Kiro Builder ID token in its region.
func (c *Client) RefreshKiroBuilderID(ctx context.Context, clientID, clientSecret, refreshToken, region string) (*Token, error) {
	url := fmt.Sprintf(c.cfg.KiroTokenURLTemplate, c.NormalizeRegion(region))
	body := map[string]any{
		"grantType":    "refresh_token",
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"refreshToken": refreshToken,
	}
	headers := map[string]string{"user-agent": c.cfg.KiroUserAgent}
	var tok Token
	if err := c.postJSON(ctx, url, body, headers, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("Kiro Builder ID refresh response missing accessToken")
	}
	return &tok, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body map[string]any, headers map[string]string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debugf("oidc call %s failed with HTTP %d", url, resp.StatusCode)
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err = json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// classifyOIDCError recognizes both the OAuth-style error field and the AWS
// exception __type marker.
func classifyOIDCError(body string) string {
	var payload struct {
		Error string `json:"error"`
		Type  string `json:"__type"`
	}
	_ = json.Unmarshal([]byte(body), &payload)
	combined := strings.ToLower(payload.Error + " " + payload.Type + " " + body)
	switch {
	case strings.Contains(combined, "authorization_pending"), strings.Contains(combined, "authorizationpending"):
		return "authorization_pending"
	case strings.Contains(combined, "slow_down"), strings.Contains(combined, "slowdown"):
		return "slow_down"
	case strings.Contains(combined, "expired_token"), strings.Contains(combined, "expiredtoken"):
		return "expired_token"
	default:
		return ""
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
