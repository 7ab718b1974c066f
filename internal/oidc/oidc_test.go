package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.Client(), Config{
		BaseURL:              srv.URL,
		KiroTokenURLTemplate: srv.URL + "/%s/token",
	})
	return c, srv
}

func TestRegisterClient(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/client/register", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "public", body["clientType"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"clientId":     "cid",
			"clientSecret": "csec",
		})
	}))

	reg, err := c.RegisterClient(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cid", reg.ClientID)
	assert.Equal(t, "csec", reg.ClientSecret)
}

func TestDeviceAuthorizeDefaults(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/device_authorization", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"deviceCode": "dev",
			"userCode":   "ABCD-1234",
		})
	}))

	dev, err := c.DeviceAuthorize(context.Background(), &Registration{ClientID: "cid", ClientSecret: "csec"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, dev.Interval)
	assert.Equal(t, 600, dev.ExpiresIn)
}

func TestPollDeviceTokenPendingThenSuccess(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "authorization_pending"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "at",
			"refreshToken": "rt",
			"expiresIn":    3600,
		})
	}))

	tok, err := c.PollDeviceToken(context.Background(),
		&Registration{ClientID: "cid", ClientSecret: "csec"},
		&DeviceAuthorization{DeviceCode: "dev", Interval: 1, ExpiresIn: 60},
		30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestPollDeviceTokenExpired(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"__type": "ExpiredTokenException"})
	}))

	_, err := c.PollDeviceToken(context.Background(),
		&Registration{ClientID: "cid", ClientSecret: "csec"},
		&DeviceAuthorization{DeviceCode: "dev", Interval: 1, ExpiresIn: 60},
		30*time.Second)
	assert.ErrorIs(t, err, ErrAuthTimeout)
}

func TestRefreshAmazonQ(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("amz-sdk-invocation-id"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grantType"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new-at",
			"refreshToken": "new-rt",
			"expiresIn":    1800,
		})
	}))

	tok, err := c.RefreshAmazonQ(context.Background(), "cid", "csec", "rt")
	require.NoError(t, err)
	assert.Equal(t, "new-at", tok.AccessToken)
	assert.EqualValues(t, 1800, tok.ExpiresIn)
}

func TestRefreshKiroBuilderIDUsesRegionAndUA(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/eu-west-1/token", r.URL.Path)
		assert.Equal(t, "KiroIDE", r.Header.Get("User-Agent"))
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "at"})
	}))

	tok, err := c.RefreshKiroBuilderID(context.Background(), "cid", "csec", "rt", "eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
}

func TestRefreshErrorsCarryStatusOnly(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"secret":"do-not-leak"}`))
	}))

	_, err := c.RefreshAmazonQ(context.Background(), "cid", "csec", "rt")
	require.Error(t, err)
	assert.Equal(t, "HTTP 502", err.Error())
}

func TestNormalizeRegion(t *testing.T) {
	c := NewClient(nil, Config{KiroDefaultRegion: "us-east-1"})
	assert.Equal(t, "us-east-1", c.NormalizeRegion(""))
	assert.Equal(t, "ap-south-1", c.NormalizeRegion(" ap-south-1 "))
}
