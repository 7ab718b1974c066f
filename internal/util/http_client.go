// Package util holds small shared helpers: the process-wide upstream HTTP
// client, query masking for logs, and JSON redaction.
package util

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	clientMu     sync.Mutex
	sharedClient *http.Client
)

// NewHTTPClient builds an HTTP client with the shared keep-alive pool
// settings. proxyURL may be empty; only http:// and https:// proxies are
// honoured.
func NewHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxConnsPerHost:     100,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 60,
		IdleConnTimeout:     30 * time.Second,
		// Streaming responses may take minutes to finish, but the first
		// byte of headers should arrive promptly.
		ResponseHeaderTimeout: 2 * time.Minute,
	}
	if proxyURL = strings.TrimSpace(proxyURL); proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			transport.Proxy = http.ProxyURL(u)
		} else {
			log.Warnf("ignoring invalid proxy url %q", MaskSensitiveQuery(proxyURL))
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// SharedClient returns the process-wide upstream client, creating it on
// first use.
func SharedClient(proxyURL string) *http.Client {
	clientMu.Lock()
	defer clientMu.Unlock()
	if sharedClient != nil {
		return sharedClient
	}
	// No overall timeout: streaming responses stay open for minutes.
	sharedClient = NewHTTPClient(proxyURL, 0)
	return sharedClient
}

// ResetSharedClient replaces the shared client, closing idle connections of
// the old pool. Used when the proxy configuration changes at runtime.
func ResetSharedClient(proxyURL string) *http.Client {
	clientMu.Lock()
	defer clientMu.Unlock()
	if sharedClient != nil {
		if t, ok := sharedClient.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
	sharedClient = NewHTTPClient(proxyURL, 0)
	return sharedClient
}
