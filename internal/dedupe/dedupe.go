// Package dedupe suppresses accidental duplicate requests: retries fired by
// impatient clients or double-submitting UIs. A request is identified by the
// caller, path, model, and a fingerprint of the body; a repeat inside the
// configured window is rejected with a retry-after hint.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"
)

const (
	minMaxKeys     = 100
	defaultMaxKeys = 2000
	jsonLimit      = 4096
)

// Options tune the detector. A zero Window disables it entirely.
type Options struct {
	Window      time.Duration
	MaxKeys     int
	IgnoreModel bool
}

// Detector keeps the recently-seen request keys in memory.
type Detector struct {
	mu   sync.Mutex
	seen map[string]int64

	window      time.Duration
	maxKeys     int
	ignoreModel bool
}

// New builds a Detector.
func New(opts Options) *Detector {
	if opts.MaxKeys < minMaxKeys {
		opts.MaxKeys = defaultMaxKeys
	}
	return &Detector{
		seen:        make(map[string]int64),
		window:      opts.Window,
		maxKeys:     opts.MaxKeys,
		ignoreModel: opts.IgnoreModel,
	}
}

// Enabled reports whether duplicate suppression is active.
func (d *Detector) Enabled() bool { return d != nil && d.window > 0 }

// IgnoreModel reports whether the model name is excluded from keys.
func (d *Detector) IgnoreModel() bool { return d.ignoreModel }

// Fingerprint hashes a canonical rendering of the request body. JSON objects
// are re-marshalled so key order does not matter; the rendering is capped so
// enormous bodies hash cheaply.
func Fingerprint(raw []byte) string {
	canonical := raw
	var obj any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if b, mErr := json.Marshal(obj); mErr == nil {
			canonical = b
		}
	}
	if len(canonical) > jsonLimit {
		canonical = canonical[:jsonLimit]
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// FingerprintDrop hashes the body with the named top-level keys removed, so
// volatile fields (stream flags, request ids) do not defeat deduplication.
func FingerprintDrop(raw []byte, dropKeys ...string) string {
	if !json.Valid(raw) {
		return Fingerprint(raw)
	}
	stripped := raw
	for _, k := range dropKeys {
		out, err := sjson.DeleteBytes(stripped, k)
		if err != nil {
			return Fingerprint(raw)
		}
		stripped = out
	}
	return Fingerprint(stripped)
}

// ClientID identifies the caller, preferring an explicit end-user id, then a
// hash of the API key, then the client IP.
func ClientID(r *http.Request) string {
	if uid := endUserID(r); uid != "" {
		return "u:" + uid
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		sum := sha256.Sum256([]byte(auth))
		return "k:" + hex.EncodeToString(sum[:])[:12]
	}
	return clientIP(r)
}

// Key joins the caller, route, model, and body fingerprint.
func (d *Detector) Key(r *http.Request, path, model, fp string) string {
	if d.ignoreModel {
		model = ""
	}
	return ClientID(r) + "|" + path + "|" + model + "|" + fp
}

// ShouldBlock reports whether the request is a duplicate and, when it is,
// how long the caller should wait before retrying. The bypass header opts a
// single request out.
func (d *Detector) ShouldBlock(r *http.Request, key string) (bool, time.Duration) {
	if !d.Enabled() {
		return false, 0
	}
	if bypassed(r) {
		return false, 0
	}
	return d.checkAndMark(key)
}

// checkAndMark registers the key and reports whether it was seen within the
// window. The map is wiped wholesale once it outgrows maxKeys; losing the
// window beats unbounded growth.
func (d *Detector) checkAndMark(key string) (bool, time.Duration) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if lastNano, ok := d.seen[key]; ok {
		elapsed := now.Sub(time.Unix(0, lastNano))
		if elapsed < d.window {
			retry := d.window - elapsed
			if retry < time.Millisecond {
				retry = time.Millisecond
			}
			return true, retry
		}
	}
	d.seen[key] = now.UnixNano()
	if len(d.seen) > d.maxKeys {
		d.seen = make(map[string]int64)
	}
	return false, 0
}

// Reset clears all recorded keys.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.seen = make(map[string]int64)
	d.mu.Unlock()
}

func bypassed(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get("X-Dedupe-Bypass"))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func endUserID(r *http.Request) string {
	val := strings.TrimSpace(r.Header.Get("X-End-User-Id"))
	if val == "" {
		val = strings.TrimSpace(r.Header.Get("X-User-Id"))
	}
	if len(val) > 80 {
		val = val[:80]
	}
	return val
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	if host == "" {
		return "unknown"
	}
	return host
}
