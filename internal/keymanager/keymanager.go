// Package keymanager issues, verifies, and stores the gateway's client API
// keys. Keys are never stored in plaintext: verification uses a salted
// double hash, fast lookup uses an HMAC index, and the original key is kept
// only as an encrypted copy so operators can recover it.
package keymanager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/store"
)

// SecurityLevel tunes the lockout and rate-limit posture.
type SecurityLevel string

const (
	LevelDevelopment SecurityLevel = "development"
	LevelProduction  SecurityLevel = "production"
	LevelMilitary    SecurityLevel = "military"
)

// KeyStatus is the lifecycle state of a key.
type KeyStatus string

const (
	StatusActive      KeyStatus = "active"
	StatusInactive    KeyStatus = "inactive"
	StatusCompromised KeyStatus = "compromised"
	StatusExpired     KeyStatus = "expired"
)

const (
	apiKeyPrefix      = "sk-"
	apiKeyRandomLen   = 48
	apiKeyCharset     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	defaultKeyLife    = 180 * 24 * time.Hour
	failedAttemptSpan = time.Hour
)

// KeyInfo is the stored record for one API key.
type KeyInfo struct {
	KeyID              string
	KeyHash            string
	Salt               string
	EncryptedKey       string
	CreatedAt          time.Time
	ExpiresAt          *time.Time
	LastUsed           *time.Time
	UsageCount         int64
	MaxUses            int64
	AllowedIPs         []string
	AllowedUserAgents  []string
	AllowedAccountIDs  []string
	DefaultAccountID   string
	RateLimitPerMinute int
	Status             KeyStatus
	SecurityLevel      SecurityLevel
	Metadata           map[string]any
}

// GenerateOptions constrain a newly issued key. Zero values mean unlimited.
type GenerateOptions struct {
	ExpiresInDays      int
	MaxUses            int64
	AllowedIPs         []string
	AllowedUserAgents  []string
	RateLimitPerMinute int
	Metadata           map[string]any
	AllowedAccountIDs  []string
	DefaultAccountID   string
}

// Options configure a Manager.
type Options struct {
	SecurityLevel    SecurityLevel
	DefaultRateLimit int
	MasterKey        []byte
	Auditor          *Auditor
}

// Manager holds the in-memory key cache backed by the secure_keys table.
type Manager struct {
	mu        sync.Mutex
	db        *store.DB
	masterKey []byte
	fernetKey *fernet.Key
	level     SecurityLevel
	auditor   *Auditor

	keys   map[string]*KeyInfo
	lookup map[string]string // lookup hash -> key id

	failedAttempts map[string][]time.Time
	rateWindows    map[string][]time.Time

	maxFailedAttempts int
	defaultRateLimit  int
}

// NewManager builds a Manager. The database may be nil for memory-only use
// (tests); persistence calls become no-ops.
func NewManager(db *store.DB, opts Options) *Manager {
	level := opts.SecurityLevel
	if level == "" {
		level = LevelProduction
	}
	rateLimit := opts.DefaultRateLimit
	if rateLimit <= 0 {
		rateLimit = 300
	}
	maxAttempts := 5
	if level == LevelMilitary {
		maxAttempts = 3
		rateLimit /= 2
	}
	m := &Manager{
		db:                db,
		masterKey:         opts.MasterKey,
		fernetKey:         buildFernetKey(opts.MasterKey),
		level:             level,
		auditor:           opts.Auditor,
		keys:              make(map[string]*KeyInfo),
		lookup:            make(map[string]string),
		failedAttempts:    make(map[string][]time.Time),
		rateWindows:       make(map[string][]time.Time),
		maxFailedAttempts: maxAttempts,
		defaultRateLimit:  rateLimit,
	}
	log.Infof("key manager ready (level=%s, default rate limit=%d/min)", level, rateLimit)
	return m
}

// Generate issues a new API key and persists it. Returns the internal key id
// and the plaintext key; the plaintext is only ever returned here.
func (m *Manager) Generate(ctx context.Context, opts GenerateOptions) (keyID, apiKey string, err error) {
	keyID, err = randomHex(16)
	if err != nil {
		return "", "", err
	}
	salt, err := randomHex(32)
	if err != nil {
		return "", "", err
	}
	apiKey, err = randomAPIKey()
	if err != nil {
		return "", "", err
	}

	encrypted, err := m.encryptKey(apiKey)
	if err != nil {
		return "", "", fmt.Errorf("encrypt key: %w", err)
	}

	lifetime := defaultKeyLife
	if opts.ExpiresInDays > 0 {
		lifetime = time.Duration(opts.ExpiresInDays) * 24 * time.Hour
	}
	now := time.Now().UTC()
	expiresAt := now.Add(lifetime)

	allowedAccounts := make([]string, 0, len(opts.AllowedAccountIDs)+1)
	for _, id := range opts.AllowedAccountIDs {
		if id = strings.TrimSpace(id); id != "" {
			allowedAccounts = append(allowedAccounts, id)
		}
	}
	defaultAccount := strings.TrimSpace(opts.DefaultAccountID)
	if defaultAccount != "" && !contains(allowedAccounts, defaultAccount) {
		allowedAccounts = append(allowedAccounts, defaultAccount)
	}

	rateLimit := opts.RateLimitPerMinute
	if rateLimit <= 0 {
		rateLimit = m.defaultRateLimit
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	info := &KeyInfo{
		KeyID:              keyID,
		KeyHash:            m.hashKey(apiKey, salt),
		Salt:               salt,
		EncryptedKey:       encrypted,
		CreatedAt:          now,
		ExpiresAt:          &expiresAt,
		MaxUses:            opts.MaxUses,
		AllowedIPs:         opts.AllowedIPs,
		AllowedUserAgents:  opts.AllowedUserAgents,
		AllowedAccountIDs:  allowedAccounts,
		DefaultAccountID:   defaultAccount,
		RateLimitPerMinute: rateLimit,
		Status:             StatusActive,
		SecurityLevel:      m.level,
		Metadata:           metadata,
	}

	m.mu.Lock()
	m.keys[keyID] = info
	m.lookup[m.lookupHash(apiKey)] = keyID
	m.mu.Unlock()

	if err = m.saveKey(ctx, info, m.lookupHash(apiKey)); err != nil {
		log.WithError(err).Errorf("persist key %s failed", keyID)
	}
	log.Infof("api key issued: %s", keyID)
	return keyID, apiKey, nil
}

// LoadFromDB populates the cache with every active key, expiring those past
// their deadline and upgrading legacy ciphertexts. Returns the loaded count.
func (m *Manager) LoadFromDB(ctx context.Context) (int, error) {
	if m.db == nil {
		return 0, nil
	}
	rows, err := m.db.Query(ctx, "SELECT * FROM secure_keys WHERE status = 'active'")
	if err != nil {
		return 0, fmt.Errorf("load keys: %w", err)
	}
	loaded := 0
	now := time.Now().UTC()
	for _, row := range rows {
		info := keyInfoFromRow(row, m.defaultRateLimit)
		if info == nil {
			continue
		}
		if info.ExpiresAt != nil && now.After(*info.ExpiresAt) {
			info.Status = StatusExpired
			if _, uErr := m.db.Exec(ctx, "UPDATE secure_keys SET status = ? WHERE key_id = ?", string(StatusExpired), info.KeyID); uErr != nil {
				log.WithError(uErr).Warnf("mark key %s expired failed", info.KeyID)
			}
			continue
		}

		m.mu.Lock()
		m.keys[info.KeyID] = info
		m.mu.Unlock()

		if plain, needsUpgrade := m.decryptKey(info.EncryptedKey); plain != "" {
			m.mu.Lock()
			m.lookup[m.lookupHash(plain)] = info.KeyID
			m.mu.Unlock()
			if needsUpgrade {
				m.upgradeLegacyKey(ctx, info, plain)
			}
		}
		loaded++
	}
	log.Infof("loaded %d active api keys", loaded)
	return loaded, nil
}

func (m *Manager) upgradeLegacyKey(ctx context.Context, info *KeyInfo, plaintext string) {
	cipher, err := m.encryptKey(plaintext)
	if err != nil {
		log.WithError(err).Errorf("re-encrypt legacy key %s failed", info.KeyID)
		return
	}
	info.EncryptedKey = cipher
	if m.db != nil {
		if _, err = m.db.Exec(ctx, "UPDATE secure_keys SET encrypted_key = ? WHERE key_id = ?", cipher, info.KeyID); err != nil {
			log.WithError(err).Errorf("persist upgraded key %s failed", info.KeyID)
			return
		}
	}
	log.Infof("key encryption upgraded: %s", info.KeyID)
}

// Verify authenticates an API key and enforces every constraint attached to
// it. A nil return means the key is rejected; the reasons are logged, not
// disclosed to the caller.
func (m *Manager) Verify(ctx context.Context, apiKey, clientIP, userAgent string) *KeyInfo {
	if apiKey == "" || !strings.HasPrefix(apiKey, apiKeyPrefix) {
		log.Warn("api key rejected: bad format")
		return nil
	}

	m.mu.Lock()
	keyID, ok := m.lookup[m.lookupHash(apiKey)]
	var info *KeyInfo
	if ok {
		info = m.keys[keyID]
	}
	m.mu.Unlock()

	if info == nil {
		info = m.loadByAPIKey(ctx, apiKey)
		if info == nil {
			m.recordFailedAttempt(ctx, clientIP, userAgent, "unknown")
			m.audit(ctx, "key_verify_failed", clientIP, userAgent, "key not found")
			return nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !constantTimeEqual(info.KeyHash, m.hashKey(apiKey, info.Salt)) {
		m.recordFailedAttemptLocked(ctx, clientIP, userAgent, info.KeyID)
		return nil
	}
	if info.Status != StatusActive {
		log.Warnf("api key %s rejected: status %s", info.KeyID, info.Status)
		return nil
	}
	now := time.Now().UTC()
	if info.ExpiresAt != nil && now.After(*info.ExpiresAt) {
		info.Status = StatusExpired
		go m.persistStatus(info.KeyID, StatusExpired)
		return nil
	}
	if info.MaxUses > 0 && info.UsageCount >= info.MaxUses {
		info.Status = StatusInactive
		go m.persistStatus(info.KeyID, StatusInactive)
		log.Warnf("api key %s rejected: max uses reached", info.KeyID)
		return nil
	}
	if len(info.AllowedIPs) > 0 && clientIP != "" && !contains(info.AllowedIPs, clientIP) {
		m.recordFailedAttemptLocked(ctx, clientIP, userAgent, info.KeyID)
		log.Warnf("api key %s rejected: ip %s not allowed", info.KeyID, clientIP)
		return nil
	}
	if len(info.AllowedUserAgents) > 0 && userAgent != "" && !userAgentAllowed(info.AllowedUserAgents, userAgent) {
		m.recordFailedAttemptLocked(ctx, clientIP, userAgent, info.KeyID)
		log.Warnf("api key %s rejected: user agent not allowed", info.KeyID)
		return nil
	}
	if !m.checkRateLimitLocked(info.KeyID, info.RateLimitPerMinute) {
		log.Warnf("api key %s rejected: rate limit", info.KeyID)
		return nil
	}
	if m.auditor != nil && m.auditor.IsIPBlocked(clientIP) {
		log.Warnf("api key %s rejected: ip %s blocked", info.KeyID, clientIP)
		return nil
	}

	info.LastUsed = &now
	info.UsageCount++
	delete(m.failedAttempts, clientIP)
	go m.persistUsage(info.KeyID, now, info.UsageCount)

	snapshot := *info
	return &snapshot
}

// loadByAPIKey scans active rows hashing the presented key against each salt
// when the lookup cache misses (keys issued before lookup hashes existed).
func (m *Manager) loadByAPIKey(ctx context.Context, apiKey string) *KeyInfo {
	if m.db == nil {
		return nil
	}
	rows, err := m.db.Query(ctx, "SELECT * FROM secure_keys WHERE status = 'active'")
	if err != nil {
		log.WithError(err).Error("key scan query failed")
		return nil
	}
	for _, row := range rows {
		info := keyInfoFromRow(row, m.defaultRateLimit)
		if info == nil {
			continue
		}
		if !constantTimeEqual(m.hashKey(apiKey, info.Salt), info.KeyHash) {
			continue
		}
		m.mu.Lock()
		m.keys[info.KeyID] = info
		m.lookup[m.lookupHash(apiKey)] = info.KeyID
		m.mu.Unlock()
		return info
	}
	return nil
}

// Revoke deactivates a key.
func (m *Manager) Revoke(ctx context.Context, keyID, reason string) bool {
	m.mu.Lock()
	info, ok := m.keys[keyID]
	if ok {
		info.Status = StatusInactive
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.persistStatus(keyID, StatusInactive)
	log.Infof("api key revoked: %s (%s)", keyID, reason)
	return true
}

// Rotate issues a replacement with the old key's constraints and revokes the
// original. Returns the new key id and plaintext.
func (m *Manager) Rotate(ctx context.Context, keyID string) (string, string, error) {
	m.mu.Lock()
	old, ok := m.keys[keyID]
	if !ok {
		m.mu.Unlock()
		return "", "", fmt.Errorf("key %s not found", keyID)
	}
	opts := GenerateOptions{
		MaxUses:            old.MaxUses,
		AllowedIPs:         append([]string(nil), old.AllowedIPs...),
		AllowedUserAgents:  append([]string(nil), old.AllowedUserAgents...),
		RateLimitPerMinute: old.RateLimitPerMinute,
		Metadata:           cloneMetadata(old.Metadata),
		AllowedAccountIDs:  append([]string(nil), old.AllowedAccountIDs...),
		DefaultAccountID:   old.DefaultAccountID,
	}
	m.mu.Unlock()

	newID, newKey, err := m.Generate(ctx, opts)
	if err != nil {
		return "", "", err
	}
	m.Revoke(ctx, keyID, "rotation")
	log.Infof("api key rotated: %s -> %s", keyID, newID)
	return newID, newKey, nil
}

// Delete removes a key from the cache and the database.
func (m *Manager) Delete(ctx context.Context, keyID string) error {
	m.mu.Lock()
	delete(m.keys, keyID)
	for hash, id := range m.lookup {
		if id == keyID {
			delete(m.lookup, hash)
		}
	}
	m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	_, err := m.db.Exec(ctx, "DELETE FROM secure_keys WHERE key_id = ?", keyID)
	return err
}

// Get returns a copy of a key's record.
func (m *Manager) Get(keyID string) (*KeyInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.keys[keyID]
	if !ok {
		return nil, false
	}
	snapshot := *info
	return &snapshot, true
}

// DecryptedKey recovers the plaintext of an active key.
func (m *Manager) DecryptedKey(keyID string) (string, bool) {
	m.mu.Lock()
	info, ok := m.keys[keyID]
	m.mu.Unlock()
	if !ok || info.Status != StatusActive || info.EncryptedKey == "" {
		return "", false
	}
	plain, _ := m.decryptKey(info.EncryptedKey)
	return plain, plain != ""
}

// List returns copies of all cached keys.
func (m *Manager) List() []*KeyInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*KeyInfo, 0, len(m.keys))
	for _, info := range m.keys {
		snapshot := *info
		out = append(out, &snapshot)
	}
	return out
}

// CleanupExpired flips expired cached keys to the expired status.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, info := range m.keys {
		if info.Status == StatusActive && info.ExpiresAt != nil && now.After(*info.ExpiresAt) {
			info.Status = StatusExpired
			n++
		}
	}
	if n > 0 {
		log.Infof("expired %d api keys", n)
	}
	return n
}

func (m *Manager) audit(ctx context.Context, event, clientIP, userAgent, details string) {
	if m.auditor != nil {
		m.auditor.Record(ctx, event, clientIP, userAgent, details)
	}
}

func (m *Manager) recordFailedAttempt(ctx context.Context, clientIP, userAgent, keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFailedAttemptLocked(ctx, clientIP, userAgent, keyID)
}

// recordFailedAttemptLocked tracks per-IP failures on two scales: the local
// one-hour window marks the targeted key compromised past the suspicious
// threshold, while the auditor accumulates towards the hard IP block.
func (m *Manager) recordFailedAttemptLocked(ctx context.Context, clientIP, userAgent, keyID string) {
	if clientIP == "" {
		return
	}
	if m.auditor != nil {
		m.auditor.RecordFailedLogin(ctx, clientIP, userAgent)
	}
	now := time.Now().UTC()
	cutoff := now.Add(-failedAttemptSpan)
	attempts := append(m.failedAttempts[clientIP], now)
	kept := attempts[:0]
	for _, at := range attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.failedAttempts[clientIP] = kept

	if len(kept) >= m.maxFailedAttempts {
		log.Warnf("suspicious activity from %s, marking key %s compromised", clientIP, keyID)
		if info, ok := m.keys[keyID]; ok {
			info.Status = StatusCompromised
		}
	}
}

// checkRateLimitLocked enforces a fixed per-minute window per key.
func (m *Manager) checkRateLimitLocked(keyID string, limit int) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()
	windowStart := now.Truncate(time.Minute)
	window := m.rateWindows[keyID]
	kept := window[:0]
	for _, at := range window {
		if !at.Before(windowStart) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= limit {
		m.rateWindows[keyID] = kept
		return false
	}
	m.rateWindows[keyID] = append(kept, now)
	return true
}

func (m *Manager) persistStatus(keyID string, status KeyStatus) {
	if m.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.db.Exec(ctx, "UPDATE secure_keys SET status = ? WHERE key_id = ?", string(status), keyID); err != nil {
		log.WithError(err).Warnf("persist key status %s failed", keyID)
	}
}

func (m *Manager) persistUsage(keyID string, lastUsed time.Time, count int64) {
	if m.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.db.Exec(ctx,
		"UPDATE secure_keys SET last_used = ?, usage_count = ? WHERE key_id = ?",
		lastUsed.Format(time.RFC3339), count, keyID); err != nil {
		log.WithError(err).Warnf("persist key usage %s failed", keyID)
	}
}

func (m *Manager) saveKey(ctx context.Context, info *KeyInfo, lookupHash string) error {
	if m.db == nil {
		return nil
	}
	_, err := m.db.Exec(ctx, `
		INSERT INTO secure_keys (
			key_id, key_hash, salt, encrypted_key, lookup_hash, created_at, expires_at, last_used,
			usage_count, max_uses, allowed_ips, allowed_user_agents,
			allowed_accounts, default_account_id,
			rate_limit_per_minute, status, security_level, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.KeyID, info.KeyHash, info.Salt, info.EncryptedKey, lookupHash,
		info.CreatedAt.Format(time.RFC3339), timePtrString(info.ExpiresAt), timePtrString(info.LastUsed),
		info.UsageCount, info.MaxUses, mustJSON(info.AllowedIPs), mustJSON(info.AllowedUserAgents),
		mustJSON(info.AllowedAccountIDs), info.DefaultAccountID,
		info.RateLimitPerMinute, string(info.Status), string(info.SecurityLevel), mustJSON(info.Metadata))
	return err
}

func keyInfoFromRow(row store.Row, defaultRateLimit int) *KeyInfo {
	keyID, _ := row["key_id"].(string)
	if keyID == "" {
		return nil
	}
	info := &KeyInfo{
		KeyID:              keyID,
		KeyHash:            stringField(row, "key_hash"),
		Salt:               stringField(row, "salt"),
		EncryptedKey:       stringField(row, "encrypted_key"),
		CreatedAt:          timeField(row, "created_at"),
		ExpiresAt:          timePtrField(row, "expires_at"),
		LastUsed:           timePtrField(row, "last_used"),
		UsageCount:         intField(row, "usage_count"),
		MaxUses:            intField(row, "max_uses"),
		DefaultAccountID:   stringField(row, "default_account_id"),
		RateLimitPerMinute: int(intField(row, "rate_limit_per_minute")),
		Status:             KeyStatus(stringField(row, "status")),
		SecurityLevel:      SecurityLevel(stringField(row, "security_level")),
	}
	if info.RateLimitPerMinute <= 0 {
		info.RateLimitPerMinute = defaultRateLimit
	}
	if info.SecurityLevel == "" {
		info.SecurityLevel = LevelProduction
	}
	_ = json.Unmarshal([]byte(stringField(row, "allowed_ips")), &info.AllowedIPs)
	_ = json.Unmarshal([]byte(stringField(row, "allowed_user_agents")), &info.AllowedUserAgents)
	_ = json.Unmarshal([]byte(stringField(row, "allowed_accounts")), &info.AllowedAccountIDs)
	_ = json.Unmarshal([]byte(stringField(row, "metadata")), &info.Metadata)
	if info.Metadata == nil {
		info.Metadata = map[string]any{}
	}
	return info
}

func userAgentAllowed(allowed []string, userAgent string) bool {
	lower := strings.ToLower(userAgent)
	for _, ua := range allowed {
		if strings.Contains(lower, strings.ToLower(ua)) {
			return true
		}
	}
	return false
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomAPIKey() (string, error) {
	buf := make([]byte, apiKeyRandomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	chars := make([]byte, apiKeyRandomLen)
	for i, b := range buf {
		chars[i] = apiKeyCharset[int(b)%len(apiKeyCharset)]
	}
	return apiKeyPrefix + string(chars), nil
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func cloneMetadata(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func timePtrString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func stringField(row store.Row, key string) string {
	s, _ := row[key].(string)
	return s
}

func intField(row store.Row, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		var n int64
		_, _ = fmt.Sscan(v, &n)
		return n
	default:
		return 0
	}
}

func timeField(row store.Row, key string) time.Time {
	if t := timePtrField(row, key); t != nil {
		return *t
	}
	return time.Now().UTC()
}

func timePtrField(row store.Row, key string) *time.Time {
	s, _ := row[key].(string)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
