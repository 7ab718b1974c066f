// Package config provides configuration management for the gateway. Settings
// are loaded from an optional YAML file and then overridden by environment
// variables (a .env file is honoured when present). The config file can be
// watched for changes; api-keys and tunables swap atomically on reload.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// ProxyURL is an optional outbound proxy for upstream requests.
	ProxyURL string `yaml:"proxy-url"`

	// RequestLog enables verbose request logging.
	RequestLog bool `yaml:"request-log"`

	// Metrics toggles the Prometheus middleware and /metrics endpoint.
	Metrics bool `yaml:"metrics"`

	// LogFile enables file logging with rotation when non-empty.
	LogFile       string `yaml:"log-file"`
	LogMaxSizeMB  int    `yaml:"log-max-size-mb"`
	LogMaxBackups int    `yaml:"log-max-backups"`
	LogMaxAgeDays int    `yaml:"log-max-age-days"`

	Database Database `yaml:"database"`
	Accounts Accounts `yaml:"accounts"`
	Security Security `yaml:"security"`
	Tokens   Tokens   `yaml:"tokens"`
	Dedupe   Dedupe   `yaml:"dedupe"`
	Lock     Lock     `yaml:"lock"`
	AmazonQ  AmazonQ  `yaml:"amazonq"`
	Kiro     Kiro     `yaml:"kiro"`
	OIDC     OIDC     `yaml:"oidc"`

	// MaxAuthSessions bounds the in-memory device-flow session map.
	MaxAuthSessions int `yaml:"max-auth-sessions"`

	// DebugMessageConversion enables strict translator validation.
	DebugMessageConversion bool `yaml:"debug-message-conversion"`
}

// Database selects and tunes the persistence backend.
type Database struct {
	// URL selects the backend: postgres://, mysql://, empty = embedded SQLite.
	URL string `yaml:"url"`
	// TimeoutSeconds is the per-query timeout.
	TimeoutSeconds int `yaml:"timeout-seconds"`
	// SQLiteMaxConnections caps concurrent access to the embedded store.
	SQLiteMaxConnections int `yaml:"sqlite-max-connections"`
	// SQLitePath overrides the embedded database location.
	SQLitePath string `yaml:"sqlite-path"`
}

// Accounts tunes pool behaviour.
type Accounts struct {
	// MaxErrorCount is the consecutive-error threshold that disables an account.
	MaxErrorCount int `yaml:"max-error-count"`
	// AutoDisableIncomplete batch-disables accounts missing refresh credentials.
	AutoDisableIncomplete bool `yaml:"auto-disable-incomplete"`
}

// Security configures the key manager root secret and the admin surface.
type Security struct {
	MasterKey     string `yaml:"master-key"`
	MasterKeyPath string `yaml:"master-key-path"`
	// AdminAPIKey protects the /admin endpoints; empty disables them.
	AdminAPIKey string `yaml:"admin-api-key"`
}

// Tokens tunes token accounting and request size limits.
type Tokens struct {
	// CountMultiplier scales reported token counts (0 < m <= 10).
	CountMultiplier float64 `yaml:"count-multiplier"`
	// MaxTokensPerRequest rejects oversized requests with 400.
	MaxTokensPerRequest int `yaml:"max-tokens-per-request"`
	// CompressThreshold triggers context compression.
	CompressThreshold int `yaml:"compress-threshold"`
}

// Dedupe configures the duplicate-request window.
type Dedupe struct {
	WindowMS     int  `yaml:"window-ms"`
	MaxKeys      int  `yaml:"max-keys"`
	IgnoreModel  bool `yaml:"ignore-model"`
	TraceEnabled bool `yaml:"trace-enabled"`
}

// Lock configures the filesystem lock directory used for token refresh.
type Lock struct {
	Dir                 string `yaml:"dir"`
	TimeoutSeconds      int    `yaml:"timeout-seconds"`
	StaleTimeoutSeconds int    `yaml:"stale-timeout-seconds"`
}

// AmazonQ configures the upstream chat endpoint.
type AmazonQ struct {
	BaseURL      string `yaml:"base-url"`
	Path         string `yaml:"path"`
	Target       string `yaml:"target"`
	UserAgent    string `yaml:"user-agent"`
	AmzUserAgent string `yaml:"amz-user-agent"`
	Optout       string `yaml:"optout"`
	DefaultModel string `yaml:"default-model"`
	ClientOS     string `yaml:"client-os"`
	ClientCWD    string `yaml:"client-cwd"`
}

// Kiro configures the Builder ID token endpoint.
type Kiro struct {
	TokenURLTemplate string `yaml:"token-url-template"`
	DefaultRegion    string `yaml:"default-region"`
	UserAgent        string `yaml:"user-agent"`
}

// OIDC configures the device-authorization endpoints used to enroll
// accounts.
type OIDC struct {
	BaseURL  string `yaml:"base-url"`
	StartURL string `yaml:"start-url"`
}

func defaults() *Config {
	return &Config{
		Port:            8080,
		Metrics:         true,
		LogMaxSizeMB:    100,
		LogMaxBackups:   5,
		LogMaxAgeDays:   30,
		MaxAuthSessions: 1000,
		Database: Database{
			TimeoutSeconds:       30,
			SQLiteMaxConnections: 10,
			SQLitePath:           "data/database/data.sqlite3",
		},
		Accounts: Accounts{MaxErrorCount: 100},
		Tokens: Tokens{
			CountMultiplier:     1.0,
			MaxTokensPerRequest: 1_000_000,
			CompressThreshold:   950_000,
		},
		Dedupe: Dedupe{MaxKeys: 2000},
		Lock: Lock{
			Dir:                 ".locks",
			TimeoutSeconds:      30,
			StaleTimeoutSeconds: 300,
		},
		AmazonQ: AmazonQ{
			BaseURL:      "https://q.us-east-1.amazonaws.com",
			Path:         "/",
			Target:       "AmazonCodeWhispererStreamingService.GenerateAssistantResponse",
			UserAgent:    "aws-sdk-rust/1.3.9 os/linux lang/rust/1.87.0",
			AmzUserAgent: "aws-sdk-rust/1.3.9 api/codewhispererstreaming/1.0.0 os/linux lang/rust/1.87.0",
			Optout:       "true",
			DefaultModel: "claude-sonnet-4",
			ClientOS:     "linux",
			ClientCWD:    "/",
		},
		Kiro: Kiro{
			TokenURLTemplate: "https://oidc.%s.amazonaws.com/token",
			DefaultRegion:    "us-east-1",
			UserAgent:        "KiroIDE",
		},
		OIDC: OIDC{
			BaseURL:  "https://oidc.us-east-1.amazonaws.com",
			StartURL: "https://view.awsapps.com/start",
		},
	}
}

// Load reads the configuration. path may be empty; missing files are not an
// error. Environment variables always win over file values.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.ProxyURL, "HTTP_PROXY")
	envStr(&c.Database.URL, "DATABASE_URL")
	envInt(&c.Database.TimeoutSeconds, "DATABASE_TIMEOUT")
	envInt(&c.Database.SQLiteMaxConnections, "SQLITE_MAX_CONNECTIONS")
	envInt(&c.Accounts.MaxErrorCount, "MAX_ERROR_COUNT")
	envBool(&c.Accounts.AutoDisableIncomplete, "AUTO_DISABLE_INCOMPLETE_ACCOUNTS")
	envStr(&c.Security.MasterKey, "MASTER_KEY")
	envStr(&c.Security.MasterKeyPath, "MASTER_KEY_PATH")
	envStr(&c.Security.AdminAPIKey, "ADMIN_API_KEY")
	envFloat(&c.Tokens.CountMultiplier, "TOKEN_COUNT_MULTIPLIER")
	envInt(&c.Tokens.MaxTokensPerRequest, "MAX_TOKENS_PER_REQUEST")
	envInt(&c.Tokens.CompressThreshold, "TOKEN_COMPRESS_THRESHOLD")
	envInt(&c.Dedupe.WindowMS, "REQUEST_DEDUPE_WINDOW_MS")
	envInt(&c.Dedupe.MaxKeys, "REQUEST_DEDUPE_MAX_KEYS")
	envBool(&c.Dedupe.IgnoreModel, "REQUEST_DEDUPE_IGNORE_MODEL")
	envBool(&c.Dedupe.TraceEnabled, "REQUEST_TRACE_ENABLED")
	envInt(&c.MaxAuthSessions, "MAX_AUTH_SESSIONS")
	envStr(&c.Lock.Dir, "LOCK_DIR")
	envInt(&c.Lock.TimeoutSeconds, "LOCK_TIMEOUT")
	envInt(&c.Lock.StaleTimeoutSeconds, "LOCK_STALE_TIMEOUT")
	envStr(&c.AmazonQ.BaseURL, "AMAZON_Q_BASE_URL")
	envStr(&c.AmazonQ.Path, "AMAZON_Q_PATH")
	envStr(&c.AmazonQ.Target, "AMAZON_Q_TARGET")
	envStr(&c.AmazonQ.UserAgent, "AMAZON_Q_USER_AGENT")
	envStr(&c.AmazonQ.AmzUserAgent, "AMAZON_Q_AMZ_USER_AGENT")
	envStr(&c.AmazonQ.Optout, "AMAZON_Q_OPTOUT")
	envStr(&c.AmazonQ.DefaultModel, "AMAZON_Q_DEFAULT_MODEL")
	envStr(&c.AmazonQ.ClientOS, "AMAZON_Q_CLIENT_OS")
	envStr(&c.AmazonQ.ClientCWD, "AMAZON_Q_CLIENT_CWD")
	envStr(&c.Kiro.TokenURLTemplate, "KIRO_BUILDER_ID_TOKEN_URL_TEMPLATE")
	envStr(&c.Kiro.DefaultRegion, "KIRO_BUILDER_ID_DEFAULT_REGION")
	envStr(&c.Kiro.UserAgent, "KIRO_USER_AGENT")
	envStr(&c.OIDC.BaseURL, "OIDC_BASE_URL")
	envStr(&c.OIDC.StartURL, "OIDC_START_URL")
	envBool(&c.DebugMessageConversion, "DEBUG_MESSAGE_CONVERSION")

	if c.Tokens.CountMultiplier <= 0 || c.Tokens.CountMultiplier > 10 {
		log.Warnf("token count multiplier %v out of range (0,10], using 1.0", c.Tokens.CountMultiplier)
		c.Tokens.CountMultiplier = 1.0
	}
	if c.Accounts.MaxErrorCount < 1 {
		c.Accounts.MaxErrorCount = 1
	}
	if c.Dedupe.MaxKeys < 100 {
		c.Dedupe.MaxKeys = 100
	}
}

func envStr(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("invalid %s value %q, keeping %d", name, v, *dst)
		return
	}
	*dst = n
}

func envBool(dst *bool, name string) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return
	}
	switch v {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	default:
		log.Warnf("invalid %s value %q, keeping %v", name, v, *dst)
	}
}

func envFloat(dst *float64, name string) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warnf("invalid %s value %q, keeping %v", name, v, *dst)
		return
	}
	*dst = f
}

// Store holds the live configuration and supports atomic swap on reload.
type Store struct {
	current atomic.Pointer[Config]
	path    string
}

// NewStore wraps an initial configuration.
func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path}
	s.current.Store(cfg)
	return s
}

// Get returns the current configuration snapshot.
func (s *Store) Get() *Config { return s.current.Load() }

// Watch reloads the config file on change until stop is closed.
func (s *Store) Watch(stop <-chan struct{}) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = watcher.Add(s.path); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(s.path)
				if err != nil {
					log.WithError(err).Warn("config reload failed, keeping previous")
					continue
				}
				s.current.Store(cfg)
				log.Info("configuration reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			case <-stop:
				return
			}
		}
	}()
	return nil
}
