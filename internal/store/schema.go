package store

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// initSchema creates the tables and indexes the gateway needs and applies
// additive migrations. All migrations are ALTER TABLE ... ADD COLUMN guarded
// by column probes so re-runs are harmless.
func (d *DB) initSchema(ctx context.Context) error {
	autoinc := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch d.dialect {
	case DialectPostgres:
		autoinc = "SERIAL PRIMARY KEY"
	case DialectMySQL:
		autoinc = "INT AUTO_INCREMENT PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			label TEXT,
			clientId TEXT,
			clientSecret TEXT,
			refreshToken TEXT,
			accessToken TEXT,
			expires_at TEXT,
			other TEXT,
			last_refresh_time TEXT,
			last_refresh_status TEXT,
			created_at TEXT,
			updated_at TEXT,
			enabled INTEGER DEFAULT 1,
			error_count INTEGER DEFAULT 0,
			success_count INTEGER DEFAULT 0,
			quota_exhausted INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS secure_keys (
			key_id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			salt TEXT NOT NULL,
			encrypted_key TEXT,
			lookup_hash TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			last_used TEXT,
			usage_count INTEGER DEFAULT 0,
			max_uses INTEGER,
			allowed_ips TEXT,
			allowed_user_agents TEXT,
			allowed_accounts TEXT,
			default_account_id TEXT,
			rate_limit_per_minute INTEGER DEFAULT 100,
			status TEXT DEFAULT 'active',
			security_level TEXT DEFAULT 'production',
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS auth_sessions (
			auth_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at BIGINT
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_logs (
			id %s,
			timestamp TEXT,
			event_type TEXT,
			client_ip TEXT,
			details TEXT,
			user_agent TEXT
		)`, autoinc),
		`CREATE TABLE IF NOT EXISTS quota_stats (
			account_id TEXT PRIMARY KEY,
			month_key TEXT NOT NULL,
			request_count INTEGER DEFAULT 0,
			throttle_count INTEGER DEFAULT 0,
			last_throttle_time BIGINT,
			quota_status TEXT DEFAULT 'normal',
			created_at BIGINT,
			updated_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS session_accounts (
			session_key TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			created_at BIGINT
		)`,
	}
	if d.dialect == DialectMySQL {
		// MySQL rejects TEXT primary keys without a length.
		statements[0] = strings.Replace(statements[0], "id TEXT PRIMARY KEY", "id VARCHAR(255) PRIMARY KEY", 1)
		statements[1] = strings.Replace(statements[1], "key_id TEXT PRIMARY KEY", "key_id VARCHAR(255) PRIMARY KEY", 1)
		statements[2] = strings.Replace(statements[2], "auth_id TEXT PRIMARY KEY", "auth_id VARCHAR(255) PRIMARY KEY", 1)
		statements[4] = strings.Replace(statements[4], "account_id TEXT PRIMARY KEY", "account_id VARCHAR(255) PRIMARY KEY", 1)
		statements[4] = strings.Replace(statements[4], "month_key TEXT NOT NULL", "month_key VARCHAR(10) NOT NULL", 1)
		statements[5] = strings.Replace(statements[5], "session_key TEXT PRIMARY KEY", "session_key VARCHAR(255) PRIMARY KEY", 1)
		statements[5] = strings.Replace(statements[5], "account_id TEXT NOT NULL", "account_id VARCHAR(255) NOT NULL", 1)
	}
	for _, stmt := range statements {
		if _, err := d.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	indexes := map[string]string{
		"idx_accounts_enabled":       "CREATE INDEX idx_accounts_enabled ON accounts(enabled)",
		"idx_accounts_quota":         "CREATE INDEX idx_accounts_quota ON accounts(quota_exhausted)",
		"idx_accounts_enabled_quota": "CREATE INDEX idx_accounts_enabled_quota ON accounts(enabled, quota_exhausted)",
		"idx_accounts_error_count":   "CREATE INDEX idx_accounts_error_count ON accounts(error_count)",
		"idx_secure_keys_status":     "CREATE INDEX idx_secure_keys_status ON secure_keys(status)",
		"idx_secure_keys_expires":    "CREATE INDEX idx_secure_keys_expires ON secure_keys(expires_at)",
		"idx_auth_sessions_created":  "CREATE INDEX idx_auth_sessions_created ON auth_sessions(created_at)",
		"idx_audit_logs_timestamp":   "CREATE INDEX idx_audit_logs_timestamp ON audit_logs(timestamp)",
		"idx_audit_logs_event_type":  "CREATE INDEX idx_audit_logs_event_type ON audit_logs(event_type)",
		"idx_quota_month":            "CREATE INDEX idx_quota_month ON quota_stats(month_key)",
		"idx_quota_status":           "CREATE INDEX idx_quota_status ON quota_stats(quota_status)",
		"idx_session_expires":        "CREATE INDEX idx_session_expires ON session_accounts(expires_at)",
		"idx_session_account":        "CREATE INDEX idx_session_account ON session_accounts(account_id)",
	}
	for name, stmt := range indexes {
		if _, err := d.Exec(ctx, stmt); err != nil {
			// Index already exists; CREATE INDEX IF NOT EXISTS is not
			// portable across all three dialects.
			log.WithError(err).Debugf("index %s skipped", name)
		}
	}

	migrations := []struct {
		table, column, ddl string
	}{
		{"accounts", "quota_exhausted", "ALTER TABLE accounts ADD COLUMN quota_exhausted INTEGER DEFAULT 0"},
		{"accounts", "expires_at", "ALTER TABLE accounts ADD COLUMN expires_at TEXT"},
		{"secure_keys", "encrypted_key", "ALTER TABLE secure_keys ADD COLUMN encrypted_key TEXT"},
		{"secure_keys", "lookup_hash", "ALTER TABLE secure_keys ADD COLUMN lookup_hash TEXT"},
		{"secure_keys", "allowed_accounts", "ALTER TABLE secure_keys ADD COLUMN allowed_accounts TEXT"},
		{"secure_keys", "default_account_id", "ALTER TABLE secure_keys ADD COLUMN default_account_id TEXT"},
	}
	for _, m := range migrations {
		has, err := d.hasColumn(ctx, m.table, m.column)
		if err != nil {
			log.WithError(err).Warnf("column probe %s.%s failed", m.table, m.column)
			continue
		}
		if has {
			continue
		}
		if _, err = d.Exec(ctx, m.ddl); err != nil {
			log.WithError(err).Warnf("migration %s.%s failed", m.table, m.column)
			continue
		}
		log.Infof("migration: added column %s.%s", m.table, m.column)
	}
	return nil
}

// hasColumn probes the information schema (or PRAGMA table_info for SQLite)
// for a column's existence.
func (d *DB) hasColumn(ctx context.Context, table, column string) (bool, error) {
	switch d.dialect {
	case DialectSQLite:
		rows, err := d.Query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return false, err
		}
		for _, row := range rows {
			if name, _ := row["name"].(string); name == column {
				return true, nil
			}
		}
		return false, nil
	case DialectPostgres:
		row, err := d.QueryRow(ctx,
			`SELECT 1 AS present FROM information_schema.columns
			 WHERE table_schema = 'public' AND table_name = ? AND column_name = ?`,
			table, column)
		return row != nil, err
	default:
		row, err := d.QueryRow(ctx,
			`SELECT 1 AS present FROM information_schema.columns
			 WHERE table_schema = DATABASE() AND table_name = ? AND column_name = ?`,
			table, column)
		return row != nil, err
	}
}
