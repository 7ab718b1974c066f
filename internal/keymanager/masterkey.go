package keymanager

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

const generatedMasterKeyLen = 64

// LoadMasterKey resolves the master key, in order: the MASTER_KEY value
// (base64url, base64, hex, or the raw string, whichever first yields at
// least 32 bytes), the file at keyPath, or a freshly generated key persisted
// to keyPath with 0600 permissions.
func LoadMasterKey(value, keyPath string) ([]byte, error) {
	if value != "" {
		key, err := decodeMasterKey(value)
		if err != nil {
			return nil, err
		}
		log.Info("master key loaded from environment")
		return key, nil
	}

	if keyPath == "" {
		keyPath = "master.key"
	}
	if data, err := os.ReadFile(keyPath); err == nil {
		if len(data) < 32 {
			return nil, fmt.Errorf("master key file %s holds fewer than 32 bytes", keyPath)
		}
		return data, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key file: %w", err)
	}

	key := make([]byte, generatedMasterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		log.WithError(err).Warn("could not persist generated master key, using in-memory key")
		return key, nil
	}
	log.Warnf("MASTER_KEY not set, generated a development key at %s; use the environment variable in production", keyPath)
	return key, nil
}

func decodeMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)

	padded := raw + strings.Repeat("=", (4-len(raw)%4)%4)
	if decoded, err := base64.URLEncoding.DecodeString(padded); err == nil && len(decoded) >= 32 {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(padded); err == nil && len(decoded) >= 32 {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) >= 32 {
		return decoded, nil
	}
	if len(raw) >= 32 {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("MASTER_KEY must decode to at least 32 bytes (base64, hex, or raw)")
}
