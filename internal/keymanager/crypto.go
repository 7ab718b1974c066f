package keymanager

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/fernet/fernet-go"
	log "github.com/sirupsen/logrus"
)

// encryptionPrefix marks values encrypted with the current fernet scheme.
const encryptionPrefix = "enc-v1:"

// buildFernetKey derives the fernet key from the master key. The fernet key
// material is sha256(master), so rotating the master key invalidates every
// stored ciphertext.
func buildFernetKey(masterKey []byte) *fernet.Key {
	digest := sha256.Sum256(masterKey)
	key := fernet.Key(digest)
	return &key
}

func (m *Manager) encryptKey(apiKey string) (string, error) {
	token, err := fernet.EncryptAndSign([]byte(apiKey), m.fernetKey)
	if err != nil {
		return "", err
	}
	return encryptionPrefix + string(token), nil
}

// decryptKey returns the plaintext and whether the stored value used the
// legacy XOR scheme and should be re-encrypted.
func (m *Manager) decryptKey(encrypted string) (plaintext string, needsUpgrade bool) {
	if encrypted == "" {
		return "", false
	}
	if strings.HasPrefix(encrypted, encryptionPrefix) {
		token := []byte(strings.TrimPrefix(encrypted, encryptionPrefix))
		msg := fernet.VerifyAndDecrypt(token, -1, []*fernet.Key{m.fernetKey})
		if msg == nil {
			log.Error("stored key ciphertext failed verification")
			return "", false
		}
		return string(msg), false
	}
	if plain := m.legacyDecryptKey(encrypted); plain != "" {
		log.Warn("legacy key encryption format detected, will upgrade on load")
		return plain, true
	}
	return "", false
}

// legacyDecryptKey handles the old XOR format: base64, a 16-byte header,
// then the ciphertext XORed against the first 32 bytes of the master key.
func (m *Manager) legacyDecryptKey(encrypted string) string {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil || len(data) <= 16 {
		return ""
	}
	payload := data[16:]
	xorKey := m.masterKey
	if len(xorKey) > 32 {
		xorKey = xorKey[:32]
	}
	if len(xorKey) == 0 {
		return ""
	}
	plain := make([]byte, len(payload))
	for i, b := range payload {
		plain[i] = b ^ xorKey[i%len(xorKey)]
	}
	return string(plain)
}

// hashKey double-hashes an API key for storage: hex(sha512(key+salt)) run
// through HMAC-SHA512 with the master key.
func (m *Manager) hashKey(apiKey, salt string) string {
	first := sha512.Sum512([]byte(apiKey + salt))
	mac := hmac.New(sha512.New, m.masterKey)
	mac.Write([]byte(hex.EncodeToString(first[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

// lookupHash is the index hash used to find a key without scanning.
func (m *Manager) lookupHash(apiKey string) string {
	mac := hmac.New(sha256.New, m.masterKey)
	mac.Write([]byte(apiKey))
	return hex.EncodeToString(mac.Sum(nil))
}

func constantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
