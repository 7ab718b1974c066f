package keymanager

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 100000

// HashPassword derives a PBKDF2-SHA256 hash. When salt is empty a fresh
// 16-byte hex salt is generated. Returns (hash, salt) as hex strings.
func HashPassword(password, salt string) (string, string, error) {
	if salt == "" {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return "", "", err
		}
		salt = hex.EncodeToString(buf)
	}
	derived := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, sha256.Size, sha256.New)
	return hex.EncodeToString(derived), salt, nil
}

// VerifyPassword checks a password against a stored hash in constant time.
func VerifyPassword(password, hashed, salt string) bool {
	expected, _, err := HashPassword(password, salt)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(hashed))
}
