package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// shareTokenBytes is the entropy of a share-link token: 24 bytes = 192
// bits, above the 144-bit floor the product requires.
const shareTokenBytes = 24

// NewShareToken generates a fresh share-link token and the hash to store.
// The plaintext token is returned to the caller exactly once and never
// persisted.
func NewShareToken() (token string, hash []byte, err error) {
	raw := make([]byte, shareTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generating share token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, HashShareToken(token), nil
}

// HashShareToken derives the stored digest of a share-link token.
func HashShareToken(token string) []byte {
	sum := blake2b.Sum256([]byte(token))
	return sum[:]
}

// VerifyShareToken compares a presented token against the stored hash in
// constant time.
func VerifyShareToken(token string, storedHash []byte) bool {
	if len(storedHash) == 0 {
		return false
	}
	presented := HashShareToken(token)
	return subtle.ConstantTimeCompare(presented, storedHash) == 1
}
