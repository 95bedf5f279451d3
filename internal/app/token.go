package app

import (
	"crypto/sha256"
	"encoding/hex"
)

// IntegrityToken computes the shared-secret token that authenticates
// automation callbacks: the hex SHA-256 of "subscriptionID:salt". The salt
// must be treated as a secret; this trades mutual TLS for a simple
// one-way-hash check.
func IntegrityToken(subscriptionID, salt string) string {
	sum := sha256.Sum256([]byte(subscriptionID + ":" + salt))
	return hex.EncodeToString(sum[:])
}
