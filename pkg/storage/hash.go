package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// hashSecret returns the hex SHA-256 of a one-time secret. Only hashes are
// stored; the secret itself is handed out once.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}
