package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex is used to key stored secrets (pairing tokens, fingerprints) so
// the raw value never sits in the store.
func SHA256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
