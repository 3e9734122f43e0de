package token

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint computes F = H(clientId || acceptedVersion), the key that
// bounds at-most-one-mint concurrency in C2 (spec.md §4.4 step 3,
// glossary "Fingerprint").
func Fingerprint(clientID, acceptedVersion string) string {
	sum := sha256.Sum256([]byte(clientID + "|" + acceptedVersion))
	return hex.EncodeToString(sum[:])
}
