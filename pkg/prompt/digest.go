package prompt

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest is the hex sha256 of data. Prompt versions and rendered contexts
// are fingerprinted with it in the decision journal.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
