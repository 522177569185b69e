// Package sha256 derives item keys from provider file ids.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// KeyLen is the length in hex characters of a derived key.
const KeyLen = 32

// Hasher implements crawler.Hasher. Keys are the first 128 bits of the
// SHA-256 digest, hex encoded, and serve as dedup keys, search document ids
// and archive object names.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the item key for data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:KeyLen/2]), nil
}
