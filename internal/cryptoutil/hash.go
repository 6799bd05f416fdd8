package cryptoutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex computes the SHA-256 hash of data and returns it hex encoded.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
