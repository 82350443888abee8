package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashText returns a stable hex digest of the given parts, separated so
// ("ab","c") and ("a","bc") differ.
func HashText(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
