package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "doc_9f2c...". 12 random bytes
// is plenty for a per-install namespace and keeps the ids short enough
// to read in logs.
func NewID(prefix string) string {
	raw := make([]byte, 12)
	_, _ = rand.Read(raw)
	id := hex.EncodeToString(raw)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
