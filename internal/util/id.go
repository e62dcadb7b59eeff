// Package util holds small helpers shared across the engine.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier with a short type prefix: "br" for
// branches, "c" for commits, "pr" for pull requests, "an" for
// annotations, "conn" for live connections. 128 bits of entropy keeps
// IDs collision-free across replicas without any coordination.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
