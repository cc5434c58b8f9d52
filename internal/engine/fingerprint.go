package engine

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// Fingerprint identifies an evaluation request for caching. Two requests
// share a fingerprint only when position, depth and engine strength all
// match, so cached evaluations from a differently configured engine are
// never reused.
func Fingerprint(fen string, depth, skillLevel int) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%d", fen, depth, skillLevel)))
	return hex.EncodeToString(h[:])
}
