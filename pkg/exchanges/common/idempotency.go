package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdempotencyKey derives a client order id from a signal fingerprint and an
// attempt counter, so retries of the same logical submission never create a
// second venue order. attempt starts at 1.
func IdempotencyKey(fingerprint uint64, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%016x:%d", fingerprint, attempt)))
	return hex.EncodeToString(sum[:])[:32]
}
