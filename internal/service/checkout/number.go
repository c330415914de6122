package checkout

import (
	"crypto/rand"
	"time"
)

const numberAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newOrderNumber returns ORD-YYYYMMDD-XXXXXXXX with a random suffix.
// Uniqueness is enforced by the store; callers retry on collision.
func newOrderNumber(now time.Time) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = numberAlphabet[int(b[i])%len(numberAlphabet)]
	}
	return "ORD-" + now.UTC().Format("20060102") + "-" + string(b), nil
}
