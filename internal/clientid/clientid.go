// Package clientid generates ClientId values and the presentational
// color assigned to a new session, per spec §6 and §3.
package clientid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Generate produces a ClientId of the form client-<epochMillis>-<9
// base36 chars>, used when the upgrade URL carries no clientId query
// parameter (§6).
func Generate() string {
	millis := time.Now().UnixMilli()
	return fmt.Sprintf("client-%d-%s", millis, randomBase36(9))
}

func randomBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(base36Alphabet))))
		if err != nil {
			// crypto/rand failure is unrecoverable entropy starvation;
			// fall back to a time-derived digit rather than panic.
			b[i] = base36Alphabet[time.Now().UnixNano()%int64(len(base36Alphabet))]
			continue
		}
		b[i] = base36Alphabet[idx.Int64()]
	}
	return string(b)
}

// RandomColor returns a uniformly random 6-digit hex color with a
// leading '#', per §3's ClientState.color assignment rule.
func RandomColor() string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "#808080"
	}
	return fmt.Sprintf("#%02x%02x%02x", buf[0], buf[1], buf[2])
}
