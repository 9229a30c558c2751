package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

const publicIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewPublicID returns a short externally addressable ID shaped
// "prefix-<last 6 digits of unix time><4 random base36 chars>".
// The suffix keeps collisions unlikely, not impossible; storage enforces
// uniqueness and callers regenerate on conflict.
func NewPublicID(prefix string) string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	if len(ts) > 6 {
		ts = ts[len(ts)-6:]
	}
	suffix := make([]byte, 4)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(publicIDAlphabet))))
		if err != nil {
			suffix[i] = publicIDAlphabet[0]
			continue
		}
		suffix[i] = publicIDAlphabet[n.Int64()]
	}
	return fmt.Sprintf("%s-%s%s", prefix, ts, suffix)
}
