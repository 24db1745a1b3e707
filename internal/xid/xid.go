package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a prefixed unique id for payment and return references.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Document returns a human-readable document number for sale receipts,
// e.g. V-20260901-3f2a91c4.
func Document(prefix string, at time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%s-%d", prefix, at.Format("20060102"), at.UnixNano()%1_000_000)
	}
	return fmt.Sprintf("%s-%s-%s", prefix, at.Format("20060102"), hex.EncodeToString(buf))
}
