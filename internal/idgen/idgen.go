// Package idgen provides entity ID and payment reference generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New generates a lexicographically sortable ID (26 char ULID, lower-cased).
func New() string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return strings.ToLower(id.String())
}

// WithPrefix generates a sortable ID with a prefix (e.g. "esc_", "dsp_", "usr_").
func WithPrefix(prefix string) string {
	return prefix + New()
}

// Reference generates a globally unique payment reference (e.g. "pay_<uuid>").
// References are handed to gateways as idempotency keys, so they must never
// be derived from guessable data such as wallet IDs or timestamps.
func Reference(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
