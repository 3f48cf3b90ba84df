package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a sortable account identifier. Entropy comes from crypto/rand
// so identifiers cannot be guessed from one another.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier stamped with t.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s is a well-formed identifier.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
