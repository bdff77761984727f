// Package ids generates identifiers for selection processes and related
// records. Identifiers are ULIDs so listings sort by creation time without an
// extra column.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewIdempotencyKey returns a key for retry-safe mutating requests.
func NewIdempotencyKey() string {
	return "idem-" + New()
}
