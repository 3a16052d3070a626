// Package ids generates document identifiers. Run-level documents use
// random UUIDs; event uids use monotonic ULIDs so that uid order agrees
// with creation order when timestamps tie.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewUID returns a random UUIDv4 string for run/descriptor/resource documents.
func NewUID() string {
	return uuid.NewString()
}

// NewEventUID returns a time-sortable ULID encoded as a 26-character string.
// Within one process ULIDs are strictly increasing, so (time, uid) ordering
// is total even for events that share a timestamp.
func NewEventUID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}
