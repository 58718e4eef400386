package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps (timestamp, id) a stable
// sort key even when two messages share a timestamp.
func NewULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand failures are effectively fatal; fall back to a
		// monotonic-entropy ULID rather than returning an empty id.
		return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	return id.String()
}
