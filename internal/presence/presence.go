package presence

import (
	"context"
	"time"

	"github.com/amoylab/syncroom/internal/common/cnst"
)

// Record is the last-known presence of one user. Updates are last-writer-wins
// per user, ordered by LastSeen.
type Record struct {
	UserID            string              `json:"userId"`
	Status            cnst.PresenceStatus `json:"status"`
	LastSeen          time.Time           `json:"lastSeen"`
	Activity          string              `json:"activity,omitempty"`
	Location          string              `json:"location,omitempty"`
	Device            string              `json:"device,omitempty"`
	ConnectionQuality string              `json:"connectionQuality,omitempty"`
}

// Stale reports whether the record has not been refreshed within ttl.
func (r Record) Stale(ttl time.Duration, now time.Time) bool {
	return now.Sub(r.LastSeen) > ttl
}

// Store is a keyed presence registry. Implementations must keep Upsert O(1)
// per user; the dispatch path calls it at high frequency.
type Store interface {
	// Upsert records the latest presence for a user. A write older than the
	// stored LastSeen for the same user is ignored.
	Upsert(ctx context.Context, rec Record) error

	// Get returns the record for a user, or cnst.ErrPresenceNotFound.
	Get(ctx context.Context, userID string) (Record, error)

	// ListActive returns all records refreshed within ttl.
	ListActive(ctx context.Context, ttl time.Duration) ([]Record, error)

	// Remove deletes a user's record.
	Remove(ctx context.Context, userID string) error

	// RemoveStale deletes records older than ttl and returns how many went.
	RemoveStale(ctx context.Context, ttl time.Duration) (int, error)

	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)

	// Clear drops every record.
	Clear(ctx context.Context) error
}
