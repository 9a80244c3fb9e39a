package generation

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	trackerTTL   = 2 * time.Hour
	trackerSweep = time.Hour
)

// Tracker maps generation record ids to their in-flight engine job ids so
// the progress stream can subscribe before the database row catches up.
// Entries expire on their own; completed jobs do not need explicit cleanup.
type Tracker struct {
	cache *gocache.Cache
}

// NewTracker builds a tracker with a 2 hour retention window.
func NewTracker() *Tracker {
	return &Tracker{cache: gocache.New(trackerTTL, trackerSweep)}
}

// Register associates a generation with its engine job id.
func (t *Tracker) Register(generationID, jobID string) {
	t.cache.Set(generationID, jobID, gocache.DefaultExpiration)
}

// Lookup returns the engine job id for a generation, if one is tracked.
func (t *Tracker) Lookup(generationID string) (string, bool) {
	v, ok := t.cache.Get(generationID)
	if !ok {
		return "", false
	}
	jobID, ok := v.(string)
	return jobID, ok
}

// Forget drops a tracked generation early, e.g. when the record is deleted.
func (t *Tracker) Forget(generationID string) {
	t.cache.Delete(generationID)
}
