package cache

import (
	"context"
	"time"
)

// Store is the byte-level backend behind the cache-first orchestrator.
// Implementations must be safe for concurrent use and own their eviction.
type Store interface {
	// Get returns the value and true, or false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Stats summarises in-process cache activity. An expired entry found on
// lookup counts as both a miss and an expiration.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Entries     int   `json:"entries"`
	Capacity    int   `json:"capacity"`
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		Hits:        s.Hits + o.Hits,
		Misses:      s.Misses + o.Misses,
		Evictions:   s.Evictions + o.Evictions,
		Expirations: s.Expirations + o.Expirations,
		Entries:     s.Entries + o.Entries,
		Capacity:    s.Capacity + o.Capacity,
	}
}
