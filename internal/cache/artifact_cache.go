package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ArtifactCacheStats tracks how often artifacts were reused or rebuilt.
type ArtifactCacheStats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Builds       int64 `json:"builds"`
	Replacements int64 `json:"replacements"`
	BuildErrors  int64 `json:"build_errors"`
}

type artifactEntry[T any] struct {
	fingerprint string
	value       T
	builtAt     time.Time
}

// ArtifactCache holds expensive, read-only resources such as model pipelines.
//
// Each identity owns one slot. A lookup whose fingerprint matches the slot
// reuses the stored value without locking; a mismatch builds a new value and
// swaps it in whole, so readers holding the old value are unaffected.
// Concurrent misses for the same (identity, fingerprint) share one build.
type ArtifactCache[T any] struct {
	mu     sync.Mutex
	slots  map[string]*atomic.Pointer[artifactEntry[T]]
	flight singleflight.Group

	hits         atomic.Int64
	misses       atomic.Int64
	builds       atomic.Int64
	replacements atomic.Int64
	buildErrors  atomic.Int64
}

// NewArtifactCache creates an empty cache.
func NewArtifactCache[T any]() *ArtifactCache[T] {
	return &ArtifactCache[T]{
		slots: make(map[string]*atomic.Pointer[artifactEntry[T]]),
	}
}

func (c *ArtifactCache[T]) slot(identity string) *atomic.Pointer[artifactEntry[T]] {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[identity]
	if !ok {
		s = &atomic.Pointer[artifactEntry[T]]{}
		c.slots[identity] = s
	}
	return s
}

// GetOrCreate returns the value stored for identity when its fingerprint
// matches, otherwise it runs build once and stores the result. Build errors
// are returned to every waiting caller and nothing is stored.
//
// The build runs detached from ctx cancellation because its result is
// shared with other callers.
func (c *ArtifactCache[T]) GetOrCreate(
	ctx context.Context,
	identity, fingerprint string,
	build func(ctx context.Context) (T, error),
) (T, error) {
	s := c.slot(identity)
	if e := s.Load(); e != nil && e.fingerprint == fingerprint {
		c.hits.Add(1)
		return e.value, nil
	}
	c.misses.Add(1)

	v, err, _ := c.flight.Do(identity+"\x00"+fingerprint, func() (interface{}, error) {
		// Another flight for this key may have finished between our
		// Load and Do.
		if e := s.Load(); e != nil && e.fingerprint == fingerprint {
			return e, nil
		}

		value, err := build(context.WithoutCancel(ctx))
		if err != nil {
			c.buildErrors.Add(1)
			return nil, err
		}
		c.builds.Add(1)

		entry := &artifactEntry[T]{fingerprint: fingerprint, value: value, builtAt: time.Now()}
		if old := s.Swap(entry); old != nil {
			c.replacements.Add(1)
		}
		return entry, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(*artifactEntry[T]).value, nil
}

// Peek returns the stored value and fingerprint for identity without building.
func (c *ArtifactCache[T]) Peek(identity string) (T, string, bool) {
	c.mu.Lock()
	s, ok := c.slots[identity]
	c.mu.Unlock()

	if ok {
		if e := s.Load(); e != nil {
			return e.value, e.fingerprint, true
		}
	}
	var zero T
	return zero, "", false
}

// Invalidate drops the stored value for identity.
func (c *ArtifactCache[T]) Invalidate(identity string) {
	c.mu.Lock()
	s, ok := c.slots[identity]
	c.mu.Unlock()

	if ok {
		s.Store(nil)
	}
}

// Stats returns a snapshot of the cache counters.
func (c *ArtifactCache[T]) Stats() ArtifactCacheStats {
	return ArtifactCacheStats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Builds:       c.builds.Load(),
		Replacements: c.replacements.Load(),
		BuildErrors:  c.buildErrors.Load(),
	}
}
