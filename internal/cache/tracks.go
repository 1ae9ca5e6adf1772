package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"legato/pkg/models"
)

// TrackCache holds immutable track values keyed by id. A cached value is
// only returned when its row version matches the caller's.
type TrackCache struct {
	lru *expirable.LRU[int64, models.Track]
}

// NewTrackCache creates a cache of at most size tracks, each kept for ttl.
func NewTrackCache(size int, ttl time.Duration) *TrackCache {
	if size <= 0 {
		size = 1024
	}
	return &TrackCache{
		lru: expirable.NewLRU[int64, models.Track](size, nil, ttl),
	}
}

// Get returns the cached track when its UpdatedAt equals version.
func (c *TrackCache) Get(id, version int64) (models.Track, bool) {
	track, ok := c.lru.Get(id)
	if !ok || track.UpdatedAt != version {
		return models.Track{}, false
	}
	return track, true
}

// Put caches a track under its id, replacing older versions.
func (c *TrackCache) Put(track models.Track) {
	c.lru.Add(track.ID, track)
}

// Invalidate drops the given ids.
func (c *TrackCache) Invalidate(ids ...int64) {
	for _, id := range ids {
		c.lru.Remove(id)
	}
}

// Purge drops everything.
func (c *TrackCache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached tracks.
func (c *TrackCache) Len() int {
	return c.lru.Len()
}
