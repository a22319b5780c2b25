// Package cache is the tag-indexed, TTL-bound, read-through cache in front
// of idempotent GET-style operations (spec §4.6). Entries are tagged with
// the identifiers they depend on. Request-initiated mutations invalidate
// inline via InvalidateJob; Run additionally subscribes the cache to
// EventBus so that a lifecycle event from anywhere else — a worker slot
// finishing a job, say — invalidates job:J the moment it's published,
// rather than only at those call sites.
//
// Grounded on common/LFUCache.go's sync.Map-backed entry store (eviction
// policy replaced with TTL + tag invalidation, since cache staleness here is
// event-driven, not frequency-driven); single-flight miss collapsing uses
// golang.org/x/sync/singleflight, which names exactly the "exactly one
// computation runs on miss" contract spec §4.6/§5 requires.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/scribeforge/scribeforge/internal/eventbus"
)

type entry struct {
	value     any
	expiresAt time.Time
	tags      []string
}

// Cache is the tag-indexed TTL cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	tagIdx  map[string]map[string]struct{} // tag -> set of cache keys

	group singleflight.Group
	now   func() time.Time
}

// New builds an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		tagIdx:  make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// Get returns a cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the given TTL and tags, indexing the tags
// for later group invalidation.
func (c *Cache) Set(key string, value any, ttl time.Duration, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, expiresAt: c.now().Add(ttl), tags: tags}
	for _, tag := range tags {
		if c.tagIdx[tag] == nil {
			c.tagIdx[tag] = make(map[string]struct{})
		}
		c.tagIdx[tag][key] = struct{}{}
	}
}

// InvalidateTag drops every cache entry tagged with tag.
func (c *Cache) InvalidateTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.tagIdx[tag] {
		delete(c.entries, key)
	}
	delete(c.tagIdx, tag)
}

// GetOrLoad returns the cached value for key, or computes it exactly once
// across concurrent callers (singleflight), storing the result with ttl and
// tags before returning it.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, tags []string, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// re-check: another caller may have populated it while we waited
		// to enter Do (the group key is the same, but a near-simultaneous
		// invalidation between the first Get and this Do is possible).
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		result, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, result, ttl, tags...)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Key builders matching spec §4.6's tagging scheme.
func JobDetailKey(jobID string) string       { return "job_detail:" + jobID }
func JobListingKey(userID, filter string) string { return "job_listing:" + userID + ":" + filter }
func UserStatsKey(userID string) string      { return "user_stats:" + userID }
func SystemHealthKey() string                { return "system_health" }

func TagJob(jobID string) string   { return "job:" + jobID }
func TagUser(userID string) string { return "user:" + userID }

// TagsUserJobs is the union tag set a job listing for user U carries
// ("user:U, jobs") per spec §4.6.
func TagsUserJobs(userID string) []string { return []string{TagUser(userID), "jobs"} }

// TagsUserStats is the tag set a user stats page carries ("user:U, stats").
func TagsUserStats(userID string) []string { return []string{TagUser(userID), "stats"} }

// InvalidateJob drops entries tagged job:J and the union tag user:OwnerOf(J),
// the exact invalidation spec §4.6 specifies for any lifecycle event on
// job:J.
func (c *Cache) InvalidateJob(jobID, ownerID string) {
	c.InvalidateTag(TagJob(jobID))
	c.InvalidateTag(TagUser(ownerID))
}

// Run subscribes to bus's admin broadcast topic — which every event on every
// topic is mirrored to (see eventbus.Bus.Publish) — and invalidates the
// job:J tag for every event that names a job, until ctx is done. This is
// what makes the cache's package doc true: a lifecycle event a request
// handler never touches directly, like a worker slot finishing a job, still
// invalidates job:J the moment it's published (spec §4.6, §8 scenario 1),
// instead of only at the three request-initiated mutation call sites.
func (c *Cache) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe(eventbus.TopicAdminBroadcast)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			if e.JobID != "" {
				c.InvalidateTag(TagJob(e.JobID))
			}
		}
	}
}
