// Package cache memoizes latest-at and range query results.
//
// The cache registers itself as a store subscriber. Because store events
// are delivered synchronously inside the mutating call, the cache observes
// every mutation before any reader can issue a query against the new state:
// invalidation is immediate and a hit is always coherent with the store.
// As a second line of defense every lookup compares the store's generation
// against the last one the cache witnessed; a mismatch means events were
// missed (the cache was registered late or detached) and flushes everything.
package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/magnetar-io/magnetar/pkg/logger"
	"github.com/magnetar-io/magnetar/pkg/metrics"
	"github.com/magnetar-io/magnetar/pkg/model"
	"github.com/magnetar-io/magnetar/pkg/query"
	"github.com/magnetar-io/magnetar/pkg/store"
)

// latestKey identifies one cacheable latest-at lookup.
type latestKey struct {
	entity   model.EntityPath
	comp     model.ComponentName
	timeline model.Timeline
	at       model.TimeInt
}

type latestEntry struct {
	// res is nil for a cached miss: "no data here" is as cacheable as a
	// value.
	res        *query.LatestAtResult
	generation uint64
}

// rangeKey identifies one cacheable range lookup.
type rangeKey struct {
	entity        model.EntityPath
	comp          model.ComponentName
	timeline      model.Timeline
	min, max      model.TimeInt
	includeStatic bool
}

type rangeEntry struct {
	res        *query.RangeResult
	generation uint64
}

// Stats counts cache traffic.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
	Flushes       uint64 `json:"flushes"`
	Entries       int    `json:"entries"`
}

// QueryCache caches query results for one store and keeps itself
// coherent by subscribing to it. Create with New, which registers the
// subscription; call Close to detach.
type QueryCache struct {
	mu       sync.Mutex
	store    *store.ChunkStore
	engine   *query.Engine
	latestAt map[latestKey]latestEntry
	ranges   map[rangeKey]rangeEntry

	// lastGen is the store generation after the last event batch the
	// cache saw.
	lastGen uint64

	handle store.SubscriberHandle
	log    *zap.Logger
	stats  Stats
}

// New returns a cache wired to the store, reading through the engine.
func New(s *store.ChunkStore, e *query.Engine) *QueryCache {
	c := &QueryCache{
		store:    s,
		engine:   e,
		latestAt: make(map[latestKey]latestEntry),
		ranges:   make(map[rangeKey]rangeEntry),
		lastGen:  s.Generation(),
		log:      logger.Get().With(zap.String("store_id", s.ID())),
	}
	c.handle = s.RegisterSubscriber(c)
	return c
}

// Close detaches the cache from the store and drops every entry.
func (c *QueryCache) Close() {
	c.store.UnregisterSubscriber(c.handle)
	c.mu.Lock()
	c.latestAt = make(map[latestKey]latestEntry)
	c.ranges = make(map[rangeKey]rangeEntry)
	c.mu.Unlock()
}

// Name implements store.StoreSubscriber.
func (c *QueryCache) Name() string { return "query-cache" }

// OnEvents implements store.StoreSubscriber: each diff invalidates the
// cached lookups it could have changed.
func (c *QueryCache) OnEvents(events []store.StoreEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range events {
		c.invalidateLocked(ev.Diff)
		c.lastGen = ev.Generation
	}
}

// invalidateLocked drops every entry the diff could affect. A temporal diff
// on timeline T with minimum time m changes latest-at answers for query
// times >= m on T; earlier query times cannot see the new or removed rows.
// A static diff can change any query time.
func (c *QueryCache) invalidateLocked(diff store.StoreDiff) {
	affected := make(map[model.ComponentName]struct{}, len(diff.Components))
	for _, comp := range diff.Components {
		affected[comp] = struct{}{}
	}

	for key := range c.latestAt {
		if key.entity != diff.Entity {
			continue
		}
		if _, ok := affected[key.comp]; !ok {
			continue
		}
		if !diff.IsStatic() {
			rng, ok := diff.TimeRanges[key.timeline]
			if !ok || key.at < rng.Min {
				continue
			}
		}
		delete(c.latestAt, key)
		c.stats.Invalidations++
	}

	for key := range c.ranges {
		if key.entity != diff.Entity {
			continue
		}
		if _, ok := affected[key.comp]; !ok {
			continue
		}
		if diff.IsStatic() {
			// Static data only shows up in results that asked for it.
			if !key.includeStatic {
				continue
			}
		} else {
			rng, ok := diff.TimeRanges[key.timeline]
			if !ok || !rng.Intersects(model.ResolvedTimeRange{Min: key.min, Max: key.max}) {
				continue
			}
		}
		delete(c.ranges, key)
		c.stats.Invalidations++
	}
}

// flushIfStaleLocked drops everything when the store generation moved
// without the cache seeing the events, which means it was registered late
// or has been detached.
func (c *QueryCache) flushIfStaleLocked(gen uint64) {
	if gen == c.lastGen {
		return
	}
	c.log.Warn("query cache saw unexpected store generation, flushing",
		zap.Uint64("expected", c.lastGen),
		zap.Uint64("actual", gen))
	c.latestAt = make(map[latestKey]latestEntry)
	c.ranges = make(map[rangeKey]rangeEntry)
	c.lastGen = gen
	c.stats.Flushes++
}

// LatestAt answers the query from cache when possible, computing and
// memoizing through the engine otherwise. A cached nil result is a valid
// hit: absence is as stable as presence until the store changes.
func (c *QueryCache) LatestAt(ctx context.Context, q query.LatestAtQuery, entity model.EntityPath, comp model.ComponentName) (*query.LatestAtResult, error) {
	key := latestKey{entity: entity, comp: comp, timeline: q.Timeline, at: q.At}
	gen := c.store.Generation()

	c.mu.Lock()
	c.flushIfStaleLocked(gen)
	if entry, ok := c.latestAt[key]; ok {
		c.stats.Hits++
		c.mu.Unlock()
		metrics.CacheLookups.WithLabelValues(c.store.ID(), "hit").Inc()
		return entry.res, nil
	}
	c.stats.Misses++
	c.mu.Unlock()
	metrics.CacheLookups.WithLabelValues(c.store.ID(), "miss").Inc()

	res, err := c.engine.LatestAt(ctx, q, entity, comp)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Only memoize if no mutation raced the computation.
	if c.store.Generation() == c.lastGen {
		c.latestAt[key] = latestEntry{res: res, generation: gen}
	}
	c.mu.Unlock()
	return res, nil
}

// Range answers the query from cache when possible, computing and memoizing
// through the engine otherwise. Cached results share their row slices with
// every caller: treat them as read-only.
func (c *QueryCache) Range(ctx context.Context, q query.RangeQuery, entity model.EntityPath, comp model.ComponentName) (*query.RangeResult, error) {
	key := rangeKey{
		entity:        entity,
		comp:          comp,
		timeline:      q.Timeline,
		min:           q.Range.Min,
		max:           q.Range.Max,
		includeStatic: q.IncludeStatic,
	}
	gen := c.store.Generation()

	c.mu.Lock()
	c.flushIfStaleLocked(gen)
	if entry, ok := c.ranges[key]; ok {
		c.stats.Hits++
		c.mu.Unlock()
		metrics.CacheLookups.WithLabelValues(c.store.ID(), "hit").Inc()
		return entry.res, nil
	}
	c.stats.Misses++
	c.mu.Unlock()
	metrics.CacheLookups.WithLabelValues(c.store.ID(), "miss").Inc()

	res, err := c.engine.Range(ctx, q, entity, comp)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.store.Generation() == c.lastGen {
		c.ranges[key] = rangeEntry{res: res, generation: gen}
	}
	c.mu.Unlock()
	return res, nil
}

// Stats returns a snapshot of the cache counters.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Entries = len(c.latestAt) + len(c.ranges)
	return st
}
