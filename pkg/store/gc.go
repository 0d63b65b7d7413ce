package store

import (
	"time"

	"go.uber.org/zap"

	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/magerrors"
	"github.com/magnetar-io/magnetar/pkg/metrics"
	"github.com/magnetar-io/magnetar/pkg/model"
)

// GCTargetKind selects the eviction policy.
type GCTargetKind int

const (
	// GCTargetBudget evicts oldest-first until the total retained bytes
	// drop to an absolute budget.
	GCTargetBudget GCTargetKind = iota
	// GCTargetFraction evicts oldest-first until at least the given
	// fraction of the current retained bytes has been freed.
	GCTargetFraction
	// GCTargetDropBefore evicts chunks whose footprint ends strictly
	// before a per-timeline cutoff, on every timeline they carry.
	GCTargetDropBefore
)

// GCTarget describes how much to collect. Use one of the constructors.
type GCTarget struct {
	kind     GCTargetKind
	bytes    int64
	fraction float64
	cutoffs  map[model.Timeline]model.TimeInt
}

// BudgetTarget evicts until at most maxBytes are retained.
func BudgetTarget(maxBytes int64) GCTarget {
	return GCTarget{kind: GCTargetBudget, bytes: maxBytes}
}

// FractionTarget evicts at least the given fraction (0, 1] of the currently
// retained bytes.
func FractionTarget(fraction float64) GCTarget {
	return GCTarget{kind: GCTargetFraction, fraction: fraction}
}

// DropBeforeTarget evicts chunks that end strictly before the cutoff on
// every cutoff timeline they carry. Chunks carrying a timeline with no
// cutoff, and static chunks, are never evicted by this target.
func DropBeforeTarget(cutoffs map[model.Timeline]model.TimeInt) GCTarget {
	return GCTarget{kind: GCTargetDropBefore, cutoffs: cutoffs}
}

// Kind returns the target's policy.
func (t GCTarget) Kind() GCTargetKind { return t.kind }

// GCOptions bundles a target with its modifiers.
type GCOptions struct {
	Target GCTarget

	// ProtectLatest keeps, per (entity, component), the chunk holding
	// the most recent data, so that a latest-at query at the head of
	// time still answers after an aggressive collection.
	ProtectLatest bool
}

// GCResult summarizes one collection.
type GCResult struct {
	ChunksEvicted int
	BytesFreed    int64
	RowsEvicted   int64
	Elapsed       time.Duration
}

// GC evicts chunks per the given options and returns one Deletion event per
// evicted chunk, all delivered to subscribers before GC returns. Eviction
// order is insertion order, oldest first echoing the time-ordered nature of
// chunk ids, so byte-driven collections drop the oldest data first.
func (s *ChunkStore) GC(opts GCOptions) (GCResult, []StoreEvent, error) {
	start := time.Now()

	switch opts.Target.kind {
	case GCTargetFraction:
		if opts.Target.fraction <= 0 || opts.Target.fraction > 1 {
			return GCResult{}, nil, magerrors.Newf(magerrors.ErrorTypeValidation,
				"gc fraction must be in (0, 1], got %v", opts.Target.fraction)
		}
	case GCTargetBudget:
		if opts.Target.bytes < 0 {
			return GCResult{}, nil, magerrors.Newf(magerrors.ErrorTypeValidation,
				"gc byte budget must be >= 0, got %d", opts.Target.bytes)
		}
	case GCTargetDropBefore:
		if len(opts.Target.cutoffs) == 0 {
			return GCResult{}, nil, magerrors.New(magerrors.ErrorTypeValidation,
				"gc drop-before target needs at least one timeline cutoff")
		}
	}

	s.dispatchMu.Lock()
	s.mu.Lock()

	var protected map[model.ChunkID]struct{}
	if opts.ProtectLatest {
		protected = s.protectedSetLocked()
	}

	victims := s.electVictimsLocked(opts.Target, protected)

	var res GCResult
	events := make([]StoreEvent, 0, len(victims))
	for _, c := range victims {
		res.BytesFreed += c.HeapSizeBytes()
		res.RowsEvicted += int64(c.NumRows())
		s.unregisterLocked(c)
		s.dropLineageLocked(c.ID())
		s.generation++
		events = append(events, StoreEvent{
			StoreID:    s.cfg.ID,
			Generation: s.generation,
			Diff:       diffFor(Deletion, c, false),
		})
	}
	res.ChunksEvicted = len(victims)

	metrics.StoreChunks.WithLabelValues(s.cfg.ID).Set(float64(len(s.chunks)))
	metrics.StoreBytes.WithLabelValues(s.cfg.ID).Set(float64(s.totalBytes))

	s.mu.Unlock()

	s.subscribers.dispatch(events)
	s.dispatchMu.Unlock()

	for _, c := range victims {
		c.Release()
	}

	res.Elapsed = time.Since(start)
	metrics.GCChunksEvicted.WithLabelValues(s.cfg.ID).Add(float64(res.ChunksEvicted))
	metrics.GCBytesFreed.WithLabelValues(s.cfg.ID).Add(float64(res.BytesFreed))
	metrics.GCDuration.WithLabelValues(s.cfg.ID).Observe(float64(res.Elapsed.Nanoseconds()))
	if res.ChunksEvicted > 0 {
		s.log.Info("garbage collection finished",
			zap.Int("chunks_evicted", res.ChunksEvicted),
			zap.Int64("bytes_freed", res.BytesFreed),
			zap.Int64("rows_evicted", res.RowsEvicted),
			zap.Duration("elapsed", res.Elapsed))
	}
	return res, events, nil
}

// protectedSetLocked returns the ids of chunks safe from eviction: for each
// (entity, component, timeline), the chunk whose footprint reaches furthest
// into the future, and every static chunk.
func (s *ChunkStore) protectedSetLocked() map[model.ChunkID]struct{} {
	protected := make(map[model.ChunkID]struct{})

	for entity, byComp := range s.perComponent {
		byTimeline := s.temporal[entity]
		for _, perTl := range byComp {
			for tl, carrying := range perTl {
				ix := byTimeline[tl]
				if ix == nil {
					continue
				}
				var (
					best    model.ChunkID
					bestMax model.TimeInt
					found   bool
				)
				for _, e := range ix.entries {
					if _, ok := carrying[e.id]; !ok {
						continue
					}
					if !found || e.max > bestMax || (e.max == bestMax && e.id.Compare(best) > 0) {
						best, bestMax, found = e.id, e.max, true
					}
				}
				if found {
					protected[best] = struct{}{}
				}
			}
		}
	}

	for _, byComp := range s.static {
		for _, ids := range byComp {
			for _, id := range ids {
				protected[id] = struct{}{}
			}
		}
	}
	return protected
}

func (s *ChunkStore) electVictimsLocked(target GCTarget, protected map[model.ChunkID]struct{}) []*chunk.Chunk {
	var victims []*chunk.Chunk

	switch target.kind {
	case GCTargetBudget, GCTargetFraction:
		goal := target.bytes
		if target.kind == GCTargetFraction {
			goal = s.totalBytes - int64(float64(s.totalBytes)*target.fraction)
		}
		remaining := s.totalBytes
		for _, id := range s.insertOrder {
			if remaining <= goal {
				break
			}
			if _, ok := protected[id]; ok {
				continue
			}
			c := s.chunks[id]
			victims = append(victims, c)
			remaining -= c.HeapSizeBytes()
		}

	case GCTargetDropBefore:
		for _, id := range s.insertOrder {
			if _, ok := protected[id]; ok {
				continue
			}
			c := s.chunks[id]
			if c.IsStatic() {
				continue
			}
			evict := true
			for _, tl := range c.Timelines() {
				cutoff, ok := target.cutoffs[tl]
				if !ok {
					evict = false
					break
				}
				rng, _ := c.TimeRange(tl)
				if rng.Max >= cutoff {
					evict = false
					break
				}
			}
			if evict {
				victims = append(victims, c)
			}
		}
	}
	return victims
}
