package store

import (
	"errors"

	"go.uber.org/zap"

	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/magerrors"
	"github.com/magnetar-io/magnetar/pkg/metrics"
)

// Insert registers a chunk with the store and returns the events describing
// the mutation: normally a single Addition, or, when insert-time compaction
// merges the chunk into an existing one, the compacted Deletions followed by
// the Addition of the merged chunk.
//
// Re-inserting a chunk id already held — including one whose rows were
// compacted into a chunk still held — is an idempotent no-op: nil events,
// nil error, no generation bump. A chunk carrying a row id already
// registered for its entity by a *different* chunk is rejected with
// ErrDuplicateRowID.
//
// Unsorted chunks are sorted in place before registration. Every returned
// event has been delivered to all subscribers by the time Insert returns.
func (s *ChunkStore) Insert(c *chunk.Chunk) ([]StoreEvent, error) {
	timer := metrics.NewTimer(metrics.InsertLatency.WithLabelValues(s.cfg.ID))
	defer timer.Stop()

	if c == nil || c.IsEmpty() {
		metrics.ChunksInserted.WithLabelValues(s.cfg.ID, "rejected").Inc()
		return nil, magerrors.Wrap(ErrEmptyChunk, magerrors.ErrorTypeValidation, "refusing to insert empty chunk")
	}

	// Sort outside the lock; it can rebuild every column.
	for _, tl := range c.Timelines() {
		if !c.IsSorted(tl) {
			c.SortIfUnsorted(tl)
			break
		}
	}

	// dispatchMu orders this mutation's event batch against concurrent
	// mutations; it stays held through dispatch.
	s.dispatchMu.Lock()
	s.mu.Lock()

	_, present := s.chunks[c.ID()]
	if _, absorbed := s.compactedInto[c.ID()]; present || absorbed {
		s.mu.Unlock()
		s.dispatchMu.Unlock()
		metrics.ChunksInserted.WithLabelValues(s.cfg.ID, "noop").Inc()
		s.log.Debug("chunk already present, ignoring insert",
			zap.String("chunk_id", c.ID().String()))
		return nil, nil
	}

	if err := s.checkRowIDsLocked(c); err != nil {
		s.mu.Unlock()
		s.dispatchMu.Unlock()
		metrics.ChunksInserted.WithLabelValues(s.cfg.ID, "rejected").Inc()
		return nil, err
	}

	var events []StoreEvent

	merged, sources := s.maybeCompactLocked(c)
	if merged != nil {
		for _, src := range sources {
			s.unregisterLocked(src)
			s.generation++
			events = append(events, StoreEvent{
				StoreID:    s.cfg.ID,
				Generation: s.generation,
				Diff:       diffFor(Deletion, src, true),
			})
		}
		s.registerLocked(merged)
		s.generation++
		events = append(events, StoreEvent{
			StoreID:    s.cfg.ID,
			Generation: s.generation,
			Diff:       diffFor(Addition, merged, false),
		})
		// Re-point any lineage ending at a source to the merged chunk,
		// then record the sources and c itself as absorbed by it.
		for _, src := range sources {
			for id, into := range s.compactedInto {
				if into == src.ID() {
					s.compactedInto[id] = merged.ID()
				}
			}
			s.compactedInto[src.ID()] = merged.ID()
		}
		s.compactedInto[c.ID()] = merged.ID()
	} else {
		c.Retain()
		s.registerLocked(c)
		s.generation++
		events = append(events, StoreEvent{
			StoreID:    s.cfg.ID,
			Generation: s.generation,
			Diff:       diffFor(Addition, c, false),
		})
	}

	outcome := "inserted"
	if merged != nil {
		outcome = "compacted"
	}
	metrics.ChunksInserted.WithLabelValues(s.cfg.ID, outcome).Inc()
	metrics.RowsInserted.WithLabelValues(s.cfg.ID).Add(float64(c.NumRows()))
	metrics.StoreChunks.WithLabelValues(s.cfg.ID).Set(float64(len(s.chunks)))
	metrics.StoreBytes.WithLabelValues(s.cfg.ID).Set(float64(s.totalBytes))

	s.mu.Unlock()

	s.subscribers.dispatch(events)
	s.dispatchMu.Unlock()

	// Compacted sources are out of every index and every subscriber has
	// seen their deletion; their buffers can go now.
	for _, src := range sources {
		src.Release()
	}

	return events, nil
}

func (s *ChunkStore) checkRowIDsLocked(c *chunk.Chunk) error {
	rows := s.rowIDs[c.Entity()]
	if rows == nil {
		return nil
	}
	for _, rid := range c.RowIDs() {
		if owner, ok := rows[rid]; ok {
			return magerrors.Wrap(ErrDuplicateRowID, magerrors.ErrorTypeConflict,
				"chunk carries a row id already registered for this entity").
				WithDetail("entity", string(c.Entity())).
				WithDetail("row_id", rid.String()).
				WithDetail("owner_chunk_id", owner.String()).
				WithDetail("incoming_chunk_id", c.ID().String())
		}
	}
	return nil
}

// maybeCompactLocked tries to merge c with the most recently inserted
// schema-compatible chunk of the same entity, respecting the configured row
// and byte caps. On success it returns the merged chunk and the source
// chunks it replaces (the elected existing chunk; c itself never entered
// the store so it is not a source). Returns nil when compaction is off or
// no candidate fits.
func (s *ChunkStore) maybeCompactLocked(c *chunk.Chunk) (*chunk.Chunk, []*chunk.Chunk) {
	if !s.cfg.EnableCompaction || c.IsStatic() {
		return nil, nil
	}

	var cand *chunk.Chunk
	for i := len(s.insertOrder) - 1; i >= 0; i-- {
		existing := s.chunks[s.insertOrder[i]]
		if existing.Entity() != c.Entity() || existing.IsStatic() {
			continue
		}
		if int64(existing.NumRows()+c.NumRows()) > s.cfg.CompactionMaxRows {
			continue
		}
		if existing.HeapSizeBytes()+c.HeapSizeBytes() > s.cfg.CompactionMaxBytes {
			continue
		}
		cand = existing
		break
	}
	if cand == nil {
		return nil, nil
	}

	merged, err := chunk.Concatenate([]*chunk.Chunk{cand, c})
	if err != nil {
		if !errors.Is(err, chunk.ErrSchemaMismatch) {
			s.log.Warn("insert-time compaction failed, inserting chunk as-is",
				zap.String("chunk_id", c.ID().String()),
				zap.Error(err))
		}
		return nil, nil
	}

	for _, tl := range merged.Timelines() {
		if !merged.IsSorted(tl) {
			merged.SortIfUnsorted(tl)
			break
		}
	}

	s.log.Debug("compacted chunk at insert time",
		zap.String("into", merged.ID().String()),
		zap.String("source", cand.ID().String()),
		zap.String("inserted", c.ID().String()),
		zap.Int("rows", merged.NumRows()))

	return merged, []*chunk.Chunk{cand}
}
