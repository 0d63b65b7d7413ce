package store

import (
	"sort"

	"github.com/magnetar-io/magnetar/pkg/model"
)

// rangeEntry is one chunk's footprint on one (entity, timeline) pair.
type rangeEntry struct {
	min, max model.TimeInt
	id       model.ChunkID
}

// rangeIndex keeps the chunks of one (entity, timeline) pair sorted by
// (min time, chunk id). Sorted order makes latest-at candidate selection a
// single binary search: every chunk whose min exceeds the query time can be
// skipped wholesale.
type rangeIndex struct {
	entries []rangeEntry
}

func (ix *rangeIndex) insert(e rangeEntry) {
	i := sort.Search(len(ix.entries), func(i int) bool {
		ent := ix.entries[i]
		if ent.min != e.min {
			return ent.min > e.min
		}
		return ent.id.Compare(e.id) >= 0
	})
	ix.entries = append(ix.entries, rangeEntry{})
	copy(ix.entries[i+1:], ix.entries[i:])
	ix.entries[i] = e
}

func (ix *rangeIndex) remove(id model.ChunkID) {
	for i, e := range ix.entries {
		if e.id == id {
			ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
			return
		}
	}
}

func (ix *rangeIndex) empty() bool { return len(ix.entries) == 0 }

// latestAtCandidates returns the ids of every chunk whose footprint starts
// at or before the query time. Chunks starting after it cannot contain the
// answer and are pruned here.
func (ix *rangeIndex) latestAtCandidates(at model.TimeInt) []model.ChunkID {
	n := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].min > at
	})
	if n == 0 {
		return nil
	}
	out := make([]model.ChunkID, n)
	for i := 0; i < n; i++ {
		out[i] = ix.entries[i].id
	}
	return out
}

// rangeCandidates returns the ids of every chunk whose footprint intersects
// the queried range.
func (ix *rangeIndex) rangeCandidates(rng model.ResolvedTimeRange) []model.ChunkID {
	n := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].min > rng.Max
	})
	var out []model.ChunkID
	for i := 0; i < n; i++ {
		if ix.entries[i].max >= rng.Min {
			out = append(out, ix.entries[i].id)
		}
	}
	return out
}

// chunkIDSet is a small set of chunk ids, used by the per-component index.
type chunkIDSet map[model.ChunkID]struct{}

func (s chunkIDSet) add(id model.ChunkID)    { s[id] = struct{}{} }
func (s chunkIDSet) remove(id model.ChunkID) { delete(s, id) }
