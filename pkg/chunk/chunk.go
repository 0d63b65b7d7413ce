// Package chunk implements the immutable columnar unit of log data.
//
// A Chunk holds all data logged for one entity path over some span of time:
// a row-id column, one time column per timeline the chunk participates in,
// and one Arrow array per component. All columns have exactly the same
// length. A chunk with no time columns is static: its rows participate in
// every latest-at query regardless of query time.
//
// Chunks are immutable after construction, with two deliberate exceptions:
// SortIfUnsorted may reorder all columns in place once, and the heap size
// estimate is memoized lazily. Everything else, including concatenation,
// produces new chunks.
package chunk

import (
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/magnetar-io/magnetar/pkg/magerrors"
	"github.com/magnetar-io/magnetar/pkg/model"
)

// TimeColumn describes one per-timeline time column at construction time.
type TimeColumn struct {
	Timeline model.Timeline
	Times    []model.TimeInt
	// IsSorted asserts that Times is ascending by (time, row id) in row
	// order. The claim is validated eagerly; a false claim is rejected
	// with ErrSortednessViolation.
	IsSorted bool
}

// ComponentColumn describes one component column at construction time.
// Data must be one of the supported Arrow datatypes (bool, int64, float64,
// string, binary); entries may be null, meaning "no value logged this row".
type ComponentColumn struct {
	Descriptor model.ComponentDescriptor
	Data       arrow.Array
}

type timeColumn struct {
	times  []model.TimeInt
	sorted bool
	rng    model.ResolvedTimeRange
}

// Chunk is an immutable columnar batch of rows for one entity.
type Chunk struct {
	id     model.ChunkID
	entity model.EntityPath

	rowIDs      []model.RowID
	timeCols    map[model.Timeline]*timeColumn
	components  map[model.ComponentName]arrow.Array
	descriptors map[model.ComponentName]model.ComponentDescriptor

	mu       sync.Mutex
	heapSize int64 // memoized, 0 = not yet computed
}

// NewChunk validates and assembles a chunk. Every column must have exactly
// len(rowIDs) entries. Component arrays are retained; callers keep their own
// references and must release them independently.
//
// Time columns that are ascending by (time, row id) are marked sorted even
// when not claimed as such; a sorted claim on an unsorted column is an error.
func NewChunk(
	id model.ChunkID,
	entity model.EntityPath,
	rowIDs []model.RowID,
	timeColumns []TimeColumn,
	componentColumns []ComponentColumn,
) (*Chunk, error) {
	if id.IsZero() {
		return nil, magerrors.Wrap(ErrMalformed, magerrors.ErrorTypeMalformed, "zero chunk id").
			WithDetail("entity", entity.String())
	}
	n := len(rowIDs)

	seen := make(map[model.RowID]struct{}, n)
	for _, rid := range rowIDs {
		if rid.IsZero() {
			return nil, malformed(id, entity, "zero row id")
		}
		if _, dup := seen[rid]; dup {
			return nil, malformed(id, entity, "duplicate row id within chunk").
				WithDetail("row_id", rid.String())
		}
		seen[rid] = struct{}{}
	}

	timeCols := make(map[model.Timeline]*timeColumn, len(timeColumns))
	for _, tc := range timeColumns {
		if len(tc.Times) != n {
			return nil, malformed(id, entity, "time column length mismatch").
				WithDetail("timeline", tc.Timeline.Name()).
				WithDetail("rows", n).
				WithDetail("times", len(tc.Times))
		}
		if _, dup := timeCols[tc.Timeline]; dup {
			return nil, malformed(id, entity, "duplicate timeline").
				WithDetail("timeline", tc.Timeline.Name())
		}
		for _, t := range tc.Times {
			if t.IsStatic() {
				return nil, malformed(id, entity, "static sentinel in time column").
					WithDetail("timeline", tc.Timeline.Name())
			}
		}

		sorted, rng := scanTimes(tc.Times, rowIDs)
		if tc.IsSorted && !sorted {
			return nil, magerrors.Wrap(ErrSortednessViolation, magerrors.ErrorTypeSortedness,
				"time column claimed sorted but is not").
				WithDetail("chunk_id", id.String()).
				WithDetail("entity", entity.String()).
				WithDetail("timeline", tc.Timeline.Name())
		}
		timesCopy := make([]model.TimeInt, n)
		copy(timesCopy, tc.Times)
		timeCols[tc.Timeline] = &timeColumn{times: timesCopy, sorted: sorted, rng: rng}
	}

	components := make(map[model.ComponentName]arrow.Array, len(componentColumns))
	descriptors := make(map[model.ComponentName]model.ComponentDescriptor, len(componentColumns))
	for _, cc := range componentColumns {
		name := cc.Descriptor.Name
		if name == "" || cc.Data == nil {
			return nil, malformed(id, entity, "component column missing name or data")
		}
		if _, dup := components[name]; dup {
			return nil, malformed(id, entity, "duplicate component column").
				WithDetail("component", name.String())
		}
		if cc.Data.Len() != n {
			return nil, malformed(id, entity, "component column length mismatch").
				WithDetail("component", name.String()).
				WithDetail("rows", n).
				WithDetail("values", cc.Data.Len())
		}
		if !supportedComponentType(cc.Data.DataType()) {
			return nil, magerrors.Wrap(ErrUnknownComponentSchema, magerrors.ErrorTypeSchema,
				"unsupported component datatype").
				WithDetail("chunk_id", id.String()).
				WithDetail("entity", entity.String()).
				WithDetail("component", name.String()).
				WithDetail("datatype", cc.Data.DataType().String())
		}
		cc.Data.Retain()
		components[name] = cc.Data
		descriptors[name] = cc.Descriptor
	}

	rowsCopy := make([]model.RowID, n)
	copy(rowsCopy, rowIDs)

	return &Chunk{
		id:          id,
		entity:      entity,
		rowIDs:      rowsCopy,
		timeCols:    timeCols,
		components:  components,
		descriptors: descriptors,
	}, nil
}

func malformed(id model.ChunkID, entity model.EntityPath, msg string) *magerrors.Error {
	return magerrors.Wrap(ErrMalformed, magerrors.ErrorTypeMalformed, msg).
		WithDetail("chunk_id", id.String()).
		WithDetail("entity", entity.String())
}

// scanTimes reports whether times is ascending by (time, row id) and its
// min/max range, in one pass.
func scanTimes(times []model.TimeInt, rowIDs []model.RowID) (bool, model.ResolvedTimeRange) {
	if len(times) == 0 {
		return true, model.ResolvedTimeRange{Min: model.TimeMax, Max: model.TimeMin}
	}
	sorted := true
	rng := model.ResolvedTimeRange{Min: times[0], Max: times[0]}
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] ||
			(times[i] == times[i-1] && rowIDs[i].Less(rowIDs[i-1])) {
			sorted = false
		}
		if times[i] < rng.Min {
			rng.Min = times[i]
		}
		if times[i] > rng.Max {
			rng.Max = times[i]
		}
	}
	return sorted, rng
}

// ID returns the chunk's unique identifier.
func (c *Chunk) ID() model.ChunkID { return c.id }

// Entity returns the entity path all rows of this chunk belong to.
func (c *Chunk) Entity() model.EntityPath { return c.entity }

// NumRows returns the shared length of all columns.
func (c *Chunk) NumRows() int { return len(c.rowIDs) }

// IsEmpty reports whether the chunk holds no rows.
func (c *Chunk) IsEmpty() bool { return len(c.rowIDs) == 0 }

// IsStatic reports whether the chunk carries no time columns, making its
// rows visible to every latest-at query.
func (c *Chunk) IsStatic() bool { return len(c.timeCols) == 0 }

// RowID returns the row id at index i.
func (c *Chunk) RowID(i int) model.RowID { return c.rowIDs[i] }

// RowIDs returns the row-id column. The returned slice is owned by the
// chunk and must not be mutated.
func (c *Chunk) RowIDs() []model.RowID { return c.rowIDs }

// Timelines returns the timelines this chunk participates in, in
// deterministic (name) order.
func (c *Chunk) Timelines() []model.Timeline {
	out := make([]model.Timeline, 0, len(c.timeCols))
	for tl := range c.timeCols {
		out = append(out, tl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// HasTimeline reports whether the chunk carries a time column for tl.
func (c *Chunk) HasTimeline(tl model.Timeline) bool {
	_, ok := c.timeCols[tl]
	return ok
}

// Times returns the time column for tl, or nil when absent. The returned
// slice is owned by the chunk and must not be mutated.
func (c *Chunk) Times(tl model.Timeline) []model.TimeInt {
	tc, ok := c.timeCols[tl]
	if !ok {
		return nil
	}
	return tc.times
}

// TimeAt returns the time value of row i on tl. For static chunks (or a
// timeline the chunk does not carry) it returns the static sentinel.
func (c *Chunk) TimeAt(tl model.Timeline, i int) model.TimeInt {
	tc, ok := c.timeCols[tl]
	if !ok {
		return model.TimeStatic
	}
	return tc.times[i]
}

// IsSorted reports whether the time column for tl is ascending by
// (time, row id). Static chunks are trivially sorted.
func (c *Chunk) IsSorted(tl model.Timeline) bool {
	tc, ok := c.timeCols[tl]
	if !ok {
		return true
	}
	return tc.sorted
}

// TimeRange returns the [min, max] time covered on tl, and false when the
// chunk is empty or does not carry tl.
func (c *Chunk) TimeRange(tl model.Timeline) (model.ResolvedTimeRange, bool) {
	tc, ok := c.timeCols[tl]
	if !ok || len(c.rowIDs) == 0 {
		return model.ResolvedTimeRange{}, false
	}
	return tc.rng, true
}

// ComponentNames returns the chunk's component names in deterministic order.
func (c *Chunk) ComponentNames() []model.ComponentName {
	out := make([]model.ComponentName, 0, len(c.components))
	for name := range c.components {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasComponent reports whether the chunk carries a column for name.
func (c *Chunk) HasComponent(name model.ComponentName) bool {
	_, ok := c.components[name]
	return ok
}

// Component returns the Arrow column for name, or false when absent.
func (c *Chunk) Component(name model.ComponentName) (arrow.Array, bool) {
	col, ok := c.components[name]
	return col, ok
}

// Descriptor returns the full descriptor for a component column.
func (c *Chunk) Descriptor(name model.ComponentName) (model.ComponentDescriptor, bool) {
	d, ok := c.descriptors[name]
	return d, ok
}

// ComponentIsValid reports whether row i of component name holds a value
// (false for null entries and absent components).
func (c *Chunk) ComponentIsValid(name model.ComponentName, i int) bool {
	col, ok := c.components[name]
	if !ok {
		return false
	}
	return col.IsValid(i)
}

// ComponentValue extracts the Go value of component name at row i, nil for
// null entries and absent components.
func (c *Chunk) ComponentValue(name model.ComponentName, i int) interface{} {
	col, ok := c.components[name]
	if !ok {
		return nil
	}
	return arrayValue(col, i)
}

// HeapSizeBytes estimates the retained heap size of the chunk. The value is
// computed on first call and memoized; this is one of the two permitted
// lazy mutations of an otherwise immutable chunk.
func (c *Chunk) HeapSizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.heapSize != 0 || len(c.rowIDs) == 0 {
		return c.heapSize
	}

	var total int64
	total += int64(len(c.rowIDs)) * 16
	for _, tc := range c.timeCols {
		total += int64(len(tc.times)) * 8
	}
	for _, col := range c.components {
		total += arrayHeapSize(col)
	}
	c.heapSize = total
	return total
}

// Retain adds a reference to the chunk's Arrow component buffers. The store
// retains chunks it registers so that a caller releasing its own reference
// does not pull buffers out from under queries.
func (c *Chunk) Retain() {
	for _, col := range c.components {
		col.Retain()
	}
}

// Release drops the chunk's references to its Arrow component buffers.
// The store calls this when a chunk is garbage collected; afterwards the
// chunk must not be used.
func (c *Chunk) Release() {
	for _, col := range c.components {
		col.Release()
	}
}

// SortIfUnsorted sorts all columns in place by (time, row id) on the given
// primary timeline. This is the only permitted in-place mutation of a chunk;
// it is not safe to call concurrently with readers.
func (c *Chunk) SortIfUnsorted(primary model.Timeline) error {
	tc, ok := c.timeCols[primary]
	if !ok || tc.sorted {
		return nil
	}

	n := len(c.rowIDs)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		ta, tb := tc.times[perm[a]], tc.times[perm[b]]
		if ta != tb {
			return ta < tb
		}
		return c.rowIDs[perm[a]].Less(c.rowIDs[perm[b]])
	})

	mem := memory.DefaultAllocator
	newComponents := make(map[model.ComponentName]arrow.Array, len(c.components))
	for name, col := range c.components {
		taken, err := takeArray(mem, col, perm)
		if err != nil {
			for _, built := range newComponents {
				built.Release()
			}
			return magerrors.Wrap(err, magerrors.ErrorTypeInternal, "reorder component column").
				WithDetail("chunk_id", c.id.String()).
				WithDetail("component", name.String())
		}
		newComponents[name] = taken
	}

	c.rowIDs = applyPermRowIDs(c.rowIDs, perm)
	for _, col := range c.timeCols {
		col.times = applyPermTimes(col.times, perm)
		col.sorted, col.rng = scanTimes(col.times, c.rowIDs)
	}
	for name, col := range c.components {
		col.Release()
		c.components[name] = newComponents[name]
	}

	c.mu.Lock()
	c.heapSize = 0
	c.mu.Unlock()

	return nil
}

func applyPermRowIDs(in []model.RowID, perm []int) []model.RowID {
	out := make([]model.RowID, len(in))
	for i, idx := range perm {
		out[i] = in[idx]
	}
	return out
}

func applyPermTimes(in []model.TimeInt, perm []int) []model.TimeInt {
	out := make([]model.TimeInt, len(in))
	for i, idx := range perm {
		out[i] = in[idx]
	}
	return out
}
