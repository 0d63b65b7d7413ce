package query

import (
	"container/heap"
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/metrics"
	"github.com/magnetar-io/magnetar/pkg/model"
	"github.com/magnetar-io/magnetar/pkg/store"
)

const tracerName = "magnetar/query"

// Engine answers queries against one chunk store.
type Engine struct {
	store  *store.ChunkStore
	tracer trace.Tracer
}

// NewEngine returns an engine reading from the given store.
func NewEngine(s *store.ChunkStore) *Engine {
	return &Engine{
		store:  s,
		tracer: otel.Tracer(tracerName),
	}
}

// Store exposes the underlying store.
func (e *Engine) Store() *store.ChunkStore { return e.store }

// LatestAt resolves the most recent value of the component on the entity at
// or before the query time. Among rows sharing the winning time the highest
// row id wins. Static data participates at effectively negative-infinite
// time: it answers only when no temporal row does. A nil result means no
// data; it is not an error.
func (e *Engine) LatestAt(ctx context.Context, q LatestAtQuery, entity model.EntityPath, comp model.ComponentName) (*LatestAtResult, error) {
	timer := metrics.NewTimer(metrics.QueryLatency.WithLabelValues("latest_at"))
	defer timer.Stop()

	_, span := e.tracer.Start(ctx, "query.LatestAt", trace.WithAttributes(
		attribute.String("entity", string(entity)),
		attribute.String("component", string(comp)),
		attribute.String("timeline", q.Timeline.Name()),
		attribute.Int64("at", int64(q.At)),
	))
	defer span.End()

	temporal, static := e.store.LatestAtCandidates(q.Timeline, entity, comp, q.At)

	var (
		best  Row
		found bool
	)
	for _, c := range temporal {
		row, ok := latestInChunk(c, q.Timeline, comp, q.At)
		if !ok {
			continue
		}
		if !found || row.after(best) {
			best, found = row, true
		}
	}

	if !found {
		best, found = latestStatic(static, comp)
	}
	if !found {
		return nil, nil
	}

	span.SetAttributes(attribute.Bool("static", best.IsStatic()))
	return &LatestAtResult{Entity: entity, Component: comp, Row: best}, nil
}

// Range resolves every value of the component on the entity inside the
// queried window, in ascending (time, row id) order. With IncludeStatic the
// entity's static value, if any, is prepended at TimeStatic. An empty
// result means no data; it is not an error.
func (e *Engine) Range(ctx context.Context, q RangeQuery, entity model.EntityPath, comp model.ComponentName) (*RangeResult, error) {
	timer := metrics.NewTimer(metrics.QueryLatency.WithLabelValues("range"))
	defer timer.Stop()

	_, span := e.tracer.Start(ctx, "query.Range", trace.WithAttributes(
		attribute.String("entity", string(entity)),
		attribute.String("component", string(comp)),
		attribute.String("timeline", q.Timeline.Name()),
		attribute.Int64("min", int64(q.Range.Min)),
		attribute.Int64("max", int64(q.Range.Max)),
	))
	defer span.End()

	res := &RangeResult{Entity: entity, Component: comp}
	if q.Range.Min > q.Range.Max {
		return res, nil
	}

	temporal, static := e.store.RangeCandidates(q.Timeline, entity, comp, q.Range)

	if q.IncludeStatic {
		if row, ok := latestStatic(static, comp); ok {
			res.Rows = append(res.Rows, row)
		}
	}

	// K-way merge of the per-chunk row streams. Each chunk contributes
	// its in-window rows with a valid component value; the heap keeps
	// global (time, row id) order without materializing per-chunk
	// slices up front.
	var h cursorHeap
	for _, c := range temporal {
		cur := newCursor(c, q.Timeline, comp, q.Range)
		if cur != nil {
			h = append(h, cur)
		}
	}
	heap.Init(&h)
	for h.Len() > 0 {
		cur := h[0]
		res.Rows = append(res.Rows, cur.row())
		if cur.advance() {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	span.SetAttributes(attribute.Int("rows", len(res.Rows)))
	return res, nil
}

// after reports whether r wins latest-at semantics over other.
func (r Row) after(other Row) bool {
	if r.Time != other.Time {
		return r.Time > other.Time
	}
	return other.RowID.Less(r.RowID)
}

// latestInChunk finds the winning row of one chunk: the greatest
// (time, row id) at or before the query time with a non-null component
// value. Sorted chunks are binary searched; unsorted ones scanned.
func latestInChunk(c *chunk.Chunk, tl model.Timeline, comp model.ComponentName, at model.TimeInt) (Row, bool) {
	times := c.Times(tl)
	if times == nil {
		return Row{}, false
	}

	if c.IsSorted(tl) {
		// First index with time > at; everything before it qualifies.
		hi := sort.Search(len(times), func(i int) bool { return times[i] > at })
		for i := hi - 1; i >= 0; i-- {
			if c.ComponentIsValid(comp, i) {
				return rowAt(c, tl, comp, i), true
			}
		}
		return Row{}, false
	}

	var (
		best  Row
		found bool
	)
	for i := 0; i < len(times); i++ {
		if times[i] > at || !c.ComponentIsValid(comp, i) {
			continue
		}
		row := rowAt(c, tl, comp, i)
		if !found || row.after(best) {
			best, found = row, true
		}
	}
	return best, found
}

// latestStatic picks the winning static row: across the entity's static
// chunks, the highest row id carrying a non-null value.
func latestStatic(chunks []*chunk.Chunk, comp model.ComponentName) (Row, bool) {
	var (
		best  Row
		found bool
	)
	for _, c := range chunks {
		for i := 0; i < c.NumRows(); i++ {
			if !c.ComponentIsValid(comp, i) {
				continue
			}
			row := Row{
				Time:    model.TimeStatic,
				RowID:   c.RowID(i),
				ChunkID: c.ID(),
				Value:   c.ComponentValue(comp, i),
			}
			if !found || best.RowID.Less(row.RowID) {
				best, found = row, true
			}
		}
	}
	return best, found
}

func rowAt(c *chunk.Chunk, tl model.Timeline, comp model.ComponentName, i int) Row {
	return Row{
		Time:    c.TimeAt(tl, i),
		RowID:   c.RowID(i),
		ChunkID: c.ID(),
		Value:   c.ComponentValue(comp, i),
	}
}

// cursor walks one chunk's in-window rows with valid component values, in
// the chunk's storage order for sorted chunks or pre-sorted index order
// for unsorted ones.
type cursor struct {
	c    *chunk.Chunk
	tl   model.Timeline
	comp model.ComponentName
	idxs []int
	pos  int
}

func newCursor(c *chunk.Chunk, tl model.Timeline, comp model.ComponentName, rng model.ResolvedTimeRange) *cursor {
	times := c.Times(tl)
	if times == nil {
		return nil
	}

	var idxs []int
	for i, t := range times {
		if t >= rng.Min && t <= rng.Max && c.ComponentIsValid(comp, i) {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		return nil
	}
	if !c.IsSorted(tl) {
		sort.Slice(idxs, func(a, b int) bool {
			ta, tb := times[idxs[a]], times[idxs[b]]
			if ta != tb {
				return ta < tb
			}
			return c.RowID(idxs[a]).Less(c.RowID(idxs[b]))
		})
	}
	return &cursor{c: c, tl: tl, comp: comp, idxs: idxs}
}

func (cu *cursor) row() Row {
	return rowAt(cu.c, cu.tl, cu.comp, cu.idxs[cu.pos])
}

func (cu *cursor) advance() bool {
	cu.pos++
	return cu.pos < len(cu.idxs)
}

func (cu *cursor) key() (model.TimeInt, model.RowID) {
	i := cu.idxs[cu.pos]
	return cu.c.TimeAt(cu.tl, i), cu.c.RowID(i)
}

// cursorHeap is a min-heap of cursors ordered by (time, row id).
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(a, b int) bool {
	ta, ra := h[a].key()
	tb, rb := h[b].key()
	if ta != tb {
		return ta < tb
	}
	return ra.Less(rb)
}

func (h cursorHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *cursorHeap) Push(x interface{}) { *h = append(*h, x.(*cursor)) }

func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
