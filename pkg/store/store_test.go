package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/model"
)

var (
	frames = model.NewTimeline("frame_nr", model.TimeTypeSequence)
	logged = model.NewTimeline("log_time", model.TimeTypeTimestamp)

	colorDesc = model.ComponentDescriptor{Archetype: "Points3D", Name: "Color"}
	colorComp = colorDesc.Name
	posDesc   = model.ComponentDescriptor{Archetype: "Points3D", Name: "Position"}
	posComp   = posDesc.Name
)

// colorChunk builds a single-timeline chunk of Color strings on the frames
// timeline for the given entity.
func colorChunk(t *testing.T, entity model.EntityPath, times []model.TimeInt, colors ...interface{}) *chunk.Chunk {
	t.Helper()
	require.Equal(t, len(times), len(colors))

	b := chunk.NewBuilder(entity).WithTimeline(frames).WithComponent(colorDesc)
	for i, tm := range times {
		b.AppendRow(model.RowID{}, map[model.Timeline]model.TimeInt{frames: tm},
			map[model.ComponentName]interface{}{colorComp: colors[i]})
	}
	c, err := b.Build()
	require.NoError(t, err)
	return c
}

func staticChunk(t *testing.T, entity model.EntityPath, color string) *chunk.Chunk {
	t.Helper()
	c, err := chunk.NewBuilder(entity).WithComponent(colorDesc).
		AppendRow(model.RowID{}, nil, map[model.ComponentName]interface{}{colorComp: color}).
		Build()
	require.NoError(t, err)
	return c
}

func TestInsertIndexesChunk(t *testing.T) {
	s := New(Config{ID: "test"})

	c := colorChunk(t, "world/points", []model.TimeInt{10, 20, 30}, "r", "g", "b")
	events, err := s.Insert(c)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "test", ev.StoreID)
	assert.Equal(t, Addition, ev.Diff.Kind)
	assert.Equal(t, c.ID(), ev.Diff.ChunkID)
	assert.Equal(t, model.EntityPath("world/points"), ev.Diff.Entity)
	assert.Equal(t, model.ResolvedTimeRange{Min: 10, Max: 30}, ev.Diff.TimeRanges[frames])
	assert.Equal(t, uint64(1), s.Generation())

	assert.Equal(t, 1, s.NumChunks())
	assert.Same(t, c, s.Chunk(c.ID()))
	assert.Equal(t, []model.EntityPath{"world/points"}, s.Entities())
	assert.Equal(t, []model.Timeline{frames}, s.Timelines())

	assert.True(t, s.EntityHasComponentOnTimeline(frames, "world/points", colorComp))
	assert.False(t, s.EntityHasComponentOnTimeline(logged, "world/points", colorComp))
	assert.False(t, s.EntityHasComponentOnTimeline(frames, "world/points", posComp))
	assert.False(t, s.EntityHasComponentOnTimeline(frames, "world/other", colorComp))

	rng, ok := s.TimeRangeFor(frames, "world/points")
	require.True(t, ok)
	assert.Equal(t, model.ResolvedTimeRange{Min: 10, Max: 30}, rng)
}

func TestInsertEmptyChunkRejected(t *testing.T) {
	s := New(Config{})
	_, err := s.Insert(nil)
	assert.ErrorIs(t, err, ErrEmptyChunk)
}

func TestInsertSameChunkIDIsNoOp(t *testing.T) {
	s := New(Config{})
	c := colorChunk(t, "world/points", []model.TimeInt{10}, "r")

	first, err := s.Insert(c)
	require.NoError(t, err)
	require.Len(t, first, 1)
	gen := s.Generation()

	again, err := s.Insert(c)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, gen, s.Generation())
	assert.Equal(t, 1, s.NumChunks())
}

func TestInsertDuplicateRowIDConflicts(t *testing.T) {
	s := New(Config{})
	ids := model.NewRowIDs(2)

	build := func(entity model.EntityPath, rid model.RowID) *chunk.Chunk {
		c, err := chunk.NewBuilder(entity).WithTimeline(frames).WithComponent(colorDesc).
			AppendRow(rid, map[model.Timeline]model.TimeInt{frames: 10},
				map[model.ComponentName]interface{}{colorComp: "r"}).
			Build()
		require.NoError(t, err)
		return c
	}

	_, err := s.Insert(build("world/points", ids[0]))
	require.NoError(t, err)

	_, err = s.Insert(build("world/points", ids[0]))
	assert.ErrorIs(t, err, ErrDuplicateRowID)
	assert.Equal(t, 1, s.NumChunks())

	// Same row id under a different entity is fine.
	_, err = s.Insert(build("world/other", ids[0]))
	assert.NoError(t, err)

	_, err = s.Insert(build("world/points", ids[1]))
	assert.NoError(t, err)
}

func TestInsertSortsUnsortedChunk(t *testing.T) {
	s := New(Config{})
	c := colorChunk(t, "world/points", []model.TimeInt{30, 10, 20}, "b", "r", "g")
	require.False(t, c.IsSorted(frames))

	_, err := s.Insert(c)
	require.NoError(t, err)

	got := s.Chunk(c.ID())
	assert.True(t, got.IsSorted(frames))
	assert.Equal(t, []model.TimeInt{10, 20, 30}, got.Times(frames))
}

func TestStaticChunkIndexing(t *testing.T) {
	s := New(Config{})
	c := staticChunk(t, "world/points", "gold")

	events, err := s.Insert(c)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Diff.IsStatic())

	// Static data counts as present on every timeline.
	assert.True(t, s.EntityHasComponentOnTimeline(frames, "world/points", colorComp))
	assert.True(t, s.EntityHasComponentOnTimeline(logged, "world/points", colorComp))
	assert.True(t, s.EntityHasComponent("world/points", colorComp))

	_, ok := s.TimeRangeFor(frames, "world/points")
	assert.False(t, ok)
}

func TestChunksForEntityInsertionOrder(t *testing.T) {
	s := New(Config{})
	a := colorChunk(t, "world/points", []model.TimeInt{10}, "r")
	b := colorChunk(t, "world/other", []model.TimeInt{10}, "g")
	c := colorChunk(t, "world/points", []model.TimeInt{20}, "b")

	for _, ch := range []*chunk.Chunk{a, b, c} {
		_, err := s.Insert(ch)
		require.NoError(t, err)
	}

	got := s.ChunksForEntity("world/points")
	require.Len(t, got, 2)
	assert.Equal(t, a.ID(), got[0].ID())
	assert.Equal(t, c.ID(), got[1].ID())
	assert.Empty(t, s.ChunksForEntity("nowhere"))
}

func TestLatestAtCandidatesPruning(t *testing.T) {
	s := New(Config{})
	early := colorChunk(t, "world/points", []model.TimeInt{10, 20}, "r", "g")
	late := colorChunk(t, "world/points", []model.TimeInt{100, 110}, "b", "w")
	st := staticChunk(t, "world/points", "gold")
	for _, ch := range []*chunk.Chunk{early, late, st} {
		_, err := s.Insert(ch)
		require.NoError(t, err)
	}

	temporal, static := s.LatestAtCandidates(frames, "world/points", colorComp, 50)
	require.Len(t, temporal, 1)
	assert.Equal(t, early.ID(), temporal[0].ID())
	require.Len(t, static, 1)
	assert.Equal(t, st.ID(), static[0].ID())

	temporal, _ = s.LatestAtCandidates(frames, "world/points", colorComp, 105)
	assert.Len(t, temporal, 2)

	temporal, _ = s.LatestAtCandidates(frames, "world/points", colorComp, 5)
	assert.Empty(t, temporal)

	// Component the entity never logged: no temporal candidates.
	temporal, static = s.LatestAtCandidates(frames, "world/points", posComp, 50)
	assert.Empty(t, temporal)
	assert.Empty(t, static)
}

func TestRangeCandidatesPruning(t *testing.T) {
	s := New(Config{})
	a := colorChunk(t, "world/points", []model.TimeInt{10, 20}, "r", "g")
	b := colorChunk(t, "world/points", []model.TimeInt{30, 40}, "b", "w")
	c := colorChunk(t, "world/points", []model.TimeInt{100}, "k")
	for _, ch := range []*chunk.Chunk{a, b, c} {
		_, err := s.Insert(ch)
		require.NoError(t, err)
	}

	temporal, _ := s.RangeCandidates(frames, "world/points", colorComp,
		model.ResolvedTimeRange{Min: 15, Max: 35})
	require.Len(t, temporal, 2)
	assert.Equal(t, a.ID(), temporal[0].ID())
	assert.Equal(t, b.ID(), temporal[1].ID())

	temporal, _ = s.RangeCandidates(frames, "world/points", colorComp,
		model.ResolvedTimeRange{Min: 50, Max: 60})
	assert.Empty(t, temporal)
}

func TestInsertTimeCompaction(t *testing.T) {
	s := New(Config{EnableCompaction: true})

	a := colorChunk(t, "world/points", []model.TimeInt{10, 20}, "r", "g")
	_, err := s.Insert(a)
	require.NoError(t, err)

	b := colorChunk(t, "world/points", []model.TimeInt{30, 40}, "b", "w")
	events, err := s.Insert(b)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, Deletion, events[0].Diff.Kind)
	assert.True(t, events[0].Diff.Compacted)
	assert.Equal(t, a.ID(), events[0].Diff.ChunkID)
	assert.Equal(t, Addition, events[1].Diff.Kind)
	assert.False(t, events[1].Diff.Compacted)

	require.Equal(t, 1, s.NumChunks())
	merged := s.Chunk(events[1].Diff.ChunkID)
	require.NotNil(t, merged)
	assert.Equal(t, 4, merged.NumRows())
	assert.Equal(t, []model.TimeInt{10, 20, 30, 40}, merged.Times(frames))
	assert.True(t, merged.IsSorted(frames))
}

func TestReinsertCompactedChunkIsNoOp(t *testing.T) {
	s := New(Config{EnableCompaction: true})

	a := colorChunk(t, "world/points", []model.TimeInt{10, 20}, "r", "g")
	_, err := s.Insert(a)
	require.NoError(t, err)

	b := colorChunk(t, "world/points", []model.TimeInt{30, 40}, "b", "w")
	events, err := s.Insert(b)
	require.NoError(t, err)
	require.Len(t, events, 2)
	merged := events[1].Diff.ChunkID

	// Both the compacted-away chunk and the one whose rows were absorbed
	// on arrival stay idempotent: their rows live on in the merged chunk.
	gen := s.Generation()
	for _, c := range []*chunk.Chunk{a, b} {
		events, err := s.Insert(c)
		require.NoError(t, err)
		assert.Nil(t, events)
	}
	assert.Equal(t, gen, s.Generation())
	assert.Equal(t, 1, s.NumChunks())

	// Once the merged chunk is evicted the rows are gone for real, so
	// the original becomes insertable again.
	_, _, err = s.GC(GCOptions{Target: BudgetTarget(0)})
	require.NoError(t, err)
	require.Nil(t, s.Chunk(merged))

	events, err = s.Insert(a)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Addition, events[0].Diff.Kind)
	assert.Equal(t, a.ID(), events[0].Diff.ChunkID)
}

func TestCompactionRespectsRowCap(t *testing.T) {
	s := New(Config{EnableCompaction: true, CompactionMaxRows: 3})

	_, err := s.Insert(colorChunk(t, "world/points", []model.TimeInt{10, 20}, "r", "g"))
	require.NoError(t, err)
	_, err = s.Insert(colorChunk(t, "world/points", []model.TimeInt{30, 40}, "b", "w"))
	require.NoError(t, err)

	// 2 + 2 rows exceeds the cap of 3; both chunks stay separate.
	assert.Equal(t, 2, s.NumChunks())
}

func TestCompactionSkipsSchemaMismatch(t *testing.T) {
	s := New(Config{EnableCompaction: true})

	_, err := s.Insert(colorChunk(t, "world/points", []model.TimeInt{10}, "r"))
	require.NoError(t, err)

	other, err := chunk.NewBuilder("world/points").WithTimeline(frames).WithComponent(posDesc).
		AppendRow(model.RowID{}, map[model.Timeline]model.TimeInt{frames: 20},
			map[model.ComponentName]interface{}{posComp: int64(7)}).
		Build()
	require.NoError(t, err)

	events, err := s.Insert(other)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Addition, events[0].Diff.Kind)
	assert.Equal(t, 2, s.NumChunks())
}

func TestStats(t *testing.T) {
	s := New(Config{ID: "stats"})
	_, err := s.Insert(colorChunk(t, "world/points", []model.TimeInt{10, 20}, "r", "g"))
	require.NoError(t, err)
	_, err = s.Insert(staticChunk(t, "world/camera", "gray"))
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, "stats", st.StoreID)
	assert.Equal(t, 2, st.NumChunks)
	assert.Equal(t, 1, st.NumStatic)
	assert.Equal(t, 2, st.NumEntities)
	assert.Equal(t, int64(3), st.NumRows)
	assert.Positive(t, st.TotalBytes)
	assert.Equal(t, uint64(2), st.Generation)
}
