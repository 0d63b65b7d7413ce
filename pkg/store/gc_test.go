package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/model"
)

func TestGCBudgetEvictsEverything(t *testing.T) {
	s := New(Config{})
	inserted := []*chunk.Chunk{
		colorChunk(t, "world/points", []model.TimeInt{10}, "r"),
		colorChunk(t, "world/points", []model.TimeInt{20}, "g"),
		colorChunk(t, "world/points", []model.TimeInt{30}, "b"),
	}
	for _, c := range inserted {
		_, err := s.Insert(c)
		require.NoError(t, err)
	}
	genBefore := s.Generation()

	res, events, err := s.GC(GCOptions{Target: BudgetTarget(0)})
	require.NoError(t, err)

	assert.Equal(t, 3, res.ChunksEvicted)
	assert.Equal(t, int64(3), res.RowsEvicted)
	assert.Positive(t, res.BytesFreed)
	assert.Equal(t, 0, s.NumChunks())
	assert.Empty(t, s.Entities())

	// One Deletion event per evicted chunk, oldest first, each bumping
	// the generation.
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, Deletion, ev.Diff.Kind)
		assert.Equal(t, inserted[i].ID(), ev.Diff.ChunkID)
		assert.Equal(t, genBefore+uint64(i+1), ev.Generation)
		assert.False(t, ev.Diff.Compacted)
	}
	assert.Equal(t, genBefore+3, s.Generation())

	// The indices went with the chunks.
	assert.False(t, s.EntityHasComponentOnTimeline(frames, "world/points", colorComp))
	_, ok := s.TimeRangeFor(frames, "world/points")
	assert.False(t, ok)
}

func TestGCBudgetStopsAtGoal(t *testing.T) {
	s := New(Config{})
	for i := 0; i < 4; i++ {
		c := colorChunk(t, "world/points", []model.TimeInt{model.TimeInt(10 * (i + 1))}, "x")
		_, err := s.Insert(c)
		require.NoError(t, err)
	}
	total := s.Stats().TotalBytes

	res, _, err := s.GC(GCOptions{Target: BudgetTarget(total)})
	require.NoError(t, err)
	assert.Zero(t, res.ChunksEvicted)

	res, _, err = s.GC(GCOptions{Target: BudgetTarget(total / 2)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunksEvicted)
	assert.Equal(t, 2, s.NumChunks())
}

func TestGCFraction(t *testing.T) {
	s := New(Config{})
	for i := 0; i < 4; i++ {
		c := colorChunk(t, "world/points", []model.TimeInt{model.TimeInt(10 * (i + 1))}, "x")
		_, err := s.Insert(c)
		require.NoError(t, err)
	}

	res, _, err := s.GC(GCOptions{Target: FractionTarget(0.5)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunksEvicted)
	assert.Equal(t, 2, s.NumChunks())

	res, _, err = s.GC(GCOptions{Target: FractionTarget(1.0)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunksEvicted)
	assert.Equal(t, 0, s.NumChunks())
}

func TestGCFractionValidation(t *testing.T) {
	s := New(Config{})
	_, _, err := s.GC(GCOptions{Target: FractionTarget(0)})
	assert.Error(t, err)
	_, _, err = s.GC(GCOptions{Target: FractionTarget(1.5)})
	assert.Error(t, err)
}

func TestGCProtectLatest(t *testing.T) {
	s := New(Config{})
	old := colorChunk(t, "world/points", []model.TimeInt{10}, "r")
	mid := colorChunk(t, "world/points", []model.TimeInt{20}, "g")
	newest := colorChunk(t, "world/points", []model.TimeInt{30}, "b")
	for _, c := range []*chunk.Chunk{old, mid, newest} {
		_, err := s.Insert(c)
		require.NoError(t, err)
	}

	res, _, err := s.GC(GCOptions{Target: BudgetTarget(0), ProtectLatest: true})
	require.NoError(t, err)

	assert.Equal(t, 2, res.ChunksEvicted)
	require.Equal(t, 1, s.NumChunks())
	assert.NotNil(t, s.Chunk(newest.ID()))
	assert.Nil(t, s.Chunk(old.ID()))

	// The head of time still answers.
	temporal, _ := s.LatestAtCandidates(frames, "world/points", colorComp, model.TimeMax)
	require.Len(t, temporal, 1)
	assert.Equal(t, newest.ID(), temporal[0].ID())
}

func TestGCProtectLatestKeepsStatic(t *testing.T) {
	s := New(Config{})
	st := staticChunk(t, "world/points", "gold")
	temporal := colorChunk(t, "world/points", []model.TimeInt{10}, "r")
	for _, c := range []*chunk.Chunk{st, temporal} {
		_, err := s.Insert(c)
		require.NoError(t, err)
	}

	_, _, err := s.GC(GCOptions{Target: BudgetTarget(0), ProtectLatest: true})
	require.NoError(t, err)

	assert.NotNil(t, s.Chunk(st.ID()))
	assert.NotNil(t, s.Chunk(temporal.ID()))
}

func TestGCDropBefore(t *testing.T) {
	s := New(Config{})
	old := colorChunk(t, "world/points", []model.TimeInt{0, 10}, "r", "g")
	straddling := colorChunk(t, "world/points", []model.TimeInt{10, 20}, "b", "w")
	recent := colorChunk(t, "world/points", []model.TimeInt{20, 30}, "k", "m")
	for _, c := range []*chunk.Chunk{old, straddling, recent} {
		_, err := s.Insert(c)
		require.NoError(t, err)
	}

	res, events, err := s.GC(GCOptions{
		Target: DropBeforeTarget(map[model.Timeline]model.TimeInt{frames: 15}),
	})
	require.NoError(t, err)

	// Only the chunk ending strictly before the cutoff goes; the
	// straddling chunk stays whole.
	assert.Equal(t, 1, res.ChunksEvicted)
	require.Len(t, events, 1)
	assert.Equal(t, old.ID(), events[0].Diff.ChunkID)
	assert.NotNil(t, s.Chunk(straddling.ID()))
	assert.NotNil(t, s.Chunk(recent.ID()))
}

func TestGCDropBeforeSparesOtherTimelines(t *testing.T) {
	s := New(Config{})

	onLogged, err := chunk.NewBuilder("world/points").WithTimeline(logged).WithComponent(colorDesc).
		AppendRow(model.RowID{}, map[model.Timeline]model.TimeInt{logged: 5},
			map[model.ComponentName]interface{}{colorComp: "r"}).
		Build()
	require.NoError(t, err)

	st := staticChunk(t, "world/points", "gold")

	for _, c := range []*chunk.Chunk{onLogged, st} {
		_, err := s.Insert(c)
		require.NoError(t, err)
	}

	res, _, err := s.GC(GCOptions{
		Target: DropBeforeTarget(map[model.Timeline]model.TimeInt{frames: 1000}),
	})
	require.NoError(t, err)

	// Neither the chunk on an un-cut timeline nor the static chunk moves.
	assert.Zero(t, res.ChunksEvicted)
	assert.Equal(t, 2, s.NumChunks())
}
