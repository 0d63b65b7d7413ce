package chunk

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnetar-io/magnetar/pkg/model"
)

var (
	frames = model.NewTimeline("frame_nr", model.TimeTypeSequence)
	logged = model.NewTimeline("log_time", model.TimeTypeTimestamp)

	colorComp    = model.ComponentName("Color")
	positionComp = model.ComponentName("Position")
)

func stringColumn(t *testing.T, values ...interface{}) arrow.Array {
	t.Helper()
	b := array.NewStringBuilder(memory.DefaultAllocator)
	defer b.Release()
	for _, v := range values {
		if v == nil {
			b.AppendNull()
		} else {
			b.Append(v.(string))
		}
	}
	return b.NewArray()
}

func simpleChunk(t *testing.T, times []model.TimeInt, colors ...interface{}) *Chunk {
	t.Helper()
	b := NewBuilder("world/points").WithTimeline(frames)
	for i, tm := range times {
		b.AppendRow(model.RowID{}, map[model.Timeline]model.TimeInt{frames: tm},
			map[model.ComponentName]interface{}{colorComp: colors[i]})
	}
	c, err := b.Build()
	require.NoError(t, err)
	return c
}

func TestNewChunkLengthMismatch(t *testing.T) {
	col := stringColumn(t, "red", "blue")
	defer col.Release()

	_, err := NewChunk(model.NewChunkID(), "world/points",
		model.NewRowIDs(3),
		[]TimeColumn{{Timeline: frames, Times: []model.TimeInt{1, 2, 3}}},
		[]ComponentColumn{{
			Descriptor: model.ComponentDescriptor{Name: colorComp},
			Data:       col,
		}},
	)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewChunkTimeColumnLengthMismatch(t *testing.T) {
	_, err := NewChunk(model.NewChunkID(), "world/points",
		model.NewRowIDs(2),
		[]TimeColumn{{Timeline: frames, Times: []model.TimeInt{1, 2, 3}}},
		nil,
	)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewChunkDuplicateRowID(t *testing.T) {
	id := model.NewRowID()
	_, err := NewChunk(model.NewChunkID(), "world/points",
		[]model.RowID{id, id},
		[]TimeColumn{{Timeline: frames, Times: []model.TimeInt{1, 2}}},
		nil,
	)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewChunkSortednessClaimValidatedEagerly(t *testing.T) {
	_, err := NewChunk(model.NewChunkID(), "world/points",
		model.NewRowIDs(3),
		[]TimeColumn{{Timeline: frames, Times: []model.TimeInt{30, 10, 20}, IsSorted: true}},
		nil,
	)
	require.ErrorIs(t, err, ErrSortednessViolation)
}

func TestNewChunkDetectsSortedness(t *testing.T) {
	c, err := NewChunk(model.NewChunkID(), "world/points",
		model.NewRowIDs(3),
		[]TimeColumn{{Timeline: frames, Times: []model.TimeInt{10, 20, 30}}},
		nil,
	)
	require.NoError(t, err)
	// Not claimed sorted, but actually ascending: the chunk upgrades the
	// flag so queries can binary search.
	assert.True(t, c.IsSorted(frames))

	unsorted, err := NewChunk(model.NewChunkID(), "world/points",
		model.NewRowIDs(3),
		[]TimeColumn{{Timeline: frames, Times: []model.TimeInt{30, 10, 20}}},
		nil,
	)
	require.NoError(t, err)
	assert.False(t, unsorted.IsSorted(frames))
}

func TestNewChunkRejectsUnsupportedDatatype(t *testing.T) {
	b := array.NewFloat32Builder(memory.DefaultAllocator)
	b.Append(1.5)
	col := b.NewArray()
	b.Release()
	defer col.Release()

	_, err := NewChunk(model.NewChunkID(), "world/points",
		model.NewRowIDs(1),
		[]TimeColumn{{Timeline: frames, Times: []model.TimeInt{1}}},
		[]ComponentColumn{{
			Descriptor: model.ComponentDescriptor{Name: positionComp},
			Data:       col,
		}},
	)
	require.ErrorIs(t, err, ErrUnknownComponentSchema)
}

func TestTimeRange(t *testing.T) {
	c := simpleChunk(t, []model.TimeInt{30, 10, 20}, "a", "b", "c")

	rng, ok := c.TimeRange(frames)
	require.True(t, ok)
	assert.Equal(t, model.ResolvedTimeRange{Min: 10, Max: 30}, rng)

	_, ok = c.TimeRange(logged)
	assert.False(t, ok)
}

func TestStaticChunk(t *testing.T) {
	c, err := NewBuilder("world/points").
		AppendRow(model.RowID{}, nil, map[model.ComponentName]interface{}{colorComp: "red"}).
		Build()
	require.NoError(t, err)

	assert.True(t, c.IsStatic())
	assert.Equal(t, model.TimeStatic, c.TimeAt(frames, 0))
	assert.True(t, c.IsSorted(frames))
}

func TestSortIfUnsorted(t *testing.T) {
	c := simpleChunk(t, []model.TimeInt{30, 10, 20}, "c", "a", "b")
	require.False(t, c.IsSorted(frames))

	require.NoError(t, c.SortIfUnsorted(frames))

	assert.True(t, c.IsSorted(frames))
	assert.Equal(t, []model.TimeInt{10, 20, 30}, c.Times(frames))
	// Component values followed the permutation.
	assert.Equal(t, "a", c.ComponentValue(colorComp, 0))
	assert.Equal(t, "b", c.ComponentValue(colorComp, 1))
	assert.Equal(t, "c", c.ComponentValue(colorComp, 2))

	// Idempotent.
	require.NoError(t, c.SortIfUnsorted(frames))
	assert.Equal(t, []model.TimeInt{10, 20, 30}, c.Times(frames))
}

func TestSortBreaksTiesByRowID(t *testing.T) {
	ids := model.NewRowIDs(3)
	// Same time everywhere; rows laid out in reverse id order.
	c, err := NewBuilder("world/points").WithTimeline(frames).
		AppendRow(ids[2], map[model.Timeline]model.TimeInt{frames: 7}, map[model.ComponentName]interface{}{colorComp: "third"}).
		AppendRow(ids[1], map[model.Timeline]model.TimeInt{frames: 7}, map[model.ComponentName]interface{}{colorComp: "second"}).
		AppendRow(ids[0], map[model.Timeline]model.TimeInt{frames: 7}, map[model.ComponentName]interface{}{colorComp: "first"}).
		Build()
	require.NoError(t, err)
	require.False(t, c.IsSorted(frames))

	require.NoError(t, c.SortIfUnsorted(frames))
	assert.Equal(t, ids[0], c.RowID(0))
	assert.Equal(t, "first", c.ComponentValue(colorComp, 0))
	assert.Equal(t, "third", c.ComponentValue(colorComp, 2))
}

func TestConcatenate(t *testing.T) {
	a := simpleChunk(t, []model.TimeInt{10, 20}, "r", "g")
	b := simpleChunk(t, []model.TimeInt{30, 40}, "b", "w")

	merged, err := Concatenate([]*Chunk{a, b})
	require.NoError(t, err)

	assert.Equal(t, 4, merged.NumRows())
	assert.NotEqual(t, a.ID(), merged.ID())
	assert.Equal(t, []model.TimeInt{10, 20, 30, 40}, merged.Times(frames))
	assert.True(t, merged.IsSorted(frames))
	assert.Equal(t, "w", merged.ComponentValue(colorComp, 3))
}

func TestConcatenateInterleavedLosesSortedness(t *testing.T) {
	a := simpleChunk(t, []model.TimeInt{10, 30}, "r", "g")
	b := simpleChunk(t, []model.TimeInt{20, 40}, "b", "w")

	merged, err := Concatenate([]*Chunk{a, b})
	require.NoError(t, err)
	assert.False(t, merged.IsSorted(frames))

	require.NoError(t, merged.SortIfUnsorted(frames))
	assert.Equal(t, []model.TimeInt{10, 20, 30, 40}, merged.Times(frames))
	assert.Equal(t, "b", merged.ComponentValue(colorComp, 1))
}

func TestConcatenateSchemaMismatch(t *testing.T) {
	a := simpleChunk(t, []model.TimeInt{10}, "r")

	other, err := NewBuilder("world/other").WithTimeline(frames).
		AppendRow(model.RowID{}, map[model.Timeline]model.TimeInt{frames: 10},
			map[model.ComponentName]interface{}{colorComp: "r"}).
		Build()
	require.NoError(t, err)

	_, err = Concatenate([]*Chunk{a, other})
	require.ErrorIs(t, err, ErrSchemaMismatch)

	differentComp, err := NewBuilder("world/points").WithTimeline(frames).
		AppendRow(model.RowID{}, map[model.Timeline]model.TimeInt{frames: 10},
			map[model.ComponentName]interface{}{positionComp: int64(1)}).
		Build()
	require.NoError(t, err)

	_, err = Concatenate([]*Chunk{a, differentComp})
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestBuilderPadsMissingComponents(t *testing.T) {
	c, err := NewBuilder("world/points").WithTimeline(frames).
		AppendRow(model.RowID{}, map[model.Timeline]model.TimeInt{frames: 1},
			map[model.ComponentName]interface{}{colorComp: "red"}).
		AppendRow(model.RowID{}, map[model.Timeline]model.TimeInt{frames: 2},
			map[model.ComponentName]interface{}{positionComp: int64(4)}).
		Build()
	require.NoError(t, err)

	assert.True(t, c.ComponentIsValid(colorComp, 0))
	assert.False(t, c.ComponentIsValid(colorComp, 1))
	assert.False(t, c.ComponentIsValid(positionComp, 0))
	assert.Equal(t, int64(4), c.ComponentValue(positionComp, 1))
}

func TestHeapSizeMemoized(t *testing.T) {
	c := simpleChunk(t, []model.TimeInt{10, 20}, "red", "blue")

	first := c.HeapSizeBytes()
	assert.Greater(t, first, int64(0))
	assert.Equal(t, first, c.HeapSizeBytes())
}
