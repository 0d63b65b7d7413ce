package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/model"
	"github.com/magnetar-io/magnetar/pkg/store"
)

// benchStore builds a store with numChunks chunks of rowsPerChunk rows each,
// laid out back to back on the frame timeline.
func benchStore(b *testing.B, numChunks, rowsPerChunk int) (*store.ChunkStore, model.TimeInt) {
	b.Helper()
	s := store.New(store.Config{ID: "query-bench"})
	var t model.TimeInt
	for i := 0; i < numChunks; i++ {
		cb := chunk.NewBuilder(entity).WithTimeline(frames).WithComponent(colorDesc)
		for j := 0; j < rowsPerChunk; j++ {
			cb.AppendRow(model.RowID{}, map[model.Timeline]model.TimeInt{frames: t},
				map[model.ComponentName]interface{}{colorComp: fmt.Sprintf("c%d", t)})
			t++
		}
		c, err := cb.Build()
		if err != nil {
			b.Fatal(err)
		}
		if _, err := s.Insert(c); err != nil {
			b.Fatal(err)
		}
	}
	return s, t
}

func BenchmarkLatestAt(b *testing.B) {
	for _, shape := range []struct {
		chunks, rows int
	}{
		{1, 1024},
		{16, 256},
		{128, 64},
	} {
		b.Run(fmt.Sprintf("%dx%d", shape.chunks, shape.rows), func(b *testing.B) {
			s, maxT := benchStore(b, shape.chunks, shape.rows)
			e := NewEngine(s)
			ctx := context.Background()
			q := NewLatestAtQuery(frames, maxT/2)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := e.LatestAt(ctx, q, entity, colorComp); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkRange(b *testing.B) {
	for _, shape := range []struct {
		chunks, rows int
	}{
		{16, 256},
		{128, 64},
	} {
		b.Run(fmt.Sprintf("%dx%d", shape.chunks, shape.rows), func(b *testing.B) {
			s, maxT := benchStore(b, shape.chunks, shape.rows)
			e := NewEngine(s)
			ctx := context.Background()
			// A window covering the middle half of the data.
			q := NewRangeQuery(frames, model.ResolvedTimeRange{Min: maxT / 4, Max: 3 * maxT / 4})

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := e.Range(ctx, q, entity, colorComp); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
