package chunk

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/magnetar-io/magnetar/pkg/magerrors"
	"github.com/magnetar-io/magnetar/pkg/model"
)

// Concatenate merges same-entity chunks into one, preserving row order
// across inputs. All inputs must share the entity path, the timeline set,
// and the component schema (names and datatypes); otherwise the merge fails
// with ErrSchemaMismatch.
//
// The result carries a fresh ChunkID. Its sortedness per timeline is
// re-derived from the merged data, so concatenating sorted chunks whose
// ranges interleave yields an unsorted result that callers may re-sort.
func Concatenate(chunks []*Chunk) (*Chunk, error) {
	if len(chunks) == 0 {
		return nil, magerrors.Wrap(ErrSchemaMismatch, magerrors.ErrorTypeSchema,
			"nothing to concatenate")
	}
	if len(chunks) == 1 {
		return chunks[0], nil
	}

	first := chunks[0]
	for _, other := range chunks[1:] {
		if err := compatibleSchemas(first, other); err != nil {
			return nil, err
		}
	}

	totalRows := 0
	for _, c := range chunks {
		totalRows += c.NumRows()
	}

	rowIDs := make([]model.RowID, 0, totalRows)
	for _, c := range chunks {
		rowIDs = append(rowIDs, c.rowIDs...)
	}

	timeColumns := make([]TimeColumn, 0, len(first.timeCols))
	for _, tl := range first.Timelines() {
		times := make([]model.TimeInt, 0, totalRows)
		for _, c := range chunks {
			times = append(times, c.timeCols[tl].times...)
		}
		timeColumns = append(timeColumns, TimeColumn{Timeline: tl, Times: times})
	}

	mem := memory.DefaultAllocator
	componentColumns := make([]ComponentColumn, 0, len(first.components))
	for _, name := range first.ComponentNames() {
		cols := make([]arrow.Array, 0, len(chunks))
		for _, c := range chunks {
			cols = append(cols, c.components[name])
		}
		merged, err := concatArrays(mem, cols)
		if err != nil {
			for _, cc := range componentColumns {
				cc.Data.Release()
			}
			return nil, magerrors.Wrap(err, magerrors.ErrorTypeInternal, "concatenate component column").
				WithDetail("component", name.String())
		}
		componentColumns = append(componentColumns, ComponentColumn{
			Descriptor: first.descriptors[name],
			Data:       merged,
		})
	}

	out, err := NewChunk(model.NewChunkID(), first.entity, rowIDs, timeColumns, componentColumns)
	// NewChunk retained the merged arrays; drop the construction references
	// regardless of outcome.
	for _, cc := range componentColumns {
		cc.Data.Release()
	}
	return out, err
}

func compatibleSchemas(a, b *Chunk) error {
	mismatch := func(msg string) error {
		return magerrors.Wrap(ErrSchemaMismatch, magerrors.ErrorTypeSchema, msg).
			WithDetail("chunk_a", a.id.String()).
			WithDetail("chunk_b", b.id.String()).
			WithDetail("entity_a", a.entity.String()).
			WithDetail("entity_b", b.entity.String())
	}

	if a.entity != b.entity {
		return mismatch("entity path mismatch")
	}
	if len(a.timeCols) != len(b.timeCols) {
		return mismatch("timeline set mismatch")
	}
	for tl := range a.timeCols {
		if _, ok := b.timeCols[tl]; !ok {
			return mismatch("timeline set mismatch")
		}
	}
	if len(a.components) != len(b.components) {
		return mismatch("component set mismatch")
	}
	for name, colA := range a.components {
		colB, ok := b.components[name]
		if !ok {
			return mismatch("component set mismatch")
		}
		if !arrow.TypeEqual(colA.DataType(), colB.DataType()) {
			return mismatch("component datatype mismatch")
		}
	}
	return nil
}
