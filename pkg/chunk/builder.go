package chunk

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/magnetar-io/magnetar/pkg/magerrors"
	"github.com/magnetar-io/magnetar/pkg/model"
)

// Builder assembles a chunk row by row, inferring Arrow datatypes from the
// first value seen per component. It is a convenience for ingestion code and
// tests; high-volume producers build Arrow arrays directly.
type Builder struct {
	entity    model.EntityPath
	timelines []model.Timeline
	rowIDs    []model.RowID
	times     map[model.Timeline][]model.TimeInt
	values    map[model.ComponentName][]interface{}
	descs     map[model.ComponentName]model.ComponentDescriptor
	err       error
}

// NewBuilder creates a builder for one entity path. Declare the timelines
// the chunk participates in with WithTimeline before appending rows; a
// builder with no timelines produces a static chunk.
func NewBuilder(entity model.EntityPath) *Builder {
	return &Builder{
		entity: entity,
		times:  make(map[model.Timeline][]model.TimeInt),
		values: make(map[model.ComponentName][]interface{}),
		descs:  make(map[model.ComponentName]model.ComponentDescriptor),
	}
}

// WithTimeline declares a timeline. Every appended row must then provide a
// time value for it.
func (b *Builder) WithTimeline(tl model.Timeline) *Builder {
	b.timelines = append(b.timelines, tl)
	b.times[tl] = nil
	return b
}

// WithComponent pre-declares a component with a full descriptor. Components
// referenced only from AppendRow get a bare descriptor with no archetype.
func (b *Builder) WithComponent(desc model.ComponentDescriptor) *Builder {
	if _, ok := b.values[desc.Name]; !ok {
		b.values[desc.Name] = nil
	}
	b.descs[desc.Name] = desc
	return b
}

// AppendRow adds one row. rowID may be the zero value, in which case a
// fresh id is generated. times must provide a value for every declared
// timeline. components maps component names to values; components absent
// from the map get a null entry for this row.
func (b *Builder) AppendRow(
	rowID model.RowID,
	times map[model.Timeline]model.TimeInt,
	components map[model.ComponentName]interface{},
) *Builder {
	if b.err != nil {
		return b
	}
	if rowID.IsZero() {
		rowID = model.NewRowID()
	}

	rowIdx := len(b.rowIDs)
	for _, tl := range b.timelines {
		t, ok := times[tl]
		if !ok {
			b.err = magerrors.Wrap(ErrMalformed, magerrors.ErrorTypeMalformed,
				"row missing time value for declared timeline").
				WithDetail("entity", b.entity.String()).
				WithDetail("timeline", tl.Name())
			return b
		}
		b.times[tl] = append(b.times[tl], t)
	}

	for name, value := range components {
		if _, known := b.descs[name]; !known {
			b.descs[name] = model.ComponentDescriptor{Name: name}
		}
		col := b.values[name]
		// Backfill nulls for rows logged before this component appeared.
		for len(col) < rowIdx {
			col = append(col, nil)
		}
		b.values[name] = append(col, value)
	}
	// Pad components this row did not mention.
	for name, col := range b.values {
		for len(col) < rowIdx+1 {
			col = append(col, nil)
		}
		b.values[name] = col
	}

	b.rowIDs = append(b.rowIDs, rowID)
	return b
}

// Build assembles the chunk with a fresh ChunkID.
func (b *Builder) Build() (*Chunk, error) {
	return b.BuildWithID(model.NewChunkID())
}

// BuildWithID assembles the chunk under a caller-chosen id.
func (b *Builder) BuildWithID(id model.ChunkID) (*Chunk, error) {
	if b.err != nil {
		return nil, b.err
	}

	timeColumns := make([]TimeColumn, 0, len(b.timelines))
	for _, tl := range b.timelines {
		timeColumns = append(timeColumns, TimeColumn{Timeline: tl, Times: b.times[tl]})
	}

	mem := memory.DefaultAllocator
	componentColumns := make([]ComponentColumn, 0, len(b.values))
	for name, col := range b.values {
		arr, err := buildArray(mem, col, len(b.rowIDs))
		if err != nil {
			for _, cc := range componentColumns {
				cc.Data.Release()
			}
			return nil, magerrors.Wrap(err, magerrors.ErrorTypeSchema, "build component column").
				WithDetail("entity", b.entity.String()).
				WithDetail("component", name.String())
		}
		componentColumns = append(componentColumns, ComponentColumn{
			Descriptor: b.descs[name],
			Data:       arr,
		})
	}

	out, err := NewChunk(id, b.entity, b.rowIDs, timeColumns, componentColumns)
	for _, cc := range componentColumns {
		cc.Data.Release()
	}
	return out, err
}

// buildArray infers the datatype from the first non-nil value and builds the
// column, padding to n entries with nulls.
func buildArray(mem memory.Allocator, values []interface{}, n int) (arrow.Array, error) {
	for len(values) < n {
		values = append(values, nil)
	}

	var dt arrow.DataType = arrow.BinaryTypes.String
	for _, v := range values {
		if v == nil {
			continue
		}
		switch v.(type) {
		case bool:
			dt = arrow.FixedWidthTypes.Boolean
		case int, int32, int64:
			dt = arrow.PrimitiveTypes.Int64
		case float32, float64:
			dt = arrow.PrimitiveTypes.Float64
		case string:
			dt = arrow.BinaryTypes.String
		case []byte:
			dt = arrow.BinaryTypes.Binary
		default:
			dt = arrow.BinaryTypes.String
		}
		break
	}

	builder := array.NewBuilder(mem, dt)
	defer builder.Release()
	builder.Reserve(n)
	for _, v := range values {
		if err := appendValue(builder, v); err != nil {
			return nil, err
		}
	}
	return builder.NewArray(), nil
}
