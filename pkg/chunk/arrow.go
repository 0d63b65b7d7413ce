package chunk

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// The store understands a deliberately small set of Arrow datatypes for
// component columns. Anything else is rejected at construction time so that
// sorting, concatenation and the wire codec never meet a type they cannot
// copy.
func supportedComponentType(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.BOOL, arrow.INT64, arrow.FLOAT64, arrow.STRING, arrow.BINARY:
		return true
	default:
		return false
	}
}

// arrayValue extracts the Go value at row i, nil for null entries.
func arrayValue(col arrow.Array, i int) interface{} {
	if col.IsNull(i) {
		return nil
	}
	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(i)
	case *array.Int64:
		return c.Value(i)
	case *array.Float64:
		return c.Value(i)
	case *array.String:
		return c.Value(i)
	case *array.Binary:
		return c.Value(i)
	default:
		return nil
	}
}

// appendValue appends a Go value to the matching builder, null when the
// value is nil or of an unexpected type.
func appendValue(builder array.Builder, value interface{}) error {
	if value == nil {
		builder.AppendNull()
		return nil
	}

	switch b := builder.(type) {
	case *array.BooleanBuilder:
		if v, ok := value.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}

	case *array.Int64Builder:
		switch v := value.(type) {
		case int:
			b.Append(int64(v))
		case int32:
			b.Append(int64(v))
		case int64:
			b.Append(v)
		default:
			b.AppendNull()
		}

	case *array.Float64Builder:
		switch v := value.(type) {
		case float32:
			b.Append(float64(v))
		case float64:
			b.Append(v)
		default:
			b.AppendNull()
		}

	case *array.StringBuilder:
		if v, ok := value.(string); ok {
			b.Append(v)
		} else {
			b.Append(fmt.Sprintf("%v", value))
		}

	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.Append([]byte(v))
		default:
			b.AppendNull()
		}

	default:
		return fmt.Errorf("unsupported builder type: %T", builder)
	}

	return nil
}

// takeArray builds a new array containing col's rows in perm order.
// perm must be a permutation of [0, col.Len()).
func takeArray(mem memory.Allocator, col arrow.Array, perm []int) (arrow.Array, error) {
	builder := array.NewBuilder(mem, col.DataType())
	defer builder.Release()
	builder.Reserve(len(perm))

	for _, idx := range perm {
		if err := appendValue(builder, arrayValue(col, idx)); err != nil {
			return nil, err
		}
	}
	return builder.NewArray(), nil
}

// concatArrays builds a new array containing all input arrays' rows in order.
// All inputs must share a datatype.
func concatArrays(mem memory.Allocator, cols []arrow.Array) (arrow.Array, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("no arrays to concatenate")
	}
	builder := array.NewBuilder(mem, cols[0].DataType())
	defer builder.Release()

	total := 0
	for _, col := range cols {
		total += col.Len()
	}
	builder.Reserve(total)

	for _, col := range cols {
		for i := 0; i < col.Len(); i++ {
			if err := appendValue(builder, arrayValue(col, i)); err != nil {
				return nil, err
			}
		}
	}
	return builder.NewArray(), nil
}

// arrayHeapSize estimates the retained heap bytes of an array's buffers.
func arrayHeapSize(col arrow.Array) int64 {
	var total int64
	for _, buf := range col.Data().Buffers() {
		if buf != nil {
			total += int64(buf.Len())
		}
	}
	return total
}
