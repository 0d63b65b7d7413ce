package chunk

import "errors"

// Sentinel errors for chunk construction and combination. They are always
// returned wrapped in a magerrors.Error carrying the entity path and chunk id,
// so callers can either errors.Is against these or inspect the structured
// details.
var (
	// ErrMalformed indicates a column length mismatch or other structural
	// violation.
	ErrMalformed = errors.New("malformed chunk")

	// ErrSchemaMismatch indicates an attempt to concatenate chunks with
	// incompatible entity paths or component schemas.
	ErrSchemaMismatch = errors.New("chunk schema mismatch")

	// ErrSortednessViolation indicates a chunk that claims a sorted time
	// column which is not actually ascending by (time, row id).
	ErrSortednessViolation = errors.New("chunk sortedness violation")

	// ErrUnknownComponentSchema indicates a component column with an Arrow
	// datatype the store does not understand.
	ErrUnknownComponentSchema = errors.New("unknown component schema")
)
