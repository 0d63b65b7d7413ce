package store

import "errors"

var (
	// ErrEmptyChunk is returned when an empty chunk is offered for insert.
	ErrEmptyChunk = errors.New("store: chunk has no rows")

	// ErrDuplicateRowID is returned when a chunk carries a row id already
	// registered for the same entity by a different chunk.
	ErrDuplicateRowID = errors.New("store: row id already registered for entity")
)
