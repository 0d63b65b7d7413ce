// Package query implements the read path over the chunk store: latest-at
// queries resolving the most recent value at or before a point in time, and
// range queries streaming every value inside a time window in storage
// order.
//
// Queries never mutate the store and never fail on absence: an entity or
// component with no matching data yields an empty result, not an error.
package query

import (
	"github.com/magnetar-io/magnetar/pkg/model"
)

// LatestAtQuery asks for the most recent row at or before At on Timeline.
type LatestAtQuery struct {
	Timeline model.Timeline
	At       model.TimeInt
}

// NewLatestAtQuery is a convenience constructor.
func NewLatestAtQuery(tl model.Timeline, at model.TimeInt) LatestAtQuery {
	return LatestAtQuery{Timeline: tl, At: at}
}

// RangeQuery asks for every row inside Range on Timeline, both bounds
// inclusive.
type RangeQuery struct {
	Timeline model.Timeline
	Range    model.ResolvedTimeRange

	// IncludeStatic prepends the entity's static value, reported at
	// TimeStatic, ahead of all temporal rows.
	IncludeStatic bool
}

// NewRangeQuery is a convenience constructor.
func NewRangeQuery(tl model.Timeline, rng model.ResolvedTimeRange) RangeQuery {
	return RangeQuery{Timeline: tl, Range: rng}
}

// Row is one resolved (time, row id, value) triple. Time is TimeStatic for
// rows sourced from static chunks.
type Row struct {
	Time    model.TimeInt
	RowID   model.RowID
	ChunkID model.ChunkID
	Value   interface{}
}

// IsStatic reports whether the row came from static data.
func (r Row) IsStatic() bool { return r.Time.IsStatic() }

// LatestAtResult is the answer to a latest-at query: at most one row.
type LatestAtResult struct {
	Entity    model.EntityPath
	Component model.ComponentName
	Row       Row
}

// RangeResult is the answer to a range query: zero or more rows in
// ascending (time, row id) order.
type RangeResult struct {
	Entity    model.EntityPath
	Component model.ComponentName
	Rows      []Row
}
