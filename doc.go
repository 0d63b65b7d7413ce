// Package magnetar stores multimodal log data — samples, detections, poses,
// anything an embodied system records over time — as immutable, Arrow-backed
// columnar chunks, and answers time-indexed queries over them.
//
// # Architecture
//
// Data enters the system as chunks: batches of rows for one entity, each row
// carrying a globally unique, time-ordered RowID, a time value per timeline
// it participates in, and a nullable value per component column. Chunks are
// validated eagerly at construction and never mutated afterwards, with one
// exception: an unsorted chunk may be sorted in place before registration.
//
// The chunk store (pkg/store) indexes chunks per entity, timeline and
// component and keeps every index coherent under a single lock. Mutations
// bump a monotonic generation counter and are described to subscribers
// through synchronously dispatched events, which is what keeps the query
// cache (pkg/cache) coherent without any polling.
//
// The query engine (pkg/query) answers two questions: latest-at — the most
// recent value at or before a point in time, with row ids breaking ties —
// and range — every value inside a window, merged across chunks in
// (time, row id) order. Static data, logged outside any timeline,
// participates at effectively negative-infinite time.
//
// Garbage collection evicts whole chunks, oldest first, against a byte
// budget, a fraction, or a per-timeline cutoff, optionally protecting the
// newest chunk per entity and component.
//
// # Quick Start
//
//	s := store.New(store.Config{ID: "lab"})
//	c, _ := chunk.NewBuilder("world/points").
//	    WithTimeline(model.NewTimeline("frame_nr", model.TimeTypeSequence)).
//	    AppendRow(model.RowID{}, times, values).
//	    Build()
//	s.Insert(c)
//
//	engine := query.NewEngine(s)
//	res, _ := engine.LatestAt(ctx, query.NewLatestAtQuery(tl, 42), "world/points", "Color")
//
// Chunks serialize to a framed Arrow IPC format (pkg/chunk/chunkio) with
// optional LZ4 or Zstandard compression, which is also what the magnetar
// CLI's inspect, query and repack commands operate on.
package magnetar
