// Package model defines the identifier and time types shared by the chunk
// store: entity paths, timelines, logical time values, component names, and
// the 128-bit time-ordered row/chunk identifiers.
//
// All types in this package are small immutable values, safe to copy and to
// use as map keys. The only stateful type is Interner, which deduplicates
// entity path storage and is passed explicitly to the components that need it.
package model
