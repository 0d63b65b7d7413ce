package model

import (
	"strings"
	"sync"
	"sync/atomic"
)

// EntityPath is a slash-separated hierarchical identifier for a logged
// object, e.g. "world/camera/points". Paths are normalized on construction:
// leading/trailing slashes are stripped and empty segments collapsed, so two
// spellings of the same path always compare equal.
type EntityPath string

// NewEntityPath normalizes raw into an EntityPath.
func NewEntityPath(raw string) EntityPath {
	parts := strings.Split(raw, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return EntityPath(strings.Join(kept, "/"))
}

func (p EntityPath) String() string { return string(p) }

// Parts returns the path segments, nil for the root path.
func (p EntityPath) Parts() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Parent returns the parent path and true, or false for the root path.
func (p EntityPath) Parent() (EntityPath, bool) {
	if p == "" {
		return "", false
	}
	idx := strings.LastIndexByte(string(p), '/')
	if idx < 0 {
		return "", true
	}
	return p[:idx], true
}

// IsDescendantOf reports whether p is a strict descendant of ancestor.
func (p EntityPath) IsDescendantOf(ancestor EntityPath) bool {
	if ancestor == "" {
		return p != ""
	}
	return len(p) > len(ancestor) &&
		strings.HasPrefix(string(p), string(ancestor)) &&
		p[len(ancestor)] == '/'
}

// Interner deduplicates entity path storage. Ingestion decodes the same
// paths over and over; routing them through one interner makes every copy
// share the same backing bytes and bounds growth of the path table.
//
// The interner is an explicit object rather than a process-wide global:
// construct one and hand it to the decoding layer and the store.
type Interner struct {
	mu      sync.RWMutex
	paths   map[string]EntityPath
	maxSize int
	hits    int64
	misses  int64
}

// NewInterner creates an interner bounded to maxSize distinct paths.
// Beyond the bound, paths are passed through un-interned rather than
// evicting existing entries.
func NewInterner(maxSize int) *Interner {
	if maxSize <= 0 {
		maxSize = 1 << 16
	}
	return &Interner{
		paths:   make(map[string]EntityPath, 256),
		maxSize: maxSize,
	}
}

// Intern returns the canonical EntityPath for raw.
func (in *Interner) Intern(raw string) EntityPath {
	in.mu.RLock()
	if p, ok := in.paths[raw]; ok {
		in.mu.RUnlock()
		atomic.AddInt64(&in.hits, 1)
		return p
	}
	in.mu.RUnlock()

	atomic.AddInt64(&in.misses, 1)
	p := NewEntityPath(raw)

	in.mu.Lock()
	defer in.mu.Unlock()
	if existing, ok := in.paths[raw]; ok {
		return existing
	}
	if len(in.paths) < in.maxSize {
		in.paths[raw] = p
	}
	return p
}

// Stats returns hit/miss counters and the current table size.
func (in *Interner) Stats() (hits, misses int64, size int) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return atomic.LoadInt64(&in.hits), atomic.LoadInt64(&in.misses), len(in.paths)
}
