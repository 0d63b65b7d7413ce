// Package store implements the chunk store: the in-memory, chunk-granular
// column database that every recorded entity lives in.
//
// The store owns three families of indices — a temporal range index per
// (entity, timeline), a component presence index per (entity, component,
// timeline) and a static index per (entity, component) — and keeps them
// coherent with the chunk map under a single RWMutex. Mutations bump a
// monotonic generation counter and are described to subscribers through
// StoreEvents before the mutating call returns.
package store

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/logger"
	"github.com/magnetar-io/magnetar/pkg/model"
)

// Config controls a ChunkStore.
type Config struct {
	// ID names the store in events and logs.
	ID string `yaml:"id"`

	// EnableCompaction merges small schema-compatible chunks at insert
	// time, trading a little write latency for fewer, larger chunks.
	EnableCompaction bool `yaml:"enable_compaction"`
	// CompactionMaxRows caps the row count of a merged chunk.
	CompactionMaxRows int64 `yaml:"compaction_max_rows"`
	// CompactionMaxBytes caps the heap size of a merged chunk.
	CompactionMaxBytes int64 `yaml:"compaction_max_bytes"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		ID:                 "magnetar",
		EnableCompaction:   false,
		CompactionMaxRows:  4096,
		CompactionMaxBytes: 8 * 1024 * 1024,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ID == "" {
		c.ID = def.ID
	}
	if c.CompactionMaxRows <= 0 {
		c.CompactionMaxRows = def.CompactionMaxRows
	}
	if c.CompactionMaxBytes <= 0 {
		c.CompactionMaxBytes = def.CompactionMaxBytes
	}
}

// ChunkStore is the chunk-granular column database. All methods are safe
// for concurrent use.
type ChunkStore struct {
	mu  sync.RWMutex
	cfg Config
	log *zap.Logger

	// dispatchMu serializes mutation plus event dispatch, so subscribers
	// observe event batches in generation order even under concurrent
	// writers. It is held across dispatch: subscribers may query the
	// store from OnEvents but must not mutate it.
	dispatchMu sync.Mutex

	chunks map[model.ChunkID]*chunk.Chunk
	// insertOrder ranks chunks oldest-first for garbage collection.
	insertOrder []model.ChunkID

	// temporal is the per-(entity, timeline) range index.
	temporal map[model.EntityPath]map[model.Timeline]*rangeIndex
	// perComponent answers "does entity E have component C on timeline T"
	// in O(1), and narrows query candidates to chunks actually carrying
	// the queried component.
	perComponent map[model.EntityPath]map[model.ComponentName]map[model.Timeline]chunkIDSet
	// static holds the timeless chunks per (entity, component),
	// insertion-ordered.
	static map[model.EntityPath]map[model.ComponentName][]model.ChunkID
	// rowIDs tracks every registered row id per entity, for duplicate
	// detection across chunks.
	rowIDs map[model.EntityPath]map[model.RowID]model.ChunkID
	// compactedInto remembers which still-held chunk absorbed a chunk
	// compacted away at insert time, so re-inserting the original stays
	// an idempotent no-op.
	compactedInto map[model.ChunkID]model.ChunkID

	generation  uint64
	totalBytes  int64
	subscribers *subscriberSet
}

// New returns an empty store.
func New(cfg Config) *ChunkStore {
	cfg.applyDefaults()
	log := logger.Get().With(zap.String("store_id", cfg.ID))
	return &ChunkStore{
		cfg:           cfg,
		log:           log,
		chunks:        make(map[model.ChunkID]*chunk.Chunk),
		temporal:      make(map[model.EntityPath]map[model.Timeline]*rangeIndex),
		perComponent:  make(map[model.EntityPath]map[model.ComponentName]map[model.Timeline]chunkIDSet),
		static:        make(map[model.EntityPath]map[model.ComponentName][]model.ChunkID),
		rowIDs:        make(map[model.EntityPath]map[model.RowID]model.ChunkID),
		compactedInto: make(map[model.ChunkID]model.ChunkID),
		subscribers:   newSubscriberSet(log),
	}
}

// ID returns the store's identifier.
func (s *ChunkStore) ID() string { return s.cfg.ID }

// Generation returns the mutation counter. It increases on every insert and
// every individual GC eviction, so two equal generations observed at
// different times guarantee the store contents did not change in between.
func (s *ChunkStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// RegisterSubscriber adds a subscriber; it will observe every subsequent
// mutation. The returned handle unregisters it.
func (s *ChunkStore) RegisterSubscriber(sub StoreSubscriber) SubscriberHandle {
	return s.subscribers.register(sub)
}

// UnregisterSubscriber removes a previously registered subscriber.
func (s *ChunkStore) UnregisterSubscriber(h SubscriberHandle) bool {
	return s.subscribers.unregister(h)
}

// Chunk returns the chunk with the given id, or nil.
func (s *ChunkStore) Chunk(id model.ChunkID) *chunk.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunks[id]
}

// NumChunks returns the number of chunks currently held.
func (s *ChunkStore) NumChunks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Entities returns every entity path with at least one chunk, sorted.
func (s *ChunkStore) Entities() []model.EntityPath {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[model.EntityPath]struct{}, len(s.temporal)+len(s.static))
	for e := range s.temporal {
		seen[e] = struct{}{}
	}
	for e := range s.static {
		seen[e] = struct{}{}
	}
	out := make([]model.EntityPath, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ChunksForEntity returns every chunk holding data for the entity, in
// insertion order.
func (s *ChunkStore) ChunksForEntity(entity model.EntityPath) []*chunk.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*chunk.Chunk
	for _, id := range s.insertOrder {
		c := s.chunks[id]
		if c != nil && c.Entity() == entity {
			out = append(out, c)
		}
	}
	return out
}

// Timelines returns every timeline any chunk carries, sorted by name.
func (s *ChunkStore) Timelines() []model.Timeline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[model.Timeline]struct{})
	for _, byTimeline := range s.temporal {
		for tl := range byTimeline {
			seen[tl] = struct{}{}
		}
	}
	out := make([]model.Timeline, 0, len(seen))
	for tl := range seen {
		out = append(out, tl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// EntityHasComponentOnTimeline reports, in constant time, whether any chunk
// gives the entity the component on the timeline. Static components count
// on every timeline.
func (s *ChunkStore) EntityHasComponentOnTimeline(tl model.Timeline, entity model.EntityPath, comp model.ComponentName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if byComp := s.static[entity]; len(byComp[comp]) > 0 {
		return true
	}
	byTimeline := s.perComponent[entity][comp]
	return len(byTimeline[tl]) > 0
}

// EntityHasComponent reports whether any chunk, on any timeline or static,
// gives the entity the component.
func (s *ChunkStore) EntityHasComponent(entity model.EntityPath, comp model.ComponentName) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if byComp := s.static[entity]; len(byComp[comp]) > 0 {
		return true
	}
	for _, set := range s.perComponent[entity][comp] {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

// TimeRangeFor returns the union of every chunk's footprint for the entity
// on the timeline, and whether the entity has any temporal data there.
func (s *ChunkStore) TimeRangeFor(tl model.Timeline, entity model.EntityPath) (model.ResolvedTimeRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ix := s.temporal[entity][tl]
	if ix == nil || ix.empty() {
		return model.ResolvedTimeRange{}, false
	}
	rng := model.ResolvedTimeRange{Min: ix.entries[0].min, Max: ix.entries[0].max}
	for _, e := range ix.entries[1:] {
		rng = rng.Union(model.ResolvedTimeRange{Min: e.min, Max: e.max})
	}
	return rng, true
}

// LatestAtCandidates returns, under one consistent view, the temporal
// chunks that may contain the latest row at or before the query time for
// the given component, plus the entity's static chunks carrying it.
func (s *ChunkStore) LatestAtCandidates(tl model.Timeline, entity model.EntityPath, comp model.ComponentName, at model.TimeInt) (temporal, static []*chunk.Chunk) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	carrying := s.perComponent[entity][comp][tl]
	if ix := s.temporal[entity][tl]; ix != nil && len(carrying) > 0 {
		for _, id := range ix.latestAtCandidates(at) {
			if _, ok := carrying[id]; ok {
				temporal = append(temporal, s.chunks[id])
			}
		}
	}
	static = s.staticChunksLocked(entity, comp)
	return temporal, static
}

// RangeCandidates returns, under one consistent view, the temporal chunks
// whose footprint intersects the queried range and carry the component,
// plus the entity's static chunks carrying it.
func (s *ChunkStore) RangeCandidates(tl model.Timeline, entity model.EntityPath, comp model.ComponentName, rng model.ResolvedTimeRange) (temporal, static []*chunk.Chunk) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	carrying := s.perComponent[entity][comp][tl]
	if ix := s.temporal[entity][tl]; ix != nil && len(carrying) > 0 {
		for _, id := range ix.rangeCandidates(rng) {
			if _, ok := carrying[id]; ok {
				temporal = append(temporal, s.chunks[id])
			}
		}
	}
	static = s.staticChunksLocked(entity, comp)
	return temporal, static
}

func (s *ChunkStore) staticChunksLocked(entity model.EntityPath, comp model.ComponentName) []*chunk.Chunk {
	ids := s.static[entity][comp]
	if len(ids) == 0 {
		return nil
	}
	out := make([]*chunk.Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.chunks[id])
	}
	return out
}

// Stats summarizes the store's contents.
type Stats struct {
	StoreID     string `json:"store_id"`
	Generation  uint64 `json:"generation"`
	NumChunks   int    `json:"num_chunks"`
	NumStatic   int    `json:"num_static_chunks"`
	NumEntities int    `json:"num_entities"`
	NumRows     int64  `json:"num_rows"`
	TotalBytes  int64  `json:"total_bytes"`
}

// Stats returns a snapshot of the store's size and shape.
func (s *ChunkStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		StoreID:    s.cfg.ID,
		Generation: s.generation,
		NumChunks:  len(s.chunks),
		TotalBytes: s.totalBytes,
	}
	entities := make(map[model.EntityPath]struct{})
	for _, c := range s.chunks {
		entities[c.Entity()] = struct{}{}
		st.NumRows += int64(c.NumRows())
		if c.IsStatic() {
			st.NumStatic++
		}
	}
	st.NumEntities = len(entities)
	return st
}

// registerLocked wires a chunk into every index. Caller holds the write
// lock and has already validated the chunk.
func (s *ChunkStore) registerLocked(c *chunk.Chunk) {
	id := c.ID()
	entity := c.Entity()

	s.chunks[id] = c
	s.insertOrder = append(s.insertOrder, id)
	s.totalBytes += c.HeapSizeBytes()

	rows := s.rowIDs[entity]
	if rows == nil {
		rows = make(map[model.RowID]model.ChunkID, c.NumRows())
		s.rowIDs[entity] = rows
	}
	for _, rid := range c.RowIDs() {
		rows[rid] = id
	}

	if c.IsStatic() {
		byComp := s.static[entity]
		if byComp == nil {
			byComp = make(map[model.ComponentName][]model.ChunkID)
			s.static[entity] = byComp
		}
		for _, comp := range c.ComponentNames() {
			byComp[comp] = append(byComp[comp], id)
		}
		return
	}

	byTimeline := s.temporal[entity]
	if byTimeline == nil {
		byTimeline = make(map[model.Timeline]*rangeIndex)
		s.temporal[entity] = byTimeline
	}
	for _, tl := range c.Timelines() {
		rng, _ := c.TimeRange(tl)
		ix := byTimeline[tl]
		if ix == nil {
			ix = &rangeIndex{}
			byTimeline[tl] = ix
		}
		ix.insert(rangeEntry{min: rng.Min, max: rng.Max, id: id})
	}

	byComp := s.perComponent[entity]
	if byComp == nil {
		byComp = make(map[model.ComponentName]map[model.Timeline]chunkIDSet)
		s.perComponent[entity] = byComp
	}
	for _, comp := range c.ComponentNames() {
		perTl := byComp[comp]
		if perTl == nil {
			perTl = make(map[model.Timeline]chunkIDSet)
			byComp[comp] = perTl
		}
		for _, tl := range c.Timelines() {
			set := perTl[tl]
			if set == nil {
				set = make(chunkIDSet)
				perTl[tl] = set
			}
			set.add(id)
		}
	}
}

// unregisterLocked removes a chunk from every index. Caller holds the write
// lock. The chunk itself is not released here; the caller decides when its
// buffers go.
func (s *ChunkStore) unregisterLocked(c *chunk.Chunk) {
	id := c.ID()
	entity := c.Entity()

	delete(s.chunks, id)
	for i, oid := range s.insertOrder {
		if oid == id {
			s.insertOrder = append(s.insertOrder[:i], s.insertOrder[i+1:]...)
			break
		}
	}
	s.totalBytes -= c.HeapSizeBytes()

	if rows := s.rowIDs[entity]; rows != nil {
		for _, rid := range c.RowIDs() {
			delete(rows, rid)
		}
		if len(rows) == 0 {
			delete(s.rowIDs, entity)
		}
	}

	if c.IsStatic() {
		byComp := s.static[entity]
		for _, comp := range c.ComponentNames() {
			ids := byComp[comp]
			for i, sid := range ids {
				if sid == id {
					byComp[comp] = append(ids[:i], ids[i+1:]...)
					break
				}
			}
			if len(byComp[comp]) == 0 {
				delete(byComp, comp)
			}
		}
		if len(byComp) == 0 {
			delete(s.static, entity)
		}
		return
	}

	byTimeline := s.temporal[entity]
	for _, tl := range c.Timelines() {
		if ix := byTimeline[tl]; ix != nil {
			ix.remove(id)
			if ix.empty() {
				delete(byTimeline, tl)
			}
		}
	}
	if len(byTimeline) == 0 {
		delete(s.temporal, entity)
	}

	byComp := s.perComponent[entity]
	for _, comp := range c.ComponentNames() {
		perTl := byComp[comp]
		for _, tl := range c.Timelines() {
			if set := perTl[tl]; set != nil {
				set.remove(id)
				if len(set) == 0 {
					delete(perTl, tl)
				}
			}
		}
		if len(perTl) == 0 {
			delete(byComp, comp)
		}
	}
	if len(byComp) == 0 {
		delete(s.perComponent, entity)
	}
}

// dropLineageLocked forgets which chunks were compacted into id. Once the
// absorbing chunk is truly gone its sources' rows are gone too, so
// re-inserting a source becomes a real insert again.
func (s *ChunkStore) dropLineageLocked(id model.ChunkID) {
	for src, into := range s.compactedInto {
		if into == id {
			delete(s.compactedInto, src)
		}
	}
}

// diffFor builds the StoreDiff describing a chunk.
func diffFor(kind StoreDiffKind, c *chunk.Chunk, compacted bool) StoreDiff {
	d := StoreDiff{
		Kind:       kind,
		ChunkID:    c.ID(),
		Entity:     c.Entity(),
		Chunk:      c,
		Components: c.ComponentNames(),
		Compacted:  compacted,
	}
	if tls := c.Timelines(); len(tls) > 0 {
		d.TimeRanges = make(map[model.Timeline]model.ResolvedTimeRange, len(tls))
		for _, tl := range tls {
			rng, _ := c.TimeRange(tl)
			d.TimeRanges[tl] = rng
		}
	}
	return d
}
