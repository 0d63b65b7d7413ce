package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/magnetar-io/magnetar/pkg/chunk"
	"github.com/magnetar-io/magnetar/pkg/logger"
	"github.com/magnetar-io/magnetar/pkg/model"
)

// StoreDiffKind says whether a diff added or removed a chunk.
type StoreDiffKind int

const (
	// Addition is a chunk entering the store.
	Addition StoreDiffKind = iota
	// Deletion is a chunk leaving the store, through GC or compaction.
	Deletion
)

func (k StoreDiffKind) String() string {
	if k == Addition {
		return "addition"
	}
	return "deletion"
}

// StoreDiff describes one chunk-granular mutation of the store.
//
// The Chunk pointer lets subscribers inspect the affected data without a
// store lookup, but it must not be cached across a GC boundary: after a
// Deletion diff has been delivered the chunk's buffers may be released.
// Subscribers that need long-lived references must keep the ChunkID and
// re-resolve through the store.
type StoreDiff struct {
	Kind    StoreDiffKind
	ChunkID model.ChunkID
	Entity  model.EntityPath
	Chunk   *chunk.Chunk

	// TimeRanges covered by the chunk, one entry per timeline it carries.
	// Empty for static chunks.
	TimeRanges map[model.Timeline]model.ResolvedTimeRange
	// Components carried by the chunk.
	Components []model.ComponentName
	// Compacted marks deletions whose rows live on in a merged chunk
	// added by the same mutation.
	Compacted bool
}

// IsStatic reports whether the diff concerns a static chunk.
func (d StoreDiff) IsStatic() bool { return len(d.TimeRanges) == 0 }

// StoreEvent is one mutation of the store, stamped with the generation the
// mutation produced. Events are created inside the mutating call and
// delivered to every subscriber before that call returns.
type StoreEvent struct {
	StoreID    string
	Generation uint64
	Diff       StoreDiff
}

// StoreSubscriber receives every store mutation, in order, synchronously.
// There is no registration-time filtering: subscribers filter internally by
// the entity paths and components they care about.
type StoreSubscriber interface {
	// Name identifies the subscriber in logs.
	Name() string
	// OnEvents is called with one or more ordered events, after the
	// store's indices are consistent but before the mutating call
	// returns. Batches from concurrent mutations arrive in generation
	// order. Implementations may query the store but must not mutate
	// it, and should return quickly; slow subscribers stall every
	// writer.
	OnEvents(events []StoreEvent)
}

// SubscriberHandle identifies a registration, for later removal.
type SubscriberHandle int

type subscriberEntry struct {
	handle SubscriberHandle
	sub    StoreSubscriber
}

// subscriberSet owns the registered subscribers and the dispatch loop.
type subscriberSet struct {
	mu      sync.Mutex
	entries []subscriberEntry
	nextID  SubscriberHandle
	log     *zap.Logger
}

func newSubscriberSet(log *zap.Logger) *subscriberSet {
	if log == nil {
		log = logger.Get()
	}
	return &subscriberSet{log: log}
}

func (s *subscriberSet) register(sub StoreSubscriber) SubscriberHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, subscriberEntry{handle: s.nextID, sub: sub})
	return s.nextID
}

func (s *subscriberSet) unregister(handle SubscriberHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.handle == handle {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// dispatch delivers events to every subscriber in registration order. A
// panicking subscriber is isolated and logged: the store's own invariants
// were satisfied before dispatch began, so the mutation must not be rolled
// back on its account.
func (s *subscriberSet) dispatch(events []StoreEvent) {
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	entries := make([]subscriberEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for _, e := range entries {
		s.deliver(e, events)
	}
}

func (s *subscriberSet) deliver(e subscriberEntry, events []StoreEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("store subscriber panicked, isolating",
				zap.String("subscriber", e.sub.Name()),
				zap.Any("panic", r),
			)
		}
	}()
	e.sub.OnEvents(events)
}
