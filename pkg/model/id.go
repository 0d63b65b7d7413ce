package model

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// tuid is a 128-bit time-ordered unique identifier: the high word is the
// creation time in nanoseconds since the Unix epoch, the low word a randomly
// seeded counter. Identifiers created by one process are strictly increasing;
// identifiers created by different processes are practically unique and
// still roughly time-ordered.
type tuid struct {
	TimeNs uint64
	Inc    uint64
}

var zeroTuid = tuid{}

var maxTuid = tuid{TimeNs: ^uint64(0), Inc: ^uint64(0)}

// tuidGenerator hands out monotonically increasing tuids. The counter word
// starts at a random value so that two processes started in the same
// nanosecond still diverge.
type tuidGenerator struct {
	mu     sync.Mutex
	lastNs uint64
	inc    uint64
}

func newTuidGenerator() *tuidGenerator {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// Fall back to the clock; uniqueness within the process still
		// holds via the counter.
		binary.LittleEndian.PutUint64(seed[:], uint64(time.Now().UnixNano()))
	}
	return &tuidGenerator{
		inc: binary.LittleEndian.Uint64(seed[:]) | 1,
	}
}

func (g *tuidGenerator) next() tuid {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint64(time.Now().UnixNano())
	if now <= g.lastNs {
		// Clock went backwards or did not advance: keep the previous
		// timestamp so ordering is preserved, bump the counter.
		now = g.lastNs
	}
	g.lastNs = now
	g.inc++
	return tuid{TimeNs: now, Inc: g.inc}
}

var globalTuids = newTuidGenerator()

func (t tuid) compare(other tuid) int {
	switch {
	case t.TimeNs < other.TimeNs:
		return -1
	case t.TimeNs > other.TimeNs:
		return 1
	case t.Inc < other.Inc:
		return -1
	case t.Inc > other.Inc:
		return 1
	default:
		return 0
	}
}

func (t tuid) String() string {
	return fmt.Sprintf("%016X%016X", t.TimeNs, t.Inc)
}

func parseTuid(s string) (tuid, error) {
	if len(s) != 32 {
		return tuid{}, fmt.Errorf("invalid id %q: want 32 hex chars, got %d", s, len(s))
	}
	var out tuid
	if _, err := fmt.Sscanf(s[:16], "%016X", &out.TimeNs); err != nil {
		return tuid{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(s[16:], "%016X", &out.Inc); err != nil {
		return tuid{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return out, nil
}

// RowID uniquely identifies one logged row. RowIDs are time-ordered, which
// makes them the deterministic tie-breaker between rows sharing the same
// time value: the higher RowID wins latest-at semantics.
type RowID struct{ tuid }

// ZeroRowID is the zero value, never produced by NewRowID.
var ZeroRowID = RowID{zeroTuid}

// MaxRowID sorts after every other RowID.
var MaxRowID = RowID{maxTuid}

// NewRowID returns the next process-wide row id.
func NewRowID() RowID { return RowID{globalTuids.next()} }

// NewRowIDs returns n consecutive row ids.
func NewRowIDs(n int) []RowID {
	out := make([]RowID, n)
	for i := range out {
		out[i] = NewRowID()
	}
	return out
}

// RowIDFromU128 reconstructs a RowID from its two words, as read back from
// the wire format.
func RowIDFromU128(timeNs, inc uint64) RowID {
	return RowID{tuid{TimeNs: timeNs, Inc: inc}}
}

// ParseRowID parses the 32-char hex form produced by String.
func ParseRowID(s string) (RowID, error) {
	t, err := parseTuid(s)
	return RowID{t}, err
}

// Compare returns -1, 0 or 1 ordering two row ids.
func (id RowID) Compare(other RowID) int { return id.tuid.compare(other.tuid) }

// Less reports whether id sorts before other.
func (id RowID) Less(other RowID) bool { return id.Compare(other) < 0 }

// IsZero reports whether id is the zero value.
func (id RowID) IsZero() bool { return id.tuid == zeroTuid }

// ChunkID uniquely identifies a chunk. Like RowID it is 128-bit and
// time-ordered.
type ChunkID struct{ tuid }

// ZeroChunkID is the zero value, never produced by NewChunkID.
var ZeroChunkID = ChunkID{zeroTuid}

// NewChunkID returns the next process-wide chunk id.
func NewChunkID() ChunkID { return ChunkID{globalTuids.next()} }

// ChunkIDFromU128 reconstructs a ChunkID from its two words.
func ChunkIDFromU128(timeNs, inc uint64) ChunkID {
	return ChunkID{tuid{TimeNs: timeNs, Inc: inc}}
}

// ParseChunkID parses the 32-char hex form produced by String.
func ParseChunkID(s string) (ChunkID, error) {
	t, err := parseTuid(s)
	return ChunkID{t}, err
}

// Compare returns -1, 0 or 1 ordering two chunk ids.
func (id ChunkID) Compare(other ChunkID) int { return id.tuid.compare(other.tuid) }

// IsZero reports whether id is the zero value.
func (id ChunkID) IsZero() bool { return id.tuid == zeroTuid }
