package model

import (
	"fmt"
	"math"
	"time"
)

// TimeType describes the unit of a timeline's values.
type TimeType int

const (
	// TimeTypeSequence is a monotonically increasing frame/tick counter.
	TimeTypeSequence TimeType = iota
	// TimeTypeTimestamp is nanoseconds since the Unix epoch.
	TimeTypeTimestamp
)

func (t TimeType) String() string {
	switch t {
	case TimeTypeSequence:
		return "sequence"
	case TimeTypeTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseTimeType parses the wire representation produced by TimeType.String.
func ParseTimeType(s string) (TimeType, error) {
	switch s {
	case "sequence":
		return TimeTypeSequence, nil
	case "timestamp":
		return TimeTypeTimestamp, nil
	default:
		return 0, fmt.Errorf("unknown time type %q", s)
	}
}

// TimeInt is a signed 64-bit logical time value on a timeline.
//
// The full MinInt64 is reserved as the static sentinel so that TimeMin is
// still a usable lower bound for range queries.
type TimeInt int64

const (
	// TimeStatic is the pseudo-time of static (timeless) data. It sorts
	// below every real time value.
	TimeStatic TimeInt = math.MinInt64
	// TimeMin is the smallest real time value, usable as an unbounded
	// range start.
	TimeMin TimeInt = math.MinInt64 + 1
	// TimeMax is the largest real time value, usable as an unbounded
	// range end.
	TimeMax TimeInt = math.MaxInt64
)

// IsStatic reports whether t is the static sentinel.
func (t TimeInt) IsStatic() bool { return t == TimeStatic }

// Inc returns t+1, saturating at TimeMax.
func (t TimeInt) Inc() TimeInt {
	if t >= TimeMax {
		return TimeMax
	}
	return t + 1
}

// Dec returns t-1, saturating at TimeMin.
func (t TimeInt) Dec() TimeInt {
	if t <= TimeMin {
		return TimeMin
	}
	return t - 1
}

// Format renders t for the given time type: a plain integer for sequences,
// RFC3339 with nanoseconds for timestamps.
func (t TimeInt) Format(typ TimeType) string {
	if t.IsStatic() {
		return "<static>"
	}
	switch typ {
	case TimeTypeTimestamp:
		return time.Unix(0, int64(t)).UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%d", int64(t))
	}
}

// TimeFromTime converts a wall-clock time to a TimeInt on a timestamp
// timeline.
func TimeFromTime(t time.Time) TimeInt {
	return TimeInt(t.UnixNano())
}

// Timeline is a named time axis: data may be indexed on several timelines
// simultaneously (e.g. a log_time timestamp and a frame_nr sequence).
// Timeline is a comparable value type and can be used as a map key.
type Timeline struct {
	name string
	typ  TimeType
}

// NewTimeline creates a timeline with the given name and time type.
func NewTimeline(name string, typ TimeType) Timeline {
	return Timeline{name: name, typ: typ}
}

// Name returns the timeline's name.
func (tl Timeline) Name() string { return tl.name }

// Type returns the timeline's time type.
func (tl Timeline) Type() TimeType { return tl.typ }

func (tl Timeline) String() string {
	return fmt.Sprintf("%s(%s)", tl.name, tl.typ)
}

// ResolvedTimeRange is a closed interval [Min, Max] on some timeline.
type ResolvedTimeRange struct {
	Min TimeInt
	Max TimeInt
}

// Contains reports whether t falls within the closed interval.
func (r ResolvedTimeRange) Contains(t TimeInt) bool {
	return t >= r.Min && t <= r.Max
}

// Intersects reports whether two closed intervals overlap.
func (r ResolvedTimeRange) Intersects(other ResolvedTimeRange) bool {
	return r.Min <= other.Max && other.Min <= r.Max
}

// Union returns the smallest interval covering both inputs.
func (r ResolvedTimeRange) Union(other ResolvedTimeRange) ResolvedTimeRange {
	out := r
	if other.Min < out.Min {
		out.Min = other.Min
	}
	if other.Max > out.Max {
		out.Max = other.Max
	}
	return out
}
