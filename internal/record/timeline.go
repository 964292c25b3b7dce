package record

import (
	"time"
)

// DefaultInterval is the sampling cadence of the reference sensor firmware
const DefaultInterval = 10 * time.Second

// Timeline assigns sample indexes and synthetic timestamps for one session.
//
// The anchor is the wall-clock instant of sample index 0. It is taken from
// the clock when the first record is stamped, unless preset with WithAnchor,
// and never moves afterwards. A Timeline is owned by a single pipeline
// goroutine and is not safe for concurrent use.
type Timeline struct {
	interval time.Duration
	clock    func() time.Time
	anchor   time.Time
	anchored bool
	next     uint64
}

// TimelineOption configures a Timeline
type TimelineOption func(*Timeline)

// WithClock overrides the wall clock used to set the anchor
func WithClock(clock func() time.Time) TimelineOption {
	return func(t *Timeline) {
		t.clock = clock
	}
}

// WithAnchor presets the anchor instead of taking it at the first record
func WithAnchor(anchor time.Time) TimelineOption {
	return func(t *Timeline) {
		t.anchor = anchor
		t.anchored = true
	}
}

// NewTimeline creates a timeline with the given sampling interval.
// A non-positive interval selects DefaultInterval.
func NewTimeline(interval time.Duration, opts ...TimelineOption) *Timeline {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Timeline{
		interval: interval,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Stamp assigns the next sample index to rec and computes its timestamp as
// anchor + index*interval.
func (t *Timeline) Stamp(rec Record) Stamped {
	if !t.anchored {
		t.anchor = t.clock()
		t.anchored = true
	}
	rec.Index = t.next
	t.next++
	return Stamped{
		Record:    rec,
		Timestamp: t.At(rec.Index),
	}
}

// At returns the timestamp of sample index k. It is only meaningful once the
// anchor is set.
func (t *Timeline) At(k uint64) time.Time {
	return t.anchor.Add(time.Duration(k) * t.interval)
}

// Anchor returns the anchor and whether it has been set
func (t *Timeline) Anchor() (time.Time, bool) {
	return t.anchor, t.anchored
}

// Next returns the sample index the next stamped record will receive
func (t *Timeline) Next() uint64 {
	return t.next
}

// Interval returns the sampling interval
func (t *Timeline) Interval() time.Duration {
	return t.interval
}
