package session

import "sync"

// TimelineMapper converts between the media's absolute time axis and the
// relative time axis of the currently attached stream. A transcoding job's
// output always starts at relative time zero regardless of where in the
// absolute timeline it begins, so every attach records the job's start offset
// here. Direct playback uses offset zero and the two axes coincide.
type TimelineMapper struct {
	mu     sync.RWMutex
	offset float64
}

// SetOffset records the absolute media time at which the attached stream's
// timeline begins.
func (t *TimelineMapper) SetOffset(seconds float64) {
	t.mu.Lock()
	t.offset = seconds
	t.mu.Unlock()
}

// Offset returns the attached stream's absolute start time.
func (t *TimelineMapper) Offset() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offset
}

// ToAbsolute converts a position on the attached stream's timeline to
// absolute media time.
func (t *TimelineMapper) ToAbsolute(relative float64) float64 {
	return t.Offset() + relative
}

// ToRelative converts an absolute media time to a position on the attached
// stream's timeline, clamped at zero for targets before the stream begins.
func (t *TimelineMapper) ToRelative(absolute float64) float64 {
	rel := absolute - t.Offset()
	if rel < 0 {
		rel = 0
	}
	return rel
}
