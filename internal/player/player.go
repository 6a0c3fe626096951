// Package player abstracts the media pipeline that consumes a stream and
// advances a relative playback clock. The session controller only ever sees
// this interface, so it can be driven by a fake in tests.
package player

import (
	"context"
	"errors"
)

// ErrNotAttached is returned by operations that require an attached stream.
var ErrNotAttached = errors.New("player not attached")

// EventType classifies player events.
type EventType string

// Player event types.
const (
	// EventReady fires once after Attach when the pipeline has discovered
	// tracks and begun consuming the stream.
	EventReady EventType = "ready"
	// EventError fires when the pipeline rejects or loses the stream.
	EventError EventType = "error"
	// EventEnded fires when the stream reaches end of content.
	EventEnded EventType = "ended"
)

// Event is an asynchronous notification from the pipeline.
type Event struct {
	Type EventType
	Err  error
}

// TextTrack is a sidecar subtitle attachment.
type TextTrack struct {
	URL      string
	Language string
	Label    string
}

// Player is the minimal surface the session controller needs from a media
// pipeline. Positions are in seconds on the attached stream's own timeline,
// which always starts at zero.
//
// Implementations must tolerate Detach at any time, including mid-Attach.
type Player interface {
	// Attach starts consuming the stream at url. offset is the relative
	// position in seconds the playback clock starts from, used when the
	// stream's timeline zero corresponds to a later absolute media time
	// than the viewer requested.
	Attach(ctx context.Context, url string, offset float64) error

	// Detach stops consumption and releases the stream. Idempotent.
	Detach()

	// SeekRelative moves the playback clock to a position on the attached
	// stream's timeline.
	SeekRelative(seconds float64) error

	// Position returns the current relative playback position in seconds.
	Position() float64

	// SelectAudioTrack switches to another embedded audio track without
	// reattaching. Returns false when the pipeline or container cannot
	// switch natively, in which case the caller must restart delivery.
	SelectAudioTrack(index int) bool

	// SetTextTrack attaches a sidecar subtitle track, replacing any
	// previous one. A nil track clears the attachment.
	SetTextTrack(track *TextTrack) error

	// Events returns the pipeline's event channel. The channel is closed
	// on Detach.
	Events() <-chan Event
}
