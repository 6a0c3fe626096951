package session

import "github.com/reelay/reelay/internal/server"

// EventType classifies session events emitted to the embedding application.
type EventType string

// Session event types.
const (
	// EventReady fires whenever playback (re)attaches to a delivery:
	// initial start, and after every restart caused by a seek, track
	// switch, resolution switch, or retry.
	EventReady EventType = "ready"
	// EventError fires when the session reaches a fatal error.
	EventError EventType = "error"
	// EventClosed fires once when the session closes.
	EventClosed EventType = "closed"
)

// ErrorKind names the failure class carried by an error event.
type ErrorKind string

// Error kinds.
const (
	ErrorNegotiation ErrorKind = "negotiation"
	ErrorJobStart    ErrorKind = "job_start"
	ErrorJobFailed   ErrorKind = "job_failed"
	ErrorRetryLimit  ErrorKind = "retry_limit"
	ErrorPlayback    ErrorKind = "playback"
	ErrorClosed      ErrorKind = "closed"
)

// Event is an asynchronous notification from the session controller.
type Event struct {
	Type EventType `json:"type"`

	// Source is set on ready events: the descriptor playback attached with.
	Source *server.MediaSource `json:"source,omitempty"`

	// Kind and Message are set on error events.
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
}
