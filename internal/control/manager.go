// Package control exposes the playback session over a local HTTP API:
// commands in, state and server-sent events out.
package control

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/reelay/reelay/internal/server"
	"github.com/reelay/reelay/internal/session"
)

// ErrNoSession is returned by commands when nothing is playing.
var ErrNoSession = errors.New("no active session")

// Session is the slice of the session controller the control API drives.
type Session interface {
	Play(ctx context.Context, mediaID string, startAt float64) error
	Seek(ctx context.Context, target float64) error
	SwitchAudio(ctx context.Context, index int) error
	SwitchSubtitle(ctx context.Context, index *int) error
	SwitchResolution(ctx context.Context, res server.Resolution) error
	Close(ctx context.Context) error
	State() session.State
	Position() float64
	Source() *server.MediaSource
	AttachedJob() server.JobID
	Events() <-chan session.Event
}

// SessionFactory builds a fresh session controller per playback.
type SessionFactory func() (Session, error)

// Manager owns the single active session and fans its events out to
// subscribers.
type Manager struct {
	factory SessionFactory
	logger  *slog.Logger

	mu      sync.Mutex
	current Session
	subs    map[chan session.Event]struct{}
}

// NewManager creates a session manager.
func NewManager(factory SessionFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory: factory,
		logger:  logger,
		subs:    make(map[chan session.Event]struct{}),
	}
}

// Play closes any current session and starts a new one. The session attaches
// asynchronously; progress is observable through Events and State.
func (m *Manager) Play(ctx context.Context, mediaID string, startAt float64) error {
	sess, err := m.factory()
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = sess
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("closing previous session failed", slog.String("error", err.Error()))
		}
	}

	go m.pumpEvents(sess)
	go func() {
		// Play blocks until attach or fatal error; errors surface as
		// session events.
		if err := sess.Play(context.Background(), mediaID, startAt); err != nil {
			m.logger.Error("playback failed",
				slog.String("media_id", mediaID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Stop closes the active session.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.mu.Unlock()

	if sess == nil {
		return ErrNoSession
	}
	return sess.Close(ctx)
}

// Current returns the active session, or nil.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// active is Current with ErrNoSession folded in.
func (m *Manager) active() (Session, error) {
	if sess := m.Current(); sess != nil {
		return sess, nil
	}
	return nil, ErrNoSession
}

// Subscribe returns a channel receiving session events until unsubscribe is
// called.
func (m *Manager) Subscribe() (<-chan session.Event, func()) {
	ch := make(chan session.Event, 16)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// pumpEvents forwards one session's events to all subscribers.
func (m *Manager) pumpEvents(sess Session) {
	for ev := range sess.Events() {
		m.mu.Lock()
		for ch := range m.subs {
			select {
			case ch <- ev:
			default:
			}
		}
		m.mu.Unlock()
	}
}
