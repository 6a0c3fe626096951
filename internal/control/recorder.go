package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/reelay/reelay/internal/session"
	"github.com/reelay/reelay/internal/store"
)

// Recorder periodically snapshots the active session into the playback
// history store. Each session gets one record that is upserted as playback
// advances, so resume positions track the latest reported position.
type Recorder struct {
	manager  *Manager
	history  *store.History
	interval time.Duration
	logger   *slog.Logger

	last      Session
	recordID  string
	sessionID string
	startedAt time.Time
}

// NewRecorder creates a history recorder. interval defaults to 10s when
// non-positive.
func NewRecorder(manager *Manager, history *store.History, interval time.Duration, logger *slog.Logger) *Recorder {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		manager:  manager,
		history:  history,
		interval: interval,
		logger:   logger,
	}
}

// Run records until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Snapshot(ctx)
		}
	}
}

// Snapshot records the active session's position, if it is playing.
func (r *Recorder) Snapshot(ctx context.Context) {
	sess := r.manager.Current()
	if sess == nil {
		r.last = nil
		return
	}
	if sess != r.last {
		r.last = sess
		r.recordID = ulid.Make().String()
		r.sessionID = ulid.Make().String()
		r.startedAt = time.Now()
	}

	state := sess.State()
	if state != session.StateDirectPlaying && state != session.StateJobAttached {
		return
	}
	src := sess.Source()
	if src == nil {
		return
	}

	rec := &store.PlaybackRecord{
		ID:              r.recordID,
		SessionID:       r.sessionID,
		MediaID:         src.MediaID,
		Position:        sess.Position(),
		Duration:        src.Duration,
		PlayMethod:      string(src.PlayMethod),
		TranscodingType: string(src.TranscodingType),
		StartedAt:       r.startedAt,
		UpdatedAt:       time.Now(),
	}
	if err := r.history.Record(ctx, rec); err != nil {
		r.logger.Warn("recording playback history failed",
			slog.String("media_id", src.MediaID),
			slog.String("error", err.Error()),
		)
	}
}
