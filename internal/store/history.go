package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoHistory is returned when a media item has no playback history.
var ErrNoHistory = errors.New("no playback history")

// PlaybackRecord is one playback session of one media item. The record is
// upserted as progress reports arrive, so a media item carries at most one
// row per session.
type PlaybackRecord struct {
	ID        string `gorm:"primaryKey;size:26"`
	SessionID string `gorm:"size:26;index"`
	MediaID   string `gorm:"size:128;index:idx_media_updated,priority:1"`

	// Position is the last reported absolute position in seconds.
	Position float64
	// Duration is the media duration in seconds, when known.
	Duration float64

	PlayMethod      string `gorm:"size:16"`
	TranscodingType string `gorm:"size:8"`

	Completed bool

	StartedAt time.Time
	UpdatedAt time.Time `gorm:"index:idx_media_updated,priority:2"`
}

// nearEndFraction marks a session completed once this share of the media has
// been watched, matching how resume points are conventionally expired.
const nearEndFraction = 0.95

// History reads and writes playback records.
type History struct {
	db *DB
}

// NewHistory creates a history accessor.
func NewHistory(db *DB) *History {
	return &History{db: db}
}

// Record upserts the progress of a playback session.
func (h *History) Record(ctx context.Context, rec *PlaybackRecord) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.Duration > 0 && rec.Position >= rec.Duration*nearEndFraction {
		rec.Completed = true
	}

	err := h.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"position", "play_method", "transcoding_type", "completed", "updated_at",
			}),
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("recording playback: %w", err)
	}
	return nil
}

// ResumePosition returns the position to resume a media item from: the most
// recently updated, uncompleted record. Completed or absent history yields
// ErrNoHistory.
func (h *History) ResumePosition(ctx context.Context, mediaID string) (float64, error) {
	var rec PlaybackRecord
	err := h.db.WithContext(ctx).
		Where("media_id = ? AND completed = ?", mediaID, false).
		Order("updated_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNoHistory
	}
	if err != nil {
		return 0, fmt.Errorf("loading resume position: %w", err)
	}
	return rec.Position, nil
}

// Recent returns the most recently played records, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]PlaybackRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []PlaybackRecord
	err := h.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return recs, nil
}

// Prune deletes records not updated within the retention window and returns
// the number removed.
func (h *History) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := h.db.WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Delete(&PlaybackRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning history: %w", res.Error)
	}
	return res.RowsAffected, nil
}
