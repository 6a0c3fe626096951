package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/reelay/reelay/internal/server"
	"github.com/reelay/reelay/internal/session"
	"github.com/reelay/reelay/internal/store"
)

// Handler serves the session control operations.
type Handler struct {
	manager *Manager
	history *store.History
	logger  *slog.Logger
}

// NewHandler creates the control handler. history may be nil when the store
// is disabled.
func NewHandler(manager *Manager, history *store.History, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager: manager,
		history: history,
		logger:  logger,
	}
}

// SessionStatus is the externally visible session snapshot.
type SessionStatus struct {
	State       string  `json:"state" doc:"Session state"`
	MediaID     string  `json:"media_id,omitempty"`
	Position    float64 `json:"position" doc:"Absolute position in seconds"`
	Duration    float64 `json:"duration,omitempty"`
	PlayMethod  string  `json:"play_method,omitempty"`
	AttachedJob string  `json:"attached_job,omitempty"`
}

// GetSessionOutput wraps the session status response.
type GetSessionOutput struct {
	Body SessionStatus
}

// PlayInput starts playback of a media item.
type PlayInput struct {
	Body struct {
		MediaID string  `json:"media_id" minLength:"1" doc:"Media item to play"`
		StartAt float64 `json:"start_at,omitempty" minimum:"0" doc:"Absolute start position in seconds"`
		Resume  bool    `json:"resume,omitempty" doc:"Resume from the stored history position"`
	}
}

// PlayOutput reports where playback will start.
type PlayOutput struct {
	Body struct {
		MediaID string  `json:"media_id"`
		StartAt float64 `json:"start_at"`
	}
}

// SeekInput moves playback to an absolute position.
type SeekInput struct {
	Body struct {
		Position float64 `json:"position" minimum:"0" doc:"Absolute position in seconds"`
	}
}

// AudioInput selects an audio stream.
type AudioInput struct {
	Body struct {
		Index int `json:"index" doc:"Audio stream index"`
	}
}

// SubtitleInput selects a subtitle stream; a null index clears the selection.
type SubtitleInput struct {
	Body struct {
		Index *int `json:"index" doc:"Subtitle stream index, null to disable"`
	}
}

// ResolutionInput selects a rung of the resolution ladder.
type ResolutionInput struct {
	Body struct {
		Width      int    `json:"width" minimum:"1"`
		Height     int    `json:"height" minimum:"1"`
		Label      string `json:"label,omitempty"`
		IsOriginal bool   `json:"is_original,omitempty"`
	}
}

// CommandOutput is the generic acknowledgement for session commands.
type CommandOutput struct {
	Body struct {
		State string `json:"state"`
	}
}

// HistoryOutput lists recent playback records.
type HistoryOutput struct {
	Body struct {
		Records []store.PlaybackRecord `json:"records"`
	}
}

// HistoryInput bounds the history listing.
type HistoryInput struct {
	Limit int `query:"limit" default:"20" minimum:"1" maximum:"200"`
}

// Register registers all control operations with the API.
func (h *Handler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      http.MethodGet,
		Path:        "/api/v1/session",
		Summary:     "Current session state",
		Tags:        []string{"Session"},
	}, h.GetSession)

	huma.Register(api, huma.Operation{
		OperationID: "playMedia",
		Method:      http.MethodPost,
		Path:        "/api/v1/session/play",
		Summary:     "Start playback",
		Tags:        []string{"Session"},
	}, h.Play)

	huma.Register(api, huma.Operation{
		OperationID: "seek",
		Method:      http.MethodPost,
		Path:        "/api/v1/session/seek",
		Summary:     "Seek to an absolute position",
		Tags:        []string{"Session"},
	}, h.Seek)

	huma.Register(api, huma.Operation{
		OperationID: "switchAudio",
		Method:      http.MethodPost,
		Path:        "/api/v1/session/audio",
		Summary:     "Switch audio stream",
		Tags:        []string{"Session"},
	}, h.SwitchAudio)

	huma.Register(api, huma.Operation{
		OperationID: "switchSubtitle",
		Method:      http.MethodPost,
		Path:        "/api/v1/session/subtitle",
		Summary:     "Switch or disable subtitles",
		Tags:        []string{"Session"},
	}, h.SwitchSubtitle)

	huma.Register(api, huma.Operation{
		OperationID: "switchResolution",
		Method:      http.MethodPost,
		Path:        "/api/v1/session/resolution",
		Summary:     "Switch playback resolution",
		Tags:        []string{"Session"},
	}, h.SwitchResolution)

	huma.Register(api, huma.Operation{
		OperationID: "stopSession",
		Method:      http.MethodDelete,
		Path:        "/api/v1/session",
		Summary:     "Stop playback",
		Tags:        []string{"Session"},
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID: "listHistory",
		Method:      http.MethodGet,
		Path:        "/api/v1/history",
		Summary:     "Recent playback history",
		Tags:        []string{"History"},
	}, h.ListHistory)
}

// RegisterSSE registers the event stream endpoint directly on the router;
// SSE needs raw access to the response writer for flushing.
func (h *Handler) RegisterSSE(router *chi.Mux) {
	router.Get("/api/v1/events", h.serveEvents)
}

// GetSession returns the current session snapshot.
func (h *Handler) GetSession(ctx context.Context, _ *struct{}) (*GetSessionOutput, error) {
	out := &GetSessionOutput{}
	sess := h.manager.Current()
	if sess == nil {
		out.Body.State = string(session.StateIdle)
		return out, nil
	}

	out.Body.State = string(sess.State())
	out.Body.Position = sess.Position()
	out.Body.AttachedJob = sess.AttachedJob().String()
	if src := sess.Source(); src != nil {
		out.Body.MediaID = src.MediaID
		out.Body.Duration = src.Duration
		out.Body.PlayMethod = string(src.PlayMethod)
	}
	return out, nil
}

// Play starts playback, optionally resuming from stored history.
func (h *Handler) Play(ctx context.Context, input *PlayInput) (*PlayOutput, error) {
	startAt := input.Body.StartAt
	if input.Body.Resume && h.history != nil {
		pos, err := h.history.ResumePosition(ctx, input.Body.MediaID)
		switch {
		case err == nil:
			startAt = pos
		case errors.Is(err, store.ErrNoHistory):
		default:
			h.logger.Warn("resume lookup failed", slog.String("error", err.Error()))
		}
	}

	if err := h.manager.Play(ctx, input.Body.MediaID, startAt); err != nil {
		return nil, huma.Error500InternalServerError("starting playback", err)
	}

	out := &PlayOutput{}
	out.Body.MediaID = input.Body.MediaID
	out.Body.StartAt = startAt
	return out, nil
}

// Seek moves the session to an absolute position.
func (h *Handler) Seek(ctx context.Context, input *SeekInput) (*CommandOutput, error) {
	sess, err := h.manager.active()
	if err != nil {
		return nil, huma.Error409Conflict(err.Error())
	}
	if err := sess.Seek(ctx, input.Body.Position); err != nil {
		return nil, huma.Error500InternalServerError("seek failed", err)
	}
	return commandOutput(sess), nil
}

// SwitchAudio selects another audio stream.
func (h *Handler) SwitchAudio(ctx context.Context, input *AudioInput) (*CommandOutput, error) {
	sess, err := h.manager.active()
	if err != nil {
		return nil, huma.Error409Conflict(err.Error())
	}
	if err := sess.SwitchAudio(ctx, input.Body.Index); err != nil {
		return nil, huma.Error500InternalServerError("audio switch failed", err)
	}
	return commandOutput(sess), nil
}

// SwitchSubtitle selects or clears the subtitle stream.
func (h *Handler) SwitchSubtitle(ctx context.Context, input *SubtitleInput) (*CommandOutput, error) {
	sess, err := h.manager.active()
	if err != nil {
		return nil, huma.Error409Conflict(err.Error())
	}
	if err := sess.SwitchSubtitle(ctx, input.Body.Index); err != nil {
		return nil, huma.Error500InternalServerError("subtitle switch failed", err)
	}
	return commandOutput(sess), nil
}

// SwitchResolution selects a resolution rung.
func (h *Handler) SwitchResolution(ctx context.Context, input *ResolutionInput) (*CommandOutput, error) {
	sess, err := h.manager.active()
	if err != nil {
		return nil, huma.Error409Conflict(err.Error())
	}
	res := server.Resolution{
		Width:      input.Body.Width,
		Height:     input.Body.Height,
		Label:      input.Body.Label,
		IsOriginal: input.Body.IsOriginal,
	}
	if err := sess.SwitchResolution(ctx, res); err != nil {
		return nil, huma.Error500InternalServerError("resolution switch failed", err)
	}
	return commandOutput(sess), nil
}

// Stop ends the current session.
func (h *Handler) Stop(ctx context.Context, _ *struct{}) (*CommandOutput, error) {
	if err := h.manager.Stop(ctx); err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, huma.Error409Conflict(err.Error())
		}
		return nil, huma.Error500InternalServerError("stopping session", err)
	}
	out := &CommandOutput{}
	out.Body.State = string(session.StateClosed)
	return out, nil
}

// ListHistory returns recent playback records.
func (h *Handler) ListHistory(ctx context.Context, input *HistoryInput) (*HistoryOutput, error) {
	out := &HistoryOutput{}
	out.Body.Records = []store.PlaybackRecord{}
	if h.history == nil {
		return out, nil
	}

	recs, err := h.history.Recent(ctx, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing history", err)
	}
	out.Body.Records = recs
	return out, nil
}

// serveEvents streams session events as server-sent events.
func (h *Handler) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := h.manager.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func commandOutput(sess Session) *CommandOutput {
	out := &CommandOutput{}
	out.Body.State = string(sess.State())
	return out
}
