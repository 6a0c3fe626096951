// Package session implements the adaptive playback session controller: a
// state machine that negotiates a delivery method with the media server,
// manages the lifecycle of remote transcoding jobs, and keeps the absolute
// media timeline consistent with the relative timeline of whatever job is
// currently backing playback.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reelay/reelay/internal/codec"
	"github.com/reelay/reelay/internal/config"
	"github.com/reelay/reelay/internal/player"
	"github.com/reelay/reelay/internal/playlist"
	"github.com/reelay/reelay/internal/profile"
	"github.com/reelay/reelay/internal/server"
)

// Session errors.
var (
	ErrSessionClosed    = errors.New("session closed")
	ErrAlreadyStarted   = errors.New("session already started")
	ErrRetriesExhausted = errors.New("playback failed after multiple retries")
)

// State is the session controller's lifecycle state.
type State string

// Session states.
const (
	StateIdle          State = "idle"
	StateInitializing  State = "initializing"
	StateDirectPlaying State = "direct_playing"
	StateJobStarting   State = "job_starting"
	StateJobWaiting    State = "job_waiting"
	StateJobAttached   State = "job_attached"
	StateError         State = "error"
	StateClosed        State = "closed"
)

// API is the slice of the media server client the controller drives.
type API interface {
	Negotiate(ctx context.Context, mediaID string, prof *profile.DeviceProfile, ov server.Overrides) (*server.MediaSource, error)
	StartRemux(ctx context.Context, req server.StartRequest) (*server.TranscodingJob, error)
	StartAudioOnlyTranscode(ctx context.Context, req server.StartRequest) (*server.TranscodingJob, error)
	StartFullTranscode(ctx context.Context, req server.StartRequest) (*server.TranscodingJob, error)
	JobStatus(ctx context.Context, id server.JobID) (*server.TranscodingJob, error)
	StopJob(ctx context.Context, id server.JobID) error
	ReportProgress(ctx context.Context, mediaID string, position float64, method server.PlayMethod) error
	PlaylistURL(id server.JobID) string
	DirectStreamURL(mediaID string) string
	SubtitleSidecarURL(mediaID string, streamIndex int) string
}

// ProfileSource supplies the memoized device profile.
type ProfileSource interface {
	Profile(ctx context.Context) *profile.DeviceProfile
}

// ReadinessProber reports whether a playlist URL serves a usable manifest.
type ReadinessProber interface {
	Ready(ctx context.Context, url string) error
}

// Options configures a session controller.
type Options struct {
	API      API
	Profiles ProfileSource
	Prober   ReadinessProber
	Player   player.Player

	Seek  config.SeekConfig
	Jobs  config.JobsConfig
	Retry config.RetryConfig

	// PreferredAudioLanguages are BCP 47 tags in preference order, used to
	// pick the initial audio stream.
	PreferredAudioLanguages []string

	// ProgressInterval is how often playback progress is reported to the
	// server. Zero disables reporting.
	ProgressInterval time.Duration

	Logger *slog.Logger
}

// Controller owns a single playback session. Command methods (Play, Seek,
// SwitchAudio, SwitchSubtitle, SwitchResolution, Close) are safe to call from
// any goroutine; a newer command supersedes an older in-flight one rather
// than queueing behind it.
type Controller struct {
	api      API
	profiles ProfileSource
	prober   ReadinessProber
	player   player.Player
	logger   *slog.Logger

	seekCfg        config.SeekConfig
	jobsCfg        config.JobsConfig
	retry          RetryPolicy
	preferredLangs []string
	progressEvery  time.Duration

	timeline TimelineMapper
	events   chan Event

	// sleep is swappable so tests run without real delays.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    State
	mediaID  string
	source   *server.MediaSource
	duration float64

	// generation guards every asynchronous job flow: it is incremented
	// whenever a new start/stop sequence begins, and results carrying a
	// stale generation are discarded.
	generation  uint64
	attachedJob server.JobID
	pendingJob  server.JobID
	lastJob     *server.TranscodingJob
	currentKind server.TranscodingType

	audioIndex    int
	audioChosen   bool
	subtitleIndex *int
	burnIn        bool
	resolution    *server.Resolution
	overrides     server.Overrides

	retryCount      int
	pendingSeek     *float64
	startTarget     float64
	elementFallback bool
	closed          bool
	eventsClosed    bool

	progressCancel context.CancelFunc
}

// NewController creates a session controller in the Idle state.
func NewController(opts Options) (*Controller, error) {
	if opts.API == nil {
		return nil, errors.New("session: API is required")
	}
	if opts.Profiles == nil {
		return nil, errors.New("session: profile source is required")
	}
	if opts.Prober == nil {
		return nil, errors.New("session: readiness prober is required")
	}
	if opts.Player == nil {
		return nil, errors.New("session: player is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Controller{
		api:            opts.API,
		profiles:       opts.Profiles,
		prober:         opts.Prober,
		player:         opts.Player,
		logger:         opts.Logger,
		seekCfg:        opts.Seek,
		jobsCfg:        opts.Jobs,
		retry:          NewRetryPolicy(opts.Retry),
		preferredLangs: opts.PreferredAudioLanguages,
		progressEvery:  opts.ProgressInterval,
		events:         make(chan Event, 16),
		sleep:          sleepContext,
		state:          StateIdle,
	}, nil
}

// Events returns the session's event channel. It is closed on Close.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Source returns the media source backing the current playback attempt.
func (c *Controller) Source() *server.MediaSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// AttachedJob returns the id of the job currently backing playback, or "".
func (c *Controller) AttachedJob() server.JobID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachedJob
}

// Position returns the current absolute media time in seconds.
func (c *Controller) Position() float64 {
	c.mu.Lock()
	pending := c.pendingSeek
	c.mu.Unlock()
	if pending != nil {
		return *pending
	}
	return c.timeline.ToAbsolute(c.player.Position())
}

// Play starts the session for a media item at the given absolute offset.
// It blocks until playback attaches or the session reaches a fatal error.
func (c *Controller) Play(ctx context.Context, mediaID string, startAt float64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateInitializing
	c.mediaID = mediaID

	if c.progressEvery > 0 {
		pctx, cancel := context.WithCancel(context.Background())
		c.progressCancel = cancel
		go c.runProgressReporter(pctx)
	}
	c.mu.Unlock()

	return c.initialize(ctx, startAt)
}

// initialize negotiates a delivery method and routes to direct playback or
// the job path. target is the absolute position playback should land at.
func (c *Controller) initialize(ctx context.Context, target float64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.state = StateInitializing
	mediaID := c.mediaID
	ov := c.overrides
	c.mu.Unlock()

	prof := c.profiles.Profile(ctx)

	source, err := c.api.Negotiate(ctx, mediaID, prof, ov)
	if err != nil {
		return c.negotiationFallback(ctx, target, err)
	}

	c.mu.Lock()
	c.source = source
	c.duration = source.Duration
	if !c.audioChosen {
		c.audioIndex = preferredAudioStream(source.AudioStreams, c.preferredLangs)
	}
	c.mu.Unlock()

	if source.PlayMethod == server.PlayMethodDirectPlay && source.DirectStreamURL != "" {
		return c.attachDirect(ctx, source.DirectStreamURL, target)
	}
	return c.startSequence(ctx, kindFor(source), target)
}

// negotiationFallback tries raw direct streaming once before surfacing the
// negotiation failure as fatal.
func (c *Controller) negotiationFallback(ctx context.Context, target float64, cause error) error {
	c.logger.Warn("negotiation failed, falling back to direct stream",
		slog.String("error", cause.Error()),
	)

	c.mu.Lock()
	mediaID := c.mediaID
	c.mu.Unlock()

	target = c.consumePendingSeek(target)

	url := c.api.DirectStreamURL(mediaID)
	if err := c.player.Attach(ctx, url, target); err != nil {
		return c.fatal(ErrorNegotiation, cause)
	}

	c.mu.Lock()
	c.source = &server.MediaSource{
		MediaID:         mediaID,
		PlayMethod:      server.PlayMethodDirectPlay,
		DirectStreamURL: url,
	}
	source := c.source
	c.state = StateDirectPlaying
	c.attachedJob = ""
	c.retryCount = 0
	c.timeline.SetOffset(0)
	c.mu.Unlock()

	c.emit(Event{Type: EventReady, Source: source})
	return nil
}

// attachDirect attaches the player to the original file bytes. A seek latched
// during initialization replaces the target, so direct playback lands where
// the caller last asked.
func (c *Controller) attachDirect(ctx context.Context, url string, target float64) error {
	target = c.consumePendingSeek(target)

	if err := c.player.Attach(ctx, url, target); err != nil {
		// The pipeline rejected the source outright; deliver via a full
		// transcode instead of failing the session.
		c.logger.Warn("direct attach rejected, falling back to transcode",
			slog.String("error", err.Error()),
		)
		return c.startSequence(ctx, server.TranscodeFull, target)
	}

	c.mu.Lock()
	c.state = StateDirectPlaying
	c.attachedJob = ""
	c.lastJob = nil
	c.retryCount = 0
	c.timeline.SetOffset(0)
	source := c.source
	c.mu.Unlock()

	c.emit(Event{Type: EventReady, Source: source})
	return nil
}

// consumePendingSeek replaces target with a seek latched while playback was
// not yet attached, clearing the latch.
func (c *Controller) consumePendingSeek(target float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingSeek != nil {
		target = *c.pendingSeek
		c.pendingSeek = nil
	}
	return target
}

// supersede begins a new transition toward target: it bumps the generation so
// stale flows abandon themselves and returns the job ids the new transition
// replaces.
func (c *Controller) supersede(next State, target float64) (gen uint64, attached, pending server.JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	attached = c.attachedJob
	pending = c.pendingJob
	c.attachedJob = ""
	c.pendingJob = ""
	c.lastJob = nil
	c.state = next
	c.startTarget = target
	return c.generation, attached, pending
}

func (c *Controller) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.generation || c.closed
}

// startSequence stops whatever job transition came before it, starts a job
// of the given kind at target, and waits for it to become ready.
func (c *Controller) startSequence(ctx context.Context, kind server.TranscodingType, target float64) error {
	gen, prevAttached, prevPending := c.supersede(StateJobStarting, target)
	c.stopJob(ctx, prevAttached)
	c.stopJob(ctx, prevPending)

	req, kind := c.buildStartRequest(kind, target)

	job, err := c.startJob(ctx, kind, req)
	if err != nil {
		if c.superseded(gen) {
			return nil
		}
		return c.fatal(ErrorJobStart, err)
	}

	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		c.stopJob(ctx, job.ID)
		return nil
	}
	c.pendingJob = job.ID
	c.currentKind = kind
	c.state = StateJobWaiting
	c.mu.Unlock()

	return c.waitForReady(ctx, gen, job, target)
}

// buildStartRequest assembles the start call from the current selections.
// Burn-in forces a full transcode and carries the subtitle stream index.
func (c *Controller) buildStartRequest(kind server.TranscodingType, target float64) (server.StartRequest, server.TranscodingType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := server.StartRequest{
		MediaID:          c.mediaID,
		AudioStreamIndex: c.audioIndex,
		StartTime:        target,
	}
	if c.burnIn && c.subtitleIndex != nil {
		kind = server.TranscodeFull
		idx := *c.subtitleIndex
		req.SubtitleStreamIndex = &idx
	}
	if kind == server.TranscodeFull && c.resolution != nil && !c.resolution.IsOriginal {
		req.MaxWidth = c.resolution.Width
		req.MaxHeight = c.resolution.Height
	}
	return req, kind
}

func (c *Controller) startJob(ctx context.Context, kind server.TranscodingType, req server.StartRequest) (*server.TranscodingJob, error) {
	switch kind {
	case server.TranscodeRemux:
		return c.api.StartRemux(ctx, req)
	case server.TranscodeAudioOnly:
		return c.api.StartAudioOnlyTranscode(ctx, req)
	default:
		return c.api.StartFullTranscode(ctx, req)
	}
}

// waitForReady polls job status until the output playlist is confirmed
// fetchable, a terminal failure is observed, or the wait window elapses.
// Status responses are validated against the job this wait was started for;
// anything else is a stale answer from a superseded job and is discarded.
func (c *Controller) waitForReady(ctx context.Context, gen uint64, job *server.TranscodingJob, target float64) error {
	deadline := time.Now().Add(c.jobsCfg.WaitTimeout)
	playlistURL := c.api.PlaylistURL(job.ID)
	probeAttempts := 0
	last := job

	for {
		if time.Now().After(deadline) {
			return c.transientFailure(ctx, gen, server.ErrJobTimeout, target)
		}
		if err := c.sleep(ctx, c.jobsCfg.PollInterval); err != nil {
			return err
		}
		if c.superseded(gen) {
			c.stopJob(context.WithoutCancel(ctx), job.ID)
			return nil
		}

		status, err := c.api.JobStatus(ctx, job.ID)
		if err != nil {
			if errors.Is(err, server.ErrJobNotFound) {
				return c.transientFailure(ctx, gen,
					fmt.Errorf("%w: %v", server.ErrJobCancelled, err), target)
			}
			c.logger.Warn("job status poll failed",
				slog.String("job_id", job.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if status.ID != job.ID {
			c.logger.Warn("discarding status for superseded job",
				slog.String("expected", job.ID.String()),
				slog.String("got", status.ID.String()),
			)
			continue
		}
		last = status

		switch {
		case status.Status == server.JobFailed:
			// The job's error message is surfaced verbatim.
			return c.fatalIfCurrent(gen, ErrorJobFailed,
				fmt.Errorf("%w: %s", server.ErrJobFailed, status.ErrorMessage))

		case status.Status == server.JobCancelled:
			return c.transientFailure(ctx, gen, server.ErrJobCancelled, target)

		case status.Status.Producing():
			probeAttempts++
			perr := c.prober.Ready(ctx, playlistURL)
			switch {
			case perr == nil:
				return c.attachJob(ctx, gen, last, target)
			case errors.Is(perr, playlist.ErrEmpty), errors.Is(perr, playlist.ErrMalformed):
				return c.transientFailure(ctx, gen,
					fmt.Errorf("%w: %v", server.ErrJobCancelled, perr), target)
			default:
				if probeAttempts >= c.jobsCfg.ReadinessAttempts {
					return c.transientFailure(ctx, gen,
						fmt.Errorf("%w: playlist never became fetchable", server.ErrJobTimeout), target)
				}
			}
		}
	}
}

// attachJob attaches the player to a ready job's output. A pending seek
// recorded while the job was starting replaces the original target, so the
// player lands at the intended absolute position without an extra seek.
func (c *Controller) attachJob(ctx context.Context, gen uint64, job *server.TranscodingJob, target float64) error {
	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		c.stopJob(ctx, job.ID)
		return nil
	}
	if c.pendingSeek != nil {
		target = *c.pendingSeek
		c.pendingSeek = nil
	}
	c.mu.Unlock()

	offset := target - job.StartTime
	if offset < 0 {
		offset = 0
	}

	if err := c.player.Attach(ctx, c.api.PlaylistURL(job.ID), offset); err != nil {
		return c.transientFailure(ctx, gen,
			fmt.Errorf("%w: attaching player: %v", server.ErrJobCancelled, err), target)
	}

	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		c.player.Detach()
		c.stopJob(ctx, job.ID)
		return nil
	}
	c.attachedJob = job.ID
	c.pendingJob = ""
	c.lastJob = job
	c.state = StateJobAttached
	c.retryCount = 0
	c.timeline.SetOffset(job.StartTime)
	source := c.source
	c.mu.Unlock()

	c.logger.Info("job attached",
		slog.String("job_id", job.ID.String()),
		slog.Float64("job_start", job.StartTime),
		slog.Float64("target", target),
	)
	c.emit(Event{Type: EventReady, Source: source})
	return nil
}

// transientFailure applies the retry policy to a cancelled/empty/timed-out
// job outcome: bounded backoff, then a fresh pass through negotiation.
func (c *Controller) transientFailure(ctx context.Context, gen uint64, cause error, target float64) error {
	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		return nil
	}
	pending := c.pendingJob
	c.pendingJob = ""

	if !c.retry.Allow(c.retryCount) {
		c.state = StateError
		c.mu.Unlock()
		c.stopJob(ctx, pending)
		c.emit(Event{Type: EventError, Kind: ErrorRetryLimit, Message: ErrRetriesExhausted.Error()})
		return fmt.Errorf("%w: %v", ErrRetriesExhausted, cause)
	}
	c.retryCount++
	attempt := c.retryCount
	c.state = StateInitializing
	c.mu.Unlock()

	c.stopJob(ctx, pending)

	delay := c.retry.Delay(attempt)
	c.logger.Warn("transient playback failure, retrying",
		slog.String("cause", cause.Error()),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", delay),
	)
	if err := c.sleep(ctx, delay); err != nil {
		return err
	}
	if c.superseded(gen) {
		return nil
	}
	return c.initialize(ctx, target)
}

// Seek moves playback to an absolute media time.
//
// Direct playback seeks the player in place. A seek arriving while a job is
// still starting is latched and applied on attach. With a job attached, the
// seek either lands inside the already-transcoded window (player-local seek)
// or restarts the job at the target: restarting re-invokes the remote
// encoder, so a safety margin keeps small forward seeks local.
func (c *Controller) Seek(ctx context.Context, target float64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	state := c.state

	switch state {
	case StateDirectPlaying:
		c.pendingSeek = nil
		c.mu.Unlock()
		return c.player.SeekRelative(target)

	case StateInitializing, StateJobStarting, StateJobWaiting:
		t := target
		c.pendingSeek = &t
		c.mu.Unlock()
		return nil

	case StateJobAttached:
		job := c.lastJob
		id := c.attachedJob
		c.mu.Unlock()

		if status, err := c.api.JobStatus(ctx, id); err == nil && status.ID == id {
			job = status
			c.mu.Lock()
			if c.attachedJob == id {
				c.lastJob = status
			}
			c.mu.Unlock()
		}

		threshold := c.seekCfg.RestartThreshold.Seconds()
		margin := c.seekCfg.SafetyMargin.Seconds()

		switch {
		case target < job.StartTime+threshold:
			return c.restartAt(ctx, target)
		case target <= job.End()-margin:
			return c.player.SeekRelative(target - job.StartTime)
		default:
			return c.restartAt(ctx, target)
		}

	default:
		c.mu.Unlock()
		return fmt.Errorf("cannot seek in state %s", state)
	}
}

// restartAt stops the current job and starts a new one of the same kind at
// the given absolute position.
func (c *Controller) restartAt(ctx context.Context, target float64) error {
	c.mu.Lock()
	kind := c.currentKind
	c.mu.Unlock()
	if kind == "" {
		kind = server.TranscodeFull
	}
	return c.startSequence(ctx, kind, target)
}

// SwitchAudio selects another audio stream. Direct playback tries the
// pipeline's native track selection first; everything else restarts delivery
// with the new stream index, superseding a start still in flight.
func (c *Controller) SwitchAudio(ctx context.Context, index int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.audioChosen && index == c.audioIndex {
		c.mu.Unlock()
		return nil
	}
	c.audioIndex = index
	c.audioChosen = true
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateDirectPlaying:
		if c.player.SelectAudioTrack(index) {
			return nil
		}
		// Container does not expose the track natively; remux with the
		// requested stream selected.
		return c.startSequence(ctx, server.TranscodeRemux, c.Position())

	case StateJobAttached:
		return c.restartAt(ctx, c.Position())

	case StateJobStarting, StateJobWaiting:
		// The selection supersedes the start in flight: the job being waited
		// on is stopped and a fresh one starts with the new stream.
		c.mu.Lock()
		target := c.startTarget
		if c.pendingSeek != nil {
			target = *c.pendingSeek
			c.pendingSeek = nil
		}
		c.mu.Unlock()
		return c.restartAt(ctx, target)

	default:
		// Not yet negotiated: the new index rides along on the next start.
		return nil
	}
}

// SwitchSubtitle selects a subtitle stream, or clears the selection with nil.
//
// Text-based tracks are delivered as a sidecar and never restart anything.
// Image-based tracks can only be rendered by burning them into the video, so
// they force a full transcode restarted at the current position.
func (c *Controller) SwitchSubtitle(ctx context.Context, index *int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if equalIntPtr(index, c.subtitleIndex) {
		c.mu.Unlock()
		return nil
	}

	if index == nil {
		wasBurnIn := c.burnIn
		c.subtitleIndex = nil
		c.burnIn = false
		state := c.state
		c.mu.Unlock()

		if wasBurnIn && state == StateJobAttached {
			return c.restartAt(ctx, c.Position())
		}
		return c.player.SetTextTrack(nil)
	}

	if c.source == nil {
		c.mu.Unlock()
		return errors.New("no active media source")
	}

	stream, ok := findStream(c.source.SubtitleStreams, *index)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("unknown subtitle stream %d", *index)
	}

	if codec.ParseSubtitle(stream.Codec).TextBased() {
		idx := *index
		c.subtitleIndex = &idx
		wasBurnIn := c.burnIn
		c.burnIn = false
		mediaID := c.mediaID
		state := c.state
		c.mu.Unlock()

		if wasBurnIn && state == StateJobAttached {
			// Leaving burn-in needs a clean video stream again.
			if err := c.restartAt(ctx, c.Position()); err != nil {
				return err
			}
		}
		return c.player.SetTextTrack(&player.TextTrack{
			URL:      c.api.SubtitleSidecarURL(mediaID, idx),
			Language: stream.Language,
			Label:    stream.Title,
		})
	}

	// Image-based.
	idx := *index
	c.subtitleIndex = &idx
	c.burnIn = true
	c.mu.Unlock()

	if err := c.player.SetTextTrack(nil); err != nil && !errors.Is(err, player.ErrNotAttached) {
		c.logger.Warn("clearing text track failed", slog.String("error", err.Error()))
	}
	return c.startSequence(ctx, server.TranscodeFull, c.Position())
}

// SwitchResolution selects a rung of the resolution ladder. A non-original
// rung forces transcoding via negotiation overrides; the original rung clears
// them. Either way playback is re-negotiated and resumes at the current
// position. Re-selecting the current rung is a no-op.
func (c *Controller) SwitchResolution(ctx context.Context, res server.Resolution) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if res.IsOriginal && c.resolution == nil {
		c.mu.Unlock()
		return nil
	}
	if c.resolution != nil && *c.resolution == res {
		c.mu.Unlock()
		return nil
	}

	if res.IsOriginal {
		c.resolution = nil
		c.overrides = server.Overrides{}
	} else {
		r := res
		c.resolution = &r
		c.overrides = server.Overrides{
			DisableDirectPlay:   true,
			DisableDirectStream: true,
			MaxWidth:            res.Width,
			MaxHeight:           res.Height,
		}
	}
	c.mu.Unlock()

	return c.reinitialize(ctx, c.Position())
}

// reinitialize supersedes any current delivery and runs a fresh negotiation,
// resuming at target.
func (c *Controller) reinitialize(ctx context.Context, target float64) error {
	_, prevAttached, prevPending := c.supersede(StateInitializing, target)
	c.stopJob(ctx, prevAttached)
	c.stopJob(ctx, prevPending)
	return c.initialize(ctx, target)
}

// ReportPlaybackError handles a decode failure from the media pipeline. The
// first failure on a direct source falls back to a full transcode at the
// current position; anything further is fatal.
func (c *Controller) ReportPlaybackError(ctx context.Context, cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.state == StateDirectPlaying && !c.elementFallback {
		c.elementFallback = true
		c.mu.Unlock()

		c.logger.Warn("pipeline rejected direct source, falling back to transcode",
			slog.String("error", cause.Error()),
		)
		return c.startSequence(ctx, server.TranscodeFull, c.Position())
	}
	c.mu.Unlock()
	return c.fatal(ErrorPlayback, cause)
}

// Close stops any attached or pending job, detaches the player, and ends the
// session. Idempotent.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.generation++
	attached := c.attachedJob
	pending := c.pendingJob
	c.attachedJob = ""
	c.pendingJob = ""
	c.state = StateClosed
	cancel := c.progressCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.stopJob(ctx, attached)
	c.stopJob(ctx, pending)
	c.player.Detach()

	c.emit(Event{Type: EventClosed})
	c.mu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.mu.Unlock()
	return nil
}

// stopJob best-effort stops a job so the server can reclaim its encoder.
// Failures are logged and never block the next transition.
func (c *Controller) stopJob(ctx context.Context, id server.JobID) {
	if id == "" {
		return
	}
	if err := c.api.StopJob(ctx, id); err != nil {
		c.logger.Warn("stopping job failed",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// fatal moves the session to the Error state and emits an error event.
func (c *Controller) fatal(kind ErrorKind, cause error) error {
	c.mu.Lock()
	c.state = StateError
	c.mu.Unlock()
	c.emit(Event{Type: EventError, Kind: kind, Message: cause.Error()})
	return cause
}

// fatalIfCurrent is fatal unless the flow has been superseded.
func (c *Controller) fatalIfCurrent(gen uint64, kind ErrorKind, cause error) error {
	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateError
	c.mu.Unlock()
	c.emit(Event{Type: EventError, Kind: kind, Message: cause.Error()})
	return cause
}

// emit delivers an event without blocking; a full channel drops the event.
// The send happens under mu so it can never race the channel close in Close.
func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping event", slog.String("type", string(ev.Type)))
	}
}

// runProgressReporter periodically reports the playback position so the
// server can maintain resume points.
func (c *Controller) runProgressReporter(ctx context.Context) {
	ticker := time.NewTicker(c.progressEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			state := c.state
			mediaID := c.mediaID
			source := c.source
			c.mu.Unlock()

			if source == nil || (state != StateDirectPlaying && state != StateJobAttached) {
				continue
			}
			if err := c.api.ReportProgress(ctx, mediaID, c.Position(), source.PlayMethod); err != nil {
				c.logger.Debug("progress report failed", slog.String("error", err.Error()))
			}
		}
	}
}

// kindFor derives the job kind from a negotiated source.
func kindFor(source *server.MediaSource) server.TranscodingType {
	switch {
	case source.TranscodingType != "":
		return source.TranscodingType
	case source.PlayMethod == server.PlayMethodDirectStream:
		return server.TranscodeRemux
	default:
		return server.TranscodeFull
	}
}

func findStream(streams []server.MediaStream, index int) (server.MediaStream, bool) {
	for _, s := range streams {
		if s.Index == index {
			return s, true
		}
	}
	return server.MediaStream{}, false
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
