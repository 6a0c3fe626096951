package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelay/reelay/internal/config"
	"github.com/reelay/reelay/internal/player"
	"github.com/reelay/reelay/internal/playlist"
	"github.com/reelay/reelay/internal/profile"
	"github.com/reelay/reelay/internal/server"
)

type startCall struct {
	kind server.TranscodingType
	req  server.StartRequest
}

// fakeAPI is a scripted media server. Started jobs report running with 120s
// of transcoded output unless a test overrides statusFn.
type fakeAPI struct {
	mu           sync.Mutex
	source       *server.MediaSource
	negotiateErr error
	negotiations []server.Overrides
	starts       []startCall
	startErr     error
	jobSeq       int
	jobs         map[server.JobID]*server.TranscodingJob
	statusFn     func(id server.JobID) (*server.TranscodingJob, error)
	stops        []server.JobID
	stopErr      error
	transcoded   float64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		jobs:       make(map[server.JobID]*server.TranscodingJob),
		transcoded: 120,
		source: &server.MediaSource{
			MediaID:         "media-1",
			PlayMethod:      server.PlayMethodTranscode,
			TranscodingType: server.TranscodeFull,
			Duration:        3600,
			AudioStreams: []server.MediaStream{
				{Index: 1, Type: "audio", Codec: "aac", Language: "en", Default: true},
				{Index: 2, Type: "audio", Codec: "ac3", Language: "ja"},
			},
			SubtitleStreams: []server.MediaStream{
				{Index: 3, Type: "subtitle", Codec: "subrip", Language: "en"},
				{Index: 4, Type: "subtitle", Codec: "hdmv_pgs_subtitle", Language: "en"},
			},
			AvailableResolutions: []server.Resolution{
				{Width: 1920, Height: 1080, Label: "1080p", IsOriginal: true},
				{Width: 1280, Height: 720, Label: "720p"},
			},
		},
	}
}

func (a *fakeAPI) Negotiate(_ context.Context, _ string, _ *profile.DeviceProfile, ov server.Overrides) (*server.MediaSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.negotiations = append(a.negotiations, ov)
	if a.negotiateErr != nil {
		return nil, a.negotiateErr
	}
	src := *a.source
	if ov.DisableDirectPlay || ov.DisableDirectStream {
		src.PlayMethod = server.PlayMethodTranscode
		src.TranscodingType = server.TranscodeFull
		src.DirectStreamURL = ""
	}
	return &src, nil
}

func (a *fakeAPI) start(kind server.TranscodingType, req server.StartRequest) (*server.TranscodingJob, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts = append(a.starts, startCall{kind: kind, req: req})
	if a.startErr != nil {
		return nil, a.startErr
	}
	a.jobSeq++
	job := &server.TranscodingJob{
		ID:                 server.JobID(fmt.Sprintf("job-%d", a.jobSeq)),
		Status:             server.JobRunning,
		StartTime:          req.StartTime,
		TranscodedDuration: a.transcoded,
	}
	a.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

func (a *fakeAPI) StartRemux(_ context.Context, req server.StartRequest) (*server.TranscodingJob, error) {
	return a.start(server.TranscodeRemux, req)
}

func (a *fakeAPI) StartAudioOnlyTranscode(_ context.Context, req server.StartRequest) (*server.TranscodingJob, error) {
	return a.start(server.TranscodeAudioOnly, req)
}

func (a *fakeAPI) StartFullTranscode(_ context.Context, req server.StartRequest) (*server.TranscodingJob, error) {
	return a.start(server.TranscodeFull, req)
}

func (a *fakeAPI) JobStatus(_ context.Context, id server.JobID) (*server.TranscodingJob, error) {
	a.mu.Lock()
	fn := a.statusFn
	a.mu.Unlock()
	if fn != nil {
		return fn(id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[id]
	if !ok {
		return nil, server.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (a *fakeAPI) StopJob(_ context.Context, id server.JobID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stops = append(a.stops, id)
	return a.stopErr
}

func (a *fakeAPI) ReportProgress(context.Context, string, float64, server.PlayMethod) error {
	return nil
}

func (a *fakeAPI) PlaylistURL(id server.JobID) string {
	return "http://media.test/api/transcode/jobs/" + id.String() + "/index.m3u8"
}

func (a *fakeAPI) DirectStreamURL(mediaID string) string {
	return "http://media.test/api/media/" + mediaID + "/stream"
}

func (a *fakeAPI) SubtitleSidecarURL(mediaID string, idx int) string {
	return fmt.Sprintf("http://media.test/api/media/%s/subtitles/%d.vtt", mediaID, idx)
}

func (a *fakeAPI) startCalls() []startCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]startCall(nil), a.starts...)
}

func (a *fakeAPI) stopCalls() []server.JobID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]server.JobID(nil), a.stops...)
}

func (a *fakeAPI) negotiationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.negotiations)
}

type fakeProber struct {
	mu sync.Mutex
	fn func(url string) error
}

func (p *fakeProber) Ready(_ context.Context, url string) error {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(url)
}

type fakePlayer struct {
	mu           sync.Mutex
	attached     bool
	attachURL    string
	attachOffset float64
	attachErr    error
	position     float64
	relSeeks     []float64
	textTrack    *player.TextTrack
	nativeAudio  bool
}

func (p *fakePlayer) Attach(_ context.Context, url string, offset float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attachErr != nil {
		err := p.attachErr
		p.attachErr = nil
		return err
	}
	p.attached = true
	p.attachURL = url
	p.attachOffset = offset
	p.position = offset
	return nil
}

func (p *fakePlayer) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = false
}

func (p *fakePlayer) SeekRelative(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return player.ErrNotAttached
	}
	p.relSeeks = append(p.relSeeks, seconds)
	p.position = seconds
	return nil
}

func (p *fakePlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *fakePlayer) setPosition(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = seconds
}

func (p *fakePlayer) SelectAudioTrack(int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nativeAudio
}

func (p *fakePlayer) SetTextTrack(track *player.TextTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.textTrack = track
	return nil
}

func (p *fakePlayer) Events() <-chan player.Event { return nil }

func (p *fakePlayer) lastAttach() (string, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attachURL, p.attachOffset
}

func (p *fakePlayer) seeks() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.relSeeks...)
}

type staticProfiles struct{}

func (staticProfiles) Profile(context.Context) *profile.DeviceProfile {
	return &profile.DeviceProfile{DeviceID: "test-device"}
}

// gatedProfiles blocks Profile until the gate closes, holding the controller
// in the initializing state.
type gatedProfiles struct {
	gate chan struct{}
}

func (g gatedProfiles) Profile(context.Context) *profile.DeviceProfile {
	<-g.gate
	return &profile.DeviceProfile{DeviceID: "test-device"}
}

type testHarness struct {
	api    *fakeAPI
	prober *fakeProber
	player *fakePlayer
	ctrl   *Controller

	sleepMu sync.Mutex
	sleeps  []time.Duration
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		api:    newFakeAPI(),
		prober: &fakeProber{},
		player: &fakePlayer{},
	}

	ctrl, err := NewController(Options{
		API:      h.api,
		Profiles: staticProfiles{},
		Prober:   h.prober,
		Player:   h.player,
		Seek: config.SeekConfig{
			SafetyMargin:     2 * time.Second,
			RestartThreshold: 500 * time.Millisecond,
		},
		Jobs: config.JobsConfig{
			PollInterval:      time.Millisecond,
			WaitTimeout:       10 * time.Second,
			ReadinessAttempts: 20,
		},
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			BackoffBase: time.Second,
			BackoffCap:  8 * time.Second,
		},
	})
	require.NoError(t, err)

	// Record backoff delays instead of sleeping.
	ctrl.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleepMu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.sleepMu.Unlock()
		return ctx.Err()
	}
	h.ctrl = ctrl
	return h
}

// backoffs returns the recorded sleeps at or above the backoff base,
// filtering out poll-interval waits.
func (h *testHarness) backoffs() []time.Duration {
	h.sleepMu.Lock()
	defer h.sleepMu.Unlock()
	var out []time.Duration
	for _, d := range h.sleeps {
		if d >= time.Second {
			out = append(out, d)
		}
	}
	return out
}

func (h *testHarness) drainEvents() []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-h.ctrl.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPlayDirect(t *testing.T) {
	h := newHarness(t)
	h.api.source.PlayMethod = server.PlayMethodDirectPlay
	h.api.source.DirectStreamURL = "http://media.test/api/media/media-1/stream"

	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))

	assert.Equal(t, StateDirectPlaying, h.ctrl.State())
	assert.Empty(t, h.api.startCalls())
	url, offset := h.player.lastAttach()
	assert.Equal(t, "http://media.test/api/media/media-1/stream", url)
	assert.Zero(t, offset)

	events := h.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventReady, events[0].Type)
}

func TestPlayTranscodeAttaches(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))

	assert.Equal(t, StateJobAttached, h.ctrl.State())
	assert.Equal(t, server.JobID("job-1"), h.ctrl.AttachedJob())

	calls := h.api.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, server.TranscodeFull, calls[0].kind)
	assert.Equal(t, float64(0), calls[0].req.StartTime)
	// Preferred-language fallback: the default audio stream.
	assert.Equal(t, 1, calls[0].req.AudioStreamIndex)

	url, _ := h.player.lastAttach()
	assert.Contains(t, url, "job-1")
}

func TestNegotiationFallbackToDirect(t *testing.T) {
	h := newHarness(t)
	h.api.negotiateErr = server.ErrNegotiation

	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 42))

	assert.Equal(t, StateDirectPlaying, h.ctrl.State())
	url, offset := h.player.lastAttach()
	assert.Equal(t, "http://media.test/api/media/media-1/stream", url)
	assert.Equal(t, float64(42), offset)
}

func TestNegotiationFallbackFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.api.negotiateErr = server.ErrNegotiation
	h.player.attachErr = errors.New("decode rejected")

	err := h.ctrl.Play(context.Background(), "media-1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, server.ErrNegotiation)
	assert.Equal(t, StateError, h.ctrl.State())

	events := h.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, ErrorNegotiation, events[0].Kind)
}

// Scenario: job covers [0, 120); a seek to 100 is inside the safe window and
// must not start a new job.
func TestSeekWithinWindow(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))

	require.NoError(t, h.ctrl.Seek(context.Background(), 100))

	calls := h.api.startCalls()
	assert.Len(t, calls, 1, "no new job for an in-window seek")
	assert.Equal(t, []float64{100}, h.player.seeks())
	assert.Equal(t, server.JobID("job-1"), h.ctrl.AttachedJob())
}

// Scenario: job covers [0, 120); a seek to 200 is beyond the safe window and
// restarts at the target. Absolute position then reads through the new job's
// offset.
func TestSeekBeyondWindowRestarts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))

	require.NoError(t, h.ctrl.Seek(context.Background(), 200))

	calls := h.api.startCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, float64(200), calls[1].req.StartTime)
	assert.Equal(t, server.JobID("job-2"), h.ctrl.AttachedJob())
	assert.Equal(t, float64(200), h.ctrl.timeline.Offset())

	h.player.setPosition(5)
	assert.Equal(t, float64(205), h.ctrl.Position())
}

func TestSeekBeforeJobStartRestarts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 100))

	require.NoError(t, h.ctrl.Seek(context.Background(), 50))

	calls := h.api.startCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, float64(50), calls[1].req.StartTime)
}

func TestSeekWindowBoundaries(t *testing.T) {
	// Job covers [100, 220). Safe window is [100.5, 218].
	cases := []struct {
		name    string
		target  float64
		restart bool
	}{
		{"just inside threshold", 100.6, false},
		{"just below threshold", 100.4, true},
		{"at margin edge", 218, false},
		{"beyond margin edge", 218.5, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 100))
			require.NoError(t, h.ctrl.Seek(context.Background(), tc.target))

			calls := h.api.startCalls()
			if tc.restart {
				require.Len(t, calls, 2)
				assert.Equal(t, tc.target, calls[1].req.StartTime)
			} else {
				assert.Len(t, calls, 1)
			}
		})
	}
}

// A seek arriving while the job is still starting is latched and applied at
// attach time, not issued against a timeline that does not exist yet.
func TestPendingSeekAppliedOnAttach(t *testing.T) {
	h := newHarness(t)

	gate := make(chan struct{})
	h.prober.mu.Lock()
	h.prober.fn = func(string) error {
		select {
		case <-gate:
			return nil
		default:
			return playlist.ErrNotReady
		}
	}
	h.prober.mu.Unlock()
	h.ctrl.jobsCfg.ReadinessAttempts = 100000

	done := make(chan error, 1)
	go func() {
		done <- h.ctrl.Play(context.Background(), "media-1", 0)
	}()

	require.Eventually(t, func() bool {
		return h.ctrl.State() == StateJobWaiting
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.Seek(context.Background(), 300))
	close(gate)

	require.NoError(t, <-done)
	assert.Equal(t, StateJobAttached, h.ctrl.State())
	_, offset := h.player.lastAttach()
	assert.Equal(t, float64(300), offset)
	assert.Empty(t, h.player.seeks(), "no seek round-trip after attach")
}

// A seek latched during negotiation must also land when negotiation resolves
// to direct playback: the player attaches at the latched target and absolute
// time reads through the player again afterwards.
func TestPendingSeekAppliedOnDirectAttach(t *testing.T) {
	h := newHarness(t)
	h.api.source.PlayMethod = server.PlayMethodDirectPlay
	h.api.source.DirectStreamURL = "http://media.test/api/media/media-1/stream"

	gate := make(chan struct{})
	h.ctrl.profiles = gatedProfiles{gate: gate}

	done := make(chan error, 1)
	go func() {
		done <- h.ctrl.Play(context.Background(), "media-1", 0)
	}()

	require.Eventually(t, func() bool {
		return h.ctrl.State() == StateInitializing
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.Seek(context.Background(), 300))
	close(gate)

	require.NoError(t, <-done)
	assert.Equal(t, StateDirectPlaying, h.ctrl.State())
	_, offset := h.player.lastAttach()
	assert.Equal(t, float64(300), offset)

	// The latch is spent: absolute time follows the player from here on.
	h.player.setPosition(10)
	assert.Equal(t, float64(10), h.ctrl.Position())
}

// Scenario: an image-based subtitle under an audio-only transcode forces the
// next start to be a full transcode carrying the subtitle stream index; a
// text-based selection issues no start call at all.
func TestSubtitleSwitch(t *testing.T) {
	h := newHarness(t)
	h.api.source.TranscodingType = server.TranscodeAudioOnly
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))
	require.Equal(t, server.TranscodeAudioOnly, h.api.startCalls()[0].kind)

	t.Run("image-based forces full transcode with burn-in", func(t *testing.T) {
		idx := 4
		h.player.setPosition(30)
		require.NoError(t, h.ctrl.SwitchSubtitle(context.Background(), &idx))

		calls := h.api.startCalls()
		require.Len(t, calls, 2)
		assert.Equal(t, server.TranscodeFull, calls[1].kind)
		require.NotNil(t, calls[1].req.SubtitleStreamIndex)
		assert.Equal(t, 4, *calls[1].req.SubtitleStreamIndex)
		assert.Equal(t, float64(30), calls[1].req.StartTime)
	})

	t.Run("selecting the same track again is a no-op", func(t *testing.T) {
		idx := 4
		before := len(h.api.startCalls())
		require.NoError(t, h.ctrl.SwitchSubtitle(context.Background(), &idx))
		assert.Len(t, h.api.startCalls(), before)
	})

	t.Run("text-based switches to sidecar", func(t *testing.T) {
		idx := 3
		before := len(h.api.startCalls())
		require.NoError(t, h.ctrl.SwitchSubtitle(context.Background(), &idx))

		// Leaving burn-in restarts once for a clean video stream, then no
		// further job is involved.
		calls := h.api.startCalls()
		require.Len(t, calls, before+1)
		assert.Nil(t, calls[before].req.SubtitleStreamIndex)

		h.player.mu.Lock()
		track := h.player.textTrack
		h.player.mu.Unlock()
		require.NotNil(t, track)
		assert.Equal(t, "http://media.test/api/media/media-1/subtitles/3.vtt", track.URL)
	})
}

func TestTextSubtitleWithoutBurnInNoRestart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))

	idx := 3
	require.NoError(t, h.ctrl.SwitchSubtitle(context.Background(), &idx))

	assert.Len(t, h.api.startCalls(), 1, "sidecar track must not restart the job")
}

func TestSwitchAudioRestartsAtCurrentPosition(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))
	h.player.setPosition(55)

	require.NoError(t, h.ctrl.SwitchAudio(context.Background(), 2))

	calls := h.api.startCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, 2, calls[1].req.AudioStreamIndex)
	assert.Equal(t, float64(55), calls[1].req.StartTime)
	// Old job stopped before the new one took over.
	assert.Contains(t, h.api.stopCalls(), server.JobID("job-1"))
}

func TestSwitchAudioNativeSelection(t *testing.T) {
	h := newHarness(t)
	h.api.source.PlayMethod = server.PlayMethodDirectPlay
	h.api.source.DirectStreamURL = "http://media.test/api/media/media-1/stream"
	h.player.nativeAudio = true

	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))
	require.NoError(t, h.ctrl.SwitchAudio(context.Background(), 2))

	assert.Empty(t, h.api.startCalls(), "native selection must not involve a job")
	assert.Equal(t, StateDirectPlaying, h.ctrl.State())
}

// A switch arriving while the first job is still starting supersedes it: the
// job being waited on is stopped and a fresh start carries the new stream.
func TestSwitchAudioSupersedesPendingStart(t *testing.T) {
	h := newHarness(t)

	gate := make(chan struct{})
	h.prober.mu.Lock()
	h.prober.fn = func(string) error {
		select {
		case <-gate:
			return nil
		default:
			return playlist.ErrNotReady
		}
	}
	h.prober.mu.Unlock()
	h.ctrl.jobsCfg.ReadinessAttempts = 100000

	playDone := make(chan error, 1)
	go func() {
		playDone <- h.ctrl.Play(context.Background(), "media-1", 40)
	}()

	require.Eventually(t, func() bool {
		return h.ctrl.State() == StateJobWaiting
	}, 5*time.Second, time.Millisecond)

	switchDone := make(chan error, 1)
	go func() {
		switchDone <- h.ctrl.SwitchAudio(context.Background(), 2)
	}()

	require.Eventually(t, func() bool {
		return len(h.api.startCalls()) == 2
	}, 5*time.Second, time.Millisecond)
	close(gate)

	require.NoError(t, <-playDone)
	require.NoError(t, <-switchDone)

	calls := h.api.startCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, 2, calls[1].req.AudioStreamIndex)
	assert.Equal(t, float64(40), calls[1].req.StartTime)
	assert.Equal(t, server.JobID("job-2"), h.ctrl.AttachedJob())
	assert.Contains(t, h.api.stopCalls(), server.JobID("job-1"))
}

// When the pipeline cannot switch embedded tracks, direct playback moves to a
// remux job carrying the requested stream instead of silently doing nothing.
func TestSwitchAudioDirectFallbackStartsRemux(t *testing.T) {
	h := newHarness(t)
	h.api.source.PlayMethod = server.PlayMethodDirectPlay
	h.api.source.DirectStreamURL = "http://media.test/api/media/media-1/stream"

	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))
	h.player.setPosition(25)

	require.NoError(t, h.ctrl.SwitchAudio(context.Background(), 2))

	calls := h.api.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, server.TranscodeRemux, calls[0].kind)
	assert.Equal(t, 2, calls[0].req.AudioStreamIndex)
	assert.Equal(t, float64(25), calls[0].req.StartTime)
	assert.Equal(t, StateJobAttached, h.ctrl.State())
}

func TestSwitchResolution(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))
	h.player.setPosition(80)

	res := server.Resolution{Width: 1280, Height: 720, Label: "720p"}
	require.NoError(t, h.ctrl.SwitchResolution(context.Background(), res))

	a := h.api
	a.mu.Lock()
	last := a.negotiations[len(a.negotiations)-1]
	a.mu.Unlock()
	assert.True(t, last.DisableDirectPlay)
	assert.True(t, last.DisableDirectStream)
	assert.Equal(t, 1280, last.MaxWidth)

	calls := h.api.startCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, float64(80), calls[1].req.StartTime)
	assert.Equal(t, 1280, calls[1].req.MaxWidth)

	t.Run("re-selecting the same resolution is a no-op", func(t *testing.T) {
		before := len(h.api.startCalls())
		require.NoError(t, h.ctrl.SwitchResolution(context.Background(), res))
		assert.Len(t, h.api.startCalls(), before)
	})

	t.Run("original clears the override", func(t *testing.T) {
		require.NoError(t, h.ctrl.SwitchResolution(context.Background(), server.Resolution{
			Width: 1920, Height: 1080, Label: "1080p", IsOriginal: true,
		}))
		a.mu.Lock()
		last := a.negotiations[len(a.negotiations)-1]
		a.mu.Unlock()
		assert.False(t, last.DisableDirectPlay)
		assert.Zero(t, last.MaxWidth)
	})
}

func TestOriginalResolutionIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))

	before := h.api.negotiationCount()
	require.NoError(t, h.ctrl.SwitchResolution(context.Background(), server.Resolution{
		Width: 1920, Height: 1080, IsOriginal: true,
	}))
	assert.Equal(t, before, h.api.negotiationCount())
}

// Scenario: every started job reports cancelled. The controller backs off
// 1s, 2s, 4s between attempts and then fails for good.
func TestRetryBoundOnRepeatedCancellation(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.statusFn = func(id server.JobID) (*server.TranscodingJob, error) {
		return &server.TranscodingJob{ID: id, Status: server.JobCancelled}, nil
	}
	h.api.mu.Unlock()

	err := h.ctrl.Play(context.Background(), "media-1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateError, h.ctrl.State())

	assert.Equal(t,
		[]time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		h.backoffs(),
	)
	assert.Len(t, h.api.startCalls(), 4, "initial attempt plus three retries, then no more")

	events := h.drainEvents()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, ErrorRetryLimit, last.Kind)
	assert.Equal(t, "playback failed after multiple retries", last.Message)
}

func TestJobFailedIsFatalWithVerbatimMessage(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.statusFn = func(id server.JobID) (*server.TranscodingJob, error) {
		return &server.TranscodingJob{
			ID:           id,
			Status:       server.JobFailed,
			ErrorMessage: "encoder exited with code 187",
		}, nil
	}
	h.api.mu.Unlock()

	err := h.ctrl.Play(context.Background(), "media-1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, server.ErrJobFailed)
	assert.Contains(t, err.Error(), "encoder exited with code 187")
	assert.Len(t, h.api.startCalls(), 1, "failed is fatal, not retried")

	events := h.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, ErrorJobFailed, events[0].Kind)
	assert.Contains(t, events[0].Message, "encoder exited with code 187")
}

func TestEmptyPlaylistGoesThroughRetry(t *testing.T) {
	h := newHarness(t)

	var calls int
	var mu sync.Mutex
	h.prober.mu.Lock()
	h.prober.fn = func(string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return playlist.ErrEmpty
		}
		return nil
	}
	h.prober.mu.Unlock()

	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))

	assert.Equal(t, StateJobAttached, h.ctrl.State())
	assert.Len(t, h.api.startCalls(), 2, "one retry after the empty playlist")
	assert.Equal(t, []time.Duration{time.Second}, h.backoffs())
}

func TestStaleStatusResponseDiscarded(t *testing.T) {
	h := newHarness(t)

	var calls int
	var mu sync.Mutex
	h.api.mu.Lock()
	h.api.statusFn = func(id server.JobID) (*server.TranscodingJob, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			// Answer for a job this wait never started.
			return &server.TranscodingJob{ID: "job-stale", Status: server.JobCancelled}, nil
		}
		return &server.TranscodingJob{ID: id, Status: server.JobRunning, TranscodedDuration: 120}, nil
	}
	h.api.mu.Unlock()

	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))

	assert.Equal(t, StateJobAttached, h.ctrl.State())
	assert.Len(t, h.api.startCalls(), 1, "the stale cancelled answer must not trigger a retry")
}

func TestStopFailureDoesNotBlockRestart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))

	h.api.mu.Lock()
	h.api.stopErr = errors.New("stop endpoint unreachable")
	h.api.mu.Unlock()

	require.NoError(t, h.ctrl.Seek(context.Background(), 500))

	assert.Equal(t, StateJobAttached, h.ctrl.State())
	assert.Equal(t, server.JobID("job-2"), h.ctrl.AttachedJob())
}

func TestJobStartErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.api.startErr = server.ErrJobStart

	err := h.ctrl.Play(context.Background(), "media-1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, server.ErrJobStart)
	assert.Equal(t, StateError, h.ctrl.State())
}

func TestPlaybackErrorFallsBackToTranscodeOnce(t *testing.T) {
	h := newHarness(t)
	h.api.source.PlayMethod = server.PlayMethodDirectPlay
	h.api.source.DirectStreamURL = "http://media.test/api/media/media-1/stream"
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))
	h.player.setPosition(25)

	require.NoError(t, h.ctrl.ReportPlaybackError(context.Background(), errors.New("codec not supported")))

	calls := h.api.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, server.TranscodeFull, calls[0].kind)
	assert.Equal(t, float64(25), calls[0].req.StartTime)
	assert.Equal(t, StateJobAttached, h.ctrl.State())
}

// Invariant: while a job is attached, absolute time always reads as the
// job's start offset plus the player's relative clock.
func TestTimelineInvariant(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))
	require.NoError(t, h.ctrl.Seek(context.Background(), 600))

	for _, rel := range []float64{0, 1.5, 30, 119} {
		h.player.setPosition(rel)
		assert.InDelta(t, 600+rel, h.ctrl.Position(), 0.001)
	}
}

// Racing event emission against Close must never send on the closed channel.
func TestEmitDuringCloseDoesNotPanic(t *testing.T) {
	for range 500 {
		h := newHarness(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 20 {
				h.ctrl.emit(Event{Type: EventReady})
			}
		}()
		go func() {
			defer wg.Done()
			h.ctrl.Close(context.Background())
		}()
		wg.Wait()
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Play(context.Background(), "media-1", 0))

	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.Equal(t, StateClosed, h.ctrl.State())
	assert.Contains(t, h.api.stopCalls(), server.JobID("job-1"))

	events := h.drainEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, EventClosed, events[len(events)-1].Type)

	// Idempotent, and commands are rejected afterwards.
	require.NoError(t, h.ctrl.Close(context.Background()))
	assert.ErrorIs(t, h.ctrl.Seek(context.Background(), 10), ErrSessionClosed)
}
