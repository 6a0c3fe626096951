package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"

	gohlslib "github.com/bluenviron/gohlslib/v2"
	"github.com/bluenviron/gohlslib/v2/pkg/codecs"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

const videoClockRate = 90000

// HLSPlayer consumes an HLS stream with gohlslib and advances a relative
// playback clock from decoded presentation timestamps. It renders nothing;
// the session controller only needs the clock and the event feed.
type HLSPlayer struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	client    *gohlslib.Client
	events    chan Event
	attached  bool
	textTrack *TextTrack

	// clock is offset + the highest PTS observed, in seconds, rebased on
	// SeekRelative. Stored as float64 bits for lock-free reads.
	clockBase atomic.Uint64
	clockPTS  atomic.Uint64
	ptsAtBase atomic.Uint64
}

// NewHLSPlayer creates a player that fetches streams with client. A nil
// client falls back to http.DefaultClient.
func NewHLSPlayer(client *http.Client, logger *slog.Logger) *HLSPlayer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HLSPlayer{
		httpClient: client,
		logger:     logger,
	}
}

// Attach starts consuming the playlist at url with the clock starting at
// offset seconds.
func (p *HLSPlayer) Attach(ctx context.Context, url string, offset float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attached {
		p.detachLocked()
	}

	storeFloat(&p.clockBase, offset)
	storeFloat(&p.clockPTS, 0)
	storeFloat(&p.ptsAtBase, 0)

	events := make(chan Event, 8)
	var client *gohlslib.Client
	client = &gohlslib.Client{
		URI:        url,
		HTTPClient: p.httpClient,
		OnTracks: func(tracks []*gohlslib.Track) error {
			return p.onTracks(client, tracks, events)
		},
	}

	if err := client.Start(); err != nil {
		close(events)
		return fmt.Errorf("starting HLS client: %w", err)
	}

	p.client = client
	p.events = events
	p.attached = true

	p.logger.Debug("player attached",
		slog.String("url", url),
		slog.Float64("offset", offset),
	)

	go p.watch(client, events)
	return nil
}

// onTracks registers per-codec data callbacks so the clock advances with the
// stream, then reports readiness.
func (p *HLSPlayer) onTracks(client *gohlslib.Client, tracks []*gohlslib.Track, events chan Event) error {
	if len(tracks) == 0 {
		return errors.New("stream exposes no tracks")
	}

	for _, track := range tracks {
		switch codec := track.Codec.(type) {
		case *codecs.H264, *codecs.H265:
			client.OnDataH26x(track, func(pts int64, dts int64, au [][]byte) {
				p.advance(pts, videoClockRate)
			})

		case *codecs.MPEG4Audio:
			rate := audioClockRate(&codec.Config)
			client.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) {
				p.advance(pts, rate)
			})

		case *codecs.Opus:
			client.OnDataOpus(track, func(pts int64, packets [][]byte) {
				p.advance(pts, 48000)
			})

		default:
			p.logger.Warn("ignoring track with unsupported codec",
				slog.String("type", fmt.Sprintf("%T", codec)),
			)
		}
	}

	sendEvent(events, Event{Type: EventReady})
	return nil
}

// watch waits for the client to stop and translates the outcome into an
// event. It owns closing the event channel.
func (p *HLSPlayer) watch(client *gohlslib.Client, events chan Event) {
	err := client.Wait2()

	switch {
	case err == nil, errors.Is(err, gohlslib.ErrClientEOS):
		sendEvent(events, Event{Type: EventEnded})
	case errors.Is(err, context.Canceled):
	default:
		sendEvent(events, Event{Type: EventError, Err: err})
	}
	close(events)

	p.mu.Lock()
	if p.client == client {
		p.attached = false
		p.client = nil
	}
	p.mu.Unlock()
}

// advance moves the clock forward. PTS can jitter between tracks, so only
// forward movement is applied.
func (p *HLSPlayer) advance(pts int64, clockRate int) {
	if clockRate <= 0 {
		return
	}
	seconds := float64(pts) / float64(clockRate)
	for {
		cur := loadFloat(&p.clockPTS)
		if seconds <= cur {
			return
		}
		if p.clockPTS.CompareAndSwap(math.Float64bits(cur), math.Float64bits(seconds)) {
			return
		}
	}
}

// Detach stops consumption. Idempotent.
func (p *HLSPlayer) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detachLocked()
}

func (p *HLSPlayer) detachLocked() {
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.attached = false
	p.textTrack = nil
}

// SeekRelative rebases the clock to a position on the stream's timeline.
func (p *HLSPlayer) SeekRelative(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return ErrNotAttached
	}
	if seconds < 0 {
		seconds = 0
	}

	storeFloat(&p.clockBase, seconds)
	storeFloat(&p.ptsAtBase, loadFloat(&p.clockPTS))
	return nil
}

// Position returns the relative playback position in seconds.
func (p *HLSPlayer) Position() float64 {
	elapsed := loadFloat(&p.clockPTS) - loadFloat(&p.ptsAtBase)
	if elapsed < 0 {
		elapsed = 0
	}
	return loadFloat(&p.clockBase) + elapsed
}

// SelectAudioTrack always reports false: the HLS pipeline consumes the
// rendition chosen at attach time and cannot switch embedded tracks without
// reattaching.
func (p *HLSPlayer) SelectAudioTrack(index int) bool {
	return false
}

// SetTextTrack records the sidecar subtitle attachment for the current
// stream. A nil track clears it.
func (p *HLSPlayer) SetTextTrack(track *TextTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return ErrNotAttached
	}
	if track != nil && track.URL == "" {
		return errors.New("text track URL is required")
	}

	p.textTrack = track
	if track != nil {
		p.logger.Debug("text track attached",
			slog.String("url", track.URL),
			slog.String("language", track.Language),
		)
	}
	return nil
}

// TextTrack returns the currently attached sidecar subtitle track, or nil.
func (p *HLSPlayer) TextTrack() *TextTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.textTrack == nil {
		return nil
	}
	t := *p.textTrack
	return &t
}

// Events returns the event channel for the current attachment. Nil when
// never attached.
func (p *HLSPlayer) Events() <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events
}

// audioClockRate derives the PTS clock rate for an AAC track from its
// AudioSpecificConfig.
func audioClockRate(cfg *mpeg4audio.Config) int {
	if cfg == nil || cfg.SampleRate == 0 {
		return 48000
	}
	return cfg.SampleRate
}

// sendEvent delivers without blocking; a full channel drops the event, the
// consumer will observe the terminal state through channel close.
func sendEvent(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}

func storeFloat(a *atomic.Uint64, v float64) {
	a.Store(math.Float64bits(v))
}

func loadFloat(a *atomic.Uint64) float64 {
	return math.Float64frombits(a.Load())
}
