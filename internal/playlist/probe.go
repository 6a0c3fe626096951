// Package playlist probes transcoding job output for readiness by fetching
// and parsing the HLS manifest.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// Probe outcomes.
var (
	// ErrNotReady indicates the manifest is not fetchable yet. Transient
	// while the job spins up.
	ErrNotReady = errors.New("playlist not ready")

	// ErrEmpty indicates a fetchable manifest with no segments or variants.
	// A job that stays in this state has lost its encoder.
	ErrEmpty = errors.New("playlist is empty")

	// ErrMalformed indicates the manifest could not be parsed.
	ErrMalformed = errors.New("playlist is malformed")
)

// Prober checks whether a job's output playlist is fetchable and non-empty.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewProber creates a playlist prober. perProbeTimeout bounds each fetch.
func NewProber(client *http.Client, perProbeTimeout time.Duration, logger *slog.Logger) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		client:  client,
		timeout: perProbeTimeout,
		logger:  logger,
	}
}

// Ready fetches the playlist once and classifies the result. nil means the
// playlist exists and references at least one segment or variant.
func (p *Prober) Ready(ctx context.Context, url string) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: HTTP %d", ErrNotReady, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrNotReady, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", ErrNotReady, err)
	}
	if len(data) == 0 {
		return ErrEmpty
	}

	return classify(data)
}

// classify parses manifest bytes and decides whether they reference output.
func classify(data []byte) error {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		// gohlslib refuses to parse a header-only manifest. A bare #EXTM3U
		// header with nothing to play is an empty playlist, not a malformed
		// one.
		if headerOnly(data) {
			return ErrEmpty
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch m := pl.(type) {
	case *playlist.Media:
		if len(m.Segments) == 0 {
			return ErrEmpty
		}
	case *playlist.Multivariant:
		if len(m.Variants) == 0 {
			return ErrEmpty
		}
	default:
		return fmt.Errorf("%w: unknown playlist type", ErrMalformed)
	}
	return nil
}

// headerOnly reports whether the manifest carries the #EXTM3U header but
// references no segments or variants.
func headerOnly(data []byte) bool {
	s := strings.TrimSpace(string(data))
	return strings.HasPrefix(s, "#EXTM3U") &&
		!strings.Contains(s, "#EXTINF") &&
		!strings.Contains(s, "#EXT-X-STREAM-INF")
}
