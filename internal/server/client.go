package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/reelay/reelay/internal/config"
	"github.com/reelay/reelay/internal/httpclient"
	"github.com/reelay/reelay/internal/profile"
	"github.com/reelay/reelay/internal/version"
)

// AuthHeader carries the API token on every request.
const AuthHeader = "X-Api-Token"

// Client talks to the media server's playback API. It is safe for
// concurrent use.
type Client struct {
	base   *url.URL
	token  string
	http   *httpclient.Client
	logger *slog.Logger
}

// NewClient creates a media server client from configuration.
func NewClient(cfg config.ServerConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("server base URL is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server base URL: %w", err)
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.Timeout
	hc.RetryAttempts = cfg.RetryAttempts
	hc.RetryDelay = cfg.RetryDelay
	hc.CircuitThreshold = cfg.CircuitBreakerThreshold
	hc.CircuitTimeout = cfg.CircuitBreakerTimeout
	hc.UserAgent = version.UserAgent()
	hc.DefaultHeaders = map[string]string{AuthHeader: cfg.APIToken}
	hc.Logger = logger

	return &Client{
		base:   base,
		token:  cfg.APIToken,
		http:   httpclient.New(hc),
		logger: logger,
	}, nil
}

// negotiateRequest is the wire shape of the decision call.
type negotiateRequest struct {
	MediaID       string                 `json:"media_id"`
	DeviceProfile *profile.DeviceProfile `json:"device_profile"`
	Overrides     Overrides              `json:"overrides"`
}

// Negotiate asks the server to choose a play method for the media given the
// device profile and overrides. Failures and empty responses both map to
// ErrNegotiation so the caller can apply its single fallback.
func (c *Client) Negotiate(ctx context.Context, mediaID string, prof *profile.DeviceProfile, ov Overrides) (*MediaSource, error) {
	var source MediaSource
	err := c.postJSON(ctx, "/api/playback/negotiate", negotiateRequest{
		MediaID:       mediaID,
		DeviceProfile: prof,
		Overrides:     ov,
	}, &source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	if source.PlayMethod == "" {
		return nil, fmt.Errorf("%w: server returned no sources", ErrNegotiation)
	}

	c.logger.Debug("playback negotiated",
		slog.String("media_id", mediaID),
		slog.String("play_method", string(source.PlayMethod)),
		slog.String("transcoding_type", string(source.TranscodingType)),
		slog.Any("transcode_reasons", source.TranscodeReasons),
	)
	return &source, nil
}

// StartRemux starts a container-rewrite job.
func (c *Client) StartRemux(ctx context.Context, req StartRequest) (*TranscodingJob, error) {
	return c.startJob(ctx, TranscodeRemux, req)
}

// StartAudioOnlyTranscode starts a job that re-encodes audio only.
func (c *Client) StartAudioOnlyTranscode(ctx context.Context, req StartRequest) (*TranscodingJob, error) {
	return c.startJob(ctx, TranscodeAudioOnly, req)
}

// StartFullTranscode starts a full video re-encode, optionally burning in the
// subtitle stream named by req.SubtitleStreamIndex.
func (c *Client) StartFullTranscode(ctx context.Context, req StartRequest) (*TranscodingJob, error) {
	return c.startJob(ctx, TranscodeFull, req)
}

func (c *Client) startJob(ctx context.Context, kind TranscodingType, req StartRequest) (*TranscodingJob, error) {
	var job TranscodingJob
	if err := c.postJSON(ctx, "/api/transcode/"+string(kind), req, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJobStart, err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: server returned no job id", ErrJobStart)
	}

	c.logger.Info("transcoding job started",
		slog.String("job_id", job.ID.String()),
		slog.String("kind", string(kind)),
		slog.String("request", req.String()),
	)
	return &job, nil
}

// JobStatus fetches the current snapshot of a job. A missing job maps to
// ErrJobNotFound, which callers treat like a cancellation.
func (c *Client) JobStatus(ctx context.Context, id JobID) (*TranscodingJob, error) {
	resp, err := c.http.Get(ctx, c.endpoint("/api/transcode/jobs/"+url.PathEscape(id.String())))
	if err != nil {
		return nil, fmt.Errorf("fetching job status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	default:
		return nil, fmt.Errorf("fetching job status: %s", httpError(resp))
	}

	var job TranscodingJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decoding job status: %w", err)
	}
	return &job, nil
}

// StopJob asks the server to stop a job and release its encoder. Stopping an
// already-gone job is not an error.
func (c *Client) StopJob(ctx context.Context, id JobID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.endpoint("/api/transcode/jobs/"+url.PathEscape(id.String())), nil)
	if err != nil {
		return fmt.Errorf("creating stop request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stopping job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusGone {
		return fmt.Errorf("stopping job: %s", httpError(resp))
	}
	return nil
}

// ReportProgress tells the server where playback currently is, so it can
// maintain resume positions and session bookkeeping.
func (c *Client) ReportProgress(ctx context.Context, mediaID string, position float64, method PlayMethod) error {
	body := map[string]any{
		"media_id":    mediaID,
		"position":    position,
		"play_method": method,
	}
	return c.postJSON(ctx, "/api/playback/progress", body, nil)
}

// PlaylistURL returns the fetchable HLS playlist URL for a job's output.
// Readiness is determined by probing, not by URL shape. The token rides in
// the query string because media pipelines cannot set request headers.
func (c *Client) PlaylistURL(id JobID) string {
	return c.streamURL("/api/transcode/jobs/" + url.PathEscape(id.String()) + "/index.m3u8")
}

// DirectStreamURL returns the URL serving the original file bytes.
func (c *Client) DirectStreamURL(mediaID string) string {
	return c.streamURL("/api/media/" + url.PathEscape(mediaID) + "/stream")
}

// SubtitleSidecarURL returns the URL of a subtitle stream converted to WebVTT.
func (c *Client) SubtitleSidecarURL(mediaID string, streamIndex int) string {
	return c.streamURL(fmt.Sprintf("/api/media/%s/subtitles/%d.vtt", url.PathEscape(mediaID), streamIndex))
}

// HTTPClient exposes the underlying resilient client for stream consumers.
func (c *Client) HTTPClient() *http.Client {
	return c.http.StandardClient()
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) streamURL(path string) string {
	u := c.endpoint(path)
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	return u
}

// postJSON posts a JSON body and decodes the JSON response into out (when
// out is non-nil).
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s", httpError(resp))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// httpError summarizes a non-2xx response, including a server-provided
// message when one exists.
func httpError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, payload.Error)
		}
		if payload.Message != "" {
			return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, payload.Message)
		}
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}
