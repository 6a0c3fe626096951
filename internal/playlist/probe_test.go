package playlist

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mediaManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.000,
segment0.ts
#EXTINF:6.000,
segment1.ts
`

const emptyMediaManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
`

const multivariantManifest = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS="avc1.64001f,mp4a.40.2",RESOLUTION=1280x720
stream.m3u8
`

func probeServer(t *testing.T, status int, body string) (*Prober, string) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	p := NewProber(srv.Client(), time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return p, srv.URL
}

func TestReadyMediaPlaylist(t *testing.T) {
	p, url := probeServer(t, http.StatusOK, mediaManifest)
	assert.NoError(t, p.Ready(context.Background(), url))
}

func TestReadyMultivariantPlaylist(t *testing.T) {
	p, url := probeServer(t, http.StatusOK, multivariantManifest)
	assert.NoError(t, p.Ready(context.Background(), url))
}

func TestNotReadyOn404(t *testing.T) {
	p, url := probeServer(t, http.StatusNotFound, "")
	err := p.Ready(context.Background(), url)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestNotReadyOnServerError(t *testing.T) {
	p, url := probeServer(t, http.StatusInternalServerError, "")
	err := p.Ready(context.Background(), url)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestEmptyBody(t *testing.T) {
	p, url := probeServer(t, http.StatusOK, "")
	err := p.Ready(context.Background(), url)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEmptyMediaPlaylist(t *testing.T) {
	p, url := probeServer(t, http.StatusOK, emptyMediaManifest)
	err := p.Ready(context.Background(), url)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMalformedPlaylist(t *testing.T) {
	p, url := probeServer(t, http.StatusOK, "this is not a manifest")
	err := p.Ready(context.Background(), url)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnreachableServerIsNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewProber(http.DefaultClient, 200*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := p.Ready(context.Background(), url)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify([]byte(mediaManifest)))
	assert.ErrorIs(t, classify([]byte(emptyMediaManifest)), ErrEmpty)
	assert.ErrorIs(t, classify([]byte("junk")), ErrMalformed)
}
