package profile

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelay/reelay/internal/codec"
	"github.com/reelay/reelay/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProfileIsMemoized(t *testing.T) {
	b := NewBuilder(config.PlaybackConfig{DisplayWidth: 1920, DisplayHeight: 1080}, "test-device", testLogger())

	p1 := b.Profile(context.Background())
	p2 := b.Profile(context.Background())
	require.NotNil(t, p1)
	assert.Same(t, p1, p2)
	assert.NotEmpty(t, p1.DeviceID)
	assert.Equal(t, "test-device", p1.DeviceName)
}

func TestBuildDirectPlayUnrestricted(t *testing.T) {
	b := NewBuilder(config.PlaybackConfig{}, "dev", testLogger())

	entries := b.buildDirectPlay()
	require.NotEmpty(t, entries)

	// With no decoder restriction, every registry container qualifies.
	assert.Len(t, entries, len(codec.Containers()))
}

func TestBuildDirectPlayRestrictedDecoders(t *testing.T) {
	b := NewBuilder(config.PlaybackConfig{
		VideoDecoders: []string{"h264"},
		AudioDecoders: []string{"aac", "mp3"},
	}, "dev", testLogger())

	entries := b.buildDirectPlay()
	require.NotEmpty(t, entries)

	for _, e := range entries {
		for _, v := range e.VideoCodecs {
			assert.Equal(t, codec.VideoH264, v)
		}
		for _, a := range e.AudioCodecs {
			assert.Contains(t, []codec.Audio{codec.AudioAAC, codec.AudioMP3}, a)
		}
		// WebM carries neither h264 nor aac/mp3, so it must be absent.
		assert.NotEqual(t, codec.ContainerWebM, e.Container)
		// FLAC is audio-only with no supported codec left.
		assert.NotEqual(t, codec.ContainerFLAC, e.Container)
	}
}

func TestBuildDirectPlayDecoderAliases(t *testing.T) {
	b := NewBuilder(config.PlaybackConfig{
		VideoDecoders: []string{"AVC", "hevc"},
		AudioDecoders: []string{"AC-3"},
	}, "dev", testLogger())

	set := decoderSet(b.cfg.VideoDecoders)
	assert.True(t, set["h264"])
	assert.True(t, set["h265"])

	audioSet := decoderSet(b.cfg.AudioDecoders)
	assert.True(t, audioSet["ac3"])
}

func TestBitDepthConstraints(t *testing.T) {
	b := NewBuilder(config.PlaybackConfig{ForceBitDepth8: true, DisplayWidth: 1920, DisplayHeight: 1080}, "dev", testLogger())

	p := b.Profile(context.Background())
	assert.False(t, p.BitDepth10)

	var found int
	for _, c := range p.Constraints {
		if c.MaxBitDepth == 8 {
			found++
		}
	}
	assert.Equal(t, 2, found, "h265 and av1 should carry 8-bit constraints")
}

func TestMaxStreamingBitrate(t *testing.T) {
	b := NewBuilder(config.PlaybackConfig{MaxBitrate: config.ByteSize(1000)}, "dev", testLogger())

	p := b.Profile(context.Background())
	assert.Equal(t, int64(8000), p.MaxStreamingBitrate)
}

func TestSupportsContainer(t *testing.T) {
	p := &DeviceProfile{
		DirectPlay: []DirectPlayEntry{
			{
				Container:   codec.ContainerMP4,
				VideoCodecs: []codec.Video{codec.VideoH264},
				AudioCodecs: []codec.Audio{codec.AudioAAC},
			},
			{
				Container:   codec.ContainerMP3,
				AudioCodecs: []codec.Audio{codec.AudioMP3},
				AudioOnly:   true,
			},
		},
	}

	assert.True(t, p.SupportsContainer(codec.ContainerMP4, codec.VideoH264, codec.AudioAAC))
	assert.False(t, p.SupportsContainer(codec.ContainerMP4, codec.VideoH265, codec.AudioAAC))
	assert.False(t, p.SupportsContainer(codec.ContainerMKV, codec.VideoH264, codec.AudioAAC))

	// Audio-only media has no video codec.
	assert.True(t, p.SupportsContainer(codec.ContainerMP3, "", codec.AudioMP3))
}

func TestEstimateResolutionUsesDisplayCeiling(t *testing.T) {
	b := NewBuilder(config.PlaybackConfig{DisplayWidth: 1280, DisplayHeight: 720}, "dev", testLogger())

	w, h := b.estimateResolution(context.Background())
	// The hardware ceiling can only lower the configured display size.
	assert.LessOrEqual(t, w, 1280)
	assert.LessOrEqual(t, h, 720)
}
