package profile

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/reelay/reelay/internal/codec"
	"github.com/reelay/reelay/internal/config"
)

// Resolution ceilings used by the hardware heuristic.
const (
	width4K    = 3840
	height4K   = 2160
	width1080p = 1920
	height1080 = 1080
	width720p  = 1280
	height720  = 720
)

// Heuristic thresholds: decoding 4K in software needs a reasonably beefy
// machine, 1080p much less so.
const (
	cores4K     = 8
	memory4K    = 8 << 30
	cores1080p  = 4
	memory1080p = 2 << 30
)

// Builder constructs the DeviceProfile. The profile is probed lazily on
// first use and memoized for the process lifetime; callers receive a
// read-only value.
type Builder struct {
	cfg    config.PlaybackConfig
	name   string
	logger *slog.Logger

	once    sync.Once
	profile *DeviceProfile
}

// NewBuilder creates a profile builder from playback configuration.
func NewBuilder(cfg config.PlaybackConfig, deviceName string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:    cfg,
		name:   deviceName,
		logger: logger,
	}
}

// Profile returns the device profile, probing the environment on first call.
// Probing has no error conditions: absent capabilities simply yield fewer
// direct-play entries.
func (b *Builder) Profile(ctx context.Context) *DeviceProfile {
	b.once.Do(func() {
		b.profile = b.build(ctx)
	})
	return b.profile
}

func (b *Builder) build(ctx context.Context) *DeviceProfile {
	p := &DeviceProfile{
		DeviceID:            uuid.NewString(),
		DeviceName:          b.name,
		HDR10:               b.cfg.HDR10,
		DolbyVision:         b.cfg.DolbyVision,
		BitDepth10:          !b.cfg.ForceBitDepth8,
		MaxStreamingBitrate: b.cfg.MaxBitrate.BitsPerSecond(),
	}

	p.MaxWidth, p.MaxHeight = b.estimateResolution(ctx)
	p.DirectPlay = b.buildDirectPlay()

	if !p.BitDepth10 {
		p.Constraints = append(p.Constraints, Constraint{Codec: codec.VideoH265.String(), MaxBitDepth: 8})
		p.Constraints = append(p.Constraints, Constraint{Codec: codec.VideoAV1.String(), MaxBitDepth: 8})
	}
	if p.MaxWidth > 0 {
		for _, v := range []codec.Video{codec.VideoH264, codec.VideoH265, codec.VideoVP9, codec.VideoAV1} {
			p.Constraints = append(p.Constraints, Constraint{
				Codec:     v.String(),
				MaxWidth:  p.MaxWidth,
				MaxHeight: p.MaxHeight,
			})
		}
	}

	b.logger.Info("device profile built",
		slog.String("device_id", p.DeviceID),
		slog.Int("direct_play_entries", len(p.DirectPlay)),
		slog.Int("max_width", p.MaxWidth),
		slog.Int("max_height", p.MaxHeight),
		slog.Bool("bit_depth_10", p.BitDepth10),
	)

	return p
}

// buildDirectPlay intersects the codec registry with the configured decoder
// set. A container qualifies only when it has both a supported video codec
// and a supported audio codec, or is audio-only with a supported audio codec.
func (b *Builder) buildDirectPlay() []DirectPlayEntry {
	videoSet := decoderSet(b.cfg.VideoDecoders)
	audioSet := decoderSet(b.cfg.AudioDecoders)

	var entries []DirectPlayEntry
	for _, cs := range codec.Containers() {
		var videos []codec.Video
		for _, v := range cs.Video {
			if videoSet == nil || videoSet[v.String()] {
				videos = append(videos, v)
			}
		}
		var audios []codec.Audio
		for _, a := range cs.Audio {
			if audioSet == nil || audioSet[a.String()] {
				audios = append(audios, a)
			}
		}

		if cs.AudioOnly {
			if len(audios) > 0 {
				entries = append(entries, DirectPlayEntry{
					Container:   cs.Container,
					AudioCodecs: audios,
					AudioOnly:   true,
				})
			}
			continue
		}

		if len(videos) > 0 && len(audios) > 0 {
			entries = append(entries, DirectPlayEntry{
				Container:   cs.Container,
				VideoCodecs: videos,
				AudioCodecs: audios,
			})
		}
	}
	return entries
}

// estimateResolution combines the configured display metrics with a hardware
// heuristic: a display can be larger than what the machine can decode.
func (b *Builder) estimateResolution(ctx context.Context) (int, int) {
	width := b.cfg.DisplayWidth
	height := b.cfg.DisplayHeight
	if width <= 0 || height <= 0 {
		width, height = width1080p, height1080
	}

	hwWidth, hwHeight := decodeCeiling(ctx, b.logger)
	if hwWidth < width {
		width, height = hwWidth, hwHeight
	}
	return width, height
}

// decodeCeiling estimates the largest resolution this machine can decode in
// software, from logical core count and physical memory.
func decodeCeiling(ctx context.Context, logger *slog.Logger) (int, int) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		logger.Debug("cpu probe failed, assuming 1080p ceiling", slog.String("error", err.Error()))
		return width1080p, height1080
	}

	var totalMem uint64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		totalMem = vm.Total
	}

	switch {
	case cores >= cores4K && totalMem >= memory4K:
		return width4K, height4K
	case cores >= cores1080p && totalMem >= memory1080p:
		return width1080p, height1080
	default:
		return width720p, height720
	}
}

// decoderSet normalizes a configured decoder list into a lookup set.
// A nil return means no restriction was configured.
func decoderSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if v, ok := codec.ParseVideo(n); ok {
			set[v.String()] = true
			continue
		}
		if a, ok := codec.ParseAudio(n); ok {
			set[a.String()] = true
			continue
		}
		set[n] = true
	}
	return set
}
