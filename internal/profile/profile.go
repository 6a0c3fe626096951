// Package profile builds the immutable device capability profile used during
// playback negotiation: direct-play container/codec entries, codec
// constraints, display estimate, and wide-color flags.
package profile

import (
	"github.com/reelay/reelay/internal/codec"
)

// DirectPlayEntry declares one container the device can play natively,
// together with the codec sets that make it playable.
type DirectPlayEntry struct {
	Container   codec.Container `json:"container"`
	VideoCodecs []codec.Video   `json:"video_codecs,omitempty"`
	AudioCodecs []codec.Audio   `json:"audio_codecs,omitempty"`
	AudioOnly   bool            `json:"audio_only,omitempty"`
}

// Constraint limits a codec the device nominally supports.
// Zero values mean unconstrained.
type Constraint struct {
	Codec       string `json:"codec"`
	MaxLevel    int    `json:"max_level,omitempty"`
	MaxBitrate  int64  `json:"max_bitrate,omitempty"`
	MaxWidth    int    `json:"max_width,omitempty"`
	MaxHeight   int    `json:"max_height,omitempty"`
	MaxBitDepth int    `json:"max_bit_depth,omitempty"`
}

// DeviceProfile is the immutable capability description sent to the server
// during negotiation. Built once per process by Builder and never mutated.
type DeviceProfile struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`

	DirectPlay  []DirectPlayEntry `json:"direct_play"`
	Constraints []Constraint      `json:"constraints,omitempty"`

	// Display estimate.
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`

	// Wide-color capability.
	HDR10       bool `json:"hdr10"`
	DolbyVision bool `json:"dolby_vision"`
	// BitDepth10 defaults to true unless a negative signal exists: assuming
	// 8-bit on a capable device forces transcodes it does not need.
	BitDepth10 bool `json:"bit_depth_10"`

	// MaxStreamingBitrate caps negotiated bitrate in bits per second
	// (0 = unlimited).
	MaxStreamingBitrate int64 `json:"max_streaming_bitrate,omitempty"`
}

// SupportsContainer reports whether the profile has a direct-play entry for
// the container carrying the given codecs. Empty codec names are ignored
// (audio-only media has no video codec).
func (p *DeviceProfile) SupportsContainer(container codec.Container, video codec.Video, audio codec.Audio) bool {
	for _, e := range p.DirectPlay {
		if e.Container != container {
			continue
		}
		if video != "" && !containsVideo(e.VideoCodecs, video) {
			continue
		}
		if audio != "" && !containsAudio(e.AudioCodecs, audio) {
			continue
		}
		return true
	}
	return false
}

func containsVideo(set []codec.Video, v codec.Video) bool {
	for _, c := range set {
		if c == v {
			return true
		}
	}
	return false
}

func containsAudio(set []codec.Audio, a codec.Audio) bool {
	for _, c := range set {
		if c == a {
			return true
		}
	}
	return false
}
