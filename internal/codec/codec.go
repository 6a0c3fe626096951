// Package codec provides a unified codec registry for video, audio, and
// subtitle codecs. It consolidates codec definitions, aliases, and capability
// information used for direct-play negotiation and subtitle handling.
package codec

import "strings"

// Video represents a video codec.
type Video string

// Video codec constants.
const (
	VideoH264 Video = "h264" // H.264/AVC
	VideoH265 Video = "h265" // H.265/HEVC
	VideoVP8  Video = "vp8"  // VP8
	VideoVP9  Video = "vp9"  // VP9
	VideoAV1  Video = "av1"  // AV1
	// Legacy codecs (for detection, not encoding targets)
	VideoMPEG2 Video = "mpeg2"
	VideoMPEG4 Video = "mpeg4"
	VideoVC1   Video = "vc1"
)

// Audio represents an audio codec.
type Audio string

// Audio codec constants.
const (
	AudioAAC    Audio = "aac"    // AAC
	AudioMP3    Audio = "mp3"    // MP3
	AudioAC3    Audio = "ac3"    // Dolby Digital (AC-3)
	AudioEAC3   Audio = "eac3"   // Dolby Digital Plus (E-AC-3)
	AudioOpus   Audio = "opus"   // Opus
	AudioVorbis Audio = "vorbis" // Vorbis
	AudioFLAC   Audio = "flac"   // FLAC
	AudioDTS    Audio = "dts"    // DTS
	AudioTrueHD Audio = "truehd" // Dolby TrueHD
	AudioPCM    Audio = "pcm"    // PCM
)

// Subtitle represents a subtitle codec.
type Subtitle string

// Subtitle codec constants.
const (
	SubtitleSRT      Subtitle = "subrip" // SubRip text
	SubtitleASS      Subtitle = "ass"    // Advanced SubStation Alpha
	SubtitleSSA      Subtitle = "ssa"    // SubStation Alpha
	SubtitleVTT      Subtitle = "webvtt" // WebVTT
	SubtitleMov      Subtitle = "mov_text"
	SubtitlePGS      Subtitle = "hdmv_pgs_subtitle" // Blu-ray bitmap
	SubtitleDVB      Subtitle = "dvb_subtitle"      // DVB bitmap
	SubtitleDVD      Subtitle = "dvd_subtitle"      // DVD bitmap (VobSub)
	SubtitleXSub     Subtitle = "xsub"              // DivX bitmap
	SubtitleTeletext Subtitle = "dvb_teletext"
)

// Container represents a media container format.
type Container string

// Container format constants.
const (
	ContainerMP4    Container = "mp4"
	ContainerMKV    Container = "mkv"
	ContainerWebM   Container = "webm"
	ContainerMPEGTS Container = "mpegts"
	ContainerMP3    Container = "mp3"  // audio-only
	ContainerFLAC   Container = "flac" // audio-only
	ContainerOgg    Container = "ogg"  // audio-only
)

// String returns the string representation of the video codec.
func (v Video) String() string { return string(v) }

// String returns the string representation of the audio codec.
func (a Audio) String() string { return string(a) }

// String returns the string representation of the subtitle codec.
func (s Subtitle) String() string { return string(s) }

// String returns the string representation of the container.
func (c Container) String() string { return string(c) }

// videoAliases maps known alternate names to canonical video codecs.
var videoAliases = map[string]Video{
	"h264": VideoH264, "avc": VideoH264, "avc1": VideoH264, "x264": VideoH264,
	"h265": VideoH265, "hevc": VideoH265, "hev1": VideoH265, "hvc1": VideoH265, "x265": VideoH265,
	"vp8": VideoVP8, "vp08": VideoVP8,
	"vp9": VideoVP9, "vp09": VideoVP9,
	"av1": VideoAV1, "av01": VideoAV1,
	"mpeg2": VideoMPEG2, "mpeg2video": VideoMPEG2,
	"mpeg4": VideoMPEG4, "xvid": VideoMPEG4, "divx": VideoMPEG4,
	"vc1": VideoVC1, "wmv3": VideoVC1,
}

// audioAliases maps known alternate names to canonical audio codecs.
var audioAliases = map[string]Audio{
	"aac": AudioAAC, "mp4a": AudioAAC, "aac_latm": AudioAAC,
	"mp3": AudioMP3, "mpegaudio": AudioMP3, "mp2": AudioMP3,
	"ac3": AudioAC3, "ac-3": AudioAC3, "dolby": AudioAC3,
	"eac3": AudioEAC3, "e-ac-3": AudioEAC3, "ec-3": AudioEAC3, "ddp": AudioEAC3,
	"opus":   AudioOpus,
	"vorbis": AudioVorbis,
	"flac":   AudioFLAC,
	"dts": AudioDTS, "dca": AudioDTS,
	"truehd": AudioTrueHD,
	"pcm": AudioPCM, "pcm_s16le": AudioPCM, "pcm_s24le": AudioPCM, "lpcm": AudioPCM,
}

// textSubtitles is the set of subtitle codecs that can be converted to a
// sidecar text track and rendered without touching the video stream.
var textSubtitles = map[Subtitle]bool{
	SubtitleSRT: true,
	SubtitleASS: true,
	SubtitleSSA: true,
	SubtitleVTT: true,
	SubtitleMov: true,
}

// ParseVideo normalizes a video codec name. Returns false if unknown.
func ParseVideo(name string) (Video, bool) {
	v, ok := videoAliases[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

// ParseAudio normalizes an audio codec name. Returns false if unknown.
func ParseAudio(name string) (Audio, bool) {
	a, ok := audioAliases[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// ParseSubtitle normalizes a subtitle codec name.
// Unknown names are returned as-is so classification can stay conservative.
func ParseSubtitle(name string) Subtitle {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "srt", "subrip":
		return SubtitleSRT
	case "ass":
		return SubtitleASS
	case "ssa":
		return SubtitleSSA
	case "vtt", "webvtt":
		return SubtitleVTT
	case "mov_text", "tx3g":
		return SubtitleMov
	case "pgs", "pgssub", "hdmv_pgs_subtitle":
		return SubtitlePGS
	case "dvbsub", "dvb_subtitle":
		return SubtitleDVB
	case "dvdsub", "dvd_subtitle", "vobsub":
		return SubtitleDVD
	default:
		return Subtitle(n)
	}
}

// TextBased reports whether the subtitle codec can be delivered as a sidecar
// text track. Image-based codecs (PGS, DVB, VobSub) need server-side burn-in.
// Unknown codecs are treated as image-based so they go through the transcoder
// rather than silently rendering nothing.
func (s Subtitle) TextBased() bool {
	return textSubtitles[s]
}

// containerInfo describes which codecs a container can legally carry for the
// purposes of direct play.
type containerInfo struct {
	Name      Container
	Video     []Video
	Audio     []Audio
	AudioOnly bool
}

// containerRegistry lists the containers considered for direct play and the
// codec combinations each can carry.
var containerRegistry = []containerInfo{
	{
		Name:  ContainerMP4,
		Video: []Video{VideoH264, VideoH265, VideoAV1, VideoMPEG4},
		Audio: []Audio{AudioAAC, AudioMP3, AudioAC3, AudioEAC3, AudioFLAC, AudioOpus},
	},
	{
		Name:  ContainerMKV,
		Video: []Video{VideoH264, VideoH265, VideoVP8, VideoVP9, VideoAV1, VideoMPEG2, VideoMPEG4, VideoVC1},
		Audio: []Audio{AudioAAC, AudioMP3, AudioAC3, AudioEAC3, AudioOpus, AudioVorbis, AudioFLAC, AudioDTS, AudioTrueHD, AudioPCM},
	},
	{
		Name:  ContainerWebM,
		Video: []Video{VideoVP8, VideoVP9, VideoAV1},
		Audio: []Audio{AudioOpus, AudioVorbis},
	},
	{
		Name:  ContainerMPEGTS,
		Video: []Video{VideoH264, VideoH265, VideoMPEG2},
		Audio: []Audio{AudioAAC, AudioMP3, AudioAC3, AudioEAC3},
	},
	{
		Name:      ContainerMP3,
		Audio:     []Audio{AudioMP3},
		AudioOnly: true,
	},
	{
		Name:      ContainerFLAC,
		Audio:     []Audio{AudioFLAC},
		AudioOnly: true,
	},
	{
		Name:      ContainerOgg,
		Audio:     []Audio{AudioOpus, AudioVorbis},
		AudioOnly: true,
	},
}

// Containers returns the registered container descriptors.
func Containers() []ContainerSupport {
	out := make([]ContainerSupport, 0, len(containerRegistry))
	for _, ci := range containerRegistry {
		out = append(out, ContainerSupport{
			Container: ci.Name,
			Video:     append([]Video(nil), ci.Video...),
			Audio:     append([]Audio(nil), ci.Audio...),
			AudioOnly: ci.AudioOnly,
		})
	}
	return out
}

// ContainerSupport describes the codecs a container can carry.
type ContainerSupport struct {
	Container Container
	Video     []Video
	Audio     []Audio
	AudioOnly bool
}
