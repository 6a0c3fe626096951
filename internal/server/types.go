// Package server implements the authenticated client for the media server's
// playback API: negotiation, transcoding job lifecycle, and stream URLs.
package server

import "fmt"

// PlayMethod is the delivery method chosen for a playback attempt.
type PlayMethod string

// Play methods.
const (
	PlayMethodDirectPlay   PlayMethod = "DirectPlay"
	PlayMethodDirectStream PlayMethod = "DirectStream"
	PlayMethodTranscode    PlayMethod = "Transcode"
)

// TranscodingType selects what the transcoding job rewrites.
type TranscodingType string

// Transcoding types.
const (
	// TranscodeRemux repackages the container without re-encoding.
	TranscodeRemux TranscodingType = "remux"
	// TranscodeAudioOnly re-encodes audio and copies video.
	TranscodeAudioOnly TranscodingType = "audio"
	// TranscodeFull re-encodes video and audio, optionally burning subtitles.
	TranscodeFull TranscodingType = "full"
)

// Resolution is one rung of the server's resolution ladder.
type Resolution struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Label      string `json:"label"`
	IsOriginal bool   `json:"is_original"`
}

// MediaStream describes one elementary stream within the media file.
type MediaStream struct {
	Index    int    `json:"index"`
	Type     string `json:"type"` // video, audio, subtitle
	Codec    string `json:"codec"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title,omitempty"`
	Default  bool   `json:"default,omitempty"`
	Forced   bool   `json:"forced,omitempty"`
	Channels int    `json:"channels,omitempty"`
}

// MediaSource is the server-issued descriptor for one playback attempt.
// It is superseded by a new MediaSource whenever resolution or direct mode
// is re-negotiated.
type MediaSource struct {
	MediaID    string     `json:"media_id"`
	PlayMethod PlayMethod `json:"play_method"`

	// Duration of the media in seconds.
	Duration float64 `json:"duration"`

	Container  string `json:"container,omitempty"`
	VideoCodec string `json:"video_codec,omitempty"`
	AudioCodec string `json:"audio_codec,omitempty"`

	// DirectStreamURL is set when PlayMethod is DirectPlay or DirectStream.
	DirectStreamURL string `json:"direct_stream_url,omitempty"`

	TranscodingType  TranscodingType `json:"transcoding_type,omitempty"`
	TranscodeReasons []string        `json:"transcode_reasons,omitempty"`

	AvailableResolutions []Resolution  `json:"available_resolutions,omitempty"`
	AudioStreams         []MediaStream `json:"audio_streams,omitempty"`
	SubtitleStreams      []MediaStream `json:"subtitle_streams,omitempty"`
}

// JobID identifies a remote transcoding job.
type JobID string

// String implements fmt.Stringer.
func (j JobID) String() string { return string(j) }

// JobStatus is the lifecycle state of a remote transcoding job.
type JobStatus string

// Job statuses.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the job can make no further progress.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Producing returns true if the job's output playlist may be fetchable.
func (s JobStatus) Producing() bool {
	return s == JobRunning || s == JobCompleted
}

// TranscodingJob is the client-visible snapshot of a remote job, obtained
// through polling. The job's output timeline always starts at relative time
// zero regardless of StartTime.
type TranscodingJob struct {
	ID     JobID     `json:"id"`
	Status JobStatus `json:"status"`

	ProgressPercent float64 `json:"progress_percent"`

	// StartTime is the absolute media offset in seconds at which the job's
	// output begins.
	StartTime float64 `json:"start_time"`

	// TranscodedDuration is the seconds of output produced so far, relative
	// to StartTime.
	TranscodedDuration float64 `json:"transcoded_duration"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// End returns the absolute media time up to which output exists.
func (j *TranscodingJob) End() float64 {
	return j.StartTime + j.TranscodedDuration
}

// Overrides force or forbid delivery methods during negotiation. The zero
// value permits everything.
type Overrides struct {
	DisableDirectPlay   bool  `json:"disable_direct_play,omitempty"`
	DisableDirectStream bool  `json:"disable_direct_stream,omitempty"`
	DisableTranscoding  bool  `json:"disable_transcoding,omitempty"`
	MaxWidth            int   `json:"max_width,omitempty"`
	MaxHeight           int   `json:"max_height,omitempty"`
	MaxBitrate          int64 `json:"max_bitrate,omitempty"`
}

// StartRequest carries the parameters for starting a transcoding job.
type StartRequest struct {
	MediaID string `json:"media_id"`

	// AudioStreamIndex selects the audio elementary stream.
	AudioStreamIndex int `json:"audio_stream_index"`

	// SubtitleStreamIndex is set only when subtitle burn-in is required.
	SubtitleStreamIndex *int `json:"subtitle_stream_index,omitempty"`

	// StartTime is the absolute media offset in seconds where output begins.
	StartTime float64 `json:"start_time"`

	// Resolution ceiling for full transcodes (0 = source resolution).
	MaxWidth  int `json:"max_width,omitempty"`
	MaxHeight int `json:"max_height,omitempty"`
}

func (r StartRequest) String() string {
	return fmt.Sprintf("media=%s audio=%d start=%.1fs", r.MediaID, r.AudioStreamIndex, r.StartTime)
}
