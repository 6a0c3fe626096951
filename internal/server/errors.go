package server

import "errors"

// Error taxonomy for playback negotiation and job lifecycle. The session
// controller keys its fallback and retry policy off these sentinels.
var (
	// ErrNegotiation indicates the decision endpoint failed or returned no
	// usable sources. Callers get one fallback to raw direct streaming.
	ErrNegotiation = errors.New("playback negotiation failed")

	// ErrJobStart indicates the server rejected a start call. Fatal.
	ErrJobStart = errors.New("transcoding job start rejected")

	// ErrJobFailed indicates the job reported status failed. Fatal; the
	// job's error message is attached verbatim.
	ErrJobFailed = errors.New("transcoding job failed")

	// ErrJobCancelled indicates the job reported status cancelled, or the
	// job resource is gone, or its output manifest is empty/malformed.
	// Retryable with bounded backoff.
	ErrJobCancelled = errors.New("transcoding job cancelled")

	// ErrJobTimeout indicates the job did not produce a fetchable playlist
	// within the wait window. Retryable with bounded backoff.
	ErrJobTimeout = errors.New("timed out waiting for transcoding job")

	// ErrJobNotFound indicates the server no longer knows the job id.
	ErrJobNotFound = errors.New("transcoding job not found")
)
