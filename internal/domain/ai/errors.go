package ai

import "errors"

// ErrQuotaExceeded indicates the AI provider returned a quota/limit error (HTTP 429 or similar).
var ErrQuotaExceeded = errors.New("ai quota exceeded")

// ErrTransportUnavailable means the model or OCR endpoint could not be reached.
// It is the only condition retried, and only before any fragment was received.
var ErrTransportUnavailable = errors.New("transport unavailable")

// ErrTimeout covers both the inactivity window of a stream and hard request deadlines.
var ErrTimeout = errors.New("timeout")

// ErrPayloadTooLarge is returned at the boundary, before any remote call.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrUnrecognizedFormat is returned for content that is not a supported image.
var ErrUnrecognizedFormat = errors.New("unrecognized format")

// ErrCancelled marks user-initiated cancellation. Not reported as a failure.
var ErrCancelled = errors.New("cancelled")

// ErrPartialCombine wraps summary/statistics failures attached to an otherwise
// successful combined report.
var ErrPartialCombine = errors.New("partial combine failure")

// Retryable reports whether err may be retried before streaming has begun.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransportUnavailable)
}
