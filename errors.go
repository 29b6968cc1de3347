package roadsentry

import "errors"

// ErrMediaDecode is returned when uploaded media cannot be decoded into frames.
// No tasks are dispatched for the job in that case.
var ErrMediaDecode = errors.New("roadsentry: media decode failed")

// ErrInfraUnavailable marks a queue/store connectivity failure. The Retrier
// recovers from it transparently instead of surfacing it per request.
var ErrInfraUnavailable = errors.New("roadsentry: infrastructure unavailable")

// ErrWorkerTransient marks a detection failure that should be recovered via
// queue redelivery.
var ErrWorkerTransient = errors.New("roadsentry: transient worker failure")

// ErrWorkerFatal marks a detection failure that will never succeed on retry.
// The runner records a FAILED result instead of requeueing.
var ErrWorkerFatal = errors.New("roadsentry: fatal worker failure")

// ErrUnknownKey is returned by the auth gate for an API key it does not know.
var ErrUnknownKey = errors.New("roadsentry: unknown api key")

// ErrRateLimited is returned when a key exceeds its per-window request quota.
var ErrRateLimited = errors.New("roadsentry: rate limit exceeded")

// ErrUnknownKind is returned when a kind outside the closed set is used.
var ErrUnknownKind = errors.New("roadsentry: unknown detection kind")

// ErrJobExists is returned when a status record for the job id already exists.
var ErrJobExists = errors.New("roadsentry: job already exists")

// ErrJobNotFound is returned when no status record exists for a job id.
var ErrJobNotFound = errors.New("roadsentry: job not found")

// ErrNotFound is returned for missing payloads and result records.
var ErrNotFound = errors.New("roadsentry: key not found")
