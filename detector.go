package roadsentry

import (
	"context"
	"fmt"
)

// Detector is the external inference capability behind one worker kind. The
// runner treats it as a black box. Detect must be a pure function of the
// frame bytes: redelivery of the same task has to reproduce the exact same
// detections, with no side effect beyond the runner's single result write.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]Detection, error)
}

// Transient wraps a detector error to request recovery via queue redelivery
// (timeouts, model backend unavailable).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrWorkerTransient, err)
}

// Fatal wraps a detector error that will never succeed on retry (corrupt
// frame, unsupported input). The runner records a FAILED result for it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrWorkerFatal, err)
}
