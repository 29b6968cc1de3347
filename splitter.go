package roadsentry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	// Decoders for the still-image formats the upload surface accepts.
	_ "image/jpeg"
	_ "image/png"

	ikeys "github.com/RoadSentry/roadsentry-go/internal/keys"
)

// FrameSource yields successive encoded frames of a video stream. The actual
// container demuxing and frame decoding is an external collaborator, the same
// way the detectors are; this module only samples and indexes what it is
// handed. Next returns io.EOF when the stream ends.
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// Splitter decomposes uploaded media into ordered frames and parks their
// bytes in the store under payload refs, so queue messages stay small.
type Splitter struct {
	store *Store
	// interval keeps every Nth source frame of a video.
	interval int
	ttl      time.Duration
	log      Logger
}

// NewSplitter creates a splitter that samples one of every interval video
// frames and stores payloads with the given TTL.
func NewSplitter(store *Store, interval int, ttl time.Duration, log Logger) *Splitter {
	if interval <= 0 {
		interval = 1
	}
	return &Splitter{store: store, interval: interval, ttl: ttl, log: orNoop(log)}
}

// SplitImage turns a single still image into a one-frame sequence at its
// original resolution. Unreadable input fails with ErrMediaDecode and
// produces no frames.
func (s *Splitter) SplitImage(ctx context.Context, jobID string, media []byte) ([]Frame, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(media))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaDecode, err)
	}
	ref := ikeys.Payload(jobID, 0)
	if err := s.store.PutPayload(ctx, ref, media, s.ttl); err != nil {
		return nil, err
	}
	return []Frame{{Index: 0, Width: cfg.Width, Height: cfg.Height, PayloadRef: ref}}, nil
}

// SplitVideo samples every Nth frame from the source, assigning stable
// zero-based indices to the kept frames. A stream that yields nothing usable
// fails with ErrMediaDecode; a decode error mid-stream ends the sequence with
// the frames collected so far.
func (s *Splitter) SplitVideo(ctx context.Context, jobID string, src FrameSource) ([]Frame, error) {
	var frames []Frame
	for sourceIdx := 0; ; sourceIdx++ {
		data, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if len(frames) == 0 {
				return nil, fmt.Errorf("%w: %v", ErrMediaDecode, err)
			}
			s.log.Warnf("splitter: stream ended early for job=%s after %d frames: %v", jobID, len(frames), err)
			break
		}
		if sourceIdx%s.interval != 0 {
			continue
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			// One bad frame does not fail the stream unless nothing decodes.
			s.log.Warnf("splitter: skipping undecodable frame %d for job=%s: %v", sourceIdx, jobID, err)
			continue
		}
		idx := len(frames)
		ref := ikeys.Payload(jobID, idx)
		if err := s.store.PutPayload(ctx, ref, data, s.ttl); err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Index: idx, Width: cfg.Width, Height: cfg.Height, PayloadRef: ref})
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no decodable frames", ErrMediaDecode)
	}
	return frames, nil
}
