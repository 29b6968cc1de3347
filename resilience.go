package roadsentry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// classify maps connectivity-level failures onto ErrInfraUnavailable so the
// Retrier can distinguish "the infrastructure is down" from domain errors.
// Context errors pass through untouched: cancellation is the caller's signal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrInfraUnavailable) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%w: %v", ErrInfraUnavailable, err)
	}
	return err
}

// Retrier retries queue/store operations that failed with an infrastructure
// error, using exponential backoff capped at Max. With MaxAttempts zero the
// attempt count is unbounded: the process never exits on transient
// unavailability, it keeps backing off until the connection resumes or the
// context is cancelled.
type Retrier struct {
	// Base is the initial backoff interval.
	Base time.Duration
	// Max caps the backoff interval.
	Max time.Duration
	// MaxAttempts bounds the number of attempts; zero means unbounded.
	MaxAttempts int
	// Log receives one line per failed attempt.
	Log Logger
}

// NewRetrier creates an unbounded Retrier with the given backoff bounds.
func NewRetrier(base, max time.Duration, log Logger) *Retrier {
	return &Retrier{Base: base, Max: max, Log: orNoop(log)}
}

// Bounded returns a copy of the retrier limited to n attempts.
func (r *Retrier) Bounded(n int) *Retrier {
	c := *r
	c.MaxAttempts = n
	return &c
}

// Do runs op, retrying while it fails with ErrInfraUnavailable. Waits are
// timer-based selects against ctx so shutdown interrupts a sleeping retry
// immediately. Non-infrastructure errors are returned as-is on the first
// occurrence.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	log := orNoop(r.Log)
	base := r.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := r.Max
	if max < base {
		max = base
	}
	delay := base
	for attempt := 1; ; attempt++ {
		err := classify(op(ctx))
		if err == nil {
			if attempt > 1 {
				log.Infof("retry: %s recovered after %d attempts", name, attempt)
			}
			return nil
		}
		// A per-attempt timeout while the outer context is still live means
		// the infrastructure did not answer in time; keep retrying.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrInfraUnavailable, err)
		}
		if !errors.Is(err, ErrInfraUnavailable) {
			return err
		}
		if r.MaxAttempts > 0 && attempt >= r.MaxAttempts {
			log.Warnf("retry: %s giving up after %d attempts: %v", name, attempt, err)
			return err
		}
		log.Warnf("retry: %s attempt %d failed, next in %s: %v", name, attempt, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
}
