package roadsentry

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Dispatcher fans out per-frame tasks to every worker kind. The job's
// expected-kind set is registered in the store before any task is published,
// so the aggregator never evaluates completion against an incomplete
// expectation set.
type Dispatcher struct {
	queue    *Queue
	store    *Store
	retr     *Retrier
	maxRetry int
	kinds    []Kind
	log      Logger
}

// NewDispatcher creates a dispatcher publishing to every kind in AllKinds.
// Publish failures are retried with the bounded retrier; a kind that still
// fails is dropped from that frame's expectation set.
func NewDispatcher(queue *Queue, store *Store, retr *Retrier, maxRedeliveries int, log Logger) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		store:    store,
		retr:     retr,
		maxRetry: maxRedeliveries,
		kinds:    AllKinds,
		log:      orNoop(log),
	}
}

// Dispatch registers the job and publishes one task per (frame, kind). Kinds
// publish concurrently; a persistent publish failure for one kind removes it
// from the affected frame's expectation set instead of leaving the job
// inconsistent, and the remaining kinds proceed (partial-pipeline policy).
func (d *Dispatcher) Dispatch(ctx context.Context, job FrameJob, frames []Frame) error {
	if err := d.store.InitJob(ctx, job); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range d.kinds {
		kind := kind
		g.Go(func() error {
			for _, f := range frames {
				t := &Task{
					ID:         uuid.NewString(),
					JobID:      job.JobID,
					FrameIndex: f.Index,
					Kind:       kind,
					PayloadRef: f.PayloadRef,
					MaxRetry:   d.maxRetry,
					CreatedAt:  job.CreatedAt,
				}
				err := d.retr.Do(gctx, "publish:"+kind.String(), func(ctx context.Context) error {
					return d.queue.Publish(ctx, t)
				})
				if err == nil {
					continue
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				d.log.Warnf("dispatch: dropping kind=%s for job=%s frame=%d: %v", kind, job.JobID, f.Index, err)
				if derr := d.store.DropExpectedKind(gctx, job.JobID, f.Index, kind); derr != nil {
					return derr
				}
			}
			return nil
		})
	}
	return g.Wait()
}
