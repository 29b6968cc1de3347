package roadsentry

import (
	"context"
	"errors"
	"sync"
	"time"

	ikeys "github.com/RoadSentry/roadsentry-go/internal/keys"
)

// AggregatorConfig defines the configuration for the result aggregator.
type AggregatorConfig struct {
	// Timeout bounds how long a job waits for missing kinds before merging
	// whatever results exist.
	Timeout time.Duration
	// Poll is the interval between status-hash reads.
	Poll time.Duration
	// OpTimeout bounds each store call.
	OpTimeout time.Duration
	// ResultTTL is the retention for annotated frames.
	ResultTTL time.Duration
	// Logger receives aggregation events.
	Logger Logger
}

// Aggregator tracks per-job completion and merges available results into
// annotated frames. Completion is evaluated against the expected-kind set the
// dispatcher registered (minus per-frame drops); the merge fires when every
// frame settles or when the timeout elapses, whichever comes first. A
// dispatched job always converges to PARTIAL or COMPLETE, never an error.
type Aggregator struct {
	store *Store
	retr  *Retrier
	cfg   AggregatorConfig

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	log     Logger
}

// NewAggregator creates an aggregator. Watchers are started per job with Watch.
func NewAggregator(store *Store, retr *Retrier, cfg AggregatorConfig) *Aggregator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 200 * time.Millisecond
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		store:  store,
		retr:   retr,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    orNoop(cfg.Logger),
	}
}

// Watch starts the completion watcher for one dispatched job. The watcher is
// the only cancellation mechanism in the pipeline: a timed-out wait simply
// triggers aggregation over whatever results currently exist.
func (a *Aggregator) Watch(job FrameJob) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		a.log.Warnf("aggregator stopped; ignoring Watch(%s)", job.JobID)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		a.watch(job)
	}()
}

// Stop cancels all watchers and waits for them to exit.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}

func (a *Aggregator) watch(job FrameJob) {
	deadline := time.NewTimer(a.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-deadline.C:
			a.log.Infof("aggregate: timeout for job=%s, merging available results", job.JobID)
			a.finish(job)
			return
		case <-ticker.C:
			st, err := a.jobStatus(job.JobID)
			if err != nil {
				if a.ctx.Err() == nil && !errors.Is(err, ErrJobNotFound) {
					a.log.Warnf("aggregate: status read failed job=%s: %v", job.JobID, err)
				}
				continue
			}
			if st.Settled() {
				a.finish(job)
				return
			}
		}
	}
}

// finish merges whatever exists right now: renders each frame with its
// present SUCCESS records in overlay order, writes the summary, and advances
// the job state. COMPLETE requires a SUCCESS for every expected (frame, kind);
// anything less is terminal PARTIAL, including the zero-success case, which
// ends as PARTIAL with an empty result set rather than a hard failure.
func (a *Aggregator) finish(job FrameJob) {
	st, err := a.jobStatus(job.JobID)
	if err != nil {
		if a.ctx.Err() == nil {
			a.log.Errorf("aggregate: final status read failed job=%s: %v", job.JobID, err)
		}
		return
	}

	byFrame := make(map[int][]ResultRecord, st.TotalFrames)
	for f := 0; f < st.TotalFrames; f++ {
		var recs []ResultRecord
		err := a.retr.Do(a.ctx, "frame-results", func(ctx context.Context) error {
			octx, cancel := context.WithTimeout(ctx, a.cfg.OpTimeout)
			defer cancel()
			var lerr error
			recs, lerr = a.store.ListFrameResults(octx, job.JobID, f)
			return lerr
		})
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.log.Warnf("aggregate: results unavailable job=%s frame=%d: %v", job.JobID, f, err)
			continue
		}
		byFrame[f] = recs
		a.renderFrame(job, f, recs)
	}

	sum := Summarize(st.TotalFrames, byFrame)
	if err := a.withTimeout(func(ctx context.Context) error {
		return a.store.PutSummary(ctx, job.JobID, sum)
	}); err != nil && a.ctx.Err() == nil {
		a.log.Warnf("aggregate: summary write failed job=%s: %v", job.JobID, err)
	}

	state := StatePartial
	if st.Settled() && st.AllSucceeded() {
		state = StateComplete
	}
	var got JobState
	err = a.retr.Do(a.ctx, "advance-state", func(ctx context.Context) error {
		octx, cancel := context.WithTimeout(ctx, a.cfg.OpTimeout)
		defer cancel()
		var serr error
		got, serr = a.store.AdvanceJobState(octx, job.JobID, state)
		return serr
	})
	if err != nil {
		if a.ctx.Err() == nil {
			a.log.Errorf("aggregate: state advance failed job=%s: %v", job.JobID, err)
		}
		return
	}
	a.log.Infof("aggregate: job=%s settled state=%s frames=%d", job.JobID, got, st.TotalFrames)
}

func (a *Aggregator) renderFrame(job FrameJob, frame int, recs []ResultRecord) {
	var payload []byte
	err := a.withTimeout(func(ctx context.Context) error {
		var gerr error
		payload, gerr = a.store.GetPayload(ctx, ikeys.Payload(job.JobID, frame))
		return gerr
	})
	if err != nil {
		if a.ctx.Err() == nil {
			a.log.Warnf("aggregate: frame payload missing job=%s frame=%d: %v", job.JobID, frame, err)
		}
		return
	}
	img, err := Annotate(payload, recs)
	if err != nil {
		a.log.Warnf("aggregate: render failed job=%s frame=%d: %v", job.JobID, frame, err)
		return
	}
	err = a.retr.Do(a.ctx, "put-annotated", func(ctx context.Context) error {
		octx, cancel := context.WithTimeout(ctx, a.cfg.OpTimeout)
		defer cancel()
		_, perr := a.store.PutAnnotated(octx, job.JobID, frame, img, a.cfg.ResultTTL)
		return perr
	})
	if err != nil && a.ctx.Err() == nil {
		a.log.Warnf("aggregate: annotated write failed job=%s frame=%d: %v", job.JobID, frame, err)
	}
}

func (a *Aggregator) jobStatus(jobID string) (*JobStatus, error) {
	var st *JobStatus
	err := a.withTimeout(func(ctx context.Context) error {
		var serr error
		st, serr = a.store.JobStatus(ctx, jobID)
		return serr
	})
	return st, err
}

func (a *Aggregator) withTimeout(op func(ctx context.Context) error) error {
	octx, cancel := context.WithTimeout(a.ctx, a.cfg.OpTimeout)
	defer cancel()
	return op(octx)
}
