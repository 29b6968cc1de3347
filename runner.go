package roadsentry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RunnerConfig defines the configuration for one kind's consumer pool.
type RunnerConfig struct {
	// Kind selects which queue this runner consumes.
	Kind Kind
	// Concurrency is the number of consumer goroutines.
	Concurrency int
	// VisibilityTTL is the lease duration for a dequeued task. A crashed
	// consumer's lease expires and the task is redelivered.
	VisibilityTTL time.Duration
	// PollInterval is the idle sleep when the queue is empty.
	PollInterval time.Duration
	// OpTimeout bounds each store/queue call.
	OpTimeout time.Duration
	// ResultTTL is the retention for written result records.
	ResultTTL time.Duration
	// Logger receives runner events.
	Logger Logger
}

// Runner consumes one kind's tasks, invokes the detector and persists result
// records. At-least-once semantics: success and fatal outcomes ack the task
// away, transient outcomes requeue it until the redelivery budget is spent,
// after which a FAILED record is written and the message dead-letters so the
// aggregator can treat the kind as deterministically absent.
type Runner struct {
	queue *Queue
	store *Store
	det   Detector
	cfg   RunnerConfig
	retr  *Retrier

	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	log     Logger
}

// NewRunner creates a runner pool for one kind.
func NewRunner(queue *Queue, store *Store, det Detector, retr *Retrier, cfg RunnerConfig) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		queue:  queue,
		store:  store,
		det:    det,
		cfg:    cfg,
		retr:   retr,
		ctx:    ctx,
		cancel: cancel,
		log:    orNoop(cfg.Logger),
	}
}

// Start launches the consumer goroutines and the lease reclaimer.
// It is idempotent and non-blocking.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.started {
		r.log.Warnf("runner %s already started; ignoring Start()", r.cfg.Kind)
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	r.log.Infof("runner %s starting: concurrency=%d", r.cfg.Kind, r.cfg.Concurrency)

	for i := 0; i < r.cfg.Concurrency; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.consumeLoop()
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reclaimLoop()
	}()
}

// Stop cancels the runner context and waits for consumers to finish their
// current task.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.log.Warnf("runner %s not started; ignoring Stop()", r.cfg.Kind)
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()
	r.log.Infof("runner %s stopping", r.cfg.Kind)

	r.cancel()
	r.wg.Wait()
}

func (r *Runner) consumeLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		var lease *Lease
		err := r.retr.Do(r.ctx, "dequeue:"+r.cfg.Kind.String(), func(ctx context.Context) error {
			octx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
			defer cancel()
			var derr error
			lease, derr = r.queue.Dequeue(octx, r.cfg.Kind, r.cfg.VisibilityTTL)
			return derr
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.log.Errorf("runner %s: dequeue failed: %v", r.cfg.Kind, err)
			r.idle()
			continue
		}
		if lease == nil {
			r.idle()
			continue
		}
		r.process(lease)
	}
}

func (r *Runner) idle() {
	timer := time.NewTimer(r.cfg.PollInterval)
	select {
	case <-r.ctx.Done():
		timer.Stop()
	case <-timer.C:
	}
}

// reclaimLoop returns expired leases to pending so crashed consumers cannot
// strand tasks. Runs alongside the consumers of the same kind.
func (r *Runner) reclaimLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			n, err := r.queue.ReclaimExpired(r.ctx, r.cfg.Kind)
			if err != nil && r.ctx.Err() == nil {
				r.log.Warnf("runner %s: reclaim failed: %v", r.cfg.Kind, err)
				continue
			}
			if n > 0 {
				r.log.Infof("runner %s: reclaimed %d expired leases", r.cfg.Kind, n)
			}
		}
	}
}

func (r *Runner) process(l *Lease) {
	t := l.Task

	var frame []byte
	err := r.retr.Do(r.ctx, "payload:"+r.cfg.Kind.String(), func(ctx context.Context) error {
		octx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
		defer cancel()
		var gerr error
		frame, gerr = r.store.GetPayload(octx, t.PayloadRef)
		return gerr
	})
	if errors.Is(err, ErrNotFound) {
		// Payload expired or never written; retrying cannot bring it back.
		r.finishFailed(l, "payload missing")
		return
	}
	if err != nil {
		// Shutdown mid-fetch: leave the lease to expire and be redelivered.
		return
	}

	dets, derr := r.det.Detect(r.ctx, frame)
	if derr == nil {
		r.finishSuccess(l, dets)
		return
	}
	if errors.Is(derr, ErrWorkerFatal) {
		r.log.Warnf("runner %s: fatal failure id=%s frame=%d: %v", r.cfg.Kind, t.ID, t.FrameIndex, derr)
		r.finishFailed(l, derr.Error())
		return
	}
	// Everything else is transient: requeue within the redelivery budget.
	if l.Exhausted() {
		r.log.Warnf("runner %s: retries exhausted id=%s frame=%d: %v", r.cfg.Kind, t.ID, t.FrameIndex, derr)
		r.finishExhausted(l, derr.Error())
		return
	}
	if err := r.withTimeout(func(ctx context.Context) error {
		return r.queue.Requeue(ctx, l, derr.Error())
	}); err != nil && r.ctx.Err() == nil {
		r.log.Errorf("runner %s: requeue failed id=%s: %v", r.cfg.Kind, t.ID, err)
	}
}

// finishSuccess writes the SUCCESS record, then acks. Write-before-ack keeps
// at-least-once intact: a crash between the two redelivers the task and the
// rewrite is byte-identical.
func (r *Runner) finishSuccess(l *Lease, dets []Detection) {
	t := l.Task
	rec := resultRecord(t, dets, StatusSuccess)
	if err := r.putResult(rec); err != nil {
		// Lease will expire and the task is redelivered.
		if r.ctx.Err() == nil {
			r.log.Errorf("runner %s: result write failed id=%s: %v", r.cfg.Kind, t.ID, err)
		}
		return
	}
	if err := r.withTimeout(func(ctx context.Context) error {
		return r.queue.Ack(ctx, l)
	}); err != nil && r.ctx.Err() == nil {
		r.log.Errorf("runner %s: ack failed id=%s: %v", r.cfg.Kind, t.ID, err)
		return
	}
	r.log.Debugf("runner %s: processed id=%s job=%s frame=%d detections=%d", r.cfg.Kind, t.ID, t.JobID, t.FrameIndex, len(dets))
}

// finishFailed records a FAILED result for fatal failures and acks the task
// away: the kind is deterministically absent for this frame.
func (r *Runner) finishFailed(l *Lease, reason string) {
	t := l.Task
	if err := r.putResult(resultRecord(t, nil, StatusFailed)); err != nil {
		if r.ctx.Err() == nil {
			r.log.Errorf("runner %s: failed-record write failed id=%s: %v", r.cfg.Kind, t.ID, err)
		}
		return
	}
	if err := r.withTimeout(func(ctx context.Context) error {
		return r.queue.Ack(ctx, l)
	}); err != nil && r.ctx.Err() == nil {
		r.log.Errorf("runner %s: ack failed id=%s: %v", r.cfg.Kind, t.ID, err)
		return
	}
	r.log.Debugf("runner %s: recorded FAILED id=%s frame=%d reason=%s", r.cfg.Kind, t.ID, t.FrameIndex, reason)
}

// finishExhausted records a FAILED result and dead-letters the message after
// the redelivery budget is spent, so aggregation proceeds instead of waiting
// on an endless retry loop.
func (r *Runner) finishExhausted(l *Lease, reason string) {
	t := l.Task
	if err := r.putResult(resultRecord(t, nil, StatusFailed)); err != nil {
		if r.ctx.Err() == nil {
			r.log.Errorf("runner %s: failed-record write failed id=%s: %v", r.cfg.Kind, t.ID, err)
		}
		return
	}
	if err := r.withTimeout(func(ctx context.Context) error {
		return r.queue.DeadLetter(ctx, l, reason)
	}); err != nil && r.ctx.Err() == nil {
		r.log.Errorf("runner %s: dead-letter failed id=%s: %v", r.cfg.Kind, t.ID, err)
	}
}

func (r *Runner) putResult(rec ResultRecord) error {
	return r.retr.Do(r.ctx, "put-result:"+r.cfg.Kind.String(), func(ctx context.Context) error {
		octx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
		defer cancel()
		return r.store.PutResult(octx, rec, r.cfg.ResultTTL)
	})
}

func (r *Runner) withTimeout(op func(ctx context.Context) error) error {
	octx, cancel := context.WithTimeout(r.ctx, r.cfg.OpTimeout)
	defer cancel()
	return op(octx)
}

// resultRecord builds the persisted record for a task. WrittenAt derives from
// the task's CreatedAt, not the wall clock, so a redelivered task produces
// bytes identical to the first processing.
func resultRecord(t *Task, dets []Detection, status ResultStatus) ResultRecord {
	return ResultRecord{
		TaskID:     t.ID,
		JobID:      t.JobID,
		FrameIndex: t.FrameIndex,
		Kind:       t.Kind,
		Detections: dets,
		Status:     status,
		WrittenAt:  t.CreatedAt,
	}
}
