package roadsentry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Pipeline is the submission-side façade: auth gate, splitter, dispatcher and
// aggregator wired over one queue/store pair. It is what the upload API calls
// into; the worker runners are constructed separately (one process per kind)
// against the same Redis.
type Pipeline struct {
	cfg        *Config
	store      *Store
	queue      *Queue
	gate       *Gate
	splitter   *Splitter
	dispatcher *Dispatcher
	aggregator *Aggregator
	log        Logger
}

// NewPipeline wires the submission side over an explicit Redis client.
func NewPipeline(rdb redis.UniversalClient, cfg *Config, log Logger) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log = orNoop(log)
	store := NewStore(rdb, log)
	queue := NewQueue(rdb, log)
	retr := NewRetrier(cfg.BackoffBase(), cfg.BackoffMax(), log)
	return &Pipeline{
		cfg:        cfg,
		store:      store,
		queue:      queue,
		gate:       NewGate(store, cfg.APIKeys, cfg.RateLimit, cfg.RateWindow(), log),
		splitter:   NewSplitter(store, cfg.FrameInterval, cfg.ResultTTL(), log),
		dispatcher: NewDispatcher(queue, store, retr.Bounded(cfg.PublishAttempts), cfg.MaxRedeliveries, log),
		aggregator: NewAggregator(store, retr, AggregatorConfig{
			Timeout:   cfg.AggregationTimeout(),
			Poll:      cfg.AggregationPoll(),
			OpTimeout: cfg.OpTimeout(),
			ResultTTL: cfg.ResultTTL(),
			Logger:    log,
		}),
		log: log,
	}
}

// NewRunnerFor builds a runner for one kind sharing the pipeline's queue and
// store handles, for deployments that run everything in one process.
func (p *Pipeline) NewRunnerFor(kind Kind, det Detector) *Runner {
	retr := NewRetrier(p.cfg.BackoffBase(), p.cfg.BackoffMax(), p.log)
	return NewRunner(p.queue, p.store, det, retr, RunnerConfig{
		Kind:          kind,
		Concurrency:   p.cfg.Concurrency,
		VisibilityTTL: p.cfg.VisibilityTTL(),
		OpTimeout:     p.cfg.OpTimeout(),
		ResultTTL:     p.cfg.ResultTTL(),
		Logger:        p.log,
	})
}

// SubmitImage admits one still-image upload: gate check, split, dispatch,
// watch. Returns the job id the caller polls results for.
func (p *Pipeline) SubmitImage(ctx context.Context, apiKey, sourceRef string, media []byte) (string, error) {
	if err := p.gate.Allow(ctx, apiKey, time.Now()); err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	frames, err := p.splitter.SplitImage(ctx, jobID, media)
	if err != nil {
		return "", err
	}
	return jobID, p.dispatch(ctx, jobID, sourceRef, frames)
}

// SubmitVideo admits one video upload via an external frame source.
func (p *Pipeline) SubmitVideo(ctx context.Context, apiKey, sourceRef string, src FrameSource) (string, error) {
	if err := p.gate.Allow(ctx, apiKey, time.Now()); err != nil {
		return "", err
	}
	jobID := uuid.NewString()
	frames, err := p.splitter.SplitVideo(ctx, jobID, src)
	if err != nil {
		return "", err
	}
	return jobID, p.dispatch(ctx, jobID, sourceRef, frames)
}

func (p *Pipeline) dispatch(ctx context.Context, jobID, sourceRef string, frames []Frame) error {
	job := FrameJob{
		JobID:         jobID,
		SourceRef:     sourceRef,
		TotalFrames:   len(frames),
		ExpectedKinds: AllKinds,
		CreatedAt:     time.Now().UnixMilli(),
	}
	if err := p.dispatcher.Dispatch(ctx, job, frames); err != nil {
		return err
	}
	p.aggregator.Watch(job)
	p.log.Infof("pipeline: dispatched job=%s frames=%d", jobID, len(frames))
	return nil
}

// Result returns the job's current status, including annotated-frame refs and
// the summary once aggregation has converged.
func (p *Pipeline) Result(ctx context.Context, jobID string) (*JobStatus, error) {
	return p.store.JobStatus(ctx, jobID)
}

// Annotated fetches the rendered bytes for one frame of a finished job.
func (p *Pipeline) Annotated(ctx context.Context, jobID string, frame int) ([]byte, error) {
	st, err := p.store.JobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	ref, ok := st.Annotated[frame]
	if !ok {
		return nil, ErrNotFound
	}
	return p.store.GetPayload(ctx, ref)
}

// Close stops the aggregator watchers. In-flight queue state is durable and
// picked up where it left off on restart.
func (p *Pipeline) Close() {
	p.aggregator.Stop()
}
