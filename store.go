package roadsentry

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	ikeys "github.com/RoadSentry/roadsentry-go/internal/keys"
)

// Store is the shared key-value handle and the single arbiter of truth
// between components. Worker processes share no mutable state except through
// it, so every cross-process update here is a single atomic Redis operation.
type Store struct {
	rdb redis.UniversalClient
	enc Encoder
	log Logger
}

// NewStore creates a store handle over an explicit Redis client.
func NewStore(rdb redis.UniversalClient, log Logger) *Store {
	return &Store{rdb: rdb, enc: &JSONEncoder{}, log: orNoop(log)}
}

// advanceStateScript moves the job state forward only out of PENDING.
// PARTIAL and COMPLETE are terminal, so a late watcher can never regress or
// flip a job that already converged. Returns the resulting state.
var advanceStateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if cur == false then return false end
if cur == 'PENDING' then
  redis.call('HSET', KEYS[1], 'state', ARGV[1])
  return ARGV[1]
end
return cur
`)

// dropKindScript appends a kind to a frame's dropped list if absent. A plain
// HGET+HSET would race with another kind dropping on the same frame.
var dropKindScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false or cur == '' then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return ARGV[2]
end
if string.find(',' .. cur .. ',', ',' .. ARGV[2] .. ',', 1, true) then
  return cur
end
cur = cur .. ',' .. ARGV[2]
redis.call('HSET', KEYS[1], ARGV[1], cur)
return cur
`)

// incrWindowScript is the single indivisible increment-and-check for rate
// limiting. The expiry is attached when the counter is created so the quota
// resets exactly at the window boundary.
var incrWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// InitJob writes the job's status hash: state PENDING, the expected kind set,
// frame count and source ref. The expected kinds must be durable before any
// task becomes consumable; the dispatcher relies on that ordering. Returns
// ErrJobExists if the job id was already registered.
func (s *Store) InitJob(ctx context.Context, job FrameJob) error {
	key := ikeys.Status(job.JobID)
	ok, err := s.rdb.HSetNX(ctx, key, "state", string(StatePending)).Result()
	if err != nil {
		return classify(err)
	}
	if !ok {
		return ErrJobExists
	}
	err = s.rdb.HSet(ctx, key,
		"source", job.SourceRef,
		"frames", job.TotalFrames,
		"expected", joinKinds(job.ExpectedKinds),
		"created_at", job.CreatedAt,
	).Err()
	return classify(err)
}

// PutPayload stores raw bytes (frame or annotated frame) under ref.
func (s *Store) PutPayload(ctx context.Context, ref string, data []byte, ttl time.Duration) error {
	return classify(s.rdb.Set(ctx, ref, data, ttl).Err())
}

// GetPayload fetches raw bytes, returning ErrNotFound for missing or expired refs.
func (s *Store) GetPayload(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, ref).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

// PutResult persists one ResultRecord and marks the (frame, kind) field in
// the job's completion bitmap. The record value is a plain SET: a redelivered
// task produces identical bytes, so the rewrite is a no-op. The bitmap field
// is HSETNX so concurrent arrivals from different kinds never clobber each
// other and the first terminal status wins.
func (s *Store) PutResult(ctx context.Context, rec ResultRecord, ttl time.Duration) error {
	raw, err := s.enc.Encode(rec)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ikeys.Result(rec.JobID, rec.FrameIndex, rec.Kind.String()), raw, ttl)
		p.HSetNX(ctx, ikeys.Status(rec.JobID), ikeys.DoneField(rec.FrameIndex, rec.Kind.String()), string(rec.Status))
		return nil
	})
	return classify(err)
}

// GetResult fetches one ResultRecord.
func (s *Store) GetResult(ctx context.Context, jobID string, frame int, kind Kind) (ResultRecord, error) {
	var rec ResultRecord
	raw, err := s.rdb.Get(ctx, ikeys.Result(jobID, frame, kind.String())).Bytes()
	if err == redis.Nil {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, classify(err)
	}
	if err := s.enc.Decode(raw, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// ListFrameResults returns the frame's present records in the fixed overlay
// order (vehicle, plate, helmet). Missing kinds are skipped silently.
func (s *Store) ListFrameResults(ctx context.Context, jobID string, frame int) ([]ResultRecord, error) {
	out := make([]ResultRecord, 0, len(AllKinds))
	for _, k := range AllKinds {
		rec, err := s.GetResult(ctx, jobID, frame, k)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DropExpectedKind removes a kind from one frame's expectation set after the
// dispatcher gave up publishing it. The aggregator then evaluates the frame
// against the reduced set instead of waiting for a task that never existed.
func (s *Store) DropExpectedKind(ctx context.Context, jobID string, frame int, kind Kind) error {
	err := dropKindScript.Run(ctx, s.rdb,
		[]string{ikeys.Status(jobID)},
		ikeys.DroppedField(frame), kind.String(),
	).Err()
	return classify(err)
}

// AdvanceJobState transitions the job out of PENDING into the given terminal
// state. It returns the state actually in effect afterwards, which differs
// from the argument when another writer converged the job first.
func (s *Store) AdvanceJobState(ctx context.Context, jobID string, state JobState) (JobState, error) {
	res, err := advanceStateScript.Run(ctx, s.rdb, []string{ikeys.Status(jobID)}, string(state)).Result()
	if err == redis.Nil {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", classify(err)
	}
	if res == nil {
		return "", ErrJobNotFound
	}
	got, ok := res.(string)
	if !ok {
		return "", ErrJobNotFound
	}
	return JobState(got), nil
}

// PutAnnotated stores rendered frame bytes and records the ref in the status
// hash. Returns the ref.
func (s *Store) PutAnnotated(ctx context.Context, jobID string, frame int, img []byte, ttl time.Duration) (string, error) {
	ref := ikeys.Annotated(jobID, frame)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ref, img, ttl)
		p.HSet(ctx, ikeys.Status(jobID), ikeys.AnnotatedField(frame), ref)
		return nil
	})
	if err != nil {
		return "", classify(err)
	}
	return ref, nil
}

// PutSummary attaches the merged job summary to the status hash.
func (s *Store) PutSummary(ctx context.Context, jobID string, sum Summary) error {
	raw, err := s.enc.Encode(sum)
	if err != nil {
		return err
	}
	return classify(s.rdb.HSet(ctx, ikeys.Status(jobID), "summary", raw).Err())
}

// JobStatus reads and parses the whole status hash for a job.
func (s *Store) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	m, err := s.rdb.HGetAll(ctx, ikeys.Status(jobID)).Result()
	if err != nil {
		return nil, classify(err)
	}
	if len(m) == 0 {
		return nil, ErrJobNotFound
	}

	st := &JobStatus{
		JobID:     jobID,
		State:     JobState(m["state"]),
		SourceRef: m["source"],
		Done:      make(map[int]map[Kind]ResultStatus),
		Dropped:   make(map[int][]Kind),
		Annotated: make(map[int]string),
	}
	st.TotalFrames, _ = strconv.Atoi(m["frames"])
	st.ExpectedKinds = splitKinds(m["expected"])

	for field, val := range m {
		switch {
		case strings.HasPrefix(field, "done:"):
			parts := strings.SplitN(field, ":", 3)
			if len(parts) != 3 {
				continue
			}
			frame, err := strconv.Atoi(parts[1])
			if err != nil {
				continue
			}
			kind, err := ParseKind(parts[2])
			if err != nil {
				continue
			}
			if st.Done[frame] == nil {
				st.Done[frame] = make(map[Kind]ResultStatus)
			}
			st.Done[frame][kind] = ResultStatus(val)
		case strings.HasPrefix(field, "dropped:"):
			frame, err := strconv.Atoi(strings.TrimPrefix(field, "dropped:"))
			if err != nil {
				continue
			}
			st.Dropped[frame] = splitKinds(val)
		case strings.HasPrefix(field, "annotated:"):
			frame, err := strconv.Atoi(strings.TrimPrefix(field, "annotated:"))
			if err != nil {
				continue
			}
			st.Annotated[frame] = val
		case field == "summary":
			var sum Summary
			if err := s.enc.Decode([]byte(val), &sum); err == nil {
				st.Summary = &sum
			}
		}
	}
	return st, nil
}

// IncrWindow atomically increments the quota counter for (key, windowStart)
// and returns the new count. The counter expires on its own at the window end.
func (s *Store) IncrWindow(ctx context.Context, apiKey string, windowStart int64, window time.Duration) (int64, error) {
	res, err := incrWindowScript.Run(ctx, s.rdb,
		[]string{ikeys.Quota(apiKey, windowStart)},
		strconv.FormatInt(window.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return 0, classify(err)
	}
	return res, nil
}

func joinKinds(kinds []Kind) string {
	ss := make([]string, len(kinds))
	for i, k := range kinds {
		ss[i] = k.String()
	}
	return strings.Join(ss, ",")
}

func splitKinds(s string) []Kind {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Kind, 0, len(parts))
	for _, p := range parts {
		if k, err := ParseKind(p); err == nil {
			out = append(out, k)
		}
	}
	return out
}
