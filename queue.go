package roadsentry

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	ikeys "github.com/RoadSentry/roadsentry-go/internal/keys"
)

// Queue is the durable task queue handle shared by dispatcher and runners.
// Each kind has its own pending LIST, active ZSET (leases scored by expiry in
// ms) and dead LIST. Delivery is at-least-once: a lease that is never acked
// expires and the task is redelivered.
type Queue struct {
	rdb redis.UniversalClient
	enc Encoder
	log Logger
}

// NewQueue creates a queue handle over an explicit Redis client.
func NewQueue(rdb redis.UniversalClient, log Logger) *Queue {
	return &Queue{rdb: rdb, enc: &JSONEncoder{}, log: orNoop(log)}
}

// Lease is one dequeued task plus the raw bytes that identify its active
// ZSET member. Every ack/nack path removes exactly that member.
type Lease struct {
	Task *Task
	raw  []byte
}

// dequeueScript atomically moves one task from pending to active with a
// visibility score, so a crashing consumer cannot lose the message.
var dequeueScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if not v then return false end
redis.call('ZADD', KEYS[2], ARGV[1], v)
return v
`)

// reclaimOneScript atomically moves one expired active lease back to pending.
var reclaimOneScript = redis.NewScript(`
local akey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', akey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', akey, m)
if rem == 1 then
  redis.call('LPUSH', pkey, m)
  return m
end
return false
`)

// Publish appends a task to its kind's pending list.
func (q *Queue) Publish(ctx context.Context, t *Task) error {
	raw, err := q.enc.Encode(t)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, ikeys.ForKind(t.Kind.String()).Pending, raw).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Dequeue leases one task for the given kind. It returns (nil, nil) when the
// queue is empty. The lease must be resolved with Ack, Requeue or DeadLetter;
// otherwise it is reclaimed after the visibility TTL and redelivered.
func (q *Queue) Dequeue(ctx context.Context, kind Kind, visibility time.Duration) (*Lease, error) {
	k := ikeys.ForKind(kind.String())
	expire := time.Now().Add(visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.rdb, []string{k.Pending, k.Active}, strconv.FormatInt(expire, 10)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	if res == nil {
		return nil, nil
	}
	var raw []byte
	switch v := res.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, nil
	}
	t := &Task{}
	if err := q.enc.Decode(raw, t); err != nil {
		// Unparseable message: remove the lease and move the bytes to dead.
		q.log.Errorf("queue: undecodable message on %s: %v", kind, err)
		_, perr := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, k.Active, raw)
			p.LPush(ctx, k.Dead, raw)
			return nil
		})
		if perr != nil {
			return nil, classify(perr)
		}
		return nil, nil
	}
	return &Lease{Task: t, raw: raw}, nil
}

// Ack removes a successfully processed task from the active ZSET.
func (q *Queue) Ack(ctx context.Context, l *Lease) error {
	k := ikeys.ForKind(l.Task.Kind.String())
	if err := q.rdb.ZRem(ctx, k.Active, l.raw).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Requeue negatively acknowledges a lease: the retry counter is incremented
// and the task goes back to pending for redelivery. Callers must check
// Exhausted before requeueing.
func (q *Queue) Requeue(ctx context.Context, l *Lease, reason string) error {
	k := ikeys.ForKind(l.Task.Kind.String())
	l.Task.Retry++
	l.Task.LastError = reason
	newRaw, err := q.enc.Encode(l.Task)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, l.raw)
		p.LPush(ctx, k.Pending, newRaw)
		return nil
	})
	if err != nil {
		return classify(err)
	}
	q.log.Debugf("queue: requeued id=%s kind=%s retry=%d reason=%s", l.Task.ID, l.Task.Kind, l.Task.Retry, reason)
	return nil
}

// Exhausted reports whether the lease has consumed its redelivery budget.
func (l *Lease) Exhausted() bool { return l.Task.Retry >= l.Task.MaxRetry }

// DeadLetter removes the lease from normal flow and parks the message on the
// kind's dead list for inspection.
func (q *Queue) DeadLetter(ctx context.Context, l *Lease, reason string) error {
	k := ikeys.ForKind(l.Task.Kind.String())
	l.Task.LastError = reason
	newRaw, err := q.enc.Encode(l.Task)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, l.raw)
		p.LPush(ctx, k.Dead, newRaw)
		return nil
	})
	if err != nil {
		return classify(err)
	}
	q.log.Warnf("queue: dead-lettered id=%s kind=%s retries=%d reason=%s", l.Task.ID, l.Task.Kind, l.Task.Retry, reason)
	return nil
}

// ReclaimExpired moves every expired active lease for the kind back to
// pending and returns how many were reclaimed.
func (q *Queue) ReclaimExpired(ctx context.Context, kind Kind) (int, error) {
	k := ikeys.ForKind(kind.String())
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n := 0
	for i := 0; i < 256; i++ {
		res, err := reclaimOneScript.Run(ctx, q.rdb, []string{k.Active, k.Pending}, now).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return n, classify(err)
		}
		if res == nil || res == false {
			break
		}
		n++
	}
	return n, nil
}

// PendingLen returns the depth of a kind's pending list.
func (q *Queue) PendingLen(ctx context.Context, kind Kind) (int64, error) {
	n, err := q.rdb.LLen(ctx, ikeys.ForKind(kind.String()).Pending).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// DeadLen returns the depth of a kind's dead list.
func (q *Queue) DeadLen(ctx context.Context, kind Kind) (int64, error) {
	n, err := q.rdb.LLen(ctx, ikeys.ForKind(kind.String()).Dead).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}
