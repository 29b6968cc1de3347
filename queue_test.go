package roadsentry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ikeys "github.com/RoadSentry/roadsentry-go/internal/keys"
)

func testTask(id string, kind Kind, maxRetry int) *Task {
	return &Task{
		ID:         id,
		JobID:      "job-q",
		FrameIndex: 0,
		Kind:       kind,
		PayloadRef: "rs:{job-q}:frame:0",
		MaxRetry:   maxRetry,
		CreatedAt:  1700000000000,
	}
}

func TestQueue_PublishDequeueAck(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	q := NewQueue(rdb, nil)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, testTask("t1", KindVehicle, 3)))
	n, err := q.PendingLen(ctx, KindVehicle)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	lease, err := q.Dequeue(ctx, KindVehicle, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "t1", lease.Task.ID)
	require.Equal(t, KindVehicle, lease.Task.Kind)

	// Leased, not lost: the task sits in the active set until resolved.
	active, err := rdb.ZCard(ctx, ikeys.ForKind("vehicle").Active).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), active)

	require.NoError(t, q.Ack(ctx, lease))
	active, err = rdb.ZCard(ctx, ikeys.ForKind("vehicle").Active).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), active)

	// Empty queue dequeues to nil without error.
	lease, err = q.Dequeue(ctx, KindVehicle, 30*time.Second)
	require.NoError(t, err)
	require.Nil(t, lease)
}

func TestQueue_RequeueCountsRedeliveries(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	q := NewQueue(rdb, nil)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, testTask("t2", KindPlate, 2)))

	lease, err := q.Dequeue(ctx, KindPlate, time.Minute)
	require.NoError(t, err)
	require.False(t, lease.Exhausted())
	require.NoError(t, q.Requeue(ctx, lease, "ocr timeout"))

	lease, err = q.Dequeue(ctx, KindPlate, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, lease.Task.Retry)
	require.Equal(t, "ocr timeout", lease.Task.LastError)
	require.False(t, lease.Exhausted())
	require.NoError(t, q.Requeue(ctx, lease, "ocr timeout"))

	lease, err = q.Dequeue(ctx, KindPlate, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, lease.Task.Retry)
	require.True(t, lease.Exhausted())
}

func TestQueue_DeadLetter(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	q := NewQueue(rdb, nil)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, testTask("t3", KindHelmet, 1)))
	lease, err := q.Dequeue(ctx, KindHelmet, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(ctx, lease, "exhausted"))
	dead, err := q.DeadLen(ctx, KindHelmet)
	require.NoError(t, err)
	require.Equal(t, int64(1), dead)

	active, err := rdb.ZCard(ctx, ikeys.ForKind("helmet").Active).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), active)
}

func TestQueue_ReclaimExpiredLease(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	q := NewQueue(rdb, nil)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, testTask("t4", KindVehicle, 3)))
	_, err := q.Dequeue(ctx, KindVehicle, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	n, err := q.ReclaimExpired(ctx, KindVehicle)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Redelivered: the same task is consumable again.
	lease, err := q.Dequeue(ctx, KindVehicle, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "t4", lease.Task.ID)
}

func TestQueue_UndecodableMessageParksOnDead(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	q := NewQueue(rdb, nil)
	ctx := context.Background()

	require.NoError(t, rdb.LPush(ctx, ikeys.ForKind("vehicle").Pending, "{not json").Err())
	lease, err := q.Dequeue(ctx, KindVehicle, time.Minute)
	require.NoError(t, err)
	require.Nil(t, lease)

	dead, err := q.DeadLen(ctx, KindVehicle)
	require.NoError(t, err)
	require.Equal(t, int64(1), dead)
}
