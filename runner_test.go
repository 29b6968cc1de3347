package roadsentry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	ikeys "github.com/RoadSentry/roadsentry-go/internal/keys"
)

// scriptedDetector fails transiently for the first failures calls, then
// returns dets. Call counting is guarded: runners are concurrent.
type scriptedDetector struct {
	mu       sync.Mutex
	failures int
	fatal    bool
	dets     []Detection
	calls    int
}

func (d *scriptedDetector) Detect(ctx context.Context, frame []byte) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fatal {
		return nil, Fatal(errors.New("corrupt frame"))
	}
	if d.calls <= d.failures {
		return nil, Transient(errors.New("model backend busy"))
	}
	return d.dets, nil
}

func testRunner(t *testing.T, rdb *redis.Client, det Detector, kind Kind) (*Runner, *Queue, *Store) {
	t.Helper()
	queue := NewQueue(rdb, nil)
	store := NewStore(rdb, nil)
	r := NewRunner(queue, store, det, fastRetrier(), RunnerConfig{
		Kind:          kind,
		Concurrency:   1,
		VisibilityTTL: time.Minute,
		PollInterval:  5 * time.Millisecond,
		OpTimeout:     time.Second,
		ResultTTL:     time.Hour,
	})
	return r, queue, store
}

func seedTask(t *testing.T, store *Store, queue *Queue, task *Task) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.PutPayload(ctx, task.PayloadRef, testPNG(t, 16, 16), time.Hour))
	require.NoError(t, queue.Publish(ctx, task))
}

func TestRunner_StartStopIdempotent(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	r, _, _ := testRunner(t, rdb, &scriptedDetector{}, KindVehicle)

	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
}

func TestRunner_SuccessWritesRecordAndAcks(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	dets := []Detection{{Label: "car", Box: Box{1, 1, 9, 9}, Confidence: 0.8}}
	r, queue, store := testRunner(t, rdb, &scriptedDetector{dets: dets}, KindVehicle)
	ctx := context.Background()

	task := testTask("t-ok", KindVehicle, 3)
	seedTask(t, store, queue, task)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		rec, err := store.GetResult(ctx, task.JobID, 0, KindVehicle)
		return err == nil && rec.Status == StatusSuccess
	}, 3*time.Second, 10*time.Millisecond)

	rec, err := store.GetResult(ctx, task.JobID, 0, KindVehicle)
	require.NoError(t, err)
	require.Equal(t, dets, rec.Detections)
	require.Equal(t, task.ID, rec.TaskID)
	require.Equal(t, task.CreatedAt, rec.WrittenAt)

	require.Eventually(t, func() bool {
		active, _ := rdb.ZCard(ctx, ikeys.ForKind("vehicle").Active).Result()
		pending, _ := queue.PendingLen(ctx, KindVehicle)
		return active == 0 && pending == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRunner_TransientFailureRetriesThenSucceeds(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	det := &scriptedDetector{failures: 2, dets: []Detection{{Text: "34-AB-123"}}}
	r, queue, store := testRunner(t, rdb, det, KindPlate)
	ctx := context.Background()

	task := testTask("t-retry", KindPlate, 3)
	seedTask(t, store, queue, task)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		rec, err := store.GetResult(ctx, task.JobID, 0, KindPlate)
		return err == nil && rec.Status == StatusSuccess
	}, 3*time.Second, 10*time.Millisecond)

	dead, err := queue.DeadLen(ctx, KindPlate)
	require.NoError(t, err)
	require.Equal(t, int64(0), dead)
}

func TestRunner_RetriesExhaustedWritesFailedAndDeadLetters(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	det := &scriptedDetector{failures: 1 << 30} // never succeeds
	r, queue, store := testRunner(t, rdb, det, KindHelmet)
	ctx := context.Background()

	task := testTask("t-exhaust", KindHelmet, 2)
	seedTask(t, store, queue, task)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		rec, err := store.GetResult(ctx, task.JobID, 0, KindHelmet)
		return err == nil && rec.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		dead, _ := queue.DeadLen(ctx, KindHelmet)
		return dead == 1
	}, 3*time.Second, 10*time.Millisecond)

	// 1 first delivery + 2 redeliveries before giving up.
	det.mu.Lock()
	calls := det.calls
	det.mu.Unlock()
	require.Equal(t, 3, calls)
}

func TestRunner_FatalFailureWritesFailedWithoutRetry(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	det := &scriptedDetector{fatal: true}
	r, queue, store := testRunner(t, rdb, det, KindVehicle)
	ctx := context.Background()

	task := testTask("t-fatal", KindVehicle, 3)
	seedTask(t, store, queue, task)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		rec, err := store.GetResult(ctx, task.JobID, 0, KindVehicle)
		return err == nil && rec.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	// Fatal failures do not consume the redelivery budget.
	det.mu.Lock()
	calls := det.calls
	det.mu.Unlock()
	require.Equal(t, 1, calls)
	dead, err := queue.DeadLen(ctx, KindVehicle)
	require.NoError(t, err)
	require.Equal(t, int64(0), dead)
}

func TestRunner_MissingPayloadRecordsFailed(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	r, queue, store := testRunner(t, rdb, &scriptedDetector{}, KindVehicle)
	ctx := context.Background()

	task := testTask("t-nopayload", KindVehicle, 3)
	require.NoError(t, queue.Publish(ctx, task))

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		rec, err := store.GetResult(ctx, task.JobID, 0, KindVehicle)
		return err == nil && rec.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)
}

// Redelivering a task produces a record byte-identical to the first
// processing: same detections, same derived timestamp, one bitmap entry.
func TestRunner_RedeliveryIsIdempotent(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	dets := []Detection{{Label: "bus", Box: Box{2, 2, 30, 20}, Confidence: 0.7}}
	r, queue, store := testRunner(t, rdb, &scriptedDetector{dets: dets}, KindVehicle)
	ctx := context.Background()

	task := testTask("t-idem", KindVehicle, 3)
	seedTask(t, store, queue, task)

	r.Start()
	defer r.Stop()

	key := ikeys.Result(task.JobID, 0, "vehicle")
	require.Eventually(t, func() bool {
		return rdb.Exists(ctx, key).Val() == 1
	}, 3*time.Second, 10*time.Millisecond)
	first, err := rdb.Get(ctx, key).Bytes()
	require.NoError(t, err)

	// Simulate a redelivery of the exact same message.
	require.NoError(t, queue.Publish(ctx, task))
	require.Eventually(t, func() bool {
		pending, _ := queue.PendingLen(ctx, KindVehicle)
		active, _ := rdb.ZCard(ctx, ikeys.ForKind("vehicle").Active).Result()
		return pending == 0 && active == 0
	}, 3*time.Second, 10*time.Millisecond)

	second, err := rdb.Get(ctx, key).Bytes()
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Exactly one bitmap field, no duplicate artifacts.
	fields, err := rdb.HKeys(ctx, ikeys.Status(task.JobID)).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"done:0:vehicle"}, fields)
}
