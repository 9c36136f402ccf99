// Copyright 2025 James Ross
package taskqueue

import (
	"context"
	"strconv"

	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
	"github.com/joeflack4/genonaut-sub002/internal/redisclient"
	"github.com/redis/go-redis/v9"
)

// Queue wraps the single Redis list used to dispatch WorkerTasks to the
// worker pool, plus the per-worker processing lists the reaper scans.
type Queue struct {
	cfg *config.Config
	rdb *redis.Client
}

func New(cfg *config.Config, rdb *redis.Client) *Queue {
	return &Queue{cfg: cfg, rdb: rdb}
}

// Enqueue pushes a task envelope onto the main task queue.
func (q *Queue) Enqueue(ctx context.Context, t WorkerTask) error {
	payload, err := t.Marshal()
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.cfg.Worker.Queue, payload).Err(); err != nil {
		return err
	}
	obs.JobsDispatched.Inc()
	return nil
}

// Dequeue performs the reliable-queue handoff: BRPOPLPUSH from the main
// queue into the calling worker's processing list, so a crash between pop
// and ack leaves the task recoverable by the reaper.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (WorkerTask, bool, error) {
	processingList := q.ProcessingListKey(workerID)
	payload, err := q.rdb.BRPopLPush(ctx, q.cfg.Worker.Queue, processingList, q.cfg.Worker.BRPopLPushTimeout).Result()
	if err == redis.Nil {
		return WorkerTask{}, false, nil
	}
	if err != nil {
		return WorkerTask{}, false, err
	}
	t, err := UnmarshalWorkerTask(payload)
	if err != nil {
		return WorkerTask{}, false, err
	}
	return t, true, nil
}

// Ack removes the task payload from the worker's processing list once it
// has been durably finalized (completed, failed-with-no-retry, or retried).
func (q *Queue) Ack(ctx context.Context, workerID, payload string) error {
	return q.rdb.LRem(ctx, q.ProcessingListKey(workerID), 1, payload).Err()
}

// Revoke removes a pending task from the main queue before it is dispatched,
// used by job cancellation when the job has not yet reached a worker.
func (q *Queue) Revoke(ctx context.Context, jobID int64) (int64, error) {
	items, err := q.rdb.LRange(ctx, q.cfg.Worker.Queue, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, payload := range items {
		t, err := UnmarshalWorkerTask(payload)
		if err != nil || t.JobID != jobID {
			continue
		}
		n, err := q.rdb.LRem(ctx, q.cfg.Worker.Queue, 1, payload).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// DeadLetter moves a terminally failed task onto the dead letter list.
func (q *Queue) DeadLetter(ctx context.Context, t WorkerTask) error {
	payload, err := t.Marshal()
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.cfg.Worker.DeadLetterList, payload).Err(); err != nil {
		return err
	}
	obs.JobsDeadLetter.Inc()
	return nil
}

// Length reports the current main-queue depth, fed into the queue_length gauge.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.cfg.Worker.Queue).Result()
}

func (q *Queue) ProcessingListKey(workerID string) string {
	return redisclient.Namespaced(q.cfg, "worker", workerID, "processing")
}

func (q *Queue) HeartbeatKey(workerID string) string {
	return redisclient.Namespaced(q.cfg, "worker", workerID, "heartbeat")
}

func (q *Queue) cancelKey(jobID int64) string {
	return redisclient.Namespaced(q.cfg, "job", strconv.FormatInt(jobID, 10), "cancel")
}

// SignalCancel marks a job for forceful cancellation so a worker already
// running it observes the signal on its next poll tick and terminates the
// in-flight dispatch, rather than only preventing future dispatch as Revoke
// does. The key expires on its own so a crashed worker never leaves a stale
// signal around forever.
func (q *Queue) SignalCancel(ctx context.Context, jobID int64) error {
	return q.rdb.Set(ctx, q.cancelKey(jobID), "1", q.cfg.Worker.CancelSignalTTL).Err()
}

// IsCancelled reports whether SignalCancel has been called for jobID and
// the signal has not yet expired.
func (q *Queue) IsCancelled(ctx context.Context, jobID int64) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearCancel removes a job's cancellation signal, used once a cancelled
// job has been fully unwound so the key doesn't linger until its TTL.
func (q *Queue) ClearCancel(ctx context.Context, jobID int64) error {
	return q.rdb.Del(ctx, q.cancelKey(jobID)).Err()
}
