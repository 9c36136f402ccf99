// Copyright 2025 James Ross
package workerruntime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joeflack4/genonaut-sub002/internal/breaker"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/errs"
	"github.com/joeflack4/genonaut-sub002/internal/lifecycle"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
	"github.com/joeflack4/genonaut-sub002/internal/taskqueue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Pool runs cfg.Worker.Count worker goroutines, each pulling WorkerTasks
// off the shared queue and driving them through the lifecycle engine.
// Each goroutine recycles its identity (and heartbeat key) after
// RecycleAfterTasks tasks, bounding the lifetime of any per-worker state.
type Pool struct {
	cfg    *config.Config
	rdb    *redis.Client
	queue  *taskqueue.Queue
	engine *lifecycle.Engine
	log    *zap.Logger
	cb     *breaker.CircuitBreaker
	baseID string
}

func New(cfg *config.Config, rdb *redis.Client, queue *taskqueue.Queue, engine *lifecycle.Engine, log *zap.Logger) *Pool {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d", host, os.Getpid())
	return &Pool{cfg: cfg, rdb: rdb, queue: queue, engine: engine, log: log, cb: cb, baseID: base}
}

func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Worker.Count; i++ {
		wg.Add(1)
		slot := i
		go func() {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			p.runSlot(ctx, slot)
		}()
	}

	go p.reportBreakerState(ctx)

	wg.Wait()
	return nil
}

func (p *Pool) reportBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch p.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.WithLabelValues("worker_pool").Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.WithLabelValues("worker_pool").Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.WithLabelValues("worker_pool").Set(2)
			}
		}
	}
}

// runSlot is the body of one worker goroutine. It generates a fresh worker
// identity every RecycleAfterTasks tasks to bound per-identity heartbeat
// key lifetime, matching the teacher's per-goroutine worker-id convention.
func (p *Pool) runSlot(ctx context.Context, slot int) {
	tasksOnIdentity := 0
	workerID := p.newWorkerID(slot)

	for ctx.Err() == nil {
		if tasksOnIdentity >= p.cfg.Worker.RecycleAfterTasks {
			workerID = p.newWorkerID(slot)
			tasksOnIdentity = 0
		}

		if !p.cb.Allow() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		task, ok, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("dequeue error", obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}

		if err := p.rdb.Set(ctx, p.queue.HeartbeatKey(workerID), task.JobID, p.cfg.Worker.HeartbeatTTL).Err(); err != nil {
			p.log.Warn("heartbeat set failed", obs.Err(err))
		}

		start := time.Now()
		success := p.handleTask(ctx, workerID, task)
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

		prev := p.cb.State()
		p.cb.Record(success)
		if prev != p.cb.State() && p.cb.State() == breaker.Open {
			obs.CircuitBreakerTrips.WithLabelValues("worker_pool").Inc()
		}

		tasksOnIdentity++
	}
}

func (p *Pool) handleTask(ctx context.Context, workerID string, task taskqueue.WorkerTask) bool {
	payload, _ := task.Marshal()
	defer func() {
		if err := p.queue.Ack(ctx, workerID, payload); err != nil {
			p.log.Warn("ack failed", obs.Int64("job_id", task.JobID), obs.Err(err))
		}
		if err := p.rdb.Del(ctx, p.queue.HeartbeatKey(workerID)).Err(); err != nil {
			p.log.Warn("heartbeat clear failed", obs.Err(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Worker.HardDeadline)
	defer cancel()

	softTimer := time.AfterFunc(p.cfg.Worker.SoftDeadline, func() {
		p.log.Warn("task exceeded soft deadline", obs.Int64("job_id", task.JobID), obs.String("worker_id", workerID))
	})
	defer softTimer.Stop()

	err := p.engine.Process(runCtx, task.JobID, task.Retries)
	if err == nil {
		p.log.Info("task completed", obs.Int64("job_id", task.JobID), obs.String("worker_id", workerID))
		return true
	}
	if errors.Is(err, lifecycle.ErrCancelled) {
		p.log.Info("task cancelled", obs.Int64("job_id", task.JobID))
		return true
	}

	p.log.Warn("task failed", obs.Int64("job_id", task.JobID), obs.Err(err))

	// Only backend-connection and backend-workflow failures are transient
	// enough to retry. Validation, conflict, timeout, and internal errors
	// are deterministic or already terminal and go straight to the dead
	// letter list without burning retry budget.
	if !errs.Retryable(err) {
		if err := p.queue.DeadLetter(ctx, task); err != nil {
			p.log.Error("dead letter enqueue failed", obs.Err(err))
		}
		return false
	}

	task.Retries++
	if task.Retries > p.cfg.Worker.MaxRetries {
		if err := p.queue.DeadLetter(ctx, task); err != nil {
			p.log.Error("dead letter enqueue failed", obs.Err(err))
		}
		return false
	}

	bo := backoff(task.Retries, p.cfg.Worker.Backoff.Base, p.cfg.Worker.Backoff.Max)
	select {
	case <-ctx.Done():
	case <-time.After(bo):
	}
	obs.JobsRetried.Inc()
	if err := p.queue.Enqueue(ctx, task); err != nil {
		p.log.Error("retry enqueue failed", obs.Err(err))
	}
	return false
}

func (p *Pool) newWorkerID(slot int) string {
	return fmt.Sprintf("%s-%d-%d", p.baseID, slot, time.Now().UnixNano())
}

func backoff(retries int, base, max time.Duration) time.Duration {
	if retries <= 0 {
		return base
	}
	d := time.Duration(1<<uint(retries-1)) * base
	if d <= 0 || d > max {
		return max
	}
	return d
}
