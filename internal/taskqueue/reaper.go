// Copyright 2025 James Ross
package taskqueue

import (
	"context"
	"strings"
	"time"

	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
	"github.com/joeflack4/genonaut-sub002/internal/redisclient"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reaper periodically scans per-worker processing lists and requeues tasks
// left behind by workers whose heartbeat key has expired, so a crashed
// worker never silently drops an in-flight job.
type Reaper struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
	q   *Queue
}

func NewReaper(cfg *config.Config, rdb *redis.Client, log *zap.Logger, q *Queue) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, log: log, q: q}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	pattern := redisclient.Namespaced(r.cfg, "worker", "*", "processing")
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			parts := strings.Split(plist, ":")
			if len(parts) < 4 {
				continue
			}
			workerID := parts[len(parts)-2]
			hbKey := r.q.HeartbeatKey(workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue
			}

			for {
				payload, err := r.rdb.RPop(ctx, plist).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					r.log.Warn("reaper rpop error", obs.Err(err))
					break
				}
				task, err := UnmarshalWorkerTask(payload)
				if err != nil {
					continue
				}
				task.Retries++
				requeued, err := task.Marshal()
				if err != nil {
					continue
				}
				if err := r.rdb.LPush(ctx, r.cfg.Worker.Queue, requeued).Err(); err != nil {
					r.log.Error("requeue failed", obs.Err(err))
					continue
				}
				obs.ReaperRecovered.Inc()
				r.log.Warn("requeued abandoned task",
					obs.Int64("job_id", task.JobID),
					obs.String("worker_id", workerID),
					obs.Int("retries", task.Retries),
					obs.String("trace_id", task.TraceID),
				)
			}
		}
		if cursor == 0 {
			break
		}
	}
}
