// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeflack4/genonaut-sub002/internal/cachepriority"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/jobstore"
	"github.com/joeflack4/genonaut-sub002/internal/redisclient"
	"github.com/redis/go-redis/v9"
)

// StatsResult summarizes queue depth and job status counts for the
// operator dashboard.
type StatsResult struct {
	QueueLength     int64
	DeadLetterCount int64
	StatusCounts    map[string]int64
}

// Stats reports the main queue length, dead letter depth, and a count of
// jobs per lifecycle status pulled from the Postgres system of record.
func Stats(ctx context.Context, cfg *config.Config, rdb *redis.Client, store *jobstore.Store) (StatsResult, error) {
	res := StatsResult{StatusCounts: map[string]int64{}}

	n, err := rdb.LLen(ctx, cfg.Worker.Queue).Result()
	if err != nil {
		return res, fmt.Errorf("queue length: %w", err)
	}
	res.QueueLength = n

	n, err = rdb.LLen(ctx, cfg.Worker.DeadLetterList).Result()
	if err != nil {
		return res, fmt.Errorf("dead letter length: %w", err)
	}
	res.DeadLetterCount = n

	counts, err := store.AggregateByStatus(ctx)
	if err != nil {
		return res, fmt.Errorf("aggregate by status: %w", err)
	}
	for _, c := range counts {
		res.StatusCounts[c.Status] = c.Count
	}
	return res, nil
}

// PeekResult is the response shape for a queue peek.
type PeekResult struct {
	Queue string
	Items []string
}

// Peek returns the last n raw task payloads queued for dispatch, without
// removing them, for queue introspection.
func Peek(ctx context.Context, cfg *config.Config, rdb *redis.Client, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	items, err := rdb.LRange(ctx, cfg.Worker.Queue, -n, -1).Result()
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: cfg.Worker.Queue, Items: items}, nil
}

// PurgeDLQ empties the dead letter list, used after an operator has
// reviewed and manually handled the terminally failed tasks it contains.
func PurgeDLQ(ctx context.Context, cfg *config.Config, rdb *redis.Client) error {
	if cfg.Worker.DeadLetterList == "" {
		return errors.New("dead letter list not configured")
	}
	return rdb.Del(ctx, cfg.Worker.DeadLetterList).Err()
}

// KeysStats summarizes managed Redis keys: the main queue, the dead
// letter list, and the per-worker processing lists and heartbeats the
// reaper scans.
type KeysStats struct {
	QueueKey         string
	QueueLength      int64
	DeadLetterKey    string
	DeadLetterLength int64
	ProcessingLists  int64
	ProcessingItems  int64
	Heartbeats       int64
}

// StatsKeys scans for managed keys and returns their counts and lengths.
func StatsKeys(ctx context.Context, cfg *config.Config, rdb *redis.Client) (KeysStats, error) {
	out := KeysStats{QueueKey: cfg.Worker.Queue, DeadLetterKey: cfg.Worker.DeadLetterList}

	n, err := rdb.LLen(ctx, cfg.Worker.Queue).Result()
	if err != nil {
		return out, err
	}
	out.QueueLength = n

	n, err = rdb.LLen(ctx, cfg.Worker.DeadLetterList).Result()
	if err != nil {
		return out, err
	}
	out.DeadLetterLength = n

	processingPattern := redisclient.Namespaced(cfg, "worker", "*", "processing")
	var cursor uint64
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, processingPattern, 200).Result()
		if err != nil {
			return out, err
		}
		cursor = cur
		out.ProcessingLists += int64(len(keys))
		for _, k := range keys {
			ln, _ := rdb.LLen(ctx, k).Result()
			out.ProcessingItems += ln
		}
		if cursor == 0 {
			break
		}
	}

	heartbeatPattern := redisclient.Namespaced(cfg, "worker", "*", "heartbeat")
	cursor = 0
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, heartbeatPattern, 500).Result()
		if err != nil {
			return out, err
		}
		cursor = cur
		out.Heartbeats += int64(len(keys))
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// PurgeAll deletes the main queue, the dead letter list, and every
// per-worker processing/heartbeat key in the namespace. Intended for
// test-environment resets, gated behind a stricter confirmation phrase
// than PurgeDLQ at the handler layer.
func PurgeAll(ctx context.Context, cfg *config.Config, rdb *redis.Client) (int64, error) {
	var deleted int64

	keys := []string{cfg.Worker.Queue, cfg.Worker.DeadLetterList}
	n, err := rdb.Del(ctx, keys...).Result()
	if err != nil {
		return deleted, err
	}
	deleted += n

	patterns := []string{
		redisclient.Namespaced(cfg, "worker", "*", "processing"),
		redisclient.Namespaced(cfg, "worker", "*", "heartbeat"),
	}
	for _, pat := range patterns {
		var cursor uint64
		for {
			keys, cur, err := rdb.Scan(ctx, cursor, pat, 500).Result()
			if err != nil {
				return deleted, err
			}
			cursor = cur
			if len(keys) > 0 {
				n, err := rdb.Del(ctx, keys...).Result()
				if err != nil {
					return deleted, err
				}
				deleted += n
			}
			if cursor == 0 {
				break
			}
		}
	}
	return deleted, nil
}

// BenchResult reports a synthetic enqueue benchmark's throughput.
type BenchResult struct {
	Count      int
	Duration   time.Duration
	Throughput float64
}

// Bench enqueues count synthetic tasks onto the main queue and reports
// throughput. Unlike the teacher's bench (which waits for a completed
// list to drain), this pushes small job_id/prompt/created_at JSON payloads
// (not full taskqueue.WorkerTask envelopes) and measures pure
// enqueue throughput, since this system's workers ack in place rather
// than publishing to a shared completed list.
func Bench(ctx context.Context, cfg *config.Config, rdb *redis.Client, count, payloadSize int) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if payloadSize <= 0 {
		payloadSize = 1024
	}
	filler := make([]byte, payloadSize)
	for i := range filler {
		filler[i] = 'x'
	}

	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		payload := fmt.Sprintf(`{"job_id":%d,"prompt":%q,"created_at":%q}`, i, string(filler), time.Now().UTC().Format(time.RFC3339Nano))
		if err := rdb.LPush(ctx, cfg.Worker.Queue, payload).Err(); err != nil {
			return res, err
		}
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}
	return res, nil
}

// CachePriorities reports the top-N hottest routes scored by either the
// absolute or relative-percentile system, backing the
// /api/v1/analytics/routes/cache-priorities endpoint.
func CachePriorities(ctx context.Context, analyzer *cachepriority.Analyzer, system string, n, lookbackDays, minRequests, minLatencyMs int) (interface{}, int, error) {
	if system == "relative" {
		rows, err := analyzer.TopRoutesRelative(ctx, n, lookbackDays)
		if err != nil {
			return nil, 0, err
		}
		return rows, len(rows), nil
	}
	rows, err := analyzer.TopRoutesAbsolute(ctx, n, lookbackDays, minRequests, minLatencyMs)
	if err != nil {
		return nil, 0, err
	}
	return rows, len(rows), nil
}
