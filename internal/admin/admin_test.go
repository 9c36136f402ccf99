// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"database/sql"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/jobstore"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDeps(t *testing.T) (*config.Config, *redis.Client, *jobstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		Redis:  config.Redis{Namespace: "test"},
		Worker: config.Worker{Queue: "test:queue", DeadLetterList: "test:dlq"},
	}

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
		CREATE TABLE jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'image',
			checkpoint TEXT,
			prompt TEXT NOT NULL,
			negative_prompt TEXT,
			loras TEXT,
			width INTEGER,
			height INTEGER,
			batch_size INTEGER,
			seed INTEGER,
			steps INTEGER,
			cfg_scale REAL,
			sampler_name TEXT,
			scheduler_name TEXT,
			denoise REAL,
			params TEXT,
			backend_name TEXT,
			backend_job_id TEXT,
			dispatch_token TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			cancel_reason TEXT,
			error_message TEXT,
			content_id INTEGER,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		);
	`)
	require.NoError(t, err)
	store := jobstore.NewWithDB(db, zap.NewNop())

	return cfg, rdb, store
}

func TestStatsReportsQueueLengthsAndStatusCounts(t *testing.T) {
	cfg, rdb, store := newTestDeps(t)
	ctx := context.Background()

	require.NoError(t, rdb.LPush(ctx, cfg.Worker.Queue, "a", "b", "c").Err())
	require.NoError(t, rdb.LPush(ctx, cfg.Worker.DeadLetterList, "x").Err())
	_, err := store.Insert(ctx, &jobstore.Job{UserID: 1, Prompt: "p"})
	require.NoError(t, err)
	_, err = store.Insert(ctx, &jobstore.Job{UserID: 1, Prompt: "p2"})
	require.NoError(t, err)
	id3, err := store.Insert(ctx, &jobstore.Job{UserID: 1, Prompt: "p3"})
	require.NoError(t, err)
	_, err = store.Update(ctx, id3, func(j *jobstore.Job) error {
		j.Status = jobstore.StatusRunning
		return nil
	})
	require.NoError(t, err)
	_, err = store.Update(ctx, id3, func(j *jobstore.Job) error {
		j.Status = jobstore.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	res, err := Stats(ctx, cfg, rdb, store)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.QueueLength)
	require.Equal(t, int64(1), res.DeadLetterCount)
	require.Equal(t, int64(2), res.StatusCounts[jobstore.StatusPending])
	require.Equal(t, int64(1), res.StatusCounts[jobstore.StatusCompleted])
}

func TestPeekReturnsLastNWithoutRemoving(t *testing.T) {
	cfg, rdb, _ := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, rdb.LPush(ctx, cfg.Worker.Queue, "1", "2", "3", "4", "5").Err())

	res, err := Peek(ctx, cfg, rdb, 2)
	require.NoError(t, err)
	require.Equal(t, cfg.Worker.Queue, res.Queue)
	require.Len(t, res.Items, 2)

	n, err := rdb.LLen(ctx, cfg.Worker.Queue).Result()
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestPeekDefaultsCountWhenNonPositive(t *testing.T) {
	cfg, rdb, _ := newTestDeps(t)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		require.NoError(t, rdb.LPush(ctx, cfg.Worker.Queue, "x").Err())
	}
	res, err := Peek(ctx, cfg, rdb, 0)
	require.NoError(t, err)
	require.Len(t, res.Items, 10)
}

func TestPurgeDLQEmptiesDeadLetterList(t *testing.T) {
	cfg, rdb, _ := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, rdb.LPush(ctx, cfg.Worker.DeadLetterList, "a", "b").Err())

	require.NoError(t, PurgeDLQ(ctx, cfg, rdb))

	n, err := rdb.LLen(ctx, cfg.Worker.DeadLetterList).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestPurgeDLQRequiresConfiguredList(t *testing.T) {
	cfg, rdb, _ := newTestDeps(t)
	cfg.Worker.DeadLetterList = ""
	require.Error(t, PurgeDLQ(context.Background(), cfg, rdb))
}

func TestStatsKeysCountsProcessingAndHeartbeatKeys(t *testing.T) {
	cfg, rdb, _ := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, rdb.LPush(ctx, cfg.Worker.Queue, "a").Err())
	require.NoError(t, rdb.RPush(ctx, "test:worker:w1:processing", "task").Err())
	require.NoError(t, rdb.Set(ctx, "test:worker:w1:heartbeat", "1", 0).Err())
	require.NoError(t, rdb.Set(ctx, "test:worker:w2:heartbeat", "1", 0).Err())

	res, err := StatsKeys(ctx, cfg, rdb)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.QueueLength)
	require.Equal(t, int64(1), res.ProcessingLists)
	require.Equal(t, int64(1), res.ProcessingItems)
	require.Equal(t, int64(2), res.Heartbeats)
}

func TestPurgeAllDeletesQueuesAndWorkerKeys(t *testing.T) {
	cfg, rdb, _ := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, rdb.LPush(ctx, cfg.Worker.Queue, "a").Err())
	require.NoError(t, rdb.LPush(ctx, cfg.Worker.DeadLetterList, "b").Err())
	require.NoError(t, rdb.RPush(ctx, "test:worker:w1:processing", "task").Err())
	require.NoError(t, rdb.Set(ctx, "test:worker:w1:heartbeat", "1", 0).Err())

	deleted, err := PurgeAll(ctx, cfg, rdb)
	require.NoError(t, err)
	require.GreaterOrEqual(t, deleted, int64(4))

	keys, err := rdb.Keys(ctx, "test:*").Result()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestBenchEnqueuesCountItemsAndReportsThroughput(t *testing.T) {
	cfg, rdb, _ := newTestDeps(t)
	ctx := context.Background()

	res, err := Bench(ctx, cfg, rdb, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 10, res.Count)
	require.Greater(t, res.Throughput, 0.0)

	n, err := rdb.LLen(ctx, cfg.Worker.Queue).Result()
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
}

func TestBenchRejectsNonPositiveCount(t *testing.T) {
	cfg, rdb, _ := newTestDeps(t)
	_, err := Bench(context.Background(), cfg, rdb, 0, 0)
	require.Error(t, err)
}
