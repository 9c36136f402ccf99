// Copyright 2025 James Ross
package workerhealth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestChecker(t *testing.T) (*Checker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{Redis: config.Redis{Namespace: "test"}}
	return New(cfg, rdb), mr
}

func TestPingSucceedsAgainstLiveRedis(t *testing.T) {
	c, _ := newTestChecker(t)
	require.NoError(t, c.Ping(context.Background()))
}

func TestPingFailsAfterRedisCloses(t *testing.T) {
	c, mr := newTestChecker(t)
	mr.Close()
	require.Error(t, c.Ping(context.Background()))
}

func TestAnyWorkerAliveFailsWithNoHeartbeats(t *testing.T) {
	c, _ := newTestChecker(t)
	require.Error(t, c.AnyWorkerAlive(context.Background()))
}

func TestAnyWorkerAliveSucceedsWithHeartbeat(t *testing.T) {
	c, mr := newTestChecker(t)
	require.NoError(t, mr.Set("test:worker:w1:heartbeat", "1"))
	mr.SetTTL("test:worker:w1:heartbeat", 30*time.Second)
	require.NoError(t, c.AnyWorkerAlive(context.Background()))
}
