// Copyright 2025 James Ross
package workerhealth

import (
	"context"
	"fmt"
	"time"

	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/redisclient"
	"github.com/redis/go-redis/v9"
)

// probeTimeout bounds how long a single readiness check may take, so a
// wedged Redis connection fails the probe instead of hanging the readiness
// endpoint indefinitely.
const probeTimeout = 1 * time.Second

// Checker implements a liveness/readiness probe for the worker pool: it
// confirms Redis is reachable and, optionally, that at least one worker
// heartbeat key is present in the namespace, grounded on the reaper's
// heartbeat-key scan and the teacher's readiness-callback use of
// redisclient's Ping in cmd/job-queue-system/main.go.
type Checker struct {
	cfg *config.Config
	rdb *redis.Client
}

func New(cfg *config.Config, rdb *redis.Client) *Checker {
	return &Checker{cfg: cfg, rdb: rdb}
}

// Ping reports whether Redis answers within probeTimeout. Suitable as the
// readiness callback passed to obs.StartHTTPServer for the API role.
func (c *Checker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// AnyWorkerAlive reports whether at least one worker heartbeat key exists
// in the namespace, used as the readiness callback for the worker role so
// a pool that can't dequeue anything reports not-ready rather than healthy.
func (c *Checker) AnyWorkerAlive(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	pattern := redisclient.Namespaced(c.cfg, "worker", "*", "heartbeat")
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 1).Result()
		if err != nil {
			return fmt.Errorf("scan heartbeat keys: %w", err)
		}
		if len(keys) > 0 {
			return nil
		}
		if next == 0 {
			return fmt.Errorf("no live worker heartbeats found under %s", pattern)
		}
		cursor = next
	}
}
