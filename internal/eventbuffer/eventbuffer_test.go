// Copyright 2025 James Ross
package eventbuffer

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T) (*Buffer, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{Redis: config.Redis{Namespace: "test"}}
	return New(cfg, rdb), mr
}

func TestAppendAndRange(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()

	id, err := b.Append(ctx, "route_analytics", map[string]interface{}{
		"route":       "/api/v1/jobs",
		"duration_ms": 42,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := b.Range(ctx, "route_analytics", "0-0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "/api/v1/jobs", msgs[0].Values["route"])
}

func TestAppendCompressesLargeFields(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()
	large := strings.Repeat("x", gzipThreshold+100)

	_, err := b.Append(ctx, "generation_events", map[string]interface{}{
		"workflow": large,
	})
	require.NoError(t, err)

	msgs, err := b.Range(ctx, "generation_events", "0-0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, large, msgs[0].Values["workflow"])
}

func TestReadFromDrainsInBatches(t *testing.T) {
	b, _ := newTestBuffer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Append(ctx, "route_analytics", map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	msgs, err := b.ReadFrom(ctx, "route_analytics", "0-0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}
