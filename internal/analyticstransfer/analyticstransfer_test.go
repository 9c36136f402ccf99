// Copyright 2025 James Ross
package analyticstransfer

import (
	"context"
	"database/sql"
	"testing"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/eventbuffer"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE route_analytics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	route TEXT, method TEXT, user_id INTEGER, timestamp DATETIME,
	duration_ms INTEGER, status_code INTEGER, query_params_normalized TEXT,
	request_size_bytes INTEGER, response_size_bytes INTEGER,
	error_type TEXT, cache_status TEXT, created_at DATETIME
);
CREATE TABLE generation_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT, generation_id INTEGER, user_id INTEGER, timestamp DATETIME,
	generation_type TEXT, duration_ms INTEGER, success BOOLEAN,
	error_type TEXT, error_message TEXT, queue_wait_time_ms INTEGER,
	generation_time_ms INTEGER, model_checkpoint TEXT, image_dimensions TEXT,
	batch_size INTEGER, prompt_tokens INTEGER, created_at DATETIME
);`

func newTestTransferer(t *testing.T) (*Transferer, *eventbuffer.Buffer, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(schema)
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &config.Config{Redis: config.Redis{Namespace: "test"}}
	buf := eventbuffer.New(cfg, rdb)

	return New(buf, db, zap.NewNop()), buf, db
}

func TestTransferRouteAnalyticsInsertsRow(t *testing.T) {
	tr, buf, db := newTestTransferer(t)
	ctx := context.Background()

	_, err := buf.Append(ctx, "route_analytics", map[string]interface{}{
		"route": "/api/v1/jobs", "method": "POST", "user_id": "7",
		"timestamp": "1700000000", "duration_ms": "42", "status_code": "201",
		"query_params_normalized": "foo",
	})
	require.NoError(t, err)

	n, err := tr.TransferRouteAnalytics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var route string
	var durationMs int
	require.NoError(t, db.QueryRow(`SELECT route, duration_ms FROM route_analytics`).Scan(&route, &durationMs))
	require.Equal(t, "/api/v1/jobs", route)
	require.Equal(t, 42, durationMs)
}

func TestTransferRouteAnalyticsNoEventsIsNoop(t *testing.T) {
	tr, _, _ := newTestTransferer(t)
	n, err := tr.TransferRouteAnalytics(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestTransferGenerationEventsInsertsRow(t *testing.T) {
	tr, buf, db := newTestTransferer(t)
	ctx := context.Background()

	_, err := buf.Append(ctx, "generation_events", map[string]interface{}{
		"event_type": "completion", "generation_id": "5", "user_id": "9",
		"timestamp": "1700000000", "generation_type": "image", "duration_ms": "1200",
		"success": "true", "model_checkpoint": "sd_xl_base_1.0.safetensors",
	})
	require.NoError(t, err)

	n, err := tr.TransferGenerationEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var eventType string
	var success bool
	require.NoError(t, db.QueryRow(`SELECT event_type, success FROM generation_events`).Scan(&eventType, &success))
	require.Equal(t, "completion", eventType)
	require.True(t, success)
}
