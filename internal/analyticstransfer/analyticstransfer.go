// Copyright 2025 James Ross
package analyticstransfer

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/joeflack4/genonaut-sub002/internal/eventbuffer"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
	"go.uber.org/zap"
)

// maxBatch bounds how many stream entries a single transfer run drains,
// matching the original task's fixed read-1000-at-a-time batch size.
const maxBatch = 1000

// trimMaxLen is the approximate length the source stream is trimmed to
// after a successful transfer, bounding Redis memory without requiring an
// exact scan.
const trimMaxLen = 100000

// Transferer drains the two event-buffer streams into their Postgres raw
// tables on a schedule, grounded on tasks.py's
// transfer_route_analytics_to_postgres / transfer_generation_events_to_postgres:
// read up to maxBatch entries from "0-0", coerce-and-insert each one inside
// a single transaction, commit, then trim the stream.
type Transferer struct {
	buf *eventbuffer.Buffer
	db  *sql.DB
	log *zap.Logger
}

func New(buf *eventbuffer.Buffer, db *sql.DB, log *zap.Logger) *Transferer {
	return &Transferer{buf: buf, db: db, log: log}
}

// TransferRouteAnalytics drains the route_analytics stream into the
// route_analytics table and returns the number of rows inserted.
func (t *Transferer) TransferRouteAnalytics(ctx context.Context) (int, error) {
	msgs, err := t.buf.ReadFrom(ctx, "route_analytics", "0-0", maxBatch)
	if err != nil {
		return 0, fmt.Errorf("read route_analytics stream: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}

	const q = `
		INSERT INTO route_analytics (
			route, method, user_id, timestamp, duration_ms, status_code,
			query_params_normalized, request_size_bytes, response_size_bytes,
			error_type, cache_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $4)`

	inserted := 0
	for _, msg := range msgs {
		ts := coerceTimestamp(msg.Values, "timestamp")
		_, err := tx.ExecContext(ctx, q,
			str(msg.Values, "route"),
			strOr(msg.Values, "method", "GET"),
			nullableInt(msg.Values, "user_id"),
			ts,
			coerceInt(msg.Values, "duration_ms", 0),
			coerceInt(msg.Values, "status_code", 500),
			str(msg.Values, "query_params_normalized"),
			nullableInt(msg.Values, "request_size_bytes"),
			nullableInt(msg.Values, "response_size_bytes"),
			nullableStr(msg.Values, "error_category"),
			nullableStr(msg.Values, "cache_status"),
		)
		if err != nil {
			t.log.Error("insert route_analytics event failed", obs.String("event_id", msg.ID), obs.Err(err))
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit route_analytics transfer: %w", err)
	}
	obs.AnalyticsTransferRows.WithLabelValues("route_analytics").Add(float64(inserted))

	if err := t.buf.Trim(ctx, "route_analytics", trimMaxLen); err != nil {
		t.log.Warn("trim route_analytics stream failed", obs.Err(err))
	}
	return inserted, nil
}

// TransferGenerationEvents drains the generation_events stream into the
// generation_events table and returns the number of rows inserted.
func (t *Transferer) TransferGenerationEvents(ctx context.Context) (int, error) {
	msgs, err := t.buf.ReadFrom(ctx, "generation_events", "0-0", maxBatch)
	if err != nil {
		return 0, fmt.Errorf("read generation_events stream: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}

	const q = `
		INSERT INTO generation_events (
			event_type, generation_id, user_id, timestamp, generation_type,
			duration_ms, success, error_type, error_message,
			queue_wait_time_ms, generation_time_ms, model_checkpoint,
			image_dimensions, batch_size, prompt_tokens, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $4)`

	inserted := 0
	for _, msg := range msgs {
		ts := coerceTimestamp(msg.Values, "timestamp")
		_, err := tx.ExecContext(ctx, q,
			str(msg.Values, "event_type"),
			nullableInt(msg.Values, "generation_id"),
			nullableInt(msg.Values, "user_id"),
			ts,
			str(msg.Values, "generation_type"),
			nullableInt(msg.Values, "duration_ms"),
			coerceBool(msg.Values, "success"),
			nullableStr(msg.Values, "error_type"),
			nullableStr(msg.Values, "error_message"),
			nullableInt(msg.Values, "queue_wait_time_ms"),
			nullableInt(msg.Values, "generation_time_ms"),
			nullableStr(msg.Values, "model_checkpoint"),
			nullableStr(msg.Values, "image_dimensions"),
			nullableInt(msg.Values, "batch_size"),
			nullableInt(msg.Values, "prompt_tokens"),
		)
		if err != nil {
			t.log.Error("insert generation_events event failed", obs.String("event_id", msg.ID), obs.Err(err))
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit generation_events transfer: %w", err)
	}
	obs.AnalyticsTransferRows.WithLabelValues("generation_events").Add(float64(inserted))

	if err := t.buf.Trim(ctx, "generation_events", trimMaxLen); err != nil {
		t.log.Warn("trim generation_events stream failed", obs.Err(err))
	}
	return inserted, nil
}

func str(v map[string]interface{}, key string) string {
	if s, ok := v[key].(string); ok {
		return s
	}
	return ""
}

func strOr(v map[string]interface{}, key, def string) string {
	if s := str(v, key); s != "" {
		return s
	}
	return def
}

func nullableStr(v map[string]interface{}, key string) interface{} {
	s := str(v, key)
	if s == "" {
		return nil
	}
	return s
}

func coerceInt(v map[string]interface{}, key string, def int64) int64 {
	s := str(v, key)
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func nullableInt(v map[string]interface{}, key string) interface{} {
	s := str(v, key)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return n
}

func coerceBool(v map[string]interface{}, key string) bool {
	s := str(v, key)
	b, _ := strconv.ParseBool(s)
	return b
}

// coerceTimestamp parses a unix-epoch-seconds field or an RFC3339Nano
// string (the form analytics capture writes), falling back to now when the
// field is missing or unparseable so a malformed event still
// lands with a usable timestamp instead of failing the whole batch.
func coerceTimestamp(v map[string]interface{}, key string) time.Time {
	s := str(v, key)
	if s == "" {
		return time.Now().UTC()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if parsed, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return parsed.UTC()
		}
		return time.Now().UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}
