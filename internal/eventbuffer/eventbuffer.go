// Copyright 2025 James Ross
package eventbuffer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
	"github.com/joeflack4/genonaut-sub002/internal/redisclient"
	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
)

// Buffer is a bounded, append-only, topic-keyed store backed by a Redis
// Stream. Producers (the HTTP middleware, the worker runtime) append field
// maps; the analytics transfer task periodically drains a stream and
// approximately trims it to keep it bounded.
type Buffer struct {
	cfg *config.Config
	rdb *redis.Client
}

func New(cfg *config.Config, rdb *redis.Client) *Buffer {
	return &Buffer{cfg: cfg, rdb: rdb}
}

// gzipThreshold is the payload size above which a single large field value
// is gzip-compressed before being stored, to keep stream memory bounded
// when a field (e.g. a serialized workflow) is unusually large.
const gzipThreshold = 4096

// maxStreamLen is the approximate per-stream bound applied on every append.
const maxStreamLen = 100000

// Append adds one entry to the named stream, approximately trimming it to
// maxStreamLen entries, and returns its stream id.
func (b *Buffer) Append(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	start := time.Now()
	defer func() { obs.EventBufferAppendDuration.Observe(time.Since(start).Seconds()) }()

	packed := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok && len(s) > gzipThreshold {
			compressed, err := compress(s)
			if err != nil {
				return "", fmt.Errorf("compress field %q: %w", k, err)
			}
			packed[k+"__gz"] = compressed
			continue
		}
		packed[k] = v
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(b.cfg, stream),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: packed,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream %s: %w", stream, err)
	}
	return id, nil
}

// Range reads up to count entries whose id is strictly greater than startID
// (use "0-0" for the beginning of the stream), decompressing any
// gzip-packed fields.
func (b *Buffer) Range(ctx context.Context, stream, startID string, count int64) ([]redis.XMessage, error) {
	result, err := b.rdb.XRange(ctx, streamKey(b.cfg, stream), "("+startID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("range stream %s: %w", stream, err)
	}
	if count > 0 && int64(len(result)) > count {
		result = result[:count]
	}
	for i, msg := range result {
		decoded := make(map[string]interface{}, len(msg.Values))
		for k, v := range msg.Values {
			if raw, ok := v.(string); ok && len(k) > 4 && k[len(k)-4:] == "__gz" {
				s, err := decompress(raw)
				if err != nil {
					return nil, fmt.Errorf("decompress field %q: %w", k, err)
				}
				decoded[k[:len(k)-4]] = s
				continue
			}
			decoded[k] = v
		}
		result[i].Values = decoded
	}
	return result, nil
}

// ReadFrom issues an XREAD for up to count entries starting immediately
// after afterID, the primitive the analytics transfer task uses to drain
// a stream in batches.
func (b *Buffer) ReadFrom(ctx context.Context, stream, afterID string, count int64) ([]redis.XMessage, error) {
	streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(b.cfg, stream), afterID},
		Count:   count,
		Block:   -1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", stream, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

// Trim approximately trims the stream to maxLen entries, the cheap
// MAXLEN ~ form that doesn't require scanning the whole stream.
func (b *Buffer) Trim(ctx context.Context, stream string, maxLen int64) error {
	n, err := b.rdb.XTrimMaxLenApprox(ctx, streamKey(b.cfg, stream), maxLen, 0).Result()
	if err != nil {
		return fmt.Errorf("trim stream %s: %w", stream, err)
	}
	if n > 0 {
		obs.EventBufferTrimmed.WithLabelValues(stream).Add(float64(n))
	}
	return nil
}

func streamKey(cfg *config.Config, stream string) string {
	return redisclient.Namespaced(cfg, "stream", stream)
}

func compress(s string) (string, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func decompress(s string) (string, error) {
	r, err := gzip.NewReader(bytes.NewReader([]byte(s)))
	if err != nil {
		return "", err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
