// Copyright 2025 James Ross
package progressbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
	"github.com/joeflack4/genonaut-sub002/internal/redisclient"
	"github.com/redis/go-redis/v9"
)

// Bus publishes and relays job progress updates over Redis Pub/Sub, one
// channel per job: "<namespace>:job:<job_id>".
type Bus struct {
	cfg *config.Config
	rdb *redis.Client
}

func New(cfg *config.Config, rdb *redis.Client) *Bus {
	return &Bus{cfg: cfg, rdb: rdb}
}

func (b *Bus) Channel(jobID int64) string {
	return redisclient.Namespaced(b.cfg, "job", strconv.FormatInt(jobID, 10))
}

// Message is the envelope published to a job's channel.
type Message struct {
	JobID     int64                  `json:"job_id"`
	Status    string                 `json:"status"`
	Timestamp *time.Time             `json:"timestamp"`
	Extra     map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extra fields alongside the fixed job_id/status/timestamp
// keys, matching the publish_job_update envelope shape.
func (m Message) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"job_id":    m.JobID,
		"status":    m.Status,
		"timestamp": m.Timestamp,
	}
	for k, v := range m.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// Publish sends a status update for jobID with optional extra fields, the
// way publish_job_started/processing/completed/failed do.
func (b *Bus) Publish(ctx context.Context, jobID int64, status string, extra map[string]interface{}) error {
	msg := Message{JobID: jobID, Status: status, Timestamp: nil, Extra: extra}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal progress message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.Channel(jobID), payload).Err(); err != nil {
		return fmt.Errorf("publish progress for job %d: %w", jobID, err)
	}
	obs.ProgressBusPublished.Inc()
	return nil
}

func (b *Bus) PublishStarted(ctx context.Context, jobID int64) error {
	return b.Publish(ctx, jobID, "started", nil)
}

func (b *Bus) PublishProcessing(ctx context.Context, jobID int64, progress float64) error {
	return b.Publish(ctx, jobID, "processing", map[string]interface{}{"progress": progress})
}

func (b *Bus) PublishCompleted(ctx context.Context, jobID, contentID int64, outputPaths []string) error {
	return b.Publish(ctx, jobID, "completed", map[string]interface{}{
		"content_id":   contentID,
		"output_paths": outputPaths,
	})
}

func (b *Bus) PublishFailed(ctx context.Context, jobID int64, errMsg string) error {
	return b.Publish(ctx, jobID, "failed", map[string]interface{}{"error": errMsg})
}

// Subscribe returns a PubSub for the given job ids' channels; the caller
// drains sub.Channel() and must Close it when done.
func (b *Bus) Subscribe(ctx context.Context, jobIDs ...int64) *redis.PubSub {
	channels := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		channels[i] = b.Channel(id)
	}
	return b.rdb.Subscribe(ctx, channels...)
}
