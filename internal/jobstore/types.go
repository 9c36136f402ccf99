// Copyright 2025 James Ross
package jobstore

import (
	"errors"
	"time"
)

// Job is the system-of-record row for a generation request, persisted in
// Postgres and mutated through its full lifecycle by internal/lifecycle.
type Job struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
	Kind   string `json:"kind"`

	Checkpoint     string   `json:"checkpoint"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	LoRAs          []string `json:"loras,omitempty"`

	Width     int `json:"width"`
	Height    int `json:"height"`
	BatchSize int `json:"batch_size"`

	Seed          int64   `json:"seed"`
	Steps         int     `json:"steps,omitempty"`
	CFGScale      float64 `json:"cfg_scale,omitempty"`
	SamplerName   string  `json:"sampler_name,omitempty"`
	SchedulerName string  `json:"scheduler_name,omitempty"`
	Denoise       float64 `json:"denoise,omitempty"`

	// Params holds backend-specific knobs that don't warrant their own
	// column (e.g. ControlNet weights, upscale factor). Free-form by design.
	Params map[string]interface{} `json:"params,omitempty"`

	BackendName   string `json:"backend_name"`
	BackendJobID  string `json:"backend_job_id,omitempty"`
	DispatchToken string `json:"dispatch_token,omitempty"`

	RetryCount   int    `json:"retry_count"`
	CancelReason string `json:"cancel_reason,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// ContentID is set exactly when Status == StatusCompleted, pointing at
	// the single Content row this job produced. See the §8 invariant this
	// enforces in internal/lifecycle.
	ContentID *int64 `json:"content_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Job kinds. Create validates and stores the kind; the workflow builder
// does not vary by kind.
const (
	KindImage = "image"
	KindVideo = "video"
	KindText  = "text"
)

// Status values a Job moves through. Cancellation always lands on
// Cancelled; a cancel reason is also written into ErrorMessage with a
// "Cancelled: " prefix (see the Open Question decisions in DESIGN.md).
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Content is the single artifact row a completed job produces (§3.1: Job
// and Content are 1:1). Title/Data are pulled out of Metadata for direct
// querying; Metadata carries everything else (every output path, the
// thumbnail manifest, backend echoes, backend results URL, raw history).
type Content struct {
	ID        int64                  `json:"id"`
	JobID     int64                  `json:"job_id"`
	CreatorID int64                  `json:"creator_id"`
	Title     string                 `json:"title"`
	Type      string                 `json:"type"`
	Data      string                 `json:"data"`
	Prompt    string                 `json:"prompt"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ContentType values. Only image generation is fully supported today, per
// spec's job-kind note, but the column is a plain string for forward
// compatibility with video/text content.
const (
	ContentTypeImage = "image"
)

// Filter narrows a Query call. Zero values are treated as "no filter".
type Filter struct {
	UserID   int64
	Status   string
	Since    time.Time
	Limit    int
	Offset   int
}

// StatusCount is one row of an AggregateByStatus result.
type StatusCount struct {
	Status string
	Count  int64
}

var (
	ErrNotFound       = errors.New("jobstore: not found")
	ErrValidation     = errors.New("jobstore: validation failed")
	ErrConflict       = errors.New("jobstore: conflicting update")
)
