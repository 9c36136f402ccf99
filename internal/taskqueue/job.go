// Copyright 2025 James Ross
package taskqueue

import (
	"encoding/json"
	"time"
)

// WorkerTask is the wire envelope pushed onto the Redis task queue. It
// carries just enough to let a worker resume processing a job without a
// database round trip: the job id to dispatch, how many times it has been
// retried, and tracing metadata threaded through from the request that
// created the job.
type WorkerTask struct {
	TaskName     string `json:"task_name"`
	JobID        int64  `json:"job_id"`
	Retries      int    `json:"retries"`
	DispatchedAt string `json:"dispatched_at"`
	TraceID      string `json:"trace_id,omitempty"`
	SpanID       string `json:"span_id,omitempty"`
}

// NewWorkerTask builds a task envelope stamped with the current time.
func NewWorkerTask(taskName string, jobID int64, traceID, spanID string) WorkerTask {
	return WorkerTask{
		TaskName:     taskName,
		JobID:        jobID,
		Retries:      0,
		DispatchedAt: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:      traceID,
		SpanID:       spanID,
	}
}

func (t WorkerTask) Marshal() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalWorkerTask(s string) (WorkerTask, error) {
	var t WorkerTask
	err := json.Unmarshal([]byte(s), &t)
	return t, err
}
