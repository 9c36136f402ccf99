// Copyright 2025 James Ross
package backend

import (
	"context"
	"errors"
	"time"
)

// Params describes a single generation request handed to a backend.
// Fields mirror the job parameters stored by internal/jobstore: checkpoint,
// prompt, dimensions and batch size, plus an optional workflow override.
type Params struct {
	JobID       int64
	Checkpoint  string
	Prompt      string
	Width       int
	Height      int
	BatchSize   int
	Seed        int64
	WorkflowRaw []byte
}

// Status reports backend-side progress for a submitted job.
type Status struct {
	State    string // queued, running, completed, failed
	Progress float64
	Message  string
}

const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Client is the abstraction the job lifecycle engine drives: submit a
// generation request, poll it to completion, then collect the output file
// paths it produced. Both the primary (real) backend and the mock backend
// implement this so lifecycle code never branches on backend identity.
type Client interface {
	Submit(ctx context.Context, p Params) (backendJobID string, err error)
	Poll(ctx context.Context, backendJobID string) (Status, error)
	CollectOutputPaths(ctx context.Context, backendJobID string) ([]string, error)
	Name() string
}

// Factory constructs a Client from a backend selector string, the way the
// teacher's registry maps a type name to a concrete queue backend.
type Factory interface {
	Create(selector string) (Client, error)
}

var (
	ErrUnknownBackend  = errors.New("backend: unknown selector")
	ErrBackendDown     = errors.New("backend: circuit open")
	ErrJobNotFound     = errors.New("backend: job not found")
	ErrTimedOut        = errors.New("backend: wait for outputs timed out")
)

// WaitOptions configures the polling loop used by WaitForOutputs.
type WaitOptions struct {
	PollInterval time.Duration
	MaxWait      time.Duration
}
