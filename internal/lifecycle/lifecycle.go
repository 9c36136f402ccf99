// Copyright 2025 James Ross
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joeflack4/genonaut-sub002/internal/backend"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/errs"
	"github.com/joeflack4/genonaut-sub002/internal/eventbuffer"
	"github.com/joeflack4/genonaut-sub002/internal/jobstore"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
	"github.com/joeflack4/genonaut-sub002/internal/progressbus"
	"github.com/joeflack4/genonaut-sub002/internal/taskqueue"
	"go.uber.org/zap"
)

var ErrCancelled = errors.New("lifecycle: job was cancelled")

// maxPromptLength is the spec-mandated ceiling on prompt length (§4.E.2
// step 2); prompts at exactly this length are accepted, one over is not.
const maxPromptLength = 10000

// notificationStream is the Event Buffer topic completion/failure
// notifications are appended to, reusing the same transport the progress
// and analytics paths already depend on rather than inventing a new one.
const notificationStream = "notifications"

// CreateParams is what a caller (such as an HTTP submission handler) supplies
// to start a new generation job.
type CreateParams struct {
	UserID         int64
	Kind           string
	Checkpoint     string
	Prompt         string
	NegativePrompt string
	LoRAs          []string
	Width          int
	Height         int
	BatchSize      int
	Seed           int64
	Steps          int
	CFGScale       float64
	SamplerName    string
	SchedulerName  string
	Denoise        float64
	Params         map[string]interface{}
	BackendName    string
	TraceID        string
}

// GenerationRequest is the normalized request handed to the workflow
// builder (§4.E.3 step 4): the stored job's params, merged with whatever
// runtime overrides Process applies, ready to become a backend-specific
// workflow descriptor.
type GenerationRequest struct {
	Prompt         string                 `json:"prompt"`
	NegativePrompt string                 `json:"negative_prompt,omitempty"`
	Checkpoint     string                 `json:"checkpoint"`
	LoRAs          []string               `json:"loras,omitempty"`
	Width          int                    `json:"width"`
	Height         int                    `json:"height"`
	BatchSize      int                    `json:"batch_size"`
	Seed           int64                  `json:"seed"`
	Steps          int                    `json:"steps"`
	CFGScale       float64                `json:"cfg_scale"`
	SamplerName    string                 `json:"sampler_name"`
	SchedulerName  string                 `json:"scheduler_name"`
	Denoise        float64                `json:"denoise"`
	Params         map[string]interface{} `json:"params,omitempty"`
	FilenamePrefix string                 `json:"filename_prefix"`
}

// HealthProbe reports whether at least one worker is alive to accept new
// generation jobs (§4.L). A nil HealthProbe is treated as a test stub and
// the create-time gate is skipped, matching workerhealth.Checker's method
// signature so *workerhealth.Checker satisfies this directly.
type HealthProbe interface {
	AnyWorkerAlive(ctx context.Context) error
}

// FileOrganizer relocates backend output files into their permanent
// user/date layout once outputs are collected (§4.E.3 step 9). It is only
// consulted for the primary backend; the mock backend's paths are already
// in their final location.
type FileOrganizer interface {
	Organize(ctx context.Context, jobID, userID int64, paths []string) ([]string, error)
}

// ThumbnailService produces a thumbnail manifest for a job's output
// paths (§4.E.3 step 10). Its errors are logged and swallowed, never
// failing the job.
type ThumbnailService interface {
	Generate(ctx context.Context, jobID int64, paths []string) (map[string]interface{}, error)
}

// WorkflowBuilder turns a GenerationRequest into the backend-specific
// workflow blob submitted as backend.Params.WorkflowRaw (§4.E.3 step 5).
type WorkflowBuilder interface {
	Build(req GenerationRequest) ([]byte, error)
}

// Engine drives a job from creation through its terminal state. It is the
// single place that knows the full state machine; workers and the HTTP API
// both call into it rather than mutating jobstore rows directly. Per
// spec.md §9's ownership shape, it owns a short-lived bundle of
// collaborators that tests can override via WithCollaborators.
type Engine struct {
	cfg      *config.Config
	store    *jobstore.Store
	queue    *taskqueue.Queue
	backends *backend.Registry
	bus      *progressbus.Bus
	notify   *eventbuffer.Buffer
	health   HealthProbe
	log      *zap.Logger

	organizer  FileOrganizer
	thumbnails ThumbnailService
	workflows  WorkflowBuilder
}

func New(cfg *config.Config, store *jobstore.Store, queue *taskqueue.Queue, backends *backend.Registry, bus *progressbus.Bus, notify *eventbuffer.Buffer, health HealthProbe, log *zap.Logger) *Engine {
	return &Engine{
		cfg: cfg, store: store, queue: queue, backends: backends, bus: bus,
		notify: notify, health: health, log: log,
		organizer:  defaultFileOrganizer{},
		thumbnails: placeholderThumbnailer{},
		workflows:  jsonWorkflowBuilder{},
	}
}

// WithCollaborators overrides the file-organize/thumbnail/workflow-builder
// collaborators; nil arguments leave the current collaborator in place.
// Tests use this to inject fakes without reaching for package globals.
func (e *Engine) WithCollaborators(organizer FileOrganizer, thumbnails ThumbnailService, workflows WorkflowBuilder) *Engine {
	if organizer != nil {
		e.organizer = organizer
	}
	if thumbnails != nil {
		e.thumbnails = thumbnails
	}
	if workflows != nil {
		e.workflows = workflows
	}
	return e
}

// defaultFileOrganizer relocates mock/local output paths into the same
// users/<id>/<date>/<file> layout PrimaryClient.CollectOutputPaths already
// uses for its S3 keys, rewriting the backend-correlation-id prefix for
// the job's actual owning user.
type defaultFileOrganizer struct{}

func (defaultFileOrganizer) Organize(_ context.Context, _ int64, userID int64, paths []string) ([]string, error) {
	date := time.Now().UTC().Format("2006-01-02")
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = fmt.Sprintf("users/%d/%s/%s", userID, date, filepath.Base(p))
	}
	return out, nil
}

// placeholderThumbnailer stands in for a real thumbnailing pipeline: it
// records a manifest entry per output path without touching pixels, enough
// to exercise the metadata shape §4.E.3 step 11 expects.
type placeholderThumbnailer struct{}

func (placeholderThumbnailer) Generate(_ context.Context, _ int64, paths []string) (map[string]interface{}, error) {
	manifest := make(map[string]interface{}, len(paths))
	for _, p := range paths {
		ext := filepath.Ext(p)
		manifest[p] = strings.TrimSuffix(p, ext) + "_thumb" + ext
	}
	return manifest, nil
}

// jsonWorkflowBuilder marshals the GenerationRequest directly into
// backend.Params.WorkflowRaw. Real workflow templating (ComfyUI-style node
// graphs, etc.) is a backend concern the spec leaves opaque to the core.
type jsonWorkflowBuilder struct{}

func (jsonWorkflowBuilder) Build(req GenerationRequest) ([]byte, error) {
	return json.Marshal(req)
}

// Create persists a new pending job, applying config defaults for any
// unset dimension/batch-size/sampler fields, then enqueues a worker task
// for it. See §4.E.2.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*jobstore.Job, error) {
	if e.health != nil {
		if err := e.health.AnyWorkerAlive(ctx); err != nil {
			return nil, errs.WorkersUnavailablef("no live workers: %v", err)
		}
	}

	if p.Prompt == "" {
		return nil, errs.Validation("prompt must not be empty")
	}
	if len(p.Prompt) > maxPromptLength {
		return nil, errs.Validationf("prompt exceeds %d characters", maxPromptLength)
	}
	if p.Kind == "" {
		p.Kind = jobstore.KindImage
	}
	switch p.Kind {
	case jobstore.KindImage, jobstore.KindVideo, jobstore.KindText:
	default:
		return nil, errs.Validationf("unrecognized job kind %q", p.Kind)
	}

	if p.Width == 0 {
		p.Width = e.cfg.Backend.DefaultWidth
	}
	if p.Height == 0 {
		p.Height = e.cfg.Backend.DefaultHeight
	}
	if p.BatchSize == 0 {
		p.BatchSize = e.cfg.Backend.DefaultBatchSize
	}
	if p.Checkpoint == "" {
		p.Checkpoint = e.cfg.Backend.DefaultCheckpoint
	}
	if p.BackendName == "" {
		p.BackendName = "primary"
	}
	// Sampler-param defaults, empty params collapse to these (§4.E.2 step 3).
	if p.Steps == 0 {
		p.Steps = 20
	}
	if p.CFGScale == 0 {
		p.CFGScale = 7.0
	}
	if p.SamplerName == "" {
		p.SamplerName = "euler"
	}
	if p.SchedulerName == "" {
		p.SchedulerName = "normal"
	}
	if p.Denoise == 0 {
		p.Denoise = 1.0
	}

	job := &jobstore.Job{
		UserID:         p.UserID,
		Kind:           p.Kind,
		Checkpoint:     p.Checkpoint,
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		LoRAs:          p.LoRAs,
		Width:          p.Width,
		Height:         p.Height,
		BatchSize:      p.BatchSize,
		Seed:           p.Seed,
		Steps:          p.Steps,
		CFGScale:       p.CFGScale,
		SamplerName:    p.SamplerName,
		SchedulerName:  p.SchedulerName,
		Denoise:        p.Denoise,
		Params:         p.Params,
		BackendName:    p.BackendName,
	}
	id, err := e.store.Insert(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	job.ID = id
	job.Status = jobstore.StatusPending
	obs.JobsCreated.Inc()

	// Dispatch token stands in for the revocation handle the task queue
	// would otherwise need to look up by scanning; stored so Cancel has
	// something stable to log even though SignalCancel keys on job id.
	token := uuid.NewString()
	if _, err := e.store.Update(ctx, id, func(j *jobstore.Job) error {
		j.DispatchToken = token
		return nil
	}); err != nil {
		e.log.Warn("persist dispatch token failed", obs.Int64("job_id", id), obs.Err(err))
	}
	job.DispatchToken = token

	task := taskqueue.NewWorkerTask("generate", id, p.TraceID, "")
	if err := e.queue.Enqueue(ctx, task); err != nil {
		return job, fmt.Errorf("enqueue job %d: %w", id, err)
	}
	return job, nil
}

// Process runs the full happy/failure path for one job id: transition to
// running, submit to the backend, wait for outputs (honoring a mid-run
// cancellation signal), organize files, generate thumbnails, record the
// job's single Content row, and finalize as completed, failed, or
// cancelled. See §4.E.3.
func (e *Engine) Process(ctx context.Context, jobID int64, retries int) error {
	job, err := e.store.Fetch(ctx, jobID)
	if err != nil {
		return fmt.Errorf("process job %d: fetch: %w", jobID, err)
	}
	if job.Status == jobstore.StatusCancelled {
		return ErrCancelled
	}

	now := time.Now().UTC()
	if _, err := e.store.Update(ctx, jobID, func(j *jobstore.Job) error {
		if j.Status == jobstore.StatusCancelled {
			return ErrCancelled
		}
		j.Status = jobstore.StatusRunning
		j.StartedAt = &now
		j.RetryCount = retries
		j.ErrorMessage = ""
		return nil
	}); err != nil {
		if errors.Is(err, ErrCancelled) {
			return ErrCancelled
		}
		return fmt.Errorf("process job %d: mark running: %w", jobID, err)
	}
	if err := e.bus.PublishStarted(ctx, jobID); err != nil {
		e.log.Warn("publish started failed", obs.Int64("job_id", jobID), obs.Err(err))
	}

	client, err := e.backends.Get(job.BackendName)
	if err != nil {
		return e.fail(ctx, jobID, errs.BackendConnection(fmt.Sprintf("unknown backend %q", job.BackendName), err))
	}

	genReq := GenerationRequest{
		Prompt:         job.Prompt,
		NegativePrompt: job.NegativePrompt,
		Checkpoint:     job.Checkpoint,
		LoRAs:          job.LoRAs,
		Width:          job.Width,
		Height:         job.Height,
		BatchSize:      job.BatchSize,
		Seed:           job.Seed,
		Steps:          job.Steps,
		CFGScale:       job.CFGScale,
		SamplerName:    job.SamplerName,
		SchedulerName:  job.SchedulerName,
		Denoise:        job.Denoise,
		Params:         job.Params,
		FilenamePrefix: fmt.Sprintf("gen_job_%d", jobID),
	}
	workflowRaw, err := e.workflows.Build(genReq)
	if err != nil {
		return e.fail(ctx, jobID, errs.BackendWorkflow("build workflow", err))
	}

	backendJobID, err := client.Submit(ctx, backend.Params{
		JobID:       jobID,
		Checkpoint:  job.Checkpoint,
		Prompt:      job.Prompt,
		Width:       job.Width,
		Height:      job.Height,
		BatchSize:   job.BatchSize,
		Seed:        job.Seed,
		WorkflowRaw: workflowRaw,
	})
	if err != nil {
		return e.fail(ctx, jobID, errs.BackendConnection("submit", err))
	}
	if _, err := e.store.Update(ctx, jobID, func(j *jobstore.Job) error {
		j.BackendJobID = backendJobID
		return nil
	}); err != nil {
		e.log.Warn("record backend job id failed", obs.Int64("job_id", jobID), obs.Err(err))
	}

	if err := e.bus.PublishProcessing(ctx, jobID, 0); err != nil {
		e.log.Warn("publish processing failed", obs.Int64("job_id", jobID), obs.Err(err))
	}

	paths, err := e.waitForOutputs(ctx, jobID, client, backendJobID)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return e.unwindCancelled(ctx, jobID)
		}
		return e.fail(ctx, jobID, err)
	}
	if len(paths) == 0 {
		return e.fail(ctx, jobID, errs.BackendWorkflow("no outputs", nil))
	}

	job, err = e.store.Fetch(ctx, jobID)
	if err != nil {
		return fmt.Errorf("process job %d: refetch: %w", jobID, err)
	}
	if job.Status == jobstore.StatusCancelled {
		return ErrCancelled
	}

	if job.BackendName == "primary" {
		organized, err := e.organizer.Organize(ctx, jobID, job.UserID, paths)
		if err != nil {
			return e.fail(ctx, jobID, errs.Internal("file organize", err))
		}
		paths = organized
	}

	manifest, err := e.thumbnails.Generate(ctx, jobID, paths)
	if err != nil {
		e.log.Warn("thumbnail generation failed", obs.Int64("job_id", jobID), obs.Err(err))
		manifest = nil
	}

	metadata := make(map[string]interface{}, len(job.Params)+3)
	for k, v := range job.Params {
		metadata[k] = v
	}
	metadata["output_paths"] = paths
	metadata["thumbnails"] = manifest
	metadata["backend_job_id"] = backendJobID

	title := job.Prompt
	if len(title) > 255 {
		title = title[:255]
	}

	contentID, err := e.store.InsertContent(ctx, &jobstore.Content{
		JobID:     jobID,
		CreatorID: job.UserID,
		Title:     title,
		Type:      jobstore.ContentTypeImage,
		Data:      paths[0],
		Prompt:    job.Prompt,
		Metadata:  metadata,
	})
	if err != nil {
		return e.fail(ctx, jobID, errs.Internal("insert content", err))
	}

	return e.complete(ctx, jobID, contentID, paths)
}

// waitForOutputs polls the backend until it completes, fails, the
// configured max wait elapses, or a cancellation signal is observed,
// superseding backend.WaitForOutputs so cancellation can interrupt an
// in-flight wait rather than only blocking future dispatch.
func (e *Engine) waitForOutputs(ctx context.Context, jobID int64, client backend.Client, backendJobID string) ([]string, error) {
	deadline := time.Now().Add(e.cfg.Backend.MaxWaitTime)
	ticker := time.NewTicker(e.cfg.Backend.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if cancelled, err := e.queue.IsCancelled(ctx, jobID); err == nil && cancelled {
				return nil, ErrCancelled
			}
			status, err := client.Poll(ctx, backendJobID)
			if err != nil {
				return nil, errs.BackendConnection("poll", err)
			}
			switch status.State {
			case backend.StateCompleted:
				paths, err := client.CollectOutputPaths(ctx, backendJobID)
				if err != nil {
					return nil, errs.BackendWorkflow("collect output paths", err)
				}
				return paths, nil
			case backend.StateFailed:
				return nil, errs.BackendWorkflowf("backend job %s failed: %s", backendJobID, status.Message)
			}
			if time.Now().After(deadline) {
				return nil, errs.Timeoutf("wait for outputs: job %s exceeded max wait", backendJobID)
			}
		}
	}
}

func (e *Engine) complete(ctx context.Context, jobID, contentID int64, paths []string) error {
	now := time.Now().UTC()
	job, err := e.store.Update(ctx, jobID, func(j *jobstore.Job) error {
		j.Status = jobstore.StatusCompleted
		j.CompletedAt = &now
		j.ContentID = &contentID
		j.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	obs.JobsCompleted.Inc()
	if err := e.bus.PublishCompleted(ctx, jobID, contentID, paths); err != nil {
		e.log.Warn("publish completed failed", obs.Int64("job_id", jobID), obs.Err(err))
	}
	_ = e.queue.ClearCancel(ctx, jobID)
	e.publishNotification(ctx, jobID, job.UserID, "completed", map[string]interface{}{"content_id": contentID})
	return nil
}

// fail marks a job failed and publishes the failure; the worker runtime
// decides separately whether to retry, via errs.Retryable on cause.
func (e *Engine) fail(ctx context.Context, jobID int64, cause error) error {
	now := time.Now().UTC()
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	job, err := e.store.Update(ctx, jobID, func(j *jobstore.Job) error {
		j.Status = jobstore.StatusFailed
		j.ErrorMessage = msg
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		e.log.Error("mark failed failed", obs.Int64("job_id", jobID), obs.Err(err))
	}
	obs.JobsFailed.Inc()
	if err := e.bus.PublishFailed(ctx, jobID, msg); err != nil {
		e.log.Warn("publish failed message failed", obs.Int64("job_id", jobID), obs.Err(err))
	}
	var userID int64
	if job != nil {
		userID = job.UserID
	}
	e.publishNotification(ctx, jobID, userID, "failed", map[string]interface{}{"error": msg})
	return cause
}

// unwindCancelled finalizes a job whose in-flight wait observed a
// cancellation signal mid-poll, rather than the pre-dispatch Cancel path.
func (e *Engine) unwindCancelled(ctx context.Context, jobID int64) error {
	now := time.Now().UTC()
	if _, err := e.store.Update(ctx, jobID, func(j *jobstore.Job) error {
		if j.Status == jobstore.StatusCancelled {
			return nil
		}
		j.Status = jobstore.StatusCancelled
		j.CompletedAt = &now
		return nil
	}); err != nil && !errors.Is(err, jobstore.ErrConflict) {
		e.log.Warn("unwind cancelled failed", obs.Int64("job_id", jobID), obs.Err(err))
	}
	_ = e.queue.ClearCancel(ctx, jobID)
	return ErrCancelled
}

// publishNotification appends a best-effort completion/failure
// notification to the Event Buffer (§4.E.3 step 15, §4.E.4 step 4).
// Errors are logged, never propagated.
func (e *Engine) publishNotification(ctx context.Context, jobID, userID int64, kind string, extra map[string]interface{}) {
	if e.notify == nil {
		return
	}
	fields := map[string]interface{}{
		"job_id":  jobID,
		"user_id": userID,
		"type":    kind,
	}
	for k, v := range extra {
		fields[k] = v
	}
	if _, err := e.notify.Append(ctx, notificationStream, fields); err != nil {
		e.log.Warn("notification append failed", obs.Int64("job_id", jobID), obs.Err(err))
	}
}

// Cancel marks a job cancelled. A pending job is revoked from the main
// queue before dispatch; a running job is sent a forceful cancellation
// signal the worker observes on its next poll tick (§4.E.5). A job already
// in a terminal state cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, jobID int64, reason string) error {
	job, err := e.store.Fetch(ctx, jobID)
	if err != nil {
		return fmt.Errorf("cancel job %d: %w", jobID, err)
	}
	switch job.Status {
	case jobstore.StatusCompleted, jobstore.StatusFailed, jobstore.StatusCancelled:
		return errs.Validationf("cancel job %d: already in terminal state %s", jobID, job.Status)
	}

	if job.Status == jobstore.StatusPending {
		if _, err := e.queue.Revoke(ctx, jobID); err != nil {
			e.log.Warn("revoke pending task failed", obs.Int64("job_id", jobID), obs.Err(err))
		}
	} else {
		if err := e.queue.SignalCancel(ctx, jobID); err != nil {
			e.log.Warn("signal cancel failed", obs.Int64("job_id", jobID), obs.Err(err))
		}
	}

	errMsg := ""
	if reason != "" {
		errMsg = "Cancelled: " + reason
	}
	now := time.Now().UTC()
	if _, err := e.store.Update(ctx, jobID, func(j *jobstore.Job) error {
		j.Status = jobstore.StatusCancelled
		j.CancelReason = reason
		j.ErrorMessage = errMsg
		j.CompletedAt = &now
		return nil
	}); err != nil {
		return fmt.Errorf("cancel job %d: %w", jobID, err)
	}
	obs.JobsCancelled.Inc()
	return e.bus.Publish(ctx, jobID, "cancelled", map[string]interface{}{"reason": reason})
}
