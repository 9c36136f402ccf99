// Copyright 2025 James Ross
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/joeflack4/genonaut-sub002/internal/breaker"
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/joeflack4/genonaut-sub002/internal/obs"
)

// Registry maps backend selector strings ("primary", "mock") to Clients,
// the way the teacher's BackendRegistry maps queue type names to
// QueueBackend implementations.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Client)}
}

func (r *Registry) Register(selector string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[selector] = c
}

func (r *Registry) Get(selector string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.backends[selector]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, selector)
	}
	return c, nil
}

// NewDefaultRegistry wires the primary and mock backends from config,
// each gated by its own circuit breaker.
func NewDefaultRegistry(cfg *config.Config) *Registry {
	reg := NewRegistry()
	reg.Register("primary", NewGuarded(cfg, NewPrimaryClient(cfg)))
	reg.Register("mock", NewGuarded(cfg, NewMockClient(cfg)))
	return reg
}

// Guarded wraps a Client's Submit call with a circuit breaker so a backend
// in meltdown fails fast instead of piling up worker goroutines in timeouts.
type Guarded struct {
	inner Client
	cb    *breaker.CircuitBreaker
}

func NewGuarded(cfg *config.Config, inner Client) *Guarded {
	return &Guarded{
		inner: inner,
		cb: breaker.New(
			cfg.CircuitBreaker.Window,
			cfg.CircuitBreaker.CooldownPeriod,
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.MinSamples,
		),
	}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Submit(ctx context.Context, p Params) (string, error) {
	if !g.cb.Allow() {
		return "", ErrBackendDown
	}
	id, err := g.inner.Submit(ctx, p)

	prev := g.cb.State()
	g.cb.Record(err == nil)
	g.reportBreakerState()
	if prev != g.cb.State() && g.cb.State() == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(g.inner.Name()).Inc()
	}

	return id, err
}

func (g *Guarded) reportBreakerState() {
	switch g.cb.State() {
	case breaker.Closed:
		obs.CircuitBreakerState.WithLabelValues(g.inner.Name()).Set(0)
	case breaker.HalfOpen:
		obs.CircuitBreakerState.WithLabelValues(g.inner.Name()).Set(1)
	case breaker.Open:
		obs.CircuitBreakerState.WithLabelValues(g.inner.Name()).Set(2)
	}
}

func (g *Guarded) Poll(ctx context.Context, id string) (Status, error) {
	return g.inner.Poll(ctx, id)
}

func (g *Guarded) CollectOutputPaths(ctx context.Context, id string) ([]string, error) {
	return g.inner.CollectOutputPaths(ctx, id)
}

// WaitForOutputs polls a backend job until it completes, fails, or the
// configured max wait elapses, then returns its collected output paths.
func WaitForOutputs(ctx context.Context, c Client, backendJobID string, opts WaitOptions) ([]string, error) {
	deadline := time.Now().Add(opts.MaxWait)
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			status, err := c.Poll(ctx, backendJobID)
			if err != nil {
				return nil, err
			}
			switch status.State {
			case StateCompleted:
				return c.CollectOutputPaths(ctx, backendJobID)
			case StateFailed:
				return nil, fmt.Errorf("backend job %s failed: %s", backendJobID, status.Message)
			}
			if time.Now().After(deadline) {
				return nil, ErrTimedOut
			}
		}
	}
}

// PrimaryClient talks to the real generation service over HTTP and
// relocates its output files to S3 under users/<id>/<date>/<file>, standing
// in for the on-disk file layout the original service used locally.
type PrimaryClient struct {
	cfg        *config.Config
	httpClient *http.Client
	s3         *s3.S3
}

func NewPrimaryClient(cfg *config.Config) *PrimaryClient {
	var svc *s3.S3
	if sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Backend.OutputBucketRegion)}); err == nil {
		svc = s3.New(sess)
	}
	return &PrimaryClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Backend.DefaultTimeout},
		s3:         svc,
	}
}

func (p *PrimaryClient) Name() string { return "primary" }

type primarySubmitRequest struct {
	Checkpoint string `json:"checkpoint"`
	Prompt     string `json:"prompt"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	BatchSize  int    `json:"batch_size"`
	Seed       int64  `json:"seed"`
}

type primarySubmitResponse struct {
	PromptID string `json:"prompt_id"`
}

func (p *PrimaryClient) Submit(ctx context.Context, params Params) (string, error) {
	body, err := json.Marshal(primarySubmitRequest{
		Checkpoint: params.Checkpoint,
		Prompt:     params.Prompt,
		Width:      params.Width,
		Height:     params.Height,
		BatchSize:  params.BatchSize,
		Seed:       params.Seed,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Backend.PrimaryURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("primary backend returned status %d", resp.StatusCode)
	}
	var out primarySubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.PromptID, nil
}

func (p *PrimaryClient) Poll(ctx context.Context, backendJobID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Backend.PrimaryURL+"/history/"+backendJobID, nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Status{State: StateQueued}, nil
	}
	if resp.StatusCode >= 300 {
		return Status{}, fmt.Errorf("primary backend poll returned status %d", resp.StatusCode)
	}
	var out struct {
		Completed bool   `json:"completed"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Status{}, err
	}
	if out.Error != "" {
		return Status{State: StateFailed, Message: out.Error}, nil
	}
	if out.Completed {
		return Status{State: StateCompleted, Progress: 1}, nil
	}
	return Status{State: StateRunning}, nil
}

// CollectOutputPaths uploads whatever files the backend produced for this
// job to S3 and returns their object keys.
func (p *PrimaryClient) CollectOutputPaths(ctx context.Context, backendJobID string) ([]string, error) {
	if p.s3 == nil || p.cfg.Backend.OutputBucket == "" {
		return nil, fmt.Errorf("primary backend: output bucket not configured")
	}
	localDir := filepath.Join(p.cfg.Backend.MockOutputDir, backendJobID)
	matches, err := doublestar.FilepathGlob(filepath.Join(localDir, "**/*"))
	if err != nil {
		return nil, err
	}
	date := time.Now().UTC().Format("2006-01-02")
	var keys []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		f, err := os.Open(m)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("users/%s/%s/%s", backendJobID, date, filepath.Base(m))
		_, err = p.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.cfg.Backend.OutputBucket),
			Key:    aws.String(key),
			Body:   f,
		})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", m, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// MockClient simulates a generation backend by writing placeholder files
// into a scratch directory and discovering them by glob, for local
// development and tests without a real backend running.
type MockClient struct {
	cfg *config.Config
}

func NewMockClient(cfg *config.Config) *MockClient {
	return &MockClient{cfg: cfg}
}

func (m *MockClient) Name() string { return "mock" }

func (m *MockClient) Submit(ctx context.Context, params Params) (string, error) {
	jobDir := filepath.Join(m.cfg.Backend.MockOutputDir, fmt.Sprintf("job-%d", params.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", err
	}
	for i := 0; i < params.BatchSize; i++ {
		name := filepath.Join(jobDir, fmt.Sprintf("output_%03d.png", i))
		if err := os.WriteFile(name, []byte("mock-image"), 0o644); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("job-%d", params.JobID), nil
}

func (m *MockClient) Poll(ctx context.Context, backendJobID string) (Status, error) {
	jobDir := filepath.Join(m.cfg.Backend.MockOutputDir, backendJobID)
	if _, err := os.Stat(jobDir); err != nil {
		return Status{}, ErrJobNotFound
	}
	return Status{State: StateCompleted, Progress: 1}, nil
}

func (m *MockClient) CollectOutputPaths(ctx context.Context, backendJobID string) ([]string, error) {
	jobDir := filepath.Join(m.cfg.Backend.MockOutputDir, backendJobID)
	return doublestar.FilepathGlob(filepath.Join(jobDir, "*.png"))
}
