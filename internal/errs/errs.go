// Copyright 2025 James Ross

// Package errs is the typed error taxonomy shared by internal/lifecycle and
// internal/workerruntime (spec.md §7); internal/jobstore and
// internal/backend keep their own sentinels. Every constructor wraps a package-level sentinel so callers can test
// with errors.Is against the sentinel while still carrying a specific
// message and, where relevant, an underlying cause. This mirrors the
// teacher's sentinel-plus-wrapping style in internal/breaker and
// internal/admin rather than exception-style control flow.
package errs

import (
	"errors"
	"fmt"
)

// Sentinels. Match against these with errors.Is, never by comparing error
// strings.
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrWorkersUnavailable = errors.New("workers unavailable")
	ErrBackendConnection  = errors.New("backend connection error")
	ErrBackendWorkflow    = errors.New("backend workflow error")
	ErrTransientStore     = errors.New("transient store error")
	ErrTimeout            = errors.New("timeout")
	ErrInternal           = errors.New("internal error")
)

// wrapped satisfies error, Unwrap (for %w-based errors.Is/As chains beyond
// the sentinel), and Is (so errors.Is(err, errs.ErrValidation) matches
// regardless of message or cause).
type wrapped struct {
	sentinel error
	msg      string
	cause    error
}

func (w *wrapped) Error() string {
	if w.cause != nil {
		return fmt.Sprintf("%s: %s: %v", w.sentinel, w.msg, w.cause)
	}
	return fmt.Sprintf("%s: %s", w.sentinel, w.msg)
}

func (w *wrapped) Unwrap() error { return w.cause }

func (w *wrapped) Is(target error) bool { return target == w.sentinel }

func newf(sentinel error, cause error, format string, args ...interface{}) error {
	return &wrapped{sentinel: sentinel, msg: fmt.Sprintf(format, args...), cause: cause}
}

func Validation(msg string) error                  { return newf(ErrValidation, nil, "%s", msg) }
func Validationf(format string, a ...interface{}) error { return newf(ErrValidation, nil, format, a...) }

func NotFound(msg string) error { return newf(ErrNotFound, nil, "%s", msg) }

func Conflict(msg string) error { return newf(ErrConflict, nil, "%s", msg) }

func WorkersUnavailable(msg string) error { return newf(ErrWorkersUnavailable, nil, "%s", msg) }
func WorkersUnavailablef(format string, a ...interface{}) error {
	return newf(ErrWorkersUnavailable, nil, format, a...)
}

func BackendConnection(msg string, cause error) error { return newf(ErrBackendConnection, cause, "%s", msg) }

func BackendWorkflow(msg string, cause error) error { return newf(ErrBackendWorkflow, cause, "%s", msg) }
func BackendWorkflowf(format string, a ...interface{}) error {
	return newf(ErrBackendWorkflow, nil, format, a...)
}

func TransientStore(msg string, cause error) error { return newf(ErrTransientStore, cause, "%s", msg) }

func Timeout(msg string) error { return newf(ErrTimeout, nil, "%s", msg) }
func Timeoutf(format string, a ...interface{}) error { return newf(ErrTimeout, nil, format, a...) }

func Internal(msg string, cause error) error { return newf(ErrInternal, cause, "%s", msg) }

// Retryable reports whether the task queue should auto-retry a failure,
// per spec.md §4.D: only backend-connection and backend-workflow errors on
// generation jobs are retried. Validation/conflict/timeout/internal errors
// are terminal; workers-unavailable is rejected at submission, before a
// task exists to retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackendConnection) || errors.Is(err, ErrBackendWorkflow)
}
