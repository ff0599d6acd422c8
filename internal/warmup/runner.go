// Package warmup loads the default model in the background at boot so the
// first request does not pay for it.
package warmup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scribe/internal/backend"
)

const (
	StatePending  = "pending"
	StateRunning  = "running"
	StateReady    = "ready"
	StateFailed   = "failed"
	StateDisabled = "disabled"
)

type Models interface {
	Acquire(ctx context.Context, key backend.Key) (backend.Model, error)
	Lookup(key backend.Key) (backend.Model, bool)
}

// Status is a point-in-time view of the warmup task.
type Status struct {
	State      string        `json:"state"`
	Model      string        `json:"model"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Duration   time.Duration `json:"-"`
	Error      string        `json:"error,omitempty"`
}

type outcome struct {
	finished time.Time
	err      error
}

// Runner is a one-shot task. Its outcome is published once, through a cell
// and a closed channel, so readers never take a lock.
type Runner struct {
	models Models
	key    backend.Key
	logger *slog.Logger
	// preflight runs after the model is loaded. Its failure is logged and
	// does not fail warmup.
	preflight func(ctx context.Context) error

	once    sync.Once
	started atomic.Pointer[time.Time]
	result  atomic.Pointer[outcome]
	done    chan struct{}
}

type Option func(*Runner)

func WithPreflight(check func(ctx context.Context) error) Option {
	return func(r *Runner) {
		r.preflight = check
	}
}

func New(models Models, key backend.Key, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		models: models,
		key:    key,
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches warmup on its own goroutine. Calls after the first, or after
// Disable, do nothing.
func (r *Runner) Start(ctx context.Context) {
	r.once.Do(func() {
		now := time.Now()
		r.started.Store(&now)
		go r.run(ctx)
	})
}

// Disable marks warmup as skipped so readiness does not wait for it.
func (r *Runner) Disable() {
	r.once.Do(func() {
		r.result.Store(&outcome{finished: time.Now()})
		close(r.done)
	})
}

// Done is closed when warmup has finished, failed or been disabled.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Err returns the warmup error once Done is closed.
func (r *Runner) Err() error {
	if res := r.result.Load(); res != nil {
		return res.err
	}
	return nil
}

func (r *Runner) Status() Status {
	status := Status{State: StatePending, Model: r.key.String()}
	started := r.started.Load()
	if started == nil {
		if r.result.Load() != nil {
			status.State = StateDisabled
		}
		return status
	}
	status.StartedAt = *started

	res := r.result.Load()
	if res == nil {
		status.State = StateRunning
		status.Duration = time.Since(*started)
		return status
	}
	status.FinishedAt = res.finished
	status.Duration = res.finished.Sub(*started)
	if res.err != nil {
		status.State = StateFailed
		status.Error = res.err.Error()
		return status
	}
	status.State = StateReady
	return status
}

func (r *Runner) run(ctx context.Context) {
	r.logger.Info("warmup started", "model", r.key.String())
	_, err := r.models.Acquire(ctx, r.key)
	finished := time.Now()
	r.result.Store(&outcome{finished: finished, err: err})
	close(r.done)

	elapsed := finished.Sub(*r.started.Load())
	if err != nil {
		r.logger.Error("warmup failed", "model", r.key.String(), "elapsed", elapsed, "error", err)
		return
	}
	r.logger.Info("warmup completed", "model", r.key.String(), "elapsed", elapsed)

	if r.preflight != nil {
		if err := r.preflight(ctx); err != nil {
			r.logger.Warn("cleanup endpoint preflight failed", "error", err)
		}
	}
}

// Warm loads key synchronously through the same cache. alreadyLoaded reports
// whether the model was present before the call.
func Warm(ctx context.Context, models Models, key backend.Key) (alreadyLoaded bool, err error) {
	if _, ok := models.Lookup(key); ok {
		return true, nil
	}
	if _, err := models.Acquire(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}
