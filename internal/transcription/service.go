// Package transcription admits backend invocations through the concurrency
// gate and times them.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scribe/internal/backend"
)

type Invoker interface {
	Invoke(ctx context.Context, model backend.Model, audioPath string, opts backend.Options) (backend.Output, error)
}

type Service struct {
	gate    *Gate
	invoker Invoker
	timeout time.Duration
}

type Result struct {
	Output backend.Output
	// Queue is time spent waiting for the gate; Processing is the backend call alone.
	Queue      time.Duration
	Processing time.Duration
}

// New wires the gate to an invoker. A zero timeout leaves backend calls unbounded.
func New(gate *Gate, invoker Invoker, timeout time.Duration) *Service {
	return &Service{gate: gate, invoker: invoker, timeout: timeout}
}

func (s *Service) Transcribe(ctx context.Context, model backend.Model, audioPath string, opts backend.Options) (Result, error) {
	queued := time.Now()
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()
	result := Result{Queue: time.Since(queued)}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	out, err := s.invoker.Invoke(ctx, model, audioPath, opts)
	result.Processing = time.Since(started)
	if err != nil {
		if s.timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("backend did not finish within %s: %w", s.timeout, err)
		}
		return Result{}, err
	}
	result.Output = out
	return result, nil
}

func (s *Service) Stats() GateStats {
	return s.gate.Stats()
}
