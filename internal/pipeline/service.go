// Package pipeline runs one transcription request end to end: it resolves the
// effective configuration, borrows a cached model, prepares the audio, admits
// the backend call through the gate and cleans the transcript.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"scribe/internal/apperr"
	"scribe/internal/audio"
	"scribe/internal/backend"
	"scribe/internal/observability"
	"scribe/internal/postprocess"
	"scribe/internal/transcription"
)

type ModelSource interface {
	Acquire(ctx context.Context, key backend.Key) (backend.Model, error)
}

type AudioPreparer interface {
	Prepare(ctx context.Context, path string) (audio.Prepared, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, model backend.Model, audioPath string, opts backend.Options) (transcription.Result, error)
}

type Cleaner interface {
	ResolveMode(mode string) (string, error)
	Clean(ctx context.Context, text, mode string) (postprocess.Result, error)
}

type Observer interface {
	ObserveAudio(seconds float64)
	ObserveCleanup(mode, outcome string, duration time.Duration)
	IncPipelineError(kind string)
}

type Input struct {
	AudioPath string
	// FileName is the caller's original name, used for logging only.
	FileName string

	Backend     string
	Model       string
	Device      string
	Compute     string
	Language    string
	Task        string
	Prompt      string
	CleanupMode string

	IncludeSegments bool
}

type Decoding struct {
	BeamSize       int
	VADFilter      bool
	WordTimestamps bool
	Temperature    float64
}

type Timings struct {
	Queue         time.Duration
	Transcription time.Duration
	Cleanup       time.Duration
	Total         time.Duration
}

type Result struct {
	Text     string
	RawText  string
	Language string
	// DurationSeconds is the audio length, rounded to milliseconds.
	DurationSeconds float64
	// ProcessingTime covers the backend invocation only.
	ProcessingTime time.Duration

	Key         backend.Key
	Task        string
	CleanupMode string
	Decoding    Decoding
	Segments    []backend.Segment
	Usage       *postprocess.TokenUsage
	Timings     Timings
}

type Service struct {
	models      ModelSource
	audio       AudioPreparer
	transcriber Transcriber
	cleaner     Cleaner
	defaults    Defaults
	observer    Observer
	logger      *slog.Logger
}

type Option func(*Service)

func WithObserver(observer Observer) Option {
	return func(s *Service) {
		s.observer = observer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(models ModelSource, preparer AudioPreparer, transcriber Transcriber, cleaner Cleaner, defaults Defaults, opts ...Option) *Service {
	s := &Service{
		models:      models,
		audio:       preparer,
		transcriber: transcriber,
		cleaner:     cleaner,
		defaults:    defaults,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Defaults() Defaults {
	return s.defaults
}

// Process runs the request. The converted audio artifact is always released
// before Process returns, whatever the outcome.
func (s *Service) Process(ctx context.Context, in Input) (res Result, err error) {
	started := time.Now()
	key := s.defaults.Resolve(in)

	ctx, span := observability.StartSpan(ctx, "pipeline.process",
		attribute.String("scribe.backend", key.Backend),
		attribute.String("scribe.model", key.Model),
	)
	defer func() {
		if err != nil && s.observer != nil {
			s.observer.IncPipelineError(errorKind(err))
		}
		observability.EndSpan(span, err)
	}()

	task, err := resolveTask(in.Task)
	if err != nil {
		return Result{}, err
	}
	mode, err := s.cleaner.ResolveMode(in.CleanupMode)
	if err != nil {
		return Result{}, err
	}

	model, err := s.acquire(ctx, key)
	if err != nil {
		return Result{}, err
	}

	prepared, err := s.prepare(ctx, in.AudioPath)
	if err != nil {
		return Result{}, err
	}
	defer prepared.Release()

	if err := audio.CheckDuration(prepared.Duration, s.defaults.MaxDurationSeconds); err != nil {
		return Result{}, err
	}
	if s.observer != nil {
		s.observer.ObserveAudio(prepared.Duration)
	}

	language := strings.TrimSpace(in.Language)
	if language == "" {
		language = s.defaults.Language
	}
	opts := backend.Options{
		Language:       language,
		Task:           task,
		Prompt:         in.Prompt,
		BeamSize:       s.defaults.BeamSize,
		VADFilter:      s.defaults.VADFilter,
		WordTimestamps: s.defaults.WordTimestamps,
		Temperature:    s.defaults.Temperature,
	}

	transcribed, err := s.transcribe(ctx, model, prepared.Path, opts)
	if err != nil {
		return Result{}, err
	}
	raw := transcribed.Output.Text

	cleanupStarted := time.Now()
	cleaned, err := s.clean(ctx, raw, mode)
	cleanupDuration := time.Since(cleanupStarted)
	if err != nil {
		return Result{}, err
	}

	detected := strings.TrimSpace(transcribed.Output.Language)
	if detected == "" {
		detected = language
	}

	res = Result{
		Text:            cleaned.Text,
		RawText:         raw,
		Language:        detected,
		DurationSeconds: math.Round(prepared.Duration*1000) / 1000,
		ProcessingTime:  transcribed.Processing,
		Key:             key,
		Task:            task,
		CleanupMode:     cleaned.Mode,
		Decoding: Decoding{
			BeamSize:       opts.BeamSize,
			VADFilter:      opts.VADFilter,
			WordTimestamps: opts.WordTimestamps,
			Temperature:    opts.Temperature,
		},
		Usage: cleaned.Usage,
		Timings: Timings{
			Queue:         transcribed.Queue,
			Transcription: transcribed.Processing,
			Cleanup:       cleanupDuration,
			Total:         time.Since(started),
		},
	}
	if in.IncludeSegments {
		res.Segments = transcribed.Output.Segments
		if res.Segments == nil {
			res.Segments = []backend.Segment{}
		}
	}

	s.logger.Debug("transcription completed",
		"file", in.FileName,
		"model", key.String(),
		"duration_seconds", res.DurationSeconds,
		"cleanup_mode", res.CleanupMode,
		"total", res.Timings.Total,
	)
	return res, nil
}

func (s *Service) acquire(ctx context.Context, key backend.Key) (model backend.Model, err error) {
	ctx, span := observability.StartSpan(ctx, "model.acquire", attribute.String("scribe.model_key", key.String()))
	defer func() { observability.EndSpan(span, err) }()
	return s.models.Acquire(ctx, key)
}

func (s *Service) prepare(ctx context.Context, path string) (prepared audio.Prepared, err error) {
	ctx, span := observability.StartSpan(ctx, "audio.prepare")
	defer func() {
		if err == nil {
			span.SetAttributes(
				attribute.Float64("scribe.audio_seconds", prepared.Duration),
				attribute.Bool("scribe.converted", prepared.Temporary),
			)
		}
		observability.EndSpan(span, err)
	}()
	return s.audio.Prepare(ctx, path)
}

func (s *Service) transcribe(ctx context.Context, model backend.Model, path string, opts backend.Options) (res transcription.Result, err error) {
	ctx, span := observability.StartSpan(ctx, "backend.transcribe",
		attribute.String("scribe.task", opts.Task),
		attribute.String("scribe.language", opts.Language),
	)
	defer func() { observability.EndSpan(span, err) }()
	return s.transcriber.Transcribe(ctx, model, path, opts)
}

func (s *Service) clean(ctx context.Context, text, mode string) (res postprocess.Result, err error) {
	ctx, span := observability.StartSpan(ctx, "cleanup", attribute.String("scribe.cleanup_mode", mode))
	started := time.Now()
	defer func() {
		if s.observer != nil {
			outcome := "ok"
			if err != nil {
				outcome = errorKind(err)
			}
			s.observer.ObserveCleanup(mode, outcome, time.Since(started))
		}
		observability.EndSpan(span, err)
	}()
	return s.cleaner.Clean(ctx, text, mode)
}

func resolveTask(task string) (string, error) {
	switch t := strings.ToLower(strings.TrimSpace(task)); t {
	case "":
		return backend.TaskTranscribe, nil
	case backend.TaskTranscribe, backend.TaskTranslate:
		return t, nil
	default:
		return "", apperr.Validation("pipeline", "unsupported task: %s", t)
	}
}

func errorKind(err error) string {
	switch {
	case apperr.KindOf(err) != apperr.KindUnknown:
		return apperr.KindOf(err).String()
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
