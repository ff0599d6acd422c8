package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"scribe/internal/audio"
	"scribe/internal/backend"
	"scribe/internal/config"
	"scribe/internal/modelcache"
	"scribe/internal/observability"
	"scribe/internal/pipeline"
	"scribe/internal/postprocess"
	"scribe/internal/transcription"
	"scribe/internal/upstream/openai"
	"scribe/internal/warmup"
)

// app is the wired core shared by the serve and transcribe commands.
type app struct {
	metrics       *observability.Metrics
	models        *modelcache.Cache[backend.Key, backend.Model]
	audio         *audio.Preprocessor
	transcription *transcription.Service
	pipeline      *pipeline.Service
	warmup        *warmup.Runner
}

func newApp(cfg config.Config, logger *slog.Logger) *app {
	metrics := observability.NewMetrics()

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	loader := backend.NewLoader(backend.LoaderConfig{
		PythonBin:     cfg.PythonBin,
		ModelsDir:     cfg.ModelsDir,
		CPUThreads:    cfg.CPUThreads,
		NumWorkers:    cfg.NumWorkers,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		HTTPClient:    &http.Client{Transport: transport},
	}, logger)
	models := modelcache.New(loader.Load, modelcache.WithObserver[backend.Key, backend.Model](
		func(key backend.Key, outcome string, d time.Duration) {
			metrics.ObserveModelCache(key.Backend, outcome, d)
		},
	))

	var chat postprocess.ChatClient
	var warmupOpts []warmup.Option
	if cfg.CleanupLLMBaseURL != "" {
		client := openai.New(cfg.CleanupLLMBaseURL, cfg.CleanupLLMAPIKey,
			&http.Client{Timeout: cfg.CleanupTimeout, Transport: transport},
			openai.WithObserver(metrics.ObserveUpstream),
		)
		chat = client
		if cfg.CleanupMode == postprocess.ModeLLM {
			warmupOpts = append(warmupOpts, warmup.WithPreflight(client.CheckModels))
		}
	}
	cleaner := postprocess.New(chat, cfg.CleanupLLMModel, cfg.CleanupMode, cfg.CleanupTimeout)

	preprocessor := audio.NewPreprocessor(cfg.TmpDir, cfg.FFmpegBin, logger)
	gate := transcription.NewGate(cfg.MaxConcurrentTranscriptions, metrics)
	transcriber := transcription.New(gate, backend.NewDispatcher(metrics), cfg.BackendTimeout)

	defaults := pipeline.Defaults{
		Backend:            cfg.Backend,
		Model:              cfg.ModelName,
		Device:             cfg.Device,
		Compute:            cfg.ComputeType,
		Language:           cfg.Language,
		BeamSize:           cfg.BeamSize,
		VADFilter:          cfg.VADFilter,
		WordTimestamps:     cfg.WordTimestamps,
		Temperature:        cfg.Temperature,
		MaxDurationSeconds: cfg.MaxDurationSeconds,
	}
	svc := pipeline.New(models, preprocessor, transcriber, cleaner, defaults,
		pipeline.WithObserver(metrics),
		pipeline.WithLogger(logger),
	)

	return &app{
		metrics:       metrics,
		models:        models,
		audio:         preprocessor,
		transcription: transcriber,
		pipeline:      svc,
		warmup:        warmup.New(models, defaults.Key(), logger, warmupOpts...),
	}
}

// Close stops every loaded model, including Python worker processes.
func (a *app) Close() error {
	return a.models.Close()
}

func initTracing(ctx context.Context, cfg config.Config, logger *slog.Logger) func() {
	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.OTelEndpoint,
	})
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}
}
