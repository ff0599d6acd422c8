package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"scribe/internal/config"
	"scribe/internal/httpapi"
	"scribe/internal/pipeline"
)

var version = "dev"

type cli struct {
	Version kong.VersionFlag `help:"Print the version and exit."`

	Serve      serveCmd      `cmd:"" default:"1" help:"Run the HTTP service (default)."`
	Transcribe transcribeCmd `cmd:"" help:"Transcribe one audio file and print the result as JSON."`
	Config     configCmd     `cmd:"" help:"Print the effective configuration with secrets masked."`
}

func main() {
	var root cli
	kctx := kong.Parse(&root,
		kong.Name("scribe"),
		kong.Description("Speech-to-text service with interchangeable transcription backends."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	kctx.FatalIfErrorf(kctx.Run(cfg))
}

type serveCmd struct{}

func (c *serveCmd) Run(cfg config.Config) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg)
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopTracing := initTracing(ctx, cfg, logger)
	defer stopTracing()

	a := newApp(cfg, logger)
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close models failed", "error", err)
		}
	}()

	if cfg.WarmupOnStart {
		a.warmup.Start(context.WithoutCancel(ctx))
	} else {
		a.warmup.Disable()
	}

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Pipeline:       a.pipeline,
		Stager:         a.audio,
		Warmup:         a.warmup,
		Models:         a.models,
		Gate:           a.transcription,
		Metrics:        a.metrics,
		MetricsHandler: a.metrics.Handler(),
	})

	// Transcriptions routinely outlast a typical write timeout, so only the
	// header read is bounded.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "version", version, "backend", cfg.Backend, "model", cfg.ModelName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

type transcribeCmd struct {
	File        string `arg:"" type:"existingfile" help:"Audio file to transcribe."`
	Backend     string `help:"Override BACKEND."`
	Model       string `help:"Override MODEL_NAME."`
	Device      string `help:"Override DEVICE."`
	ComputeType string `help:"Override COMPUTE_TYPE."`
	Language    string `help:"Override LANGUAGE."`
	Task        string `help:"transcribe or translate."`
	Prompt      string `help:"Initial prompt for engines that accept one."`
	CleanupMode string `help:"none, basic or llm."`
	Segments    bool   `help:"Include timestamped segments."`
}

func (c *transcribeCmd) Run(cfg config.Config) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg)
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopTracing := initTracing(ctx, cfg, logger)
	defer stopTracing()

	a := newApp(cfg, logger)
	defer func() { _ = a.Close() }()

	result, err := a.pipeline.Process(ctx, pipeline.Input{
		AudioPath:       c.File,
		FileName:        c.File,
		Backend:         c.Backend,
		Model:           c.Model,
		Device:          c.Device,
		Compute:         c.ComputeType,
		Language:        c.Language,
		Task:            c.Task,
		Prompt:          c.Prompt,
		CleanupMode:     c.CleanupMode,
		IncludeSegments: c.Segments,
	})
	if err != nil {
		return err
	}
	return printJSON(httpapi.NewTranscriptionResponse(result))
}

type configCmd struct{}

func (c *configCmd) Run(cfg config.Config) error {
	return printJSON(cfg.Describe())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
