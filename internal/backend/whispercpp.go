//go:build whispercpp

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"scribe/internal/apperr"
	"scribe/internal/audio"
)

// whisperCppModel runs whisper.cpp in process. Calls are serialized because a
// ggml model is not safe to decode from several contexts at once.
type whisperCppModel struct {
	key     Key
	model   whisper.Model
	threads uint
	logger  *slog.Logger

	mu sync.Mutex
}

func loadWhisperCpp(key Key, cfg LoaderConfig, logger *slog.Logger) (Model, error) {
	path := key.Model
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.ModelsDir, key.Model)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Environment("backend.load",
			fmt.Sprintf("whisper.cpp model %s not found", path),
			fmt.Sprintf("download %s from huggingface.co/ggerganov/whisper.cpp into %s", key.Model, cfg.ModelsDir), err)
	}

	model, err := whisper.New(path)
	if err != nil {
		return nil, apperr.Backend("backend.load", "load whisper.cpp model", err)
	}
	logger.Info("whisper.cpp model loaded", "path", path, "multilingual", model.IsMultilingual())

	threads := uint(0)
	if cfg.CPUThreads > 0 {
		threads = uint(cfg.CPUThreads)
	}
	return &whisperCppModel{key: key, model: model, threads: threads, logger: logger}, nil
}

func (m *whisperCppModel) Key() Key { return m.key }

func (m *whisperCppModel) Transcribe(ctx context.Context, audioPath string, opts Options) (Output, error) {
	samples, err := audio.ReadSamples(audioPath)
	if err != nil {
		return Output{}, apperr.Backend("backend.invoke", "read samples", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	wctx, err := m.model.NewContext()
	if err != nil {
		return Output{}, apperr.Backend("backend.invoke", "create whisper context", err)
	}

	language := opts.Language
	if language == "" {
		language = "auto"
	}
	if err := wctx.SetLanguage(language); err != nil {
		m.logger.Warn("whisper.cpp rejected language", "language", language, "error", err)
	}
	wctx.SetTranslate(opts.Task == TaskTranslate)
	if opts.Prompt != "" {
		wctx.SetInitialPrompt(opts.Prompt)
	}
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	wctx.SetTemperature(float32(opts.Temperature))
	if m.threads > 0 {
		wctx.SetThreads(m.threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Output{}, apperr.Backend("backend.invoke", "whisper.cpp process", err)
	}

	var (
		text     strings.Builder
		segments []Segment
	)
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Output{}, apperr.Backend("backend.invoke", "read whisper.cpp segment", err)
		}
		text.WriteString(seg.Text)
		segments = append(segments, Segment{
			Start: seg.Start.Seconds(),
			End:   seg.End.Seconds(),
			Text:  strings.TrimSpace(seg.Text),
		})
	}

	return Output{
		Text:     text.String(),
		Language: wctx.DetectedLanguage(),
		Segments: segments,
	}, nil
}

func (m *whisperCppModel) Close() error {
	return m.model.Close()
}
