package backend

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"scribe/internal/apperr"
)

//go:embed assets/worker.py
var workerScript []byte

const workerScriptName = "scribe_worker.py"

// LoaderConfig carries the process settings the engines need to load.
type LoaderConfig struct {
	PythonBin  string
	ModelsDir  string
	CPUThreads int
	NumWorkers int

	OpenAIBaseURL string
	OpenAIAPIKey  string
	HTTPClient    *http.Client
}

// Loader constructs a Model for a Key. It is the Model Cache's load function.
type Loader struct {
	cfg    LoaderConfig
	logger *slog.Logger
	// spec builds the worker launch spec; tests replace it.
	spec func(key Key) (workerSpec, error)
}

func NewLoader(cfg LoaderConfig, logger *slog.Logger) *Loader {
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{cfg: cfg, logger: logger}
	l.spec = l.pythonSpec
	return l
}

func (l *Loader) Load(ctx context.Context, key Key) (Model, error) {
	l.logger.Info("loading transcription model", "key", key.String())

	switch key.Backend {
	case FasterWhisper:
		w, err := l.startWorker(ctx, key)
		if err != nil {
			return nil, err
		}
		return &fasterWhisperModel{pythonModel{key: key, worker: w}}, nil
	case MLXWhisper:
		w, err := l.startWorker(ctx, key)
		if err != nil {
			return nil, err
		}
		return &mlxWhisperModel{pythonModel: pythonModel{key: key, worker: w}}, nil
	case ParakeetMLX:
		w, err := l.startWorker(ctx, key)
		if err != nil {
			return nil, err
		}
		return &parakeetModel{pythonModel{key: key, worker: w}}, nil
	case WhisperCpp:
		return loadWhisperCpp(key, l.cfg, l.logger)
	case OpenAI:
		m, err := newOpenAIModel(key, l.cfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, apperr.Backend("backend.load", fmt.Sprintf("unsupported transcription backend: %s", key.Backend), nil)
	}
}

func (l *Loader) startWorker(ctx context.Context, key Key) (*worker, error) {
	spec, err := l.spec(key)
	if err != nil {
		return nil, err
	}
	w := newWorker(spec, l.logger.With("backend", key.Backend))
	if err := w.ensureStarted(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (l *Loader) pythonSpec(key Key) (workerSpec, error) {
	script, err := l.installScript()
	if err != nil {
		return workerSpec{}, err
	}
	return workerSpec{
		Key:     key,
		Command: l.cfg.PythonBin,
		Args: []string{
			"-u", script,
			"--backend", key.Backend,
			"--model", key.Model,
			"--device", key.Device,
			"--compute", key.Compute,
			"--models-dir", l.cfg.ModelsDir,
			"--cpu-threads", strconv.Itoa(l.cfg.CPUThreads),
			"--num-workers", strconv.Itoa(l.cfg.NumWorkers),
		},
		Package: key.Backend,
	}, nil
}

// installScript writes the embedded worker under the models directory when
// it is missing or stale.
func (l *Loader) installScript() (string, error) {
	if err := os.MkdirAll(l.cfg.ModelsDir, 0o750); err != nil {
		return "", fmt.Errorf("create models dir: %w", err)
	}
	path := filepath.Join(l.cfg.ModelsDir, workerScriptName)
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, workerScript) {
		return path, nil
	}
	if err := os.WriteFile(path, workerScript, 0o600); err != nil {
		return "", fmt.Errorf("install worker script: %w", err)
	}
	return path, nil
}
