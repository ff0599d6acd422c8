package backend

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sync"

	"scribe/internal/apperr"
)

// modelRef is resolved by the worker to the loaded model object, or to the
// model name when the engine has no separate load step.
var modelRef = map[string]string{"$ref": "model"}

type engineCall struct {
	Op     string         `json:"op"`
	Target string         `json:"target,omitempty"`
	Fn     string         `json:"fn,omitempty"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	// Shape names the call attempt in logs and errors.
	Shape string `json:"shape,omitempty"`
}

type fasterWhisperCall struct {
	Op             string  `json:"op"`
	Audio          string  `json:"audio"`
	Language       string  `json:"language,omitempty"`
	Task           string  `json:"task"`
	BeamSize       int     `json:"beam_size"`
	VADFilter      bool    `json:"vad_filter"`
	WordTimestamps bool    `json:"word_timestamps"`
	Temperature    float64 `json:"temperature"`
	InitialPrompt  string  `json:"initial_prompt,omitempty"`
}

type pythonModel struct {
	key    Key
	worker *worker
}

func (m *pythonModel) Key() Key { return m.key }

func (m *pythonModel) Close() error { return m.worker.Close() }

func (m *pythonModel) invoke(ctx context.Context, call any) (Output, error) {
	raw, err := m.worker.call(ctx, call)
	if err != nil {
		var werr *workerError
		if errors.As(err, &werr) {
			return Output{}, apperr.Backend("backend.invoke", m.key.Backend+" failed", werr)
		}
		return Output{}, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Output{}, apperr.Backend("backend.invoke", "unreadable engine result", err)
	}
	return extractOutput(decoded)
}

type fasterWhisperModel struct{ pythonModel }

func (m *fasterWhisperModel) Transcribe(ctx context.Context, audioPath string, opts Options) (Output, error) {
	task := opts.Task
	if task == "" {
		task = TaskTranscribe
	}
	return m.invoke(ctx, fasterWhisperCall{
		Op:             "faster_whisper",
		Audio:          audioPath,
		Language:       opts.Language,
		Task:           task,
		BeamSize:       opts.BeamSize,
		VADFilter:      opts.VADFilter,
		WordTimestamps: opts.WordTimestamps,
		Temperature:    opts.Temperature,
		InitialPrompt:  opts.Prompt,
	})
}

// parakeetModel calls model.transcribe(audio). The engine takes no language,
// task or prompt arguments.
type parakeetModel struct{ pythonModel }

func (m *parakeetModel) Transcribe(ctx context.Context, audioPath string, _ Options) (Output, error) {
	return m.invoke(ctx, engineCall{
		Op:     "call",
		Target: "model",
		Fn:     "transcribe",
		Args:   []any{audioPath},
	})
}

type mlxWhisperModel struct {
	pythonModel

	sigMu sync.Mutex
	sig   *engineSignature
}

// engineSignature is the parameter list of the engine's entry point. Params
// is nil when the worker could not inspect it.
type engineSignature struct {
	Params     []string `json:"params"`
	VarKeyword bool     `json:"var_keyword"`
}

func (s *engineSignature) known() bool { return s != nil && s.Params != nil }

func (s *engineSignature) declares(name string) bool {
	return s.known() && slices.Contains(s.Params, name)
}

func (s *engineSignature) accepts(name string) bool {
	return s.known() && (s.VarKeyword || slices.Contains(s.Params, name))
}

// pick returns the first of names the entry point declares.
func (s *engineSignature) pick(names ...string) string {
	for _, name := range names {
		if s.declares(name) {
			return name
		}
	}
	return ""
}

var (
	mlxAudioParams = []string{"audio", "audio_path", "audio_file", "path"}
	mlxModelParams = []string{"path_or_hf_repo", "model", "model_name", "path_or_model"}
)

// signature asks the worker for transcribe()'s parameters once. A worker
// that cannot inspect the function yields an unknown signature.
func (m *mlxWhisperModel) signature(ctx context.Context) (*engineSignature, error) {
	m.sigMu.Lock()
	defer m.sigMu.Unlock()
	if m.sig != nil {
		return m.sig, nil
	}

	raw, err := m.worker.call(ctx, engineCall{Op: "signature", Target: "module", Fn: "transcribe"})
	sig := &engineSignature{}
	if err != nil {
		var werr *workerError
		if !errors.As(err, &werr) {
			return nil, err
		}
		m.worker.logger.Debug("mlx-whisper signature unavailable", "error", werr.Message)
	} else if err := json.Unmarshal(raw, sig); err != nil {
		m.worker.logger.Debug("mlx-whisper signature unreadable", "error", err)
		sig = &engineSignature{}
	}
	m.sig = sig
	return sig, nil
}

// mlxOptions keeps only the options transcribe() accepts. The prompt goes to
// prompt when declared, otherwise to initial_prompt.
func mlxOptions(sig *engineSignature, opts Options) map[string]any {
	accepted := map[string]any{}
	if opts.Language != "" && sig.accepts("language") {
		accepted["language"] = opts.Language
	}
	if opts.Task != "" && sig.accepts("task") {
		accepted["task"] = opts.Task
	}
	if opts.Prompt != "" {
		switch {
		case sig.declares("prompt"):
			accepted["prompt"] = opts.Prompt
		case sig.accepts("initial_prompt"):
			accepted["initial_prompt"] = opts.Prompt
		}
	}
	return accepted
}

// mlxAttempts lists the argument layouts tried against mlx_whisper.transcribe,
// in order, across the library's releases. A keyword call is only built when
// the signature names an audio or model parameter.
func mlxAttempts(audioPath, modelName string, sig *engineSignature, opts map[string]any) []engineCall {
	call := func(shape string, args []any, kwargs map[string]any) engineCall {
		return engineCall{Op: "call", Target: "module", Fn: "transcribe", Args: args, Kwargs: kwargs, Shape: shape}
	}

	var attempts []engineCall
	audioParam := sig.pick(mlxAudioParams...)
	modelParam := sig.pick(mlxModelParams...)
	if audioParam != "" || modelParam != "" {
		kw := maps.Clone(opts)
		if audioParam != "" {
			kw[audioParam] = audioPath
		}
		switch modelParam {
		case "":
		case "model":
			kw[modelParam] = modelRef
		default:
			kw[modelParam] = modelName
		}
		attempts = append(attempts, call("named_params", nil, kw))
	}
	return append(attempts,
		call("positional_model_audio", []any{modelRef, audioPath}, opts),
		call("positional_audio_model", []any{audioPath, modelRef}, opts),
		call("positional_audio", []any{audioPath}, opts),
	)
}

func (m *mlxWhisperModel) Transcribe(ctx context.Context, audioPath string, opts Options) (Output, error) {
	sig, err := m.signature(ctx)
	if err != nil {
		return Output{}, err
	}

	for _, attempt := range mlxAttempts(audioPath, m.key.Model, sig, mlxOptions(sig, opts)) {
		raw, err := m.worker.call(ctx, attempt)
		if err != nil {
			var werr *workerError
			if errors.As(err, &werr) {
				if werr.Kind == callShapeError {
					m.worker.logger.Debug("mlx-whisper call shape rejected", "shape", attempt.Shape, "error", werr.Message)
					continue
				}
				return Output{}, apperr.Backend("backend.invoke", "mlx-whisper failed", werr)
			}
			return Output{}, err
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return Output{}, apperr.Backend("backend.invoke", "unreadable engine result", err)
		}
		return extractOutput(decoded)
	}
	return Output{}, apperr.Backend("backend.invoke",
		"unable to call mlx-whisper transcribe() with supported arguments", nil)
}
