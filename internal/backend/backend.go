// Package backend loads and invokes the supported speech-to-text engines and
// normalizes what they return into one shape.
package backend

import (
	"context"
	"strings"
	"time"

	"scribe/internal/apperr"
)

const (
	FasterWhisper = "faster-whisper"
	MLXWhisper    = "mlx-whisper"
	ParakeetMLX   = "parakeet-mlx"
	WhisperCpp    = "whisper-cpp"
	OpenAI        = "openai"
)

const (
	TaskTranscribe = "transcribe"
	TaskTranslate  = "translate"
)

// Key identifies one loaded model. Two requests with equal keys share a Model.
type Key struct {
	Backend string
	Model   string
	Device  string
	Compute string
}

func (k Key) String() string {
	return k.Backend + "/" + k.Model + "@" + k.Device + ":" + k.Compute
}

// Options are the per-call decoding settings. Engines ignore what they do not support.
type Options struct {
	Language       string
	Task           string
	Prompt         string
	BeamSize       int
	VADFilter      bool
	WordTimestamps bool
	Temperature    float64
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Output struct {
	Text     string
	Language string
	Segments []Segment
}

// Model is a loaded engine. Implementations must be safe for concurrent use;
// the dispatcher borrows them and never closes them.
type Model interface {
	Key() Key
	Transcribe(ctx context.Context, audioPath string, opts Options) (Output, error)
}

// Supported reports whether name is one of the known engines.
func Supported(name string) bool {
	_, ok := defaults[name]
	return ok
}

// Names lists the known engines in a stable order.
func Names() []string {
	return []string{FasterWhisper, MLXWhisper, ParakeetMLX, WhisperCpp, OpenAI}
}

type Observer interface {
	ObserveBackend(backend, outcome string, duration time.Duration)
}

type Dispatcher struct {
	observer Observer
}

func NewDispatcher(observer Observer) *Dispatcher {
	return &Dispatcher{observer: observer}
}

// Invoke runs one transcription on a cached model. The returned text is
// trimmed and never empty.
func (d *Dispatcher) Invoke(ctx context.Context, model Model, audioPath string, opts Options) (Output, error) {
	started := time.Now()
	out, err := model.Transcribe(ctx, audioPath, opts)
	if err == nil {
		out.Text = strings.TrimSpace(out.Text)
		if out.Text == "" {
			err = apperr.Backend("backend.invoke", "empty transcript", nil)
		}
	}
	d.observe(model.Key().Backend, err, time.Since(started))
	if err != nil {
		return Output{}, err
	}
	return out, nil
}

func (d *Dispatcher) observe(backend string, err error, duration time.Duration) {
	if d == nil || d.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	d.observer.ObserveBackend(backend, outcome, duration)
}
