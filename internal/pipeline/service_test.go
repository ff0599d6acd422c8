package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scribe/internal/apperr"
	"scribe/internal/audio"
	"scribe/internal/backend"
	"scribe/internal/postprocess"
	"scribe/internal/transcription"
)

type stubModel struct {
	key backend.Key

	mu    sync.Mutex
	calls int
	opts  backend.Options
	out   backend.Output
	err   error
}

func (m *stubModel) Key() backend.Key { return m.key }

func (m *stubModel) Transcribe(_ context.Context, _ string, opts backend.Options) (backend.Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.opts = opts
	return m.out, m.err
}

type stubModels struct {
	model *stubModel
	keys  []backend.Key
}

func (s *stubModels) Acquire(_ context.Context, key backend.Key) (backend.Model, error) {
	s.keys = append(s.keys, key)
	s.model.key = key
	return s.model, nil
}

type stubPreparer struct {
	prepared audio.Prepared
}

func (s stubPreparer) Prepare(context.Context, string) (audio.Prepared, error) {
	return s.prepared, nil
}

type recordingObserver struct {
	audio    []float64
	cleanups []string
	errors   []string
}

func (r *recordingObserver) ObserveAudio(seconds float64) { r.audio = append(r.audio, seconds) }
func (r *recordingObserver) ObserveCleanup(mode, outcome string, _ time.Duration) {
	r.cleanups = append(r.cleanups, mode+":"+outcome)
}
func (r *recordingObserver) IncPipelineError(kind string) { r.errors = append(r.errors, kind) }

func writeWAV(t *testing.T, frames int) string {
	t.Helper()
	dataSize := uint32(frames * 2)
	buf := make([]byte, 0, 44+int(dataSize))
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, 36+dataSize)
	buf = append(buf, "WAVEfmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 16000)
	buf = binary.LittleEndian.AppendUint32(buf, 32000)
	buf = binary.LittleEndian.AppendUint16(buf, 2)
	buf = binary.LittleEndian.AppendUint16(buf, 16)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, dataSize)
	buf = append(buf, make([]byte, dataSize)...)

	path := filepath.Join(t.TempDir(), "speech.wav")
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func testDefaults() Defaults {
	return Defaults{
		Backend:            "faster-whisper",
		Model:              "large-v3",
		Device:             "cpu",
		Compute:            "int8",
		Language:           "en",
		BeamSize:           5,
		VADFilter:          true,
		MaxDurationSeconds: 120,
	}
}

func newTestService(t *testing.T, model *stubModel, defaults Defaults, observer Observer) (*Service, *stubModels) {
	t.Helper()
	models := &stubModels{model: model}
	svc := New(
		models,
		audio.NewPreprocessor(t.TempDir(), "scribe-no-such-ffmpeg", nil),
		transcription.New(transcription.NewGate(1, nil), backend.NewDispatcher(nil), 0),
		postprocess.New(nil, "", postprocess.ModeBasic, time.Second),
		defaults,
		WithObserver(observer),
	)
	return svc, models
}

func TestProcessAssemblesResult(t *testing.T) {
	model := &stubModel{out: backend.Output{
		Text:     "  hello   world ,  again ",
		Segments: []backend.Segment{{Start: 0, End: 1.5, Text: "hello world"}},
	}}
	observer := &recordingObserver{}
	svc, _ := newTestService(t, model, testDefaults(), observer)

	res, err := svc.Process(context.Background(), Input{
		AudioPath:       writeWAV(t, 32000),
		FileName:        "speech.wav",
		IncludeSegments: true,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.RawText != "hello   world ,  again" {
		t.Fatalf("unexpected raw text: %q", res.RawText)
	}
	if res.Text != "hello world, again" || res.CleanupMode != postprocess.ModeBasic {
		t.Fatalf("unexpected cleanup: %q (%s)", res.Text, res.CleanupMode)
	}
	if res.DurationSeconds != 2.0 {
		t.Fatalf("expected 2.0s, got %v", res.DurationSeconds)
	}
	if res.Language != "en" || model.opts.Language != "en" {
		t.Fatalf("expected configured language fallback, got result %q call %q", res.Language, model.opts.Language)
	}
	if model.opts.Task != backend.TaskTranscribe || model.opts.BeamSize != 5 || !model.opts.VADFilter {
		t.Fatalf("unexpected options: %+v", model.opts)
	}
	if len(res.Segments) != 1 || res.Segments[0].End != 1.5 {
		t.Fatalf("unexpected segments: %+v", res.Segments)
	}
	if res.Key.String() != "faster-whisper/large-v3@cpu:int8" {
		t.Fatalf("unexpected key: %s", res.Key)
	}
	if len(observer.audio) != 1 || len(observer.cleanups) != 1 || observer.cleanups[0] != "basic:ok" {
		t.Fatalf("unexpected observations: %+v", observer)
	}
}

func TestProcessOmitsSegmentsUnlessRequested(t *testing.T) {
	model := &stubModel{out: backend.Output{Text: "hi", Language: "de", Segments: []backend.Segment{{Text: "hi"}}}}
	svc, _ := newTestService(t, model, testDefaults(), nil)

	res, err := svc.Process(context.Background(), Input{AudioPath: writeWAV(t, 1600), Language: "fr"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Segments != nil {
		t.Fatalf("segments should be omitted, got %+v", res.Segments)
	}
	if model.opts.Language != "fr" {
		t.Fatalf("request language must reach the backend, got %q", model.opts.Language)
	}
	if res.Language != "de" {
		t.Fatalf("detected language must win in the result, got %q", res.Language)
	}
}

func TestProcessRejectsLongAudioBeforeInvokingBackend(t *testing.T) {
	defaults := testDefaults()
	defaults.MaxDurationSeconds = 1
	model := &stubModel{out: backend.Output{Text: "never"}}
	observer := &recordingObserver{}
	svc, _ := newTestService(t, model, defaults, observer)

	_, err := svc.Process(context.Background(), Input{AudioPath: writeWAV(t, 32000)})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("backend must not be invoked, got %d calls", model.calls)
	}
	if len(observer.errors) != 1 || observer.errors[0] != "validation" {
		t.Fatalf("unexpected error observations: %v", observer.errors)
	}
}

func TestProcessReleasesConvertedAudioOnFailure(t *testing.T) {
	converted := filepath.Join(t.TempDir(), "speech-converted.wav")
	if err := os.WriteFile(converted, []byte("pcm"), 0o600); err != nil {
		t.Fatal(err)
	}
	model := &stubModel{err: apperr.Backend("faster-whisper", "decode failed", nil)}
	svc := New(
		&stubModels{model: model},
		stubPreparer{prepared: audio.Prepared{Path: converted, Temporary: true, Duration: 1}},
		transcription.New(transcription.NewGate(1, nil), backend.NewDispatcher(nil), 0),
		postprocess.New(nil, "", postprocess.ModeNone, time.Second),
		testDefaults(),
	)

	_, err := svc.Process(context.Background(), Input{AudioPath: "ignored"})
	if !apperr.Is(err, apperr.KindBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if _, statErr := os.Stat(converted); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("converted audio should be removed, stat err = %v", statErr)
	}
}

func TestProcessBackendOverrideUsesItsDefaults(t *testing.T) {
	model := &stubModel{out: backend.Output{Text: "ok"}}
	svc, models := newTestService(t, model, testDefaults(), nil)

	if _, err := svc.Process(context.Background(), Input{AudioPath: writeWAV(t, 1600), Backend: " MLX-Whisper "}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	want, _ := backend.DefaultsFor(backend.MLXWhisper)
	got := models.keys[0]
	if got.Backend != backend.MLXWhisper || got.Model != want.Model || got.Device != want.Device || got.Compute != want.Compute {
		t.Fatalf("unexpected key for override: %+v", got)
	}
	if svc.Defaults().Backend != "faster-whisper" {
		t.Fatal("override must not mutate defaults")
	}
}

func TestResolve(t *testing.T) {
	d := testDefaults()
	cases := []struct {
		name string
		in   Input
		want backend.Key
	}{
		{"defaults", Input{}, backend.Key{Backend: "faster-whisper", Model: "large-v3", Device: "cpu", Compute: "int8"}},
		{"same backend keeps model", Input{Backend: "FASTER-WHISPER", Device: "cuda"}, backend.Key{Backend: "faster-whisper", Model: "large-v3", Device: "cuda", Compute: "int8"}},
		{"explicit model wins", Input{Backend: "openai", Model: "gpt-4o-transcribe"}, backend.Key{Backend: "openai", Model: "gpt-4o-transcribe", Device: "remote", Compute: "remote"}},
		{"unknown backend keeps fields", Input{Backend: "vosk"}, backend.Key{Backend: "vosk", Model: "large-v3", Device: "cpu", Compute: "int8"}},
	}
	for _, tc := range cases {
		if got := d.Resolve(tc.in); got != tc.want {
			t.Fatalf("%s: Resolve() = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestProcessRejectsBadTaskAndMode(t *testing.T) {
	model := &stubModel{out: backend.Output{Text: "ok"}}
	svc, models := newTestService(t, model, testDefaults(), nil)

	for _, in := range []Input{{Task: "summarize"}, {CleanupMode: "fancy"}} {
		in.AudioPath = writeWAV(t, 1600)
		if _, err := svc.Process(context.Background(), in); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("%+v: expected validation error, got %v", in, err)
		}
	}
	if len(models.keys) != 0 {
		t.Fatal("invalid requests must not load a model")
	}
}
