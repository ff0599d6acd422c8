// Package audio turns arbitrary uploaded audio into the canonical 16 kHz mono
// WAV that backends consume and measures its exact duration.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"scribe/internal/apperr"
)

// Prepared is a canonical WAV ready for a backend.
type Prepared struct {
	Path string
	// Temporary is true when Path was produced by conversion and must be removed.
	Temporary bool
	Duration  float64

	logger *slog.Logger
}

// Release deletes the converted artifact, if any. Failures are logged and
// otherwise ignored so they never mask the request's own result.
func (p Prepared) Release() {
	if !p.Temporary || p.Path == "" {
		return
	}
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, fs.ErrNotExist) && p.logger != nil {
		p.logger.Debug("remove converted audio failed", "path", p.Path, "error", err)
	}
}

type Preprocessor struct {
	tmpDir    string
	ffmpegBin string
	logger    *slog.Logger
}

func NewPreprocessor(tmpDir, ffmpegBin string, logger *slog.Logger) *Preprocessor {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Preprocessor{
		tmpDir:    tmpDir,
		ffmpegBin: ffmpegBin,
		logger:    logger,
	}
}

// Stage copies an upload into the temp root under a unique name. The returned
// release func removes it.
func (p *Preprocessor) Stage(r io.Reader, fileName string) (string, func(), error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return "", nil, apperr.Validation("audio.stage", "missing filename")
	}
	if err := os.MkdirAll(p.tmpDir, 0o750); err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		ext = ".wav"
	}
	path := filepath.Join(p.tmpDir, newArtifactID()+ext)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", nil, fmt.Errorf("create upload file: %w", err)
	}
	release := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.Debug("remove staged upload failed", "path", path, "error", err)
		}
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		release()
		return "", nil, fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		release()
		return "", nil, fmt.Errorf("close upload file: %w", err)
	}
	return path, release, nil
}

// Prepare returns a canonical WAV for path, converting with ffmpeg when the
// input is anything else. The caller must call Release on the result.
func (p *Preprocessor) Prepare(ctx context.Context, path string) (Prepared, error) {
	if info, ok := p.canonicalInfo(path); ok {
		duration, err := info.Duration()
		if err != nil {
			return Prepared{}, apperr.Validation("audio.prepare", "%v", err)
		}
		return Prepared{Path: path, Duration: duration, logger: p.logger}, nil
	}

	converted, err := p.convert(ctx, path)
	if err != nil {
		return Prepared{}, err
	}
	prepared := Prepared{Path: converted, Temporary: true, logger: p.logger}

	info, err := ReadWAVInfo(converted)
	if err != nil {
		prepared.Release()
		return Prepared{}, apperr.Validation("audio.prepare", "read converted audio: %v", err)
	}
	prepared.Duration, err = info.Duration()
	if err != nil {
		prepared.Release()
		return Prepared{}, apperr.Validation("audio.prepare", "%v", err)
	}
	return prepared, nil
}

// CheckDuration rejects audio longer than maxSeconds. A non-positive limit disables the check.
func CheckDuration(duration float64, maxSeconds int) error {
	if maxSeconds > 0 && duration > float64(maxSeconds) {
		return apperr.Validation("audio.duration", "audio exceeds max duration (%ds)", maxSeconds)
	}
	return nil
}

func (p *Preprocessor) canonicalInfo(path string) (WAVInfo, bool) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil || !mtype.Is("audio/wav") {
		return WAVInfo{}, false
	}
	info, err := ReadWAVInfo(path)
	if err != nil || !info.Canonical() {
		return WAVInfo{}, false
	}
	return info, true
}

func (p *Preprocessor) convert(ctx context.Context, input string) (string, error) {
	if err := os.MkdirAll(p.tmpDir, 0o750); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	out := filepath.Join(p.tmpDir, stem+"-"+newArtifactID()+".wav")

	// #nosec G204 - binary comes from config, input is a path we created
	cmd := exec.CommandContext(ctx, p.ffmpegBin,
		"-nostdin", "-y",
		"-i", input,
		"-ac", "1",
		"-ar", fmt.Sprint(CanonicalSampleRate),
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	p.logger.Debug("converting audio", "input", input, "output", out)
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return "", ctx.Err()
		case errors.As(err, &exitErr):
			return "", apperr.Validation("audio.convert", "audio conversion failed: %s", lastLine(stderr.String(), "ffmpeg failed"))
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			return "", apperr.Environment("audio.convert",
				"ffmpeg is required to decode audio input but was not found",
				"install ffmpeg and make sure it is on PATH or set FFMPEG_BIN", err)
		default:
			return "", fmt.Errorf("run ffmpeg: %w", err)
		}
	}
	return out, nil
}

func lastLine(s, fallback string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return fallback
}

func newArtifactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
