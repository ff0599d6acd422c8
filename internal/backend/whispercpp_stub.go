//go:build !whispercpp

package backend

import (
	"log/slog"

	"scribe/internal/apperr"
)

func loadWhisperCpp(_ Key, _ LoaderConfig, _ *slog.Logger) (Model, error) {
	return nil, apperr.Environment("backend.load",
		"whisper-cpp support is not compiled into this binary",
		"install libwhisper and rebuild with `go build -tags whispercpp`", nil)
}
