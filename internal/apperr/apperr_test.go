package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfFindsWrappedError(t *testing.T) {
	base := Validation("audio.check", "audio exceeds max duration (%ds)", 1)
	wrapped := fmt.Errorf("process: %w", base)

	if got := KindOf(wrapped); got != KindValidation {
		t.Fatalf("KindOf() = %v, want %v", got, KindValidation)
	}
	if !Is(wrapped, KindValidation) {
		t.Fatal("expected Is(validation) to be true")
	}
	if Is(nil, KindValidation) {
		t.Fatal("nil error must not match any kind")
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Fatalf("KindOf(plain) = %v", got)
	}
}

func TestErrorMessageIncludesRemedyAndCause(t *testing.T) {
	cause := errors.New("exec: \"ffmpeg\": executable file not found in $PATH")
	err := Environment("audio.convert", "ffmpeg is required to decode audio input", "install ffmpeg and make sure it is on PATH", cause)

	want := "audio.convert: ffmpeg is required to decode audio input: exec: \"ffmpeg\": executable file not found in $PATH (install ffmpeg and make sure it is on PATH)"
	if err.Error() != want {
		t.Fatalf("unexpected message:\n got %q\nwant %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
}
