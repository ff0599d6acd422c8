package httpapi

import (
	"context"
	"errors"
	"net/http"

	"scribe/internal/apperr"
	"scribe/internal/upstream/openai"
)

// writeMappedError is the only place error kinds become HTTP statuses.
func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := statusForError(err)
	details := detailsForError(err)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", requestIDFromContext(r.Context()),
			"code", code,
			"error", err,
		)
	}
	s.writeError(w, r, status, code, message, details)
}

func statusForError(err error) (int, string, string) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperr.KindValidation:
			return http.StatusBadRequest, "invalid_request", appErr.Error()
		case apperr.KindEnvironment:
			return http.StatusInternalServerError, "environment_error", "a required dependency is unavailable"
		case apperr.KindBackend:
			return http.StatusInternalServerError, "backend_error", "transcription backend failed"
		case apperr.KindTransport:
			return http.StatusBadGateway, "cleanup_failed", "transcript cleanup failed"
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "canceled", "request canceled"
	default:
		return http.StatusInternalServerError, "internal_error", "request failed"
	}
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}

	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Remedy != "" {
		details["remedy"] = appErr.Remedy
	}
	var fieldsErr *fieldErrors
	if errors.As(err, &fieldsErr) {
		details["fields"] = fieldsErr.Fields
	}
	var upstreamErr *openai.Error
	if errors.As(err, &upstreamErr) {
		details["upstream_status"] = upstreamErr.StatusCode
		if upstreamErr.Body != "" {
			details["upstream_body"] = upstreamErr.Body
		}
	}
	return details
}
