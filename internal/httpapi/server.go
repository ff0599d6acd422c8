package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"scribe/internal/backend"
	"scribe/internal/config"
	"scribe/internal/model"
	"scribe/internal/pipeline"
	"scribe/internal/postprocess"
	"scribe/internal/transcription"
	"scribe/internal/warmup"
)

type PipelineService interface {
	Process(ctx context.Context, in pipeline.Input) (pipeline.Result, error)
	Defaults() pipeline.Defaults
}

type UploadStager interface {
	Stage(r io.Reader, fileName string) (string, func(), error)
}

type WarmupStatus interface {
	Status() warmup.Status
	Done() <-chan struct{}
	Err() error
}

type ModelCache interface {
	warmup.Models
	Keys() []backend.Key
}

type GateStats interface {
	Stats() transcription.GateStats
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Pipeline       PipelineService
	Stager         UploadStager
	Warmup         WarmupStatus
	Models         ModelCache
	Gate           GateStats
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	pipeline     PipelineService
	stager       UploadStager
	warmup       WarmupStatus
	models       ModelCache
	gate         GateStats
	metrics      MetricsObserver
	metricsRoute http.Handler
	startedAt    time.Time
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")
	maxJSONBodyBytes = 1 << 20
	// StatusClientClosedRequest is reported when the caller goes away mid-request.
	StatusClientClosedRequest = 499
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Pipeline == nil || deps.Stager == nil || deps.Warmup == nil || deps.Models == nil || deps.Gate == nil {
		panic("httpapi: all dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		pipeline:     deps.Pipeline,
		stager:       deps.Stager,
		warmup:       deps.Warmup,
		models:       deps.Models,
		gate:         deps.Gate,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
		startedAt:    time.Now(),
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/transcriptions", s.handleTranscriptions)
		r.Post("/warmup", s.handleWarmup)
		r.Get("/status", s.handleStatus)
		r.Get("/config", s.handleConfig)
	})

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{
		Status:   "ok",
		ModelKey: toModelKey(s.pipeline.Defaults().Key()),
		Warmup:   toWarmup(s.warmup.Status()),
	})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.warmup.Done():
	default:
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "model not yet loaded", nil)
		return
	}
	if err := s.warmup.Err(); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "warmup failed: "+err.Error(), nil)
		return
	}

	key := s.pipeline.Defaults().Key()
	status := s.warmup.Status()
	writeJSON(w, http.StatusOK, model.ReadyResponse{
		Status:      "ready",
		ModelLoaded: status.State == warmup.StateReady,
		Backend:     key.Backend,
		Model:       key.Model,
		ElapsedMS:   status.Duration.Milliseconds(),
	})
}

func (s *server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	file, header, form, err := s.readMultipartAudio(w, r)
	if err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}
	defer cleanupMultipartForm(form)
	defer func() { _ = file.Close() }()

	segments, err := parseOptionalBool(firstFormValue(r, "segments", "return_segments"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "segments must be a boolean", nil)
		return
	}
	req := model.TranscriptionRequest{
		Backend:     strings.TrimSpace(r.FormValue("backend")),
		Model:       strings.TrimSpace(firstFormValue(r, "model", "model_name")),
		Device:      strings.TrimSpace(r.FormValue("device")),
		ComputeType: strings.TrimSpace(r.FormValue("compute_type")),
		Language:    strings.TrimSpace(r.FormValue("language")),
		Task:        strings.ToLower(strings.TrimSpace(r.FormValue("task"))),
		Prompt:      r.FormValue("prompt"),
		CleanupMode: strings.TrimSpace(r.FormValue("cleanup_mode")),
		Segments:    segments,
	}
	if err := validateRequest(req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	path, release, err := s.stager.Stage(file, header.Filename)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	defer release()

	result, err := s.pipeline.Process(r.Context(), pipeline.Input{
		AudioPath:       path,
		FileName:        header.Filename,
		Backend:         req.Backend,
		Model:           req.Model,
		Device:          req.Device,
		Compute:         req.ComputeType,
		Language:        req.Language,
		Task:            req.Task,
		Prompt:          req.Prompt,
		CleanupMode:     req.CleanupMode,
		IncludeSegments: req.Segments,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, NewTranscriptionResponse(result))
}

func (s *server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() { _ = r.Body.Close() }()

	var req model.WarmupRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.handleJSONDecodeError(w, r, err)
		return
	}
	if err := validateRequest(req); err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	key := s.pipeline.Defaults().Resolve(pipeline.Input{Backend: req.Backend})
	already, err := warmup.Warm(r.Context(), s.models, key)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.WarmupResponse{
		Status:        "ok",
		AlreadyLoaded: already,
		Backend:       key.Backend,
		Model:         key.Model,
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	keys := s.models.Keys()
	slices.SortFunc(keys, func(a, b backend.Key) int {
		return strings.Compare(a.String(), b.String())
	})
	loaded := make([]model.ModelKey, 0, len(keys))
	for _, key := range keys {
		loaded = append(loaded, toModelKey(key))
	}

	stats := s.gate.Stats()
	writeJSON(w, http.StatusOK, model.StatusResponse{
		Warmup:       toWarmup(s.warmup.Status()),
		Config:       toModelKey(s.pipeline.Defaults().Key()),
		ModelsLoaded: loaded,
		Transcription: model.Gate{
			Capacity: stats.Capacity,
			Active:   stats.Active,
			Waiting:  stats.Waiting,
		},
		UptimeSeconds: float64(time.Since(s.startedAt).Milliseconds()) / 1000,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Describe())
}

func (s *server) readMultipartAudio(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, *multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(min(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
		return nil, nil, nil, err
	}
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		file, header, err = r.FormFile("audio")
	}
	if err != nil {
		return nil, nil, r.MultipartForm, err
	}
	return file, header, r.MultipartForm, nil
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
		return
	}
	if errors.Is(err, http.ErrMissingFile) {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart field 'file' is required", nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid multipart form data", nil)
}

func (s *server) handleJSONDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "JSON body too large", nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces API_TOKEN when one is configured. Probes and
// metrics stay public.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, hasHeader, ok := extractBearerToken(r.Header.Get("Authorization"))
		if hasHeader && !ok {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "Authorization must be Bearer <token>", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func firstFormValue(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.FormValue(name); v != "" {
			return v
		}
	}
	return ""
}

func parseOptionalBool(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}

func cleanupMultipartForm(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func extractBearerToken(header string) (token string, hasHeader bool, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false, true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", true, false
	}
	token = strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", true, false
	}
	return token, true, true
}

func toModelKey(key backend.Key) model.ModelKey {
	return model.ModelKey{
		Backend:     key.Backend,
		Model:       key.Model,
		Device:      key.Device,
		ComputeType: key.Compute,
	}
}

func toWarmup(status warmup.Status) model.Warmup {
	out := model.Warmup{
		State:     status.State,
		Model:     status.Model,
		ElapsedMS: status.Duration.Milliseconds(),
		Error:     status.Error,
	}
	if !status.StartedAt.IsZero() {
		out.StartedAt = status.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if !status.FinishedAt.IsZero() {
		out.FinishedAt = status.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func toTokenUsage(u *postprocess.TokenUsage) *model.TokenUsage {
	if u == nil {
		return nil
	}
	return &model.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// NewTranscriptionResponse renders a pipeline result in its wire shape.
func NewTranscriptionResponse(res pipeline.Result) model.TranscriptionResponse {
	out := model.TranscriptionResponse{
		Text:             res.Text,
		RawText:          res.RawText,
		Language:         res.Language,
		DurationS:        res.DurationSeconds,
		ProcessingTimeMS: res.ProcessingTime.Milliseconds(),
		Model:            res.Key.Model,
		ComputeType:      res.Key.Compute,
		Device:           res.Key.Device,
		Backend:          res.Key.Backend,
		Task:             res.Task,
		CleanupMode:      res.CleanupMode,
		Config: model.DecodingConfig{
			BeamSize:       res.Decoding.BeamSize,
			VADFilter:      res.Decoding.VADFilter,
			WordTimestamps: res.Decoding.WordTimestamps,
			Temperature:    res.Decoding.Temperature,
		},
		CleanupUsage: toTokenUsage(res.Usage),
		TimingsMS: model.TranscriptionTimings{
			Queue:         res.Timings.Queue.Milliseconds(),
			Transcription: res.Timings.Transcription.Milliseconds(),
			Cleanup:       res.Timings.Cleanup.Milliseconds(),
			Total:         res.Timings.Total.Milliseconds(),
		},
	}
	if res.Segments != nil {
		out.Segments = make([]model.Segment, 0, len(res.Segments))
		for _, seg := range res.Segments {
			out.Segments = append(out.Segments, model.Segment{Start: seg.Start, End: seg.End, Text: seg.Text})
		}
	}
	return out
}
