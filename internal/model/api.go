package model

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type Warmup struct {
	State      string `json:"state"`
	Model      string `json:"model"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ModelKey struct {
	Backend     string `json:"backend"`
	Model       string `json:"model"`
	Device      string `json:"device"`
	ComputeType string `json:"compute_type"`
}

type HealthResponse struct {
	Status string `json:"status"`
	ModelKey
	Warmup Warmup `json:"warmup"`
}

type ReadyResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Backend     string `json:"backend"`
	Model       string `json:"model"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

type WarmupRequest struct {
	Backend string `json:"backend,omitempty" validate:"omitempty,max=64"`
}

type WarmupResponse struct {
	Status        string `json:"status"`
	AlreadyLoaded bool   `json:"already_loaded"`
	Backend       string `json:"backend"`
	Model         string `json:"model"`
}

type Gate struct {
	Capacity int64 `json:"capacity"`
	Active   int64 `json:"active"`
	Waiting  int64 `json:"waiting"`
}

type StatusResponse struct {
	Warmup        Warmup     `json:"warmup"`
	Config        ModelKey   `json:"config"`
	ModelsLoaded  []ModelKey `json:"models_loaded"`
	Transcription Gate       `json:"transcription"`
	UptimeSeconds float64    `json:"uptime_seconds"`
	Timestamp     string     `json:"timestamp"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TranscriptionRequest holds the multipart form fields besides the file.
type TranscriptionRequest struct {
	Backend     string `form:"backend" validate:"omitempty,max=64"`
	Model       string `form:"model" validate:"omitempty,max=256"`
	Device      string `form:"device" validate:"omitempty,max=32"`
	ComputeType string `form:"compute_type" validate:"omitempty,max=32"`
	Language    string `form:"language" validate:"omitempty,max=16"`
	Task        string `form:"task" validate:"omitempty,oneof=transcribe translate"`
	Prompt      string `form:"prompt" validate:"omitempty,max=4096"`
	CleanupMode string `form:"cleanup_mode" validate:"omitempty,max=16"`
	Segments    bool   `form:"segments"`
}

type DecodingConfig struct {
	BeamSize       int     `json:"beam_size"`
	VADFilter      bool    `json:"vad_filter"`
	WordTimestamps bool    `json:"word_timestamps"`
	Temperature    float64 `json:"temperature"`
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type TranscriptionTimings struct {
	Queue         int64 `json:"queue"`
	Transcription int64 `json:"transcription"`
	Cleanup       int64 `json:"cleanup"`
	Total         int64 `json:"total"`
}

type TranscriptionResponse struct {
	Text             string               `json:"text"`
	RawText          string               `json:"raw_text"`
	Language         string               `json:"language"`
	DurationS        float64              `json:"duration_s"`
	ProcessingTimeMS int64                `json:"processing_time_ms"`
	Model            string               `json:"model"`
	ComputeType      string               `json:"compute_type"`
	Device           string               `json:"device"`
	Backend          string               `json:"backend"`
	Task             string               `json:"task"`
	CleanupMode      string               `json:"cleanup_mode"`
	Config           DecodingConfig       `json:"config"`
	Segments         []Segment            `json:"segments,omitzero"`
	CleanupUsage     *TokenUsage          `json:"cleanup_usage,omitempty"`
	TimingsMS        TranscriptionTimings `json:"timings_ms"`
}
