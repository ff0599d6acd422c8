package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"scribe/internal/backend"
	"scribe/internal/postprocess"
)

const (
	defaultBaseDirName = ".scribe"
	defaultConfigName  = "config.env"
)

type Config struct {
	ConfigFile string
	ListenAddr string

	BaseDir   string
	ModelsDir string
	TmpDir    string
	LogsDir   string

	Backend        string
	ModelName      string
	Device         string
	ComputeType    string
	Language       string
	BeamSize       int
	VADFilter      bool
	WordTimestamps bool
	Temperature    float64
	CPUThreads     int
	NumWorkers     int

	MaxDurationSeconds          int
	MaxConcurrentTranscriptions int
	BackendTimeout              time.Duration
	WarmupOnStart               bool

	CleanupMode       string
	CleanupLLMBaseURL string
	CleanupLLMModel   string
	CleanupLLMAPIKey  string
	CleanupTimeout    time.Duration

	PythonBin     string
	FFmpegBin     string
	OpenAIBaseURL string
	OpenAIAPIKey  string

	MaxUploadBytes int64
	APIToken       string
	LogLevel       string
	LogFormat      string

	OTelEndpoint    string
	OTelServiceName string
}

type envConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8787"`
	BaseDir    string `env:"BASE_DIR"`
	ModelsDir  string `env:"MODELS_DIR"`
	TmpDir     string `env:"TMP_DIR"`
	LogsDir    string `env:"LOGS_DIR"`

	Backend        string  `env:"BACKEND" envDefault:"faster-whisper"`
	ModelName      string  `env:"MODEL_NAME" envDefault:"large-v3"`
	Device         string  `env:"DEVICE" envDefault:"cpu"`
	ComputeType    string  `env:"COMPUTE_TYPE" envDefault:"int8"`
	Language       string  `env:"LANGUAGE" envDefault:"en"`
	BeamSize       int     `env:"BEAM_SIZE" envDefault:"5"`
	VADFilter      bool    `env:"VAD_FILTER" envDefault:"true"`
	WordTimestamps bool    `env:"WORD_TIMESTAMPS" envDefault:"false"`
	Temperature    float64 `env:"TEMPERATURE" envDefault:"0"`
	CPUThreads     int     `env:"CPU_THREADS" envDefault:"0"`
	NumWorkers     int     `env:"NUM_WORKERS" envDefault:"1"`

	MaxDurationSeconds          int  `env:"MAX_DURATION_SECONDS" envDefault:"120"`
	MaxConcurrentTranscriptions int  `env:"MAX_CONCURRENT_TRANSCRIPTIONS" envDefault:"1"`
	BackendTimeoutSeconds       int  `env:"BACKEND_TIMEOUT_SECONDS" envDefault:"0"`
	WarmupOnStart               bool `env:"WARMUP_ON_START" envDefault:"true"`

	CleanupMode           string `env:"CLEANUP_MODE" envDefault:"basic"`
	CleanupLLMBaseURL     string `env:"CLEANUP_LLM_BASE_URL" envDefault:"http://127.0.0.1:11434/v1"`
	CleanupLLMModel       string `env:"CLEANUP_LLM_MODEL" envDefault:"llama3.1:8b"`
	CleanupLLMAPIKey      string `env:"CLEANUP_LLM_API_KEY"`
	CleanupTimeoutSeconds int    `env:"CLEANUP_TIMEOUT_SECONDS" envDefault:"60"`

	PythonBin     string `env:"PYTHON_BIN" envDefault:"python3"`
	FFmpegBin     string `env:"FFMPEG_BIN" envDefault:"ffmpeg"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`

	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"104857600"`
	APIToken       string `env:"API_TOKEN"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"text"`

	OTelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"scribe"`
}

// Load reads the process environment layered over the optional config file.
func Load() (Config, error) {
	return LoadEnviron(cenv.ToMap(os.Environ()))
}

// LoadEnviron is Load with an explicit environment. Values from CONFIG_FILE
// (dotenv format) apply only where the environment has no value.
func LoadEnviron(environ map[string]string) (Config, error) {
	configFile, explicit := environ["CONFIG_FILE"]
	configFile = expandHome(strings.TrimSpace(configFile))
	if configFile == "" {
		explicit = false
		configFile = filepath.Join(baseDirFrom(environ), defaultConfigName)
	}

	merged := map[string]string{}
	fileValues, err := godotenv.Read(configFile)
	switch {
	case err == nil:
		for k, v := range fileValues {
			merged[k] = v
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read CONFIG_FILE %s: %w", configFile, err)
	default:
		configFile = ""
	}
	for k, v := range environ {
		merged[k] = v
	}

	var raw envConfig
	if err := cenv.ParseWithOptions(&raw, cenv.Options{Environment: merged}); err != nil {
		return Config{}, err
	}

	baseDir := expandHome(strings.TrimSpace(raw.BaseDir))
	if baseDir == "" {
		baseDir = baseDirFrom(nil)
	}
	dirOr := func(value, name string) string {
		if v := expandHome(strings.TrimSpace(value)); v != "" {
			return v
		}
		return filepath.Join(baseDir, name)
	}

	cfg := Config{
		ConfigFile: configFile,
		ListenAddr: strings.TrimSpace(raw.ListenAddr),

		BaseDir:   baseDir,
		ModelsDir: dirOr(raw.ModelsDir, "models"),
		TmpDir:    dirOr(raw.TmpDir, "tmp"),
		LogsDir:   dirOr(raw.LogsDir, "logs"),

		Backend:        strings.ToLower(strings.TrimSpace(raw.Backend)),
		ModelName:      strings.TrimSpace(raw.ModelName),
		Device:         strings.TrimSpace(raw.Device),
		ComputeType:    strings.TrimSpace(raw.ComputeType),
		Language:       strings.TrimSpace(raw.Language),
		BeamSize:       raw.BeamSize,
		VADFilter:      raw.VADFilter,
		WordTimestamps: raw.WordTimestamps,
		Temperature:    raw.Temperature,
		CPUThreads:     raw.CPUThreads,
		NumWorkers:     raw.NumWorkers,

		MaxDurationSeconds:          raw.MaxDurationSeconds,
		MaxConcurrentTranscriptions: raw.MaxConcurrentTranscriptions,
		BackendTimeout:              time.Duration(raw.BackendTimeoutSeconds) * time.Second,
		WarmupOnStart:               raw.WarmupOnStart,

		CleanupMode:       strings.ToLower(strings.TrimSpace(raw.CleanupMode)),
		CleanupLLMBaseURL: strings.TrimRight(strings.TrimSpace(raw.CleanupLLMBaseURL), "/"),
		CleanupLLMModel:   strings.TrimSpace(raw.CleanupLLMModel),
		CleanupLLMAPIKey:  strings.TrimSpace(raw.CleanupLLMAPIKey),
		CleanupTimeout:    time.Duration(raw.CleanupTimeoutSeconds) * time.Second,

		PythonBin:     strings.TrimSpace(raw.PythonBin),
		FFmpegBin:     strings.TrimSpace(raw.FFmpegBin),
		OpenAIBaseURL: strings.TrimRight(strings.TrimSpace(raw.OpenAIBaseURL), "/"),
		OpenAIAPIKey:  strings.TrimSpace(raw.OpenAIAPIKey),

		MaxUploadBytes: raw.MaxUploadBytes,
		APIToken:       strings.TrimSpace(raw.APIToken),
		LogLevel:       strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		LogFormat:      strings.ToLower(strings.TrimSpace(raw.LogFormat)),

		OTelEndpoint:    strings.TrimSpace(raw.OTelEndpoint),
		OTelServiceName: strings.TrimSpace(raw.OTelServiceName),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if !backend.Supported(c.Backend) {
		return fmt.Errorf("BACKEND must be one of %s", strings.Join(backend.Names(), ", "))
	}
	if c.ModelName == "" {
		return errors.New("MODEL_NAME must not be empty")
	}
	if c.BeamSize < 1 {
		return errors.New("BEAM_SIZE must be >= 1")
	}
	if c.MaxDurationSeconds < 0 {
		return errors.New("MAX_DURATION_SECONDS must be >= 0")
	}
	if c.CPUThreads < 0 {
		return errors.New("CPU_THREADS must be >= 0")
	}
	if c.NumWorkers < 1 {
		return errors.New("NUM_WORKERS must be >= 1")
	}
	if c.MaxConcurrentTranscriptions < 1 {
		return errors.New("MAX_CONCURRENT_TRANSCRIPTIONS must be >= 1")
	}
	if c.BackendTimeout < 0 {
		return errors.New("BACKEND_TIMEOUT_SECONDS must be >= 0")
	}
	switch c.CleanupMode {
	case postprocess.ModeNone, postprocess.ModeBasic, postprocess.ModeLLM:
	default:
		return errors.New("CLEANUP_MODE must be one of none, basic, llm")
	}
	if c.CleanupMode == postprocess.ModeLLM && (c.CleanupLLMBaseURL == "" || c.CleanupLLMModel == "") {
		return errors.New("CLEANUP_LLM_BASE_URL and CLEANUP_LLM_MODEL are required when CLEANUP_MODE=llm")
	}
	if c.CleanupTimeout <= 0 {
		return errors.New("CLEANUP_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	switch c.LogFormat {
	case "text", "json", "logfmt":
	default:
		return errors.New("LOG_FORMAT must be one of text, json, logfmt")
	}
	return nil
}

// EnsureDirs creates the base, models, tmp and logs directories.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.BaseDir, c.ModelsDir, c.TmpDir, c.LogsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Describe renders the effective configuration with secrets masked.
func (c Config) Describe() map[string]any {
	return map[string]any{
		"config_file":                   c.ConfigFile,
		"listen_addr":                   c.ListenAddr,
		"base_dir":                      c.BaseDir,
		"models_dir":                    c.ModelsDir,
		"tmp_dir":                       c.TmpDir,
		"logs_dir":                      c.LogsDir,
		"backend":                       c.Backend,
		"model_name":                    c.ModelName,
		"device":                        c.Device,
		"compute_type":                  c.ComputeType,
		"language":                      c.Language,
		"beam_size":                     c.BeamSize,
		"vad_filter":                    c.VADFilter,
		"word_timestamps":               c.WordTimestamps,
		"temperature":                   c.Temperature,
		"cpu_threads":                   c.CPUThreads,
		"num_workers":                   c.NumWorkers,
		"max_duration_s":                c.MaxDurationSeconds,
		"max_concurrent_transcriptions": c.MaxConcurrentTranscriptions,
		"backend_timeout_s":             int(c.BackendTimeout / time.Second),
		"warmup_on_start":               c.WarmupOnStart,
		"cleanup_mode":                  c.CleanupMode,
		"cleanup_llm_base_url":          c.CleanupLLMBaseURL,
		"cleanup_llm_model":             c.CleanupLLMModel,
		"cleanup_llm_api_key":           masked(c.CleanupLLMAPIKey),
		"cleanup_timeout_s":             int(c.CleanupTimeout / time.Second),
		"python_bin":                    c.PythonBin,
		"ffmpeg_bin":                    c.FFmpegBin,
		"openai_base_url":               c.OpenAIBaseURL,
		"openai_api_key":                masked(c.OpenAIAPIKey),
		"max_upload_bytes":              c.MaxUploadBytes,
		"api_token":                     masked(c.APIToken),
		"log_level":                     c.LogLevel,
		"log_format":                    c.LogFormat,
		"otel_exporter_otlp_endpoint":   c.OTelEndpoint,
		"otel_service_name":             c.OTelServiceName,
	}
}

func masked(secret string) any {
	if secret == "" {
		return nil
	}
	return "set"
}

func baseDirFrom(environ map[string]string) string {
	if dir := expandHome(strings.TrimSpace(environ["BASE_DIR"])); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultBaseDirName
	}
	return filepath.Join(home, defaultBaseDirName)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
