package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadEnvironDefaults(t *testing.T) {
	base := t.TempDir()
	cfg, err := LoadEnviron(map[string]string{"BASE_DIR": base})
	if err != nil {
		t.Fatalf("LoadEnviron() error = %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:8787" || cfg.Backend != "faster-whisper" || cfg.ModelName != "large-v3" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Device != "cpu" || cfg.ComputeType != "int8" || cfg.Language != "en" || cfg.BeamSize != 5 {
		t.Fatalf("unexpected decoding defaults: %+v", cfg)
	}
	if !cfg.VADFilter || cfg.WordTimestamps || cfg.MaxDurationSeconds != 120 || cfg.MaxConcurrentTranscriptions != 1 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.BackendTimeout != 0 || cfg.CleanupTimeout != 60*time.Second || cfg.CleanupMode != "basic" {
		t.Fatalf("unexpected timeouts: %+v", cfg)
	}
	if cfg.ModelsDir != filepath.Join(base, "models") || cfg.TmpDir != filepath.Join(base, "tmp") || cfg.LogsDir != filepath.Join(base, "logs") {
		t.Fatalf("unexpected dirs: %+v", cfg)
	}
	if cfg.ConfigFile != "" {
		t.Fatalf("expected no config file, got %q", cfg.ConfigFile)
	}
}

func TestConfigFileIsOverriddenByEnvironment(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "config.env")
	content := "BACKEND=mlx-whisper\nMODEL_NAME=mlx-community/whisper-large-v3-turbo\nCLEANUP_MODE=none\nBEAM_SIZE=3\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadEnviron(map[string]string{"BASE_DIR": base, "BEAM_SIZE": "7"})
	if err != nil {
		t.Fatalf("LoadEnviron() error = %v", err)
	}
	if cfg.ConfigFile != file {
		t.Fatalf("expected default config file to be picked up, got %q", cfg.ConfigFile)
	}
	if cfg.Backend != "mlx-whisper" || cfg.CleanupMode != "none" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.BeamSize != 7 {
		t.Fatalf("environment must win over file, BEAM_SIZE=%d", cfg.BeamSize)
	}
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	_, err := LoadEnviron(map[string]string{"CONFIG_FILE": filepath.Join(t.TempDir(), "missing.env")})
	if err == nil || !strings.Contains(err.Error(), "CONFIG_FILE") {
		t.Fatalf("expected CONFIG_FILE error, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := t.TempDir()
	cases := map[string]string{
		"BACKEND":                       "vosk",
		"CLEANUP_MODE":                  "fancy",
		"MAX_CONCURRENT_TRANSCRIPTIONS": "0",
		"LOG_FORMAT":                    "xml",
		"CLEANUP_TIMEOUT_SECONDS":       "0",
	}
	for key, value := range cases {
		_, err := LoadEnviron(map[string]string{"BASE_DIR": base, key: value})
		if err == nil || !strings.Contains(err.Error(), key) {
			t.Fatalf("%s=%s: expected error naming the key, got %v", key, value, err)
		}
	}
}

func TestDescribeMasksSecrets(t *testing.T) {
	cfg, err := LoadEnviron(map[string]string{
		"BASE_DIR":            t.TempDir(),
		"CLEANUP_LLM_API_KEY": "sk-cleanup",
		"OPENAI_API_KEY":      "sk-openai",
	})
	if err != nil {
		t.Fatalf("LoadEnviron() error = %v", err)
	}
	desc := cfg.Describe()
	if desc["cleanup_llm_api_key"] != "set" || desc["openai_api_key"] != "set" {
		t.Fatalf("expected masked keys, got %v / %v", desc["cleanup_llm_api_key"], desc["openai_api_key"])
	}
	if desc["api_token"] != nil {
		t.Fatalf("unset secret should be nil, got %v", desc["api_token"])
	}
	for k, v := range desc {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "sk-") {
			t.Fatalf("secret leaked in %s", k)
		}
	}
}

func TestEnsureDirs(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested")
	cfg, err := LoadEnviron(map[string]string{"BASE_DIR": base})
	if err != nil {
		t.Fatalf("LoadEnviron() error = %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() error = %v", err)
	}
	for _, dir := range []string{cfg.ModelsDir, cfg.TmpDir, cfg.LogsDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected %s to exist", dir)
		}
	}
}
