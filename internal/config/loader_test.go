package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func isolatedLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// TestLoadWithNoConfigFile tests loading with no config file present.
func TestLoadWithNoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	cfg, err := isolatedLoader().Load()
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if cfg.LogLevel != infoLevel {
		t.Errorf("Expected default log level '%s', got %s", infoLevel, cfg.LogLevel)
	}
	if cfg.Transkribus.PollInterval != 10*time.Second {
		t.Errorf("Expected default poll interval, got %s", cfg.Transkribus.PollInterval)
	}
}

// TestLoadWithValidYAMLFile tests loading from a valid YAML file.
func TestLoadWithValidYAMLFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "folio.yaml")

	yamlContent := `
input_pdf: manuscript.pdf
output_dir: /tmp/pages
log_level: debug
transkribus:
  username: scribe
  password: quill
  collection_id: "1234"
  poll_interval: 2s
  max_attempts: 5
openai:
  api_key: sk-test
  model: gpt-4o-mini
  batch_size: 5
  workers: 3
output:
  format: yaml
server:
  port: 9090
  max_concurrent_runs: 2
`
	if err := os.WriteFile(configFile, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	loader := isolatedLoader()
	cfg, err := loader.LoadWithFile(configFile)
	if err != nil {
		t.Fatalf("LoadWithFile() unexpected error: %v", err)
	}

	if cfg.InputPDF != "manuscript.pdf" {
		t.Errorf("Expected input_pdf manuscript.pdf, got %s", cfg.InputPDF)
	}
	if cfg.Transkribus.CollectionID != "1234" {
		t.Errorf("Expected collection id 1234, got %s", cfg.Transkribus.CollectionID)
	}
	if cfg.Transkribus.PollInterval != 2*time.Second {
		t.Errorf("Expected poll interval 2s, got %s", cfg.Transkribus.PollInterval)
	}
	if cfg.Transkribus.MaxAttempts != 5 {
		t.Errorf("Expected max attempts 5, got %d", cfg.Transkribus.MaxAttempts)
	}
	if cfg.Transkribus.Model != DefaultHTRModel {
		t.Errorf("Unset keys should keep defaults, got model %s", cfg.Transkribus.Model)
	}
	if cfg.OpenAI.Model != "gpt-4o-mini" || cfg.OpenAI.BatchSize != 5 || cfg.OpenAI.Workers != 3 {
		t.Errorf("Unexpected openai section: %+v", cfg.OpenAI)
	}
	if cfg.Output.Format != "yaml" {
		t.Errorf("Expected yaml output, got %s", cfg.Output.Format)
	}
	if cfg.Server.Port != 9090 || cfg.Server.MaxConcurrentRuns != 2 || cfg.Server.MaxUploadMB != 50 {
		t.Errorf("Unexpected server section: %+v", cfg.Server)
	}
	if loader.GetConfigFileUsed() != configFile {
		t.Errorf("Expected config file %s, got %s", configFile, loader.GetConfigFileUsed())
	}
}

func TestLoadWithInvalidValues(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "folio.yaml")
	if err := os.WriteFile(configFile, []byte("openai:\n  batch_size: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := isolatedLoader().LoadWithFile(configFile)
	if err == nil || !strings.Contains(err.Error(), "batch_size") {
		t.Errorf("expected batch_size validation error, got %v", err)
	}
}

func TestLoadWithMissingFile(t *testing.T) {
	_, err := isolatedLoader().LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("expected missing file error, got %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", tmpDir)
	t.Setenv("FOLIO_OPENAI_API_KEY", "sk-env")
	t.Setenv("FOLIO_TRANSKRIBUS_MAX_ATTEMPTS", "12")
	t.Setenv("FOLIO_VERBOSE", "true")

	cfg, err := isolatedLoader().Load()
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Errorf("Expected api key from env, got %q", cfg.OpenAI.APIKey)
	}
	if cfg.Transkribus.MaxAttempts != 12 {
		t.Errorf("Expected max attempts 12, got %d", cfg.Transkribus.MaxAttempts)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("verbose should force debug, got %s", cfg.LogLevel)
	}
}

func TestGenerateDefaultConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "folio.yaml")
	if err := GenerateDefaultConfigFile(path); err != nil {
		t.Fatalf("GenerateDefaultConfigFile() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "poll_interval: 10s") {
		t.Errorf("expected human readable durations, got:\n%s", data)
	}

	cfg, err := isolatedLoader().LoadWithFile(path)
	if err != nil {
		t.Fatalf("generated file should load: %v", err)
	}
	want := DefaultConfig()
	if cfg.Transkribus.PollInterval != want.Transkribus.PollInterval || cfg.OpenAI.Timeout != want.OpenAI.Timeout {
		t.Errorf("durations did not survive the round trip: %+v", cfg)
	}
}

func TestGetConfigSearchPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	paths := GetConfigSearchPaths()
	if paths[0] != "." {
		t.Errorf("current directory should be searched first, got %v", paths)
	}
	if paths[len(paths)-1] != "/etc/folio" {
		t.Errorf("system path should be searched last, got %v", paths)
	}
	found := false
	for _, p := range paths {
		if p == filepath.Join("/xdg", "folio") {
			found = true
		}
	}
	if !found {
		t.Errorf("XDG path missing from %v", paths)
	}
}
