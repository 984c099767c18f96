package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Defaults shared with the command layer.
const (
	DefaultTranskribusURL = "https://transkribus.eu/TrpServer/rest"
	DefaultHTRModel       = "Mittelalterliche_Schriften_M2.4"
	DefaultRefineModel    = "gpt-4o"
	DefaultSystemPrompt   = "You are an expert in medieval manuscripts OCR."
	DefaultBatchSize      = 20
	DefaultPollInterval   = 10 * time.Second
	DefaultMaxAttempts    = 30
)

// RefineModels lists the vision models the refine stage accepts.
var RefineModels = []string{"gpt-4o", "gpt-4o-mini"}

// ErrMissingKey is returned by RequireKeys when a command lacks a required setting.
var ErrMissingKey = errors.New("missing required configuration key")

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OutputDir: "output",
		LogLevel:  "info",
		Verbose:   false,
		Split: SplitConfig{
			JPEGQuality: 90,
		},
		Transkribus: TranskribusConfig{
			OutputDir:         "transkribus_output",
			BaseURL:           DefaultTranskribusURL,
			Model:             DefaultHTRModel,
			PollInterval:      DefaultPollInterval,
			MaxAttempts:       DefaultMaxAttempts,
			RequestsPerSecond: 2,
		},
		OpenAI: OpenAIConfig{
			Model:             DefaultRefineModel,
			SystemPrompt:      DefaultSystemPrompt,
			BatchSize:         DefaultBatchSize,
			Workers:           1,
			RequestsPerSecond: 1,
			Timeout:           2 * time.Minute,
			MaxImageSide:      2048,
		},
		Output: OutputConfig{
			Format: "json",
		},
		Server: ServerConfig{
			Host:                 "localhost",
			Port:                 8080,
			CORSOrigin:           "*",
			MaxUploadMB:          50,
			WorkDir:              "runs",
			SubmissionsPerMinute: 10,
			MaxConcurrentRuns:    1,
		},
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	validFormats := []string{"json", "yaml", "text"}
	if c.Output.Format != "" && !slices.Contains(validFormats, c.Output.Format) {
		return fmt.Errorf("invalid output format: %s (must be one of: %s)", c.Output.Format, strings.Join(validFormats, ", "))
	}

	if c.Split.JPEGQuality < 1 || c.Split.JPEGQuality > 100 {
		return fmt.Errorf("invalid split.jpeg_quality: %d (must be between 1 and 100)", c.Split.JPEGQuality)
	}

	if c.Transkribus.PollInterval <= 0 {
		return fmt.Errorf("invalid transkribus.poll_interval: %s (must be positive)", c.Transkribus.PollInterval)
	}
	if c.Transkribus.MaxAttempts <= 0 {
		return fmt.Errorf("invalid transkribus.max_attempts: %d (must be positive)", c.Transkribus.MaxAttempts)
	}
	if c.Transkribus.RequestsPerSecond < 0 {
		return fmt.Errorf("invalid transkribus.requests_per_second: %.2f (must not be negative)", c.Transkribus.RequestsPerSecond)
	}

	if !slices.Contains(RefineModels, c.OpenAI.Model) {
		return fmt.Errorf("invalid openai.model: %s (must be one of: %s)", c.OpenAI.Model, strings.Join(RefineModels, ", "))
	}
	if c.OpenAI.BatchSize <= 0 {
		return fmt.Errorf("invalid openai.batch_size: %d (must be positive)", c.OpenAI.BatchSize)
	}
	if c.OpenAI.Workers <= 0 {
		return fmt.Errorf("invalid openai.workers: %d (must be positive)", c.OpenAI.Workers)
	}
	if c.OpenAI.RequestsPerSecond < 0 {
		return fmt.Errorf("invalid openai.requests_per_second: %.2f (must not be negative)", c.OpenAI.RequestsPerSecond)
	}
	if c.OpenAI.Timeout < 0 {
		return fmt.Errorf("invalid openai.timeout: %s (must not be negative)", c.OpenAI.Timeout)
	}
	if c.OpenAI.MaxImageSide < 0 {
		return fmt.Errorf("invalid openai.max_image_side: %d (must not be negative)", c.OpenAI.MaxImageSide)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be between 0 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid server.max_upload_mb: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("invalid server.max_concurrent_runs: %d (must be positive)", c.Server.MaxConcurrentRuns)
	}
	if c.Server.SubmissionsPerMinute < 0 {
		return fmt.Errorf("invalid server.submissions_per_minute: %d (must not be negative)", c.Server.SubmissionsPerMinute)
	}

	return nil
}

// requiredKeys maps each command to the settings it cannot run without.
var requiredKeys = map[string][]string{
	"split": {"output_dir"},
	"htr": {
		"transkribus.username",
		"transkribus.password",
		"transkribus.collection_id",
		"transkribus.output_dir",
	},
	"refine": {
		"openai.api_key",
		"openai.example_output_path",
		"openai.example_image_path",
	},
}

func init() {
	run := []string{"input_pdf", "output_dir"}
	run = append(run, requiredKeys["htr"]...)
	run = append(run, requiredKeys["refine"]...)
	requiredKeys["run"] = run

	serve := []string{"server.work_dir"}
	serve = append(serve, requiredKeys["htr"]...)
	serve = append(serve, requiredKeys["refine"]...)
	requiredKeys["serve"] = serve
}

// RequireKeys reports every required key that is empty for the given command.
// Unknown commands have no requirements.
func (c *Config) RequireKeys(command string) error {
	var missing []string
	for _, key := range requiredKeys[command] {
		if c.lookup(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w for %s: %s", ErrMissingKey, command, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) lookup(key string) string {
	switch key {
	case "input_pdf":
		return c.InputPDF
	case "output_dir":
		return c.OutputDir
	case "transkribus.username":
		return c.Transkribus.Username
	case "transkribus.password":
		return c.Transkribus.Password
	case "transkribus.collection_id":
		return c.Transkribus.CollectionID
	case "transkribus.output_dir":
		return c.Transkribus.OutputDir
	case "openai.api_key":
		return c.OpenAI.APIKey
	case "openai.example_output_path":
		return c.OpenAI.ExampleOutputPath
	case "openai.example_image_path":
		return c.OpenAI.ExampleImagePath
	case "server.work_dir":
		return c.Server.WorkDir
	}
	return ""
}
