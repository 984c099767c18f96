package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "folio"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "FOLIO"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	// Use the global viper instance to ensure flag bindings work
	return &Loader{v: viper.GetViper()}
}

// NewLoaderWithViper creates a loader around an isolated viper instance.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// Load loads configuration from files, environment variables, and sets defaults.
func (l *Loader) Load() (*Config, error) {
	l.v.SetConfigName(ConfigFileName)
	l.v.SetConfigType("yaml")
	l.addConfigPaths()

	return l.read(false)
}

// LoadWithFile loads configuration from a specific file path.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	if configFile == "" {
		return l.Load()
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configFile)
	}
	l.v.SetConfigFile(configFile)

	return l.read(true)
}

func (l *Loader) read(explicit bool) (*Config, error) {
	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, continue with defaults and env vars
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Verbose {
		config.LogLevel = "debug"
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// GetConfigFileUsed returns the path of the config file used.
func (l *Loader) GetConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetViper returns the underlying viper instance for flag binding.
func (l *Loader) GetViper() *viper.Viper {
	return l.v
}

// addConfigPaths adds the standard configuration search paths.
func (l *Loader) addConfigPaths() {
	for _, p := range GetConfigSearchPaths() {
		l.v.AddConfigPath(p)
	}
}

// setupEnvironmentVariables configures environment variable handling.
func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	// FOLIO_OPENAI_API_KEY -> openai.api_key
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults sets default values for all configuration options.
// Every key is registered, even empty ones, so AutomaticEnv can resolve it
// during Unmarshal.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("input_pdf", d.InputPDF)
	l.v.SetDefault("output_dir", d.OutputDir)
	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("verbose", d.Verbose)
	l.v.SetDefault("metrics_file", d.MetricsFile)

	l.v.SetDefault("split.pages", d.Split.Pages)
	l.v.SetDefault("split.password", d.Split.Password)
	l.v.SetDefault("split.jpeg_quality", d.Split.JPEGQuality)

	l.v.SetDefault("transkribus.username", d.Transkribus.Username)
	l.v.SetDefault("transkribus.password", d.Transkribus.Password)
	l.v.SetDefault("transkribus.collection_id", d.Transkribus.CollectionID)
	l.v.SetDefault("transkribus.output_dir", d.Transkribus.OutputDir)
	l.v.SetDefault("transkribus.base_url", d.Transkribus.BaseURL)
	l.v.SetDefault("transkribus.model", d.Transkribus.Model)
	l.v.SetDefault("transkribus.poll_interval", d.Transkribus.PollInterval.String())
	l.v.SetDefault("transkribus.max_attempts", d.Transkribus.MaxAttempts)
	l.v.SetDefault("transkribus.requests_per_second", d.Transkribus.RequestsPerSecond)

	l.v.SetDefault("openai.api_key", d.OpenAI.APIKey)
	l.v.SetDefault("openai.example_output_path", d.OpenAI.ExampleOutputPath)
	l.v.SetDefault("openai.example_image_path", d.OpenAI.ExampleImagePath)
	l.v.SetDefault("openai.model", d.OpenAI.Model)
	l.v.SetDefault("openai.base_url", d.OpenAI.BaseURL)
	l.v.SetDefault("openai.system_prompt", d.OpenAI.SystemPrompt)
	l.v.SetDefault("openai.prompt_template_path", d.OpenAI.PromptTemplatePath)
	l.v.SetDefault("openai.context", d.OpenAI.Context)
	l.v.SetDefault("openai.batch_size", d.OpenAI.BatchSize)
	l.v.SetDefault("openai.workers", d.OpenAI.Workers)
	l.v.SetDefault("openai.requests_per_second", d.OpenAI.RequestsPerSecond)
	l.v.SetDefault("openai.timeout", d.OpenAI.Timeout.String())
	l.v.SetDefault("openai.max_image_side", d.OpenAI.MaxImageSide)

	l.v.SetDefault("output.format", d.Output.Format)
	l.v.SetDefault("output.file", d.Output.File)

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	l.v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	l.v.SetDefault("server.work_dir", d.Server.WorkDir)
	l.v.SetDefault("server.submissions_per_minute", d.Server.SubmissionsPerMinute)
	l.v.SetDefault("server.max_concurrent_runs", d.Server.MaxConcurrentRuns)
}

// WriteConfigToFile writes the current configuration to a file.
func (l *Loader) WriteConfigToFile(filename string) error {
	return l.v.WriteConfigAs(filename)
}

// GenerateDefaultConfigFile writes a configuration file holding every default.
func GenerateDefaultConfigFile(filename string) error {
	loader := NewLoaderWithViper(viper.New())
	loader.setDefaults()

	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}

	return loader.WriteConfigToFile(filename)
}

// GetConfigSearchPaths returns the paths where configuration files are searched.
func GetConfigSearchPaths() []string {
	paths := []string{"."}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home)
	}

	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		paths = append(paths, filepath.Join(configDir, "folio"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "folio"))
	}

	paths = append(paths, "/etc/folio")

	return paths
}
