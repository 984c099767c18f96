//nolint:lll
package config

import "time"

// Config represents the complete configuration for the folio pipeline.
// It includes settings for all commands (run, split, htr, refine, serve) and
// supports loading from configuration files, environment variables, and command-line flags.
type Config struct {
	// Global settings
	InputPDF    string `mapstructure:"input_pdf" yaml:"input_pdf" json:"input_pdf"`
	OutputDir   string `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose     bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`
	MetricsFile string `mapstructure:"metrics_file" yaml:"metrics_file" json:"metrics_file"`

	// Rasterization
	Split SplitConfig `mapstructure:"split" yaml:"split" json:"split"`

	// HTR service
	Transkribus TranskribusConfig `mapstructure:"transkribus" yaml:"transkribus" json:"transkribus"`

	// Refinement service
	OpenAI OpenAIConfig `mapstructure:"openai" yaml:"openai" json:"openai"`

	// Output configuration
	Output OutputConfig `mapstructure:"output" yaml:"output" json:"output"`

	// Run service
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// SplitConfig contains PDF rasterization settings.
type SplitConfig struct {
	Pages       string `mapstructure:"pages" yaml:"pages" json:"pages"`
	Password    string `mapstructure:"password" yaml:"password" json:"password"`
	JPEGQuality int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality" json:"jpeg_quality"`
}

// TranskribusConfig contains the HTR client settings.
type TranskribusConfig struct {
	Username          string        `mapstructure:"username" yaml:"username" json:"username"`
	Password          string        `mapstructure:"password" yaml:"password" json:"-"`
	CollectionID      string        `mapstructure:"collection_id" yaml:"collection_id" json:"collection_id"`
	OutputDir         string        `mapstructure:"output_dir" yaml:"output_dir" json:"output_dir"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	Model             string        `mapstructure:"model" yaml:"model" json:"model"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
}

// OpenAIConfig contains the refinement client settings.
type OpenAIConfig struct {
	APIKey             string        `mapstructure:"api_key" yaml:"api_key" json:"-"`
	ExampleOutputPath  string        `mapstructure:"example_output_path" yaml:"example_output_path" json:"example_output_path"`
	ExampleImagePath   string        `mapstructure:"example_image_path" yaml:"example_image_path" json:"example_image_path"`
	Model              string        `mapstructure:"model" yaml:"model" json:"model"`
	BaseURL            string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	SystemPrompt       string        `mapstructure:"system_prompt" yaml:"system_prompt" json:"system_prompt"`
	PromptTemplatePath string        `mapstructure:"prompt_template_path" yaml:"prompt_template_path" json:"prompt_template_path"`
	Context            string        `mapstructure:"context" yaml:"context" json:"context"`
	BatchSize          int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	Workers            int           `mapstructure:"workers" yaml:"workers" json:"workers"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	MaxImageSide       int           `mapstructure:"max_image_side" yaml:"max_image_side" json:"max_image_side"`
}

// OutputConfig contains output formatting settings.
type OutputConfig struct {
	Format string `mapstructure:"format" yaml:"format" json:"format"`
	File   string `mapstructure:"file" yaml:"file" json:"file"`
}

// ServerConfig contains the run service settings.
type ServerConfig struct {
	Host                 string `mapstructure:"host" yaml:"host" json:"host"`
	Port                 int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin           string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB          int64  `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	WorkDir              string `mapstructure:"work_dir" yaml:"work_dir" json:"work_dir"`
	SubmissionsPerMinute int    `mapstructure:"submissions_per_minute" yaml:"submissions_per_minute" json:"submissions_per_minute"`
	MaxConcurrentRuns    int    `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs" json:"max_concurrent_runs"`
}
