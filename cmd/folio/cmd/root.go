package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/folio/internal/config"
	"github.com/MeKo-Tech/folio/internal/version"
)

// app carries what the subcommands share: one viper instance per command
// tree, the loaded configuration and the logger.
type app struct {
	v        *viper.Viper
	cfgFile  string
	progress bool
	cfg      *config.Config
	logger   *slog.Logger
}

// NewRootCommand builds the command tree with a fresh configuration state.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "folio",
		Short: "Manuscript transcription, translation and description pipeline",
		Long: `folio turns scanned manuscript PDFs into refined folios.

The pipeline rasterizes the document, transcribes every page with a
Transkribus HTR model and refines each transcription with a vision language
model into a corrected transcription, an English translation and a
description of the page's illustrations.

Examples:
  folio run --config folio.yaml
  folio split codex.pdf --output-dir pages --pages 1-10
  folio htr pages/ --model Mittelalterliche_Schriften_M2.4
  folio refine transkribus_output/ --model gpt-4o-mini --context "Book of hours"
  folio config init`,
		Version:           version.String(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.initialize,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is search in ., $HOME, $XDG_CONFIG_HOME/folio, /etc/folio)")
	pf.BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("output-dir", "", "directory for page images and folio files")
	pf.String("metrics-file", "", "write Prometheus metrics to this file (textfile collector format)")
	pf.BoolVar(&a.progress, "progress", false, "draw a progress bar on stderr")

	a.bind("verbose", pf.Lookup("verbose"))
	a.bind("log_level", pf.Lookup("log-level"))
	a.bind("output_dir", pf.Lookup("output-dir"))
	a.bind("metrics_file", pf.Lookup("metrics-file"))

	rootCmd.AddCommand(
		newRunCommand(a),
		newSplitCommand(a),
		newHTRCommand(a),
		newRefineCommand(a),
		newServeCommand(a),
		newConfigCommand(a),
	)
	return rootCmd
}

// GetRootCommand returns a new root command; main and the tests execute it
// without calling os.Exit.
func GetRootCommand() *cobra.Command {
	return NewRootCommand()
}

// initialize loads the configuration and installs the logger before any
// subcommand runs.
func (a *app) initialize(cmd *cobra.Command, _ []string) error {
	if a.cfg != nil {
		return nil
	}
	if cmd.Annotations[skipConfigAnnotation] == "true" {
		a.logger = newLogger(cmd.ErrOrStderr(), "info")
		return nil
	}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys := f.Annotations[configKeyAnnotation]; len(keys) == 1 {
			a.bind(keys[0], f)
		}
	})

	loader := config.NewLoaderWithViper(a.v)
	var (
		cfg *config.Config
		err error
	)
	if a.cfgFile != "" {
		cfg, err = loader.LoadWithFile(a.cfgFile)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	a.cfg = cfg
	a.logger = newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	slog.SetDefault(a.logger)
	if used := loader.GetConfigFileUsed(); used != "" {
		a.logger.Debug("configuration loaded", "file", used)
	}
	return nil
}

// bind ties a flag to a configuration key. Flags take precedence over the
// config file and environment only when set on the command line.
func (a *app) bind(key string, flag *pflag.Flag) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

// configKeyAnnotation marks a subcommand flag with the configuration key it
// overrides. Several subcommands share keys (output.format, split.pages), so
// only the flags of the command being executed are bound.
const configKeyAnnotation = "folio_config_key"

func configFlag(fs *pflag.FlagSet, name, key string) {
	if err := fs.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("annotate flag %s: %v", name, err))
	}
}

// outputFlags adds the result document flags shared by run, htr and refine.
func outputFlags(fs *pflag.FlagSet) {
	fs.StringP("format", "f", "", "output format (json, yaml, text)")
	fs.StringP("output", "o", "", "output file (default: stdout)")
	configFlag(fs, "format", "output.format")
	configFlag(fs, "output", "output.file")
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
