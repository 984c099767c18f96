package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/folio/internal/config"
)

// skipConfigAnnotation marks commands that run without loading a
// configuration, so a broken config file can still be regenerated.
const skipConfigAnnotation = "folio_skip_config"

func newConfigCommand(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the folio configuration file",
		Annotations: map[string]string{
			skipConfigAnnotation: "true",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var (
		output string
		force  bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file holding every default",
		Annotations: map[string]string{
			skipConfigAnnotation: "true",
		},
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}
			if err := config.GenerateDefaultConfigFile(output); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			a.logger.Info("configuration written", "file", output)
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", config.ConfigFileName+".yaml", "file to write")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	pathsCmd := &cobra.Command{
		Use:   "paths",
		Short: "List the directories searched for folio.yaml",
		Annotations: map[string]string{
			skipConfigAnnotation: "true",
		},
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, p := range config.GetConfigSearchPaths() {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
		},
	}

	configCmd.AddCommand(initCmd, pathsCmd)
	return configCmd
}
