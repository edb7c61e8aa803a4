package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yarlson/ralph-loop/internal/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Long:  "Print the configuration after applying defaults, the config file and RALPH_* environment variables.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n", configSource())

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		},
	}
}

// configSource describes which config file, if any, was read.
func configSource() string {
	path := GetConfigFile()
	if path == "" {
		global, err := config.GlobalConfigPath()
		if err != nil {
			return "defaults"
		}
		path = global
	}
	if _, err := os.Stat(path); err != nil {
		return "defaults (" + path + " not found)"
	}
	return path
}
