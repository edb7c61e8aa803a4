package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/yarlson/ralph-loop/internal/config"
	"github.com/yarlson/ralph-loop/internal/console"
	"github.com/yarlson/ralph-loop/internal/logging"
	"github.com/yarlson/ralph-loop/internal/loop"
	"github.com/yarlson/ralph-loop/internal/runner"
)

var cfgFile string

// GetConfigFile returns the config file path from the flag.
func GetConfigFile() string {
	return cfgFile
}

// Root command flags
var (
	rootLog     bool
	rootVerbose bool
)

// NewRootCmd creates the root command for the ralph-loop CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ralph-loop [--log] [plan|build] [max_iterations]",
		Short: "Run an agent in a loop over a beads work queue",
		Long: `ralph-loop repeatedly invokes a coding agent non-interactively.

In build mode each iteration takes the highest-priority ready issue from the
beads tracker, runs the agent with PROMPT_build.md, and syncs and pushes the
result. The loop stops when no ready work remains or the iteration limit is
reached. Issues that fail to close after 3 attempts are annotated and skipped.
Usage-limit refusals pause the loop until the quota window resets.

In plan mode the agent runs PROMPT_plan.md without consulting the queue.

  ralph-loop            build mode, unlimited
  ralph-loop 20         build mode, at most 20 iterations
  ralph-loop plan 5     plan mode, at most 5 iterations`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(2),
		RunE:          runRoot,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/ralph/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "verbose diagnostic logging")
	rootCmd.Flags().BoolVar(&rootLog, "log", false, "write a JSON Lines event log for this run")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAttemptsCmd())
	rootCmd.AddCommand(newLogsCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

// loadConfig loads configuration and initializes diagnostic logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfigWithFile(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f := cmd.Flags().Lookup("verbose"); f != nil && f.Changed {
		cfg.Verbose = rootVerbose
	}

	logCfg := logging.ConfigFor(cfg.Verbose)
	logCfg.Output = cmd.ErrOrStderr()
	logging.Init(logCfg)
	return cfg, nil
}

// resolveLoopConfiguration merges the CLI arguments into the loaded settings.
func resolveLoopConfiguration(cfg *config.Config, mode loop.Mode, maxIterations int, logFlag bool) loop.Configuration {
	return loop.Configuration{
		Mode:          mode,
		MaxIterations: maxIterations,
		Scope:         cfg.Epic,
		Logging:       cfg.Log || logFlag,
		LogKeep:       cfg.LogKeep,
		StateRoot:     cfg.StateDir,
		PromptDir:     cfg.PromptDir,
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	mode, maxIterations, err := loop.ParseArgs(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	lc := resolveLoopConfiguration(cfg, mode, maxIterations, rootLog)
	_, err = runner.Run(cmd.Context(), workDir, cfg, lc, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return err
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}

// reportError prints err and returns the process exit code for it.
func reportError(w io.Writer, err error) int {
	printer := console.New(w)
	if errors.Is(err, runner.ErrAborted) {
		printer.Warning("%v", err)
		return 130
	}
	printer.Error("%v", err)
	return 1
}
