package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yarlson/ralph-loop/internal/attempts"
	"github.com/yarlson/ralph-loop/internal/logging"
	"github.com/yarlson/ralph-loop/internal/runner"
	"github.com/yarlson/ralph-loop/internal/state"
)

func newAttemptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Show per-issue attempt counts",
		Long:  "List how many times each issue has been attempted without closing.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := openTracker(cmd)
			if err != nil {
				return err
			}
			records := tracker.All()
			if len(records) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tracked attempts.")
				return nil
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), formatAttempts(records))
			return nil
		},
	}

	cmd.AddCommand(newAttemptsResetCmd())
	return cmd
}

func newAttemptsResetCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset [issue-id]",
		Short: "Reset attempt counts",
		Long:  "Forget the attempt count of one issue, or of every issue with --all.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("specify exactly one of an issue id or --all")
			}

			tracker, err := openTracker(cmd)
			if err != nil {
				return err
			}

			if all {
				if err := tracker.ResetAll(); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Reset all attempt counts.")
				return nil
			}

			if err := tracker.Reset(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reset attempts for %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "reset every issue")
	return cmd
}

func openTracker(cmd *cobra.Command) (*attempts.Tracker, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	project, err := runner.OpenProject(cmd.Context(), workDir, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open project state: %w", err)
	}
	store := attempts.NewFileStore(state.AttemptsFilePath(project.StateDir))
	return attempts.NewTracker(store, logging.Component("attempts")), nil
}
