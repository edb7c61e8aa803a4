package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yarlson/ralph-loop/internal/attempts"
	"github.com/yarlson/ralph-loop/internal/beads"
	"github.com/yarlson/ralph-loop/internal/console"
	"github.com/yarlson/ralph-loop/internal/logging"
	"github.com/yarlson/ralph-loop/internal/runner"
	"github.com/yarlson/ralph-loop/internal/state"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current status",
		Long:  "Display the project identity, its state directory, tracked attempts and the size of the ready queue.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}
}

func runStatus(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	project, err := runner.OpenProject(cmd.Context(), workDir, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open project state: %w", err)
	}

	out := cmd.OutOrStdout()
	remote := project.Remote
	if remote == "" {
		remote = "none"
	}
	rows := [][2]string{
		{"Project", project.ID},
		{"Remote", remote},
		{"State dir", project.StateDir},
	}
	if meta, err := state.LoadMetadata(project.StateDir); err == nil {
		rows = append(rows, [2]string{"Created", meta.CreatedAt.Local().Format("2006-01-02 15:04:05")})
	}
	if logs, err := state.ListLogs(project.StateDir); err == nil {
		rows = append(rows, [2]string{"Logs", strconv.Itoa(len(logs))})
	}

	queue := beads.NewQueue(beads.NewExecRunner(cfg.Beads.Command, workDir), logging.Component("beads"))
	if ready, err := queue.Ready(cmd.Context(), cfg.Epic); err == nil {
		rows = append(rows, [2]string{"Ready", strconv.Itoa(len(ready))})
		if len(ready) > 0 {
			rows = append(rows, [2]string{"Next", ready[0].ID + " " + ready[0].Title})
		}
	} else {
		rows = append(rows, [2]string{"Ready", "unavailable (" + err.Error() + ")"})
	}
	if cfg.Epic != "" {
		rows = append(rows, [2]string{"Scope", cfg.Epic})
	}
	_, _ = fmt.Fprint(out, console.Table(rows))

	tracker := attempts.NewTracker(attempts.NewFileStore(state.AttemptsFilePath(project.StateDir)), logging.Component("attempts"))
	records := tracker.All()
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "\nNo tracked attempts.")
		return nil
	}

	_, _ = fmt.Fprintln(out, "\nAttempts:")
	_, _ = fmt.Fprint(out, formatAttempts(records))
	return nil
}

// formatAttempts renders attempt records, flagging stuck items.
func formatAttempts(records []attempts.Record) string {
	rows := make([][2]string, 0, len(records))
	for _, r := range records {
		v := strconv.Itoa(r.Count)
		if r.Count >= attempts.DefaultStuckThreshold {
			v += " (stuck)"
		}
		rows = append(rows, [2]string{r.ID, v})
	}
	return console.Table(rows)
}
