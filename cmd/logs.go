package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yarlson/ralph-loop/internal/console"
	"github.com/yarlson/ralph-loop/internal/eventlog"
	"github.com/yarlson/ralph-loop/internal/runner"
	"github.com/yarlson/ralph-loop/internal/state"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List run logs",
		Long:  "List the event logs of this project, oldest first. Logs are only written by runs started with --log or RALPH_LOG=1.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, err := projectStateDir(cmd)
			if err != nil {
				return err
			}
			logsDir := state.LogsDirPath(stateDir)
			names, err := state.ListLogs(stateDir)
			if err != nil {
				return err
			}
			if len(names) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No logs found. Run with --log to record one.")
				return nil
			}
			for _, name := range names {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(logsDir, name))
			}
			return nil
		},
	}

	cmd.AddCommand(newLogsSummarizeCmd())
	cmd.AddCommand(newLogsAnalyzeCmd())
	return cmd
}

func newLogsSummarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize [file]",
		Short: "Summarize a run log",
		Long:  "Report iterations, failures, quota waits, tool usage and repeated tool calls for a run log. Defaults to the most recent log.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveLogPath(cmd, args)
			if err != nil {
				return err
			}

			summary, err := eventlog.SummarizeFile(path)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", path)
			_, _ = fmt.Fprint(cmd.OutOrStdout(), formatLogSummary(summary))
			return nil
		},
	}
}

func newLogsAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [file]",
		Short: "Find stuck points in a run log",
		Long:  "Report long runs of shell commands, environment problems, test and build attempts and the bd claim/close timeline. Defaults to the most recent log.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveLogPath(cmd, args)
			if err != nil {
				return err
			}

			analysis, err := eventlog.AnalyzeFile(path)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", path)
			_, _ = fmt.Fprint(cmd.OutOrStdout(), formatAnalysis(analysis))
			return nil
		},
	}
}

// resolveLogPath returns the file argument, or the latest log of the project.
func resolveLogPath(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}

	stateDir, err := projectStateDir(cmd)
	if err != nil {
		return "", err
	}
	logsDir := state.LogsDirPath(stateDir)
	names, err := state.ListLogs(stateDir)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no logs found in %s", logsDir)
	}
	return filepath.Join(logsDir, names[len(names)-1]), nil
}

func projectStateDir(cmd *cobra.Command) (string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	project, err := runner.OpenProject(cmd.Context(), workDir, cfg.StateDir)
	if err != nil {
		return "", fmt.Errorf("failed to open project state: %w", err)
	}
	return project.StateDir, nil
}

func formatLogSummary(s *eventlog.Summary) string {
	outcome := s.Outcome
	if outcome == "" {
		outcome = "unfinished"
	}
	rows := [][2]string{
		{"Outcome", outcome},
		{"Iterations", strconv.Itoa(s.Iterations)},
		{"Duration", s.TotalDuration.Round(time.Second).String()},
		{"Failures", strconv.Itoa(s.Failures)},
		{"Issues", strconv.Itoa(len(s.Issues))},
		{"Quota waits", strconv.Itoa(s.QuotaEvents)},
		{"Stuck skips", strconv.Itoa(s.StuckEvents)},
		{"Tool calls", strconv.Itoa(s.ToolUses)},
		{"Tool errors", strconv.Itoa(s.ToolErrors)},
	}
	if s.Beads.Total > 0 {
		rows = append(rows, [2]string{"Beads commands", fmt.Sprintf("%d (creates %d, updates %d, closes %d)",
			s.Beads.Total, s.Beads.Creates, s.Beads.Updates, s.Beads.Closes)})
	}
	if s.InvalidMeta > 0 {
		rows = append(rows, [2]string{"Invalid records", strconv.Itoa(s.InvalidMeta)})
	}

	var b strings.Builder
	b.WriteString(console.Table(rows))

	if len(s.Tools) > 0 {
		b.WriteString("\nTools:\n")
		tools := make([][2]string, 0, len(s.Tools))
		for _, t := range s.Tools {
			tools = append(tools, [2]string{t.Name, strconv.Itoa(t.Count)})
		}
		b.WriteString(console.Table(tools))
	}

	if len(s.Loops) > 0 {
		b.WriteString("\nPotential loops:\n")
		for _, l := range s.Loops {
			fmt.Fprintf(&b, "  %s called %d times in a row (line %d)\n", l.Tool, l.Count, l.Line)
		}
	}
	return b.String()
}

// maxRunCommands is how many commands of a shell run are listed.
const maxRunCommands = 8

func formatAnalysis(a *eventlog.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Events: %d\n", a.Events)

	b.WriteString("\nShell command runs:\n")
	if len(a.BashRuns) == 0 {
		b.WriteString("  none\n")
	}
	for i, run := range a.BashRuns {
		fmt.Fprintf(&b, "  Run %d: %d commands (line %d)\n", i+1, len(run.Calls), run.Line)
		for j, c := range run.Calls {
			if j == maxRunCommands {
				fmt.Fprintf(&b, "    ... +%d more\n", len(run.Calls)-maxRunCommands)
				break
			}
			status := "OK "
			switch {
			case !c.Answered:
				status = "?  "
			case c.Failed:
				status = "ERR"
			}
			fmt.Fprintf(&b, "    [%s] %s\n", status, preview(c.Command, 60))
		}
	}

	b.WriteString("\nEnvironment issues:\n")
	if len(a.EnvIssues) == 0 {
		b.WriteString("  none\n")
	}
	for _, issue := range a.EnvIssues {
		kind := "warning"
		if issue.Error {
			kind = "error"
		}
		fmt.Fprintf(&b, "  line %d %s: %s\n", issue.Line, kind, issue.Command)
		if issue.Detail != "" {
			fmt.Fprintf(&b, "    -> %s\n", preview(issue.Detail, 80))
		}
	}

	b.WriteString("\nTest/build attempts:\n")
	if len(a.Checks) == 0 {
		b.WriteString("  none\n")
	} else {
		failed := a.ChecksFailed()
		fmt.Fprintf(&b, "  total %d (passed %d, failed %d)\n", len(a.Checks), len(a.Checks)-failed, failed)
		for _, c := range a.Checks {
			if c.Failed {
				fmt.Fprintf(&b, "  line %d failed: %s\n", c.Line, c.Command)
			}
		}
	}

	b.WriteString("\nTask timeline:\n")
	if len(a.Timeline) == 0 {
		b.WriteString("  none\n")
	}
	prev := 0
	for _, t := range a.Timeline {
		fmt.Fprintf(&b, "  line %d %-5s %s (+%d lines)\n", t.Line, t.Action, t.IssueID, t.Line-prev)
		prev = t.Line
	}

	fmt.Fprintf(&b, "\nTodoWrite calls: %d\n", a.TodoWrites)
	fmt.Fprintf(&b, "Edits after read: %d/%d\n", a.EditsAfterRead, a.Edits)
	return b.String()
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
