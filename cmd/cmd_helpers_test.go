package cmd

import (
	"bytes"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// isolate points every config and state lookup into temp directories and
// moves into an empty project directory.
func isolate(t *testing.T) (workDir, stateRoot string) {
	t.Helper()
	workDir = t.TempDir()
	stateRoot = t.TempDir()

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("RALPH_STATE_DIR", stateRoot)
	for _, key := range []string{"RALPH_EPIC", "RALPH_LOG", "RALPH_VERBOSE", "RALPH_LOG_KEEP", "RALPH_PROMPT_DIR"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(workDir))
	t.Cleanup(func() { _ = os.Chdir(oldWd) })

	cfgFile = ""
	rootLog = false
	rootVerbose = false
	return workDir, stateRoot
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func findCommand(root *cobra.Command, name string) *cobra.Command {
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}
