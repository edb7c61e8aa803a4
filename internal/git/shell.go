package git

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// ShellManager implements the Manager interface by shelling out to git.
type ShellManager struct {
	workDir string
}

// NewShellManager creates a ShellManager operating in workDir.
func NewShellManager(workDir string) *ShellManager {
	return &ShellManager{workDir: workDir}
}

// runGit executes a git command and returns its trimmed stdout.
func (m *ShellManager) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		stderrLower := strings.ToLower(stderrStr)
		gitErr := &GitError{
			Command: "git " + strings.Join(args, " "),
			Output:  stderrStr,
			Err:     err,
		}

		switch {
		case strings.Contains(stderrLower, "not a git repository"):
			gitErr.Err = ErrNotAGitRepo
		case strings.Contains(stderrLower, "ambiguous argument 'head'"),
			strings.Contains(stderrLower, "unknown revision"):
			gitErr.Err = ErrNoCommits
		}
		return "", gitErr
	}

	return strings.TrimSpace(stdout.String()), nil
}

// RemoteURL returns the origin URL. A repository without an origin remote
// yields an empty string and no error.
func (m *ShellManager) RemoteURL(ctx context.Context) (string, error) {
	url, err := m.runGit(ctx, "config", "--get", "remote.origin.url")
	if err != nil {
		var gitErr *GitError
		var exitErr *exec.ExitError
		// git config exits 1 when the key is unset.
		if errors.As(err, &gitErr) && errors.As(gitErr.Err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", err
	}
	return url, nil
}

// CurrentBranch returns the name of the current branch. It works in
// repositories without commits.
func (m *ShellManager) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := m.runGit(ctx, "symbolic-ref", "--short", "-q", "HEAD")
	if err != nil {
		if errors.Is(err, ErrNotAGitRepo) {
			return "", err
		}
		return "", &GitError{Command: "git symbolic-ref --short -q HEAD", Err: ErrDetachedHead}
	}
	return branch, nil
}

// HeadCommit returns the current HEAD commit hash.
func (m *ShellManager) HeadCommit(ctx context.Context) (string, error) {
	return m.runGit(ctx, "rev-parse", "HEAD")
}

// Push pushes the current branch. When the plain push fails, typically
// because the branch has no upstream yet, it retries once with
// "push -u origin <branch>".
func (m *ShellManager) Push(ctx context.Context) error {
	if _, err := m.runGit(ctx, "push"); err == nil {
		return nil
	}

	branch, err := m.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	_, err = m.runGit(ctx, "push", "-u", "origin", branch)
	return err
}
