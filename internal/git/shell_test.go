package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, dir string, name string, args ...string) string {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "%s %v: %s", name, args, string(out))
	return string(out)
}

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	runCmd(t, dir, "git", "init", "-b", "main")
	runCmd(t, dir, "git", "config", "user.email", "test@example.com")
	runCmd(t, dir, "git", "config", "user.name", "Test User")
	runCmd(t, dir, "git", "config", "commit.gpgsign", "false")

	return dir
}

// commitTestFile adds and commits a file
func commitTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	runCmd(t, dir, "git", "add", name)
	runCmd(t, dir, "git", "commit", "-m", "add "+name)
}

// setupBareRemote creates a bare repository and registers it as origin.
func setupBareRemote(t *testing.T, repo string) string {
	t.Helper()
	remote := t.TempDir()
	runCmd(t, remote, "git", "init", "--bare", "-b", "main")
	runCmd(t, repo, "git", "remote", "add", "origin", remote)
	return remote
}

func TestShellManager_Implements_Manager(t *testing.T) {
	var _ Manager = (*ShellManager)(nil)
}

func TestShellManager_RemoteURL(t *testing.T) {
	ctx := context.Background()

	t.Run("no origin", func(t *testing.T) {
		m := NewShellManager(setupTestRepo(t))
		url, err := m.RemoteURL(ctx)
		require.NoError(t, err)
		assert.Empty(t, url)
	})

	t.Run("with origin", func(t *testing.T) {
		dir := setupTestRepo(t)
		runCmd(t, dir, "git", "remote", "add", "origin", "git@github.com:acme/widgets.git")

		url, err := NewShellManager(dir).RemoteURL(ctx)
		require.NoError(t, err)
		assert.Equal(t, "git@github.com:acme/widgets.git", url)
	})
}

func TestShellManager_CurrentBranch(t *testing.T) {
	ctx := context.Background()

	t.Run("empty repository", func(t *testing.T) {
		branch, err := NewShellManager(setupTestRepo(t)).CurrentBranch(ctx)
		require.NoError(t, err)
		assert.Equal(t, "main", branch)
	})

	t.Run("feature branch", func(t *testing.T) {
		dir := setupTestRepo(t)
		commitTestFile(t, dir, "a.txt", "a")
		runCmd(t, dir, "git", "checkout", "-b", "feature/x")

		branch, err := NewShellManager(dir).CurrentBranch(ctx)
		require.NoError(t, err)
		assert.Equal(t, "feature/x", branch)
	})

	t.Run("detached head", func(t *testing.T) {
		dir := setupTestRepo(t)
		commitTestFile(t, dir, "a.txt", "a")
		runCmd(t, dir, "git", "checkout", "--detach")

		_, err := NewShellManager(dir).CurrentBranch(ctx)
		assert.ErrorIs(t, err, ErrDetachedHead)
	})
}

func TestShellManager_HeadCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("no commits", func(t *testing.T) {
		_, err := NewShellManager(setupTestRepo(t)).HeadCommit(ctx)
		assert.ErrorIs(t, err, ErrNoCommits)

		var gitErr *GitError
		require.ErrorAs(t, err, &gitErr)
		assert.Equal(t, "git rev-parse HEAD", gitErr.Command)
	})

	t.Run("after commit", func(t *testing.T) {
		dir := setupTestRepo(t)
		commitTestFile(t, dir, "a.txt", "a")

		hash, err := NewShellManager(dir).HeadCommit(ctx)
		require.NoError(t, err)
		assert.Len(t, hash, 40)
	})
}

func TestShellManager_Push(t *testing.T) {
	ctx := context.Background()

	t.Run("creates upstream on first push", func(t *testing.T) {
		dir := setupTestRepo(t)
		remote := setupBareRemote(t, dir)
		commitTestFile(t, dir, "a.txt", "a")

		m := NewShellManager(dir)
		require.NoError(t, m.Push(ctx))

		head, err := m.HeadCommit(ctx)
		require.NoError(t, err)
		remoteHead := runCmd(t, remote, "git", "rev-parse", "main")
		assert.Equal(t, head+"\n", remoteHead)

		commitTestFile(t, dir, "b.txt", "b")
		require.NoError(t, m.Push(ctx))
		head, err = m.HeadCommit(ctx)
		require.NoError(t, err)
		assert.Equal(t, head+"\n", runCmd(t, remote, "git", "rev-parse", "main"))
	})

	t.Run("fails without a remote", func(t *testing.T) {
		dir := setupTestRepo(t)
		commitTestFile(t, dir, "a.txt", "a")

		err := NewShellManager(dir).Push(ctx)
		var gitErr *GitError
		require.ErrorAs(t, err, &gitErr)
		assert.Equal(t, "git push -u origin main", gitErr.Command)
	})
}

func TestGitError(t *testing.T) {
	err := &GitError{Command: "git push", Output: "rejected", Err: ErrNotAGitRepo}
	assert.Equal(t, `git command "git push" failed: rejected`, err.Error())
	assert.ErrorIs(t, err, ErrNotAGitRepo)

	bare := &GitError{Command: "git push"}
	assert.Equal(t, `git command "git push" failed`, bare.Error())
}
