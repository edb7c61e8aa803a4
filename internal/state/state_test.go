package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestResolveProjectID(t *testing.T) {
	t.Run("same remote yields same id", func(t *testing.T) {
		a, err := ResolveProjectID("git@github.com:acme/widgets.git", "/one")
		require.NoError(t, err)
		b, err := ResolveProjectID("git@github.com:acme/widgets.git", "/two")
		require.NoError(t, err)

		assert.Equal(t, a, b)
		assert.Len(t, a, ProjectIDLength)
	})

	t.Run("different remotes yield different ids", func(t *testing.T) {
		a, err := ResolveProjectID("https://github.com/acme/widgets", "")
		require.NoError(t, err)
		b, err := ResolveProjectID("https://github.com/acme/gadgets", "")
		require.NoError(t, err)

		assert.NotEqual(t, a, b)
	})

	t.Run("falls back to working directory", func(t *testing.T) {
		dir := t.TempDir()
		a, err := ResolveProjectID("", dir)
		require.NoError(t, err)
		b, err := ResolveProjectID("  ", dir)
		require.NoError(t, err)
		other, err := ResolveProjectID("", t.TempDir())
		require.NoError(t, err)

		assert.Equal(t, a, b)
		assert.NotEqual(t, a, other)
	})

	t.Run("relative and absolute paths agree", func(t *testing.T) {
		dir := t.TempDir()
		originalWd, _ := os.Getwd()
		defer func() { _ = os.Chdir(originalWd) }()
		require.NoError(t, os.Chdir(dir))

		rel, err := ResolveProjectID("", ".")
		require.NoError(t, err)
		abs, err := ResolveProjectID("", dir)
		require.NoError(t, err)

		assert.Equal(t, abs, rel)
	})
}

func TestNewStore_RequiresRoot(t *testing.T) {
	_, err := NewStore("", zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoStateRoot)
}

func TestEnsureStateDir(t *testing.T) {
	t.Run("creates project and logs directories", func(t *testing.T) {
		store := newTestStore(t)

		dir, err := store.EnsureStateDir("abc123def456", t.TempDir(), "git@example.com:a/b.git")
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(store.Root(), ProjectsDir, "abc123def456"), dir)
		info, err := os.Stat(filepath.Join(dir, LogsDir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())

		meta, err := LoadMetadata(dir)
		require.NoError(t, err)
		assert.Equal(t, "abc123def456", meta.ID)
		assert.Equal(t, "git@example.com:a/b.git", meta.RemoteURL)
		assert.False(t, meta.CreatedAt.IsZero())
	})

	t.Run("records none when there is no remote", func(t *testing.T) {
		store := newTestStore(t)

		dir, err := store.EnsureStateDir("p1", t.TempDir(), "")
		require.NoError(t, err)

		meta, err := LoadMetadata(dir)
		require.NoError(t, err)
		assert.Equal(t, "none", meta.RemoteURL)
	})

	t.Run("does not overwrite existing metadata", func(t *testing.T) {
		store := newTestStore(t)
		store.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

		dir, err := store.EnsureStateDir("p1", t.TempDir(), "first")
		require.NoError(t, err)
		first, err := LoadMetadata(dir)
		require.NoError(t, err)

		store.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
		_, err = store.EnsureStateDir("p1", t.TempDir(), "second")
		require.NoError(t, err)
		second, err := LoadMetadata(dir)
		require.NoError(t, err)

		assert.Equal(t, first.CreatedAt, second.CreatedAt)
		assert.Equal(t, "first", second.RemoteURL)
	})

	t.Run("fails when the root cannot be created", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

		store, err := NewStore(blocker, zerolog.Nop())
		require.NoError(t, err)

		_, err = store.EnsureStateDir("p1", t.TempDir(), "")
		assert.Error(t, err)
	})
}

func TestLogFilePath(t *testing.T) {
	startedAt := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	assert.Empty(t, LogFilePath("/state", false, startedAt, "run"))
	assert.Equal(t,
		filepath.Join("/state", LogsDir, "20250304-050607.000-0f8fad5b.log"),
		LogFilePath("/state", true, startedAt, "0f8fad5b-d9cb-469f-a165-70867728950e"))
	assert.Equal(t,
		filepath.Join("/state", LogsDir, "20250304-050607.000.log"),
		LogFilePath("/state", true, startedAt, ""))
}

func TestLogFilePath_DistinctWithinOneSecond(t *testing.T) {
	startedAt := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	first := LogFilePath("/state", true, startedAt, "aaaaaaaa-1")
	second := LogFilePath("/state", true, startedAt, "bbbbbbbb-2")
	later := LogFilePath("/state", true, startedAt.Add(250*time.Millisecond), "00000000-3")

	assert.NotEqual(t, first, second)
	names := []string{filepath.Base(later), filepath.Base(first)}
	sort.Strings(names)
	assert.Equal(t, []string{filepath.Base(first), filepath.Base(later)}, names)
}

func TestAttemptsFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/state", "attempts.txt"), AttemptsFilePath("/state"))
}

func TestRotateLogs(t *testing.T) {
	writeLogs := func(t *testing.T, dir string, n int) []string {
		t.Helper()
		require.NoError(t, os.MkdirAll(LogsDirPath(dir), 0755))
		var names []string
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < n; i++ {
			name := base.Add(time.Duration(i)*time.Minute).Format(logTimestampFmt) + logExt
			require.NoError(t, os.WriteFile(filepath.Join(LogsDirPath(dir), name), []byte("{}\n"), 0644))
			names = append(names, name)
		}
		return names
	}

	t.Run("keeps the most recent files", func(t *testing.T) {
		dir := t.TempDir()
		names := writeLogs(t, dir, 15)

		removed, err := RotateLogs(dir, 10)
		require.NoError(t, err)
		assert.Equal(t, names[:5], removed)

		remaining, err := ListLogs(dir)
		require.NoError(t, err)
		assert.Equal(t, names[5:], remaining)
	})

	t.Run("no-op under the limit", func(t *testing.T) {
		dir := t.TempDir()
		writeLogs(t, dir, 3)

		removed, err := RotateLogs(dir, 10)
		require.NoError(t, err)
		assert.Empty(t, removed)

		remaining, err := ListLogs(dir)
		require.NoError(t, err)
		assert.Len(t, remaining, 3)
	})

	t.Run("zero keep disables rotation", func(t *testing.T) {
		dir := t.TempDir()
		writeLogs(t, dir, 4)

		removed, err := RotateLogs(dir, 0)
		require.NoError(t, err)
		assert.Empty(t, removed)
	})

	t.Run("ignores non-log files", func(t *testing.T) {
		dir := t.TempDir()
		writeLogs(t, dir, 2)
		require.NoError(t, os.WriteFile(filepath.Join(LogsDirPath(dir), "notes.txt"), nil, 0644))

		removed, err := RotateLogs(dir, 1)
		require.NoError(t, err)
		assert.Len(t, removed, 1)

		_, err = os.Stat(filepath.Join(LogsDirPath(dir), "notes.txt"))
		assert.NoError(t, err)
	})

	t.Run("missing logs directory", func(t *testing.T) {
		removed, err := RotateLogs(filepath.Join(t.TempDir(), "absent"), 10)
		require.NoError(t, err)
		assert.Empty(t, removed)
	})
}

func TestLegacyStatePath(t *testing.T) {
	dir := t.TempDir()

	_, found := LegacyStatePath(dir)
	assert.False(t, found)

	require.NoError(t, os.WriteFile(filepath.Join(dir, LegacyAttemptsFile), []byte("bd-1:2\n"), 0644))
	path, found := LegacyStatePath(dir)
	assert.True(t, found)
	assert.Equal(t, filepath.Join(dir, LegacyAttemptsFile), path)
}

func ExampleResolveProjectID() {
	id, _ := ResolveProjectID("git@github.com:acme/widgets.git", "")
	fmt.Println(len(id))
	// Output: 12
}
