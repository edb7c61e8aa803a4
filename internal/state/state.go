// Package state manages the per-project state directory that lives outside the
// working tree: attempt counters, project metadata and rotating iteration logs.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Layout of a project state directory.
const (
	ProjectsDir  = "projects"
	LogsDir      = "logs"
	MetadataFile = "metadata.json"
	AttemptsFile = "attempts.txt"

	// LegacyAttemptsFile is the project-local attempts file older loops wrote
	// into the working tree.
	LegacyAttemptsFile = ".ralph-attempts"

	// ProjectIDLength is the number of hex characters kept from the hash.
	ProjectIDLength = 12

	logExt          = ".log"
	logTimestampFmt = "20060102-150405.000"
	logRunIDLen     = 8
)

// ErrNoStateRoot is returned when a Store is created without a root directory.
var ErrNoStateRoot = errors.New("state root is not set")

// Metadata describes a project state directory. It is written once, when the
// directory is first created.
type Metadata struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	RemoteURL string    `json:"remote_url"`
	CreatedAt time.Time `json:"created_at"`
}

// ResolveProjectID derives a stable project identifier. The remote URL wins
// when present so every clone of a repository shares state; otherwise the
// canonical absolute path of workDir is hashed.
func ResolveProjectID(remoteURL, workDir string) (string, error) {
	source := strings.TrimSpace(remoteURL)
	if source == "" {
		abs, err := canonicalPath(workDir)
		if err != nil {
			return "", fmt.Errorf("resolve project path: %w", err)
		}
		source = abs
	}

	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])[:ProjectIDLength], nil
}

func canonicalPath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// A path that cannot be resolved still hashes deterministically.
		return abs, nil
	}
	return resolved, nil
}

// Store hands out per-project directories below a state root.
type Store struct {
	root   string
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a Store rooted at root.
func NewStore(root string, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, ErrNoStateRoot
	}
	return &Store{root: root, logger: logger, now: time.Now}, nil
}

// Root returns the state root directory.
func (s *Store) Root() string {
	return s.root
}

// ProjectDir returns the state directory for a project without creating it.
func (s *Store) ProjectDir(projectID string) string {
	return filepath.Join(s.root, ProjectsDir, projectID)
}

// EnsureStateDir returns <root>/projects/<id>, creating it and its logs/
// subdirectory when missing. Metadata is written only when no metadata file
// exists yet; a failed metadata write is logged and ignored.
func (s *Store) EnsureStateDir(projectID, workDir, remoteURL string) (string, error) {
	dir := s.ProjectDir(projectID)
	if err := os.MkdirAll(filepath.Join(dir, LogsDir), 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	metaPath := filepath.Join(dir, MetadataFile)
	if _, err := os.Stat(metaPath); err == nil {
		return dir, nil
	}

	if remoteURL == "" {
		remoteURL = "none"
	}
	absPath, err := canonicalPath(workDir)
	if err != nil {
		absPath = workDir
	}
	meta := Metadata{
		ID:        projectID,
		Path:      absPath,
		RemoteURL: remoteURL,
		CreatedAt: s.now().UTC(),
	}
	if err := writeMetadata(metaPath, meta); err != nil {
		s.logger.Warn().Err(err).Str("path", metaPath).Msg("failed to write project metadata")
	}

	return dir, nil
}

func writeMetadata(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// LoadMetadata reads the metadata record of a project state directory.
func LoadMetadata(stateDir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

// AttemptsFilePath returns the path to the attempts file.
func AttemptsFilePath(stateDir string) string {
	return filepath.Join(stateDir, AttemptsFile)
}

// LogsDirPath returns the path to the logs directory.
func LogsDirPath(stateDir string) string {
	return filepath.Join(stateDir, LogsDir)
}

// LogFilePath returns a log file path for the run runID started at startedAt,
// or an empty string when logging is disabled. The name leads with a
// fixed-width millisecond timestamp and ends with a prefix of the run id.
func LogFilePath(stateDir string, enabled bool, startedAt time.Time, runID string) string {
	if !enabled {
		return ""
	}
	name := startedAt.UTC().Format(logTimestampFmt)
	if len(runID) > logRunIDLen {
		runID = runID[:logRunIDLen]
	}
	if runID != "" {
		name += "-" + runID
	}
	return filepath.Join(LogsDirPath(stateDir), name+logExt)
}

// ListLogs returns log file names in the logs directory, oldest first.
func ListLogs(stateDir string) ([]string, error) {
	entries, err := os.ReadDir(LogsDirPath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read logs directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), logExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// RotateLogs deletes the oldest log files so that at most keep remain.
// Filenames are timestamps, so lexical order is chronological order.
// A keep of zero or less disables rotation.
func RotateLogs(stateDir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	names, err := ListLogs(stateDir)
	if err != nil {
		return nil, err
	}
	if len(names) <= keep {
		return nil, nil
	}

	stale := names[:len(names)-keep]
	var removed []string
	for _, name := range stale {
		path := filepath.Join(LogsDirPath(stateDir), name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove log %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// LegacyStatePath returns the path of a project-local legacy attempts file if
// one exists in workDir.
func LegacyStatePath(workDir string) (string, bool) {
	path := filepath.Join(workDir, LegacyAttemptsFile)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}
