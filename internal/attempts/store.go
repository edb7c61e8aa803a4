// Package attempts counts how many times the loop has tried each work item.
package attempts

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Store persists the attempt counts of every tracked item as a whole.
type Store interface {
	Load() (map[string]int, error)
	Save(counts map[string]int) error
}

// FileStore keeps counts in a line-oriented "<id>:<count>" file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads every record. A missing file is an empty store, and lines that do
// not parse are skipped.
func (s *FileStore) Load() (map[string]int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]int{}, nil
		}
		return nil, fmt.Errorf("failed to read attempts file: %w", err)
	}
	return parseRecords(data), nil
}

func parseRecords(data []byte) map[string]int {
	counts := make(map[string]int)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Item ids may themselves contain colons; the count is after the last one.
		idx := strings.LastIndex(line, ":")
		if idx <= 0 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
		if err != nil || n <= 0 {
			continue
		}
		counts[line[:idx]] = n
	}
	return counts
}

// Save rewrites the file with every positive count, sorted by id. The write
// goes through a temporary file and a rename.
func (s *FileStore) Save(counts map[string]int) error {
	ids := make([]string, 0, len(counts))
	for id, n := range counts {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var buf bytes.Buffer
	for _, id := range ids {
		fmt.Fprintf(&buf, "%s:%d\n", id, counts[id])
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create attempts directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".attempts-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write attempts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace attempts file: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int)}
}

func (s *MemoryStore) Load() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for id, n := range s.counts {
		out[id] = n
	}
	return out, nil
}

func (s *MemoryStore) Save(counts map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int, len(counts))
	for id, n := range counts {
		if n > 0 {
			s.counts[id] = n
		}
	}
	return nil
}
