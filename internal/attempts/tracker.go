package attempts

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// DefaultStuckThreshold is the attempt count at which an item is considered
// stuck.
const DefaultStuckThreshold = 3

// Record is a single tracked item.
type Record struct {
	ID    string
	Count int
}

// Tracker applies attempt bookkeeping on top of a Store. Every mutation is a
// full read-modify-write of the store, which assumes a single writer.
type Tracker struct {
	store  Store
	logger zerolog.Logger
}

// NewTracker creates a Tracker over store.
func NewTracker(store Store, logger zerolog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

func (t *Tracker) load() map[string]int {
	counts, err := t.store.Load()
	if err != nil {
		t.logger.Warn().Err(err).Msg("attempt store unreadable, treating as empty")
		return map[string]int{}
	}
	return counts
}

// loadForUpdate reads the store for a mutation. Unlike load it fails on an
// unreadable store so a save never overwrites records it could not read.
func (t *Tracker) loadForUpdate() (map[string]int, error) {
	counts, err := t.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	return counts, nil
}

// Get returns the attempt count for id, or 0 when it is untracked or the
// store cannot be read.
func (t *Tracker) Get(id string) int {
	return t.load()[id]
}

// Increment adds one attempt for id and returns the new count.
func (t *Tracker) Increment(id string) (int, error) {
	counts, err := t.loadForUpdate()
	if err != nil {
		return 0, err
	}
	counts[id]++
	if err := t.store.Save(counts); err != nil {
		return counts[id], fmt.Errorf("failed to save attempts for %s: %w", id, err)
	}
	return counts[id], nil
}

// Decrement removes one attempt for id, never going below zero.
func (t *Tracker) Decrement(id string) error {
	counts, err := t.loadForUpdate()
	if err != nil {
		return err
	}
	n, ok := counts[id]
	if !ok {
		return nil
	}
	if n <= 1 {
		delete(counts, id)
	} else {
		counts[id] = n - 1
	}
	if err := t.store.Save(counts); err != nil {
		return fmt.Errorf("failed to save attempts for %s: %w", id, err)
	}
	return nil
}

// Reset drops the record for id.
func (t *Tracker) Reset(id string) error {
	counts, err := t.loadForUpdate()
	if err != nil {
		return err
	}
	if _, ok := counts[id]; !ok {
		return nil
	}
	delete(counts, id)
	if err := t.store.Save(counts); err != nil {
		return fmt.Errorf("failed to reset attempts for %s: %w", id, err)
	}
	return nil
}

// ResetAll drops every record.
func (t *Tracker) ResetAll() error {
	if err := t.store.Save(map[string]int{}); err != nil {
		return fmt.Errorf("failed to reset attempts: %w", err)
	}
	return nil
}

// All returns every tracked record sorted by id.
func (t *Tracker) All() []Record {
	counts := t.load()
	records := make([]Record, 0, len(counts))
	for id, n := range counts {
		records = append(records, Record{ID: id, Count: n})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// IsStuck reports whether id has reached threshold attempts.
func (t *Tracker) IsStuck(id string, threshold int) bool {
	return t.Get(id) >= threshold
}
