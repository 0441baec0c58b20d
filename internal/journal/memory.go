package journal

import (
	"context"
	"sync"
)

// defaultMemoryCap bounds the in-memory journal so a long-running process
// with many purchases does not grow without limit.
const defaultMemoryCap = 4096

// MemoryJournal is an in-memory ring of recent transitions. Default backend;
// suitable because the journal is observability, not durability.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []Entry
	cap     int
}

// NewMemoryJournal creates an in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{cap: defaultMemoryCap}
}

// Append records a transition, discarding the oldest entry when full.
func (j *MemoryJournal) Append(ctx context.Context, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.cap {
		j.entries = j.entries[1:]
	}
	j.entries = append(j.entries, entry)
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *MemoryJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}

	out := make([]Entry, 0, limit)
	for i := len(j.entries) - 1; i >= len(j.entries)-limit; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

// Close is a no-op for the memory backend.
func (j *MemoryJournal) Close() error {
	return nil
}
