package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elonfeng/flowtrends/pkg/source"
	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store. Each source maps to an immutable slice
// that a replace swaps out in one step.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[source.SourceType][]source.Bundle
	nextID    int64
	closed    bool
	now       func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[source.SourceType][]source.Bundle),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) ReplaceSource(_ context.Context, st source.SourceType, bundles []source.Bundle) (Commit, error) {
	// Encoding validates the batch the same way the SQL store does.
	if _, err := encodeBundles(st, bundles); err != nil {
		return Commit{}, err
	}

	commit := Commit{
		Source:      st,
		BatchID:     uuid.NewString(),
		Count:       len(bundles),
		CommittedAt: m.now(),
	}

	snapshot := make([]source.Bundle, len(bundles))
	for i, b := range bundles {
		b.Source = st
		b.Metrics = b.Metrics.Clone()
		if b.Metrics == nil {
			b.Metrics = source.Metrics{}
		}
		b.BatchID = commit.BatchID
		b.CreatedAt = commit.CommittedAt
		snapshot[i] = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Commit{}, fmt.Errorf("replace %s: %w: store closed", st, ErrPersistence)
	}
	for i := range snapshot {
		m.nextID++
		snapshot[i].ID = m.nextID
	}
	m.snapshots[st] = snapshot
	return commit, nil
}

func (m *MemoryStore) ReadSource(_ context.Context, st source.SourceType) ([]source.Bundle, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("%w: %q", source.ErrInvalidSource, st)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("read %s: %w: store closed", st, ErrPersistence)
	}
	return copyBundles(m.snapshots[st]), nil
}

func (m *MemoryStore) ReadAll(_ context.Context) (map[source.SourceType][]source.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("read all: %w: store closed", ErrPersistence)
	}

	out := make(map[source.SourceType][]source.Bundle, len(source.AllSourceTypes()))
	for _, st := range source.AllSourceTypes() {
		out[st] = copyBundles(m.snapshots[st])
	}
	return out, nil
}

func (m *MemoryStore) CountBySource(_ context.Context) (map[source.SourceType]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("count by source: %w: store closed", ErrPersistence)
	}

	counts := make(map[source.SourceType]int, len(source.AllSourceTypes()))
	for _, st := range source.AllSourceTypes() {
		counts[st] = len(m.snapshots[st])
	}
	return counts, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// copyBundles hands readers their own copy so callers can never mutate a
// committed snapshot.
func copyBundles(in []source.Bundle) []source.Bundle {
	out := make([]source.Bundle, len(in))
	for i, b := range in {
		b.Metrics = b.Metrics.Clone()
		out[i] = b
	}
	return out
}
