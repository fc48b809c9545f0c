// Package memory implements store.Store in process memory. It is used when
// no database is configured (single-process deployments) and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alfredjeanlab/gatebus/internal/model"
	"github.com/alfredjeanlab/gatebus/internal/store"
)

// DefaultCap is the per-resource log capacity used when New is given logCap <= 0.
const DefaultCap = 1000

// MemoryStore implements store.Store with mutex-guarded maps.
type MemoryStore struct {
	mu       sync.RWMutex
	cap      int
	counters map[string]int64
	logs     map[string][]model.Envelope // ascending by Sequence
	closed   bool
}

// Compile-time check that MemoryStore implements store.Store.
var _ store.Store = (*MemoryStore)(nil)

// New returns an empty store whose per-resource logs hold at most logCap
// envelopes.
func New(logCap int) *MemoryStore {
	if logCap <= 0 {
		logCap = DefaultCap
	}
	return &MemoryStore{
		cap:      logCap,
		counters: make(map[string]int64),
		logs:     make(map[string][]model.Envelope),
	}
}

func (s *MemoryStore) NextSequence(_ context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("next sequence for %s: %w", resourceID, store.ErrUnavailable)
	}
	s.counters[resourceID]++
	return s.counters[resourceID], nil
}

func (s *MemoryStore) GetSequence(_ context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fmt.Errorf("get sequence for %s: %w", resourceID, store.ErrUnavailable)
	}
	return s.counters[resourceID], nil
}

func (s *MemoryStore) GetSequences(_ context.Context, resourceIDs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("get sequences: %w", store.ErrUnavailable)
	}
	out := make(map[string]int64, len(resourceIDs))
	for _, id := range resourceIDs {
		out[id] = s.counters[id]
	}
	return out, nil
}

// Append inserts env at its sequence position (concurrent publishers may
// append slightly out of order) and drops the oldest entries beyond cap.
func (s *MemoryStore) Append(_ context.Context, env model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("append to %s: %w", env.ResourceID, store.ErrUnavailable)
	}

	entries := s.logs[env.ResourceID]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Sequence >= env.Sequence })
	if i < len(entries) && entries[i].Sequence == env.Sequence {
		entries[i] = env
	} else {
		entries = append(entries, model.Envelope{})
		copy(entries[i+1:], entries[i:])
		entries[i] = env
	}

	if over := len(entries) - s.cap; over > 0 {
		// Copy so the evicted prefix can be collected.
		trimmed := make([]model.Envelope, s.cap)
		copy(trimmed, entries[over:])
		entries = trimmed
	}
	s.logs[env.ResourceID] = entries
	return nil
}

func (s *MemoryStore) Range(_ context.Context, resourceID string, afterSequence int64, limit int) ([]model.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("range %s: %w", resourceID, store.ErrUnavailable)
	}
	if limit <= 0 {
		return nil, nil
	}

	entries := s.logs[resourceID]
	start := sort.Search(len(entries), func(i int) bool { return entries[i].Sequence > afterSequence })
	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]model.Envelope, end-start)
	copy(out, entries[start:end])
	return out, nil
}

func (s *MemoryStore) ListResources(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("list resources: %w", store.ErrUnavailable)
	}
	out := make([]string, 0, len(s.logs))
	for id, entries := range s.logs {
		if len(entries) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrUnavailable
	}
	return nil
}

// Close marks the store unreachable; every later call fails with
// store.ErrUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
