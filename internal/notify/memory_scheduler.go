package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryScheduler is an OSScheduler kept in process memory with a fixed pending capacity.
// It stands in for the platform scheduler in development hosts and tests.
type MemoryScheduler struct {
	mu       sync.Mutex
	capacity int
	pending  []Scheduled
}

// NewMemoryScheduler constructs a scheduler holding at most capacity pending items;
// capacity <= 0 means unbounded.
func NewMemoryScheduler(capacity int) *MemoryScheduler {
	return &MemoryScheduler{capacity: capacity}
}

// Submit implements OSScheduler.
func (s *MemoryScheduler) Submit(_ context.Context, items []Scheduled) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accepted := 0
	for _, item := range items {
		if s.capacity > 0 && len(s.pending) >= s.capacity {
			break
		}
		s.pending = append(s.pending, item)
		accepted++
	}
	sort.SliceStable(s.pending, func(i, j int) bool { return s.pending[i].FireAt.Before(s.pending[j].FireAt) })
	return accepted, nil
}

// CancelRange implements OSScheduler.
func (s *MemoryScheduler) CancelRange(_ context.Context, from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.pending[:0]
	for _, item := range s.pending {
		if item.ID >= from && item.ID <= to {
			continue
		}
		kept = append(kept, item)
	}
	s.pending = kept
	return nil
}

// Pending returns a copy of the pending items ordered by fire time.
func (s *MemoryScheduler) Pending() []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Scheduled(nil), s.pending...)
}

// PopDue removes and returns the items due at now.
func (s *MemoryScheduler) PopDue(now time.Time) []Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Scheduled
	kept := s.pending[:0]
	for _, item := range s.pending {
		if !item.FireAt.After(now) {
			due = append(due, item)
			continue
		}
		kept = append(kept, item)
	}
	s.pending = kept
	return due
}
