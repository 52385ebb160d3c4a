package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepository keeps audit events in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	events []Event
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Insert(ctx context.Context, event Event) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	event.ID = r.nextID
	r.events = append(r.events, event)
	return event, nil
}

func (r *MemoryRepository) Window(ctx context.Context, window Window) ([]Event, error) {
	r.mu.RLock()
	matched := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if window.Filters.matches(e) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].At.Equal(matched[j].At) {
			return matched[i].At.After(matched[j].At)
		}
		return matched[i].ID > matched[j].ID
	})
	if window.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrValidation)
	}
	if window.Offset >= len(matched) {
		return []Event{}, nil
	}
	matched = matched[window.Offset:]
	if window.Limit > 0 && len(matched) > window.Limit {
		matched = matched[:window.Limit]
	}
	return matched, nil
}

var _ Repository = (*MemoryRepository)(nil)
