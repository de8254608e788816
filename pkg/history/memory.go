package history

import (
	"context"
	"sort"
	"sync"
)

const subscriberBuffer = 64

type runRecord struct {
	run         Run
	events      []Entry
	subscribers []chan Entry
}

// MemStore keeps runs in memory and lets callers follow a live run.
type MemStore struct {
	mu        sync.RWMutex
	items     map[string]*runRecord
	maxEvents int
	maxRuns   int
}

// NewMemStore keeps at most maxEvents events per run and maxRuns runs.
// Zero means unbounded.
func NewMemStore(maxEvents, maxRuns int) *MemStore {
	return &MemStore{
		items:     make(map[string]*runRecord),
		maxEvents: maxEvents,
		maxRuns:   maxRuns,
	}
}

func (s *MemStore) Save(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[run.ID]
	if !ok {
		rec = &runRecord{}
		s.items[run.ID] = rec
		s.evictLocked()
	}
	rec.run = run
	if run.Status.Finished() {
		for _, sub := range rec.subscribers {
			close(sub)
		}
		rec.subscribers = nil
	}
	return nil
}

// evictLocked drops the oldest finished runs beyond maxRuns.
func (s *MemStore) evictLocked() {
	if s.maxRuns <= 0 || len(s.items) <= s.maxRuns {
		return
	}
	runs := make([]Run, 0, len(s.items))
	for _, rec := range s.items {
		if rec.run.Status.Finished() {
			runs = append(runs, rec.run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	for _, r := range runs {
		if len(s.items) <= s.maxRuns {
			return
		}
		delete(s.items, r.ID)
	}
}

func (s *MemStore) AppendEvent(_ context.Context, id string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	rec.events = append(rec.events, e)
	if s.maxEvents > 0 && len(rec.events) > s.maxEvents {
		n := len(rec.events) - s.maxEvents
		rec.events = append(rec.events[:0], rec.events[n:]...)
	}
	for _, sub := range rec.subscribers {
		select {
		case sub <- e:
		default:
		}
	}
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return rec.run, nil
}

func (s *MemStore) List(_ context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Run, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.run)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemStore) Events(_ context.Context, id string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	events := rec.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]Entry(nil), events...), nil
}

// Subscribe returns the events recorded so far and a channel carrying the
// ones that follow. The channel is closed when the run finishes or cancel
// is called. A follower that falls behind misses events.
func (s *MemStore) Subscribe(id string) ([]Entry, <-chan Entry, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return nil, nil, nil, ErrNotFound
	}
	backlog := append([]Entry(nil), rec.events...)
	ch := make(chan Entry, subscriberBuffer)
	if rec.run.Status.Finished() {
		close(ch)
		return backlog, ch, func() {}, nil
	}
	rec.subscribers = append(rec.subscribers, ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range rec.subscribers {
				if sub == ch {
					rec.subscribers = append(rec.subscribers[:i], rec.subscribers[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return backlog, ch, cancel, nil
}

func (s *MemStore) Close() error { return nil }
