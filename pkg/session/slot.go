package session

import (
	"sync"
	"time"
)

// Slot is the process-wide "active training session" reference. At most
// one Lease is held at a time.
type Slot struct {
	mu     sync.Mutex
	active *Lease
}

func NewSlot() *Slot {
	return &Slot{}
}

// Claim takes the slot for session id, or fails with ErrBusy.
func (s *Slot) Claim(id string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrBusy
	}
	l := &Lease{
		ID:      id,
		Claimed: time.Now().UTC(),
		slot:    s,
		abort:   make(chan struct{}),
	}
	s.active = l
	return l, nil
}

// Active returns the current lease, if any.
func (s *Slot) Active() (*Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != nil
}

// Stop asks the active session to abort. It reports false when idle.
func (s *Slot) Stop() bool {
	l, ok := s.Active()
	if !ok {
		return false
	}
	l.Abort()
	return true
}

// release clears the slot only if it still holds l.
func (s *Slot) release(l *Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != l {
		return false
	}
	s.active = nil
	return true
}

// Lease is a claim on the Slot held by one session.
type Lease struct {
	ID      string
	Claimed time.Time

	slot      *Slot
	abort     chan struct{}
	abortOnce sync.Once
	release   sync.Once
}

// Abort signals the session holding the lease to stop its job.
func (l *Lease) Abort() {
	l.abortOnce.Do(func() { close(l.abort) })
}

// Aborted is closed once Abort has been called.
func (l *Lease) Aborted() <-chan struct{} {
	return l.abort
}

// Release frees the slot. Only the first call has an effect; it reports
// whether this call cleared the slot.
func (l *Lease) Release() bool {
	cleared := false
	l.release.Do(func() {
		cleared = l.slot.release(l)
	})
	return cleared
}
