package relay

import (
	"context"
	"sync"
)

// SessionHandle is how the tracker reaches a running session.
type SessionHandle struct {
	Cancel func()
	Warn   func(code, message string) error
}

// Tracker routes shutdown to running sessions. It holds no conversation
// state.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle SessionHandle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*trackedSession)}
}

// Register adds a session and returns the function that removes it. A second
// registration under the same id replaces the first.
func (t *Tracker) Register(id string, h SessionHandle) (unregister func()) {
	entry := &trackedSession{handle: h}

	t.mu.Lock()
	old := t.sessions[id]
	t.sessions[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.remove(id, old)
	}
	return func() { t.remove(id, entry) }
}

func (t *Tracker) remove(id string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[id] == entry {
			delete(t.sessions, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) handles() []SessionHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SessionHandle, 0, len(t.sessions))
	for _, entry := range t.sessions {
		out = append(out, entry.handle)
	}
	return out
}

// WarnAll sends an error frame to every client and returns how many were
// sent.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		if h.Warn(code, message) == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (cancelled int) {
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		cancelled++
	}
	return cancelled
}

// Wait blocks until every registered session is removed or ctx is done.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
