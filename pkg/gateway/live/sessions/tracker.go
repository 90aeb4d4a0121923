package sessions

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handle is the control surface a live engine exposes to the tracker.
type Handle struct {
	OwnerID string
	Cancel  func()
	Warn    func(code, message string) error
}

// Tracker indexes live sessions by conversation ID. A conversation has at
// most one live connection: registering a second one cancels the first.
type Tracker struct {
	mu       sync.Mutex
	sessions map[int64]*trackedSession
	wg       sync.WaitGroup
	draining atomic.Bool
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[int64]*trackedSession),
	}
}

// Register claims the conversation for this session. The returned unregister
// func is idempotent and must be called when the session ends.
func (t *Tracker) Register(conversationID int64, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[int64]*trackedSession)
	}
	old := t.sessions[conversationID]
	t.sessions[conversationID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		// The newer connection wins; the displaced one is told to hang up.
		if old.handle.Warn != nil {
			_ = old.handle.Warn("superseded", "conversation was opened on another connection")
		}
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		t.unregister(conversationID, old)
	}

	return func() { t.unregister(conversationID, entry) }
}

func (t *Tracker) unregister(conversationID int64, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[conversationID] == entry {
			delete(t.sessions, conversationID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// SetDraining marks the tracker as shutting down. New sessions should be
// refused while draining; existing ones get to finish their turn.
func (t *Tracker) SetDraining(draining bool) {
	if t == nil {
		return
	}
	t.draining.Store(draining)
}

func (t *Tracker) Draining() bool {
	if t == nil {
		return false
	}
	return t.draining.Load()
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CountOwner reports how many live sessions the given owner currently holds.
func (t *Tracker) CountOwner(ownerID string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entry := range t.sessions {
		if entry != nil && entry.handle.OwnerID == ownerID {
			n++
		}
	}
	return n
}

// WarnAll sends a non-closing error frame to every live session, e.g. ahead
// of a drain.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered, or the context
// expires; it reports whether the drain completed.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

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
