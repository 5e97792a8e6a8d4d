package jobmanager

import "sync"

// Constraint is a named precondition gating dispatch.
type Constraint interface {
	IsMet() bool
}

// Observable constraints notify subscribers when their condition may have changed, so
// blocked jobs are re-evaluated without polling. Callbacks must not block.
type Observable interface {
	Subscribe(fn func()) (unsubscribe func())
}

// Toggle is a settable Observable constraint.
type Toggle struct {
	mu   sync.Mutex
	met  bool
	subs map[int]func()
	next int
}

// NewToggle creates a Toggle with the given initial state.
func NewToggle(met bool) *Toggle {
	return &Toggle{met: met, subs: make(map[int]func())}
}

func (t *Toggle) IsMet() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.met
}

// Set changes the state and notifies subscribers if it changed. Returns true on change.
func (t *Toggle) Set(met bool) bool {
	t.mu.Lock()
	if t.met == met {
		t.mu.Unlock()
		return false
	}
	t.met = met
	subs := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	return true
}

func (t *Toggle) Subscribe(fn func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}
