package session

import (
	"sync"
	"time"
)

// timers is a set of named one-shot timers owned by a single session
type timers struct {
	mu      sync.Mutex
	active  map[string]*time.Timer
	stopped bool
}

func newTimers() *timers {
	return &timers{active: make(map[string]*time.Timer)}
}

// schedule replaces any timer of the same name. fn runs on its own goroutine
// and must tolerate having been superseded.
func (t *timers) schedule(name string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || d <= 0 {
		return
	}
	if prev, ok := t.active[name]; ok {
		prev.Stop()
	}
	t.active[name] = time.AfterFunc(d, fn)
}

func (t *timers) cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.active[name]; ok {
		timer.Stop()
		delete(t.active, name)
	}
}

// stopAll cancels everything; later schedules are ignored
func (t *timers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, timer := range t.active {
		timer.Stop()
		delete(t.active, name)
	}
	t.stopped = true
}

func (t *timers) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
