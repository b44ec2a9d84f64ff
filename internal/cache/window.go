package cache

import (
	"sync"
	"time"
)

// Window suppresses repeats of a key for a fixed duration.
// When full, the keys whose suppression ends first are dropped.
type Window struct {
	mu     sync.Mutex
	until  map[string]time.Time
	window time.Duration
	max    int
	now    func() time.Time
}

func NewWindow(window time.Duration, max int, opts ...Option) *Window {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Window{until: map[string]time.Time{}, window: window, max: max, now: o.now}
}

// Configure updates the window length and cap (hot reload).
func (w *Window) Configure(window time.Duration, max int) {
	w.mu.Lock()
	w.window = window
	w.max = max
	w.mu.Unlock()
}

func (w *Window) Duration() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.window
}

// Suppressed reports whether key is inside its window, returning the end.
func (w *Window) Suppressed(key string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	until, ok := w.until[key]
	if !ok || !w.now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// Allow reports whether key may pass now and, if so, opens its window.
// A zero window allows everything.
func (w *Window) Allow(key string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.window <= 0 || key == "" {
		return time.Time{}, true
	}
	now := w.now()
	if until, ok := w.until[key]; ok && now.Before(until) {
		return until, false
	}
	until := now.Add(w.window)
	w.until[key] = until
	w.pruneLocked(now)
	return until, true
}

// Remember records an externally known suppression (e.g. loaded from storage).
func (w *Window) Remember(key string, until time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if key == "" || !now.Before(until) {
		return
	}
	w.until[key] = until
	w.pruneLocked(now)
}

// Forget reopens key immediately.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	delete(w.until, key)
	w.mu.Unlock()
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.until)
}

func (w *Window) pruneLocked(now time.Time) {
	for k, until := range w.until {
		if !now.Before(until) {
			delete(w.until, k)
		}
	}
	for w.max > 0 && len(w.until) > w.max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range w.until {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if !set {
			return
		}
		delete(w.until, minKey)
	}
}
