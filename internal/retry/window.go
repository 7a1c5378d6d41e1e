package retry

import (
	"sync"
	"time"
)

// ErrorWindow tracks recent error timestamps in a sliding window. It is used
// by the agent worker to decide when repeated transient failures should stop
// an agent.
type ErrorWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	window     time.Duration
	maxErrors  int
	now        func() time.Time
}

// NewErrorWindow creates a sliding error window. maxErrors is the trip
// threshold; window is how long an error counts against it.
func NewErrorWindow(maxErrors int, window time.Duration) *ErrorWindow {
	return &ErrorWindow{
		window:    window,
		maxErrors: maxErrors,
		now:       time.Now,
	}
}

// Record adds an error occurrence and prunes expired entries
func (w *ErrorWindow) Record() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timestamps = append(w.timestamps, w.now())
	w.prune()
}

// prune drops entries older than the window. Caller must hold the mutex.
func (w *ErrorWindow) prune() {
	cutoff := w.now().Add(-w.window)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// Count returns the number of errors currently inside the window
func (w *ErrorWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.timestamps)
}

// ShouldStop reports whether the error count has reached the trip threshold
func (w *ErrorWindow) ShouldStop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	return len(w.timestamps) >= w.maxErrors
}

// OldestAge returns the age of the oldest tracked error, or zero when empty
func (w *ErrorWindow) OldestAge() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune()
	if len(w.timestamps) == 0 {
		return 0
	}
	return w.now().Sub(w.timestamps[0])
}

// Reset clears all tracked errors
func (w *ErrorWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timestamps = w.timestamps[:0]
}
