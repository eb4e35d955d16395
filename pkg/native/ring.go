package native

import (
	"strings"
	"sync"
	"time"
)

const (
	// ringSize bounds how many error lines are retained.
	ringSize = 10
	// ringTTL is the age beyond which captured lines are no longer
	// considered relevant to the current failure.
	ringTTL = 30 * time.Second
)

type ringEntry struct {
	message string
	at      time.Time
}

// ErrorRing is a bounded ring of the engine's most recent error log lines.
// When the library returns an unhelpful error value, the worker drains the
// ring to enrich the job's error message. Safe for concurrent use; the
// engine's log hook may fire from any of its threads.
type ErrorRing struct {
	mu      sync.Mutex
	entries []ringEntry
}

// NewErrorRing creates an empty ring.
func NewErrorRing() *ErrorRing {
	return &ErrorRing{}
}

// Capture trims and appends a message, evicting the oldest entry when full.
// Blank messages are ignored.
func (r *ErrorRing) Capture(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= ringSize {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, ringEntry{message: msg, at: time.Now()})
}

// GetAndClear joins entries younger than the TTL with "; " and empties the
// ring. Stale entries are dropped silently.
func (r *ErrorRing) GetAndClear() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-ringTTL)
	var fresh []string
	for _, e := range r.entries {
		if e.at.After(cutoff) {
			fresh = append(fresh, e.message)
		}
	}
	r.entries = nil
	return strings.Join(fresh, "; ")
}

// LogHook returns a LogFunc that captures error-level lines into the ring.
// Install it on the engine at startup.
func (r *ErrorRing) LogHook() LogFunc {
	return func(level LogLevel, message string) {
		if level == LogError {
			r.Capture(message)
		}
	}
}
