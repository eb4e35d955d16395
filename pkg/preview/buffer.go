// Package preview caches the latest in-flight preview frame per job and
// provides the downscale/JPEG encoding used by the worker's preview hook.
package preview

import "sync"

// Snapshot is the latest encoded preview for a job.
type Snapshot struct {
	JPEG       []byte
	Width      int
	Height     int
	Step       int
	TotalSteps int
	FrameCount int
	IsNoisy    bool
}

// Buffer holds the latest preview per job for out-of-band HTTP fetch. The
// HTTP handler reads from here directly and never blocks the worker.
type Buffer struct {
	mu      sync.Mutex
	entries map[string]Snapshot
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{entries: make(map[string]Snapshot)}
}

// Set stores the latest snapshot for a job, replacing any previous one.
func (b *Buffer) Set(jobID string, s Snapshot) {
	b.mu.Lock()
	b.entries[jobID] = s
	b.mu.Unlock()
}

// Get returns the latest snapshot for a job.
func (b *Buffer) Get(jobID string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.entries[jobID]
	return s, ok
}

// Clear drops a job's entry; called by the worker when the job finalizes.
func (b *Buffer) Clear(jobID string) {
	b.mu.Lock()
	delete(b.entries, jobID)
	b.mu.Unlock()
}
