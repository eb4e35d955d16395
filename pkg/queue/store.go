package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/diffuselab/diffused/pkg/events"
	"github.com/diffuselab/diffused/pkg/modelmgr"
)

// persistedState is the on-disk layout of queue_state.json. Item order is
// insertion order, which is also the FIFO order of pending jobs.
type persistedState struct {
	Items []*Job `json:"items"`
}

// Store is the job map plus the pending FIFO, persisted as a single JSON
// file after every mutation. One mutex guards everything; the condition
// variable wakes the worker when work arrives.
type Store struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    map[string]*Job
	order   []string
	pending []string

	path string
	bus  Publisher

	recycleEnabled bool
	retention      time.Duration

	now func() time.Time
}

// NewStore creates an empty store persisting to path. Zero retention
// degrades the recycle bin to immediate hard deletes.
func NewStore(path string, bus Publisher, recycleEnabled bool, retention time.Duration) *Store {
	if retention <= 0 {
		recycleEnabled = false
	}
	s := &Store{
		jobs:           make(map[string]*Job),
		path:           path,
		bus:            bus,
		recycleEnabled: recycleEnabled,
		retention:      retention,
		now:            time.Now,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Load restores persisted state. Jobs that were processing when the process
// died are returned to pending at their original queue position. A missing
// state file is a fresh start, not an error.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading queue state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("parsing queue state %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for _, j := range state.Items {
		if j.ID == "" {
			continue
		}
		if j.Status == StatusProcessing {
			j.Status = StatusPending
			j.StartedAt = 0
			j.Progress = Progress{}
			recovered++
		}
		s.jobs[j.ID] = j
		s.order = append(s.order, j.ID)

		if j.Status != StatusPending {
			continue
		}
		// A hash job whose download has not finished yet is parked until
		// the download handler enqueues it with the final file path.
		if j.Type == TypeModelHash && j.LinkedJobID != "" {
			if d, ok := s.jobs[j.LinkedJobID]; ok && d.Status != StatusCompleted {
				continue
			}
		}
		s.pending = append(s.pending, j.ID)
	}

	if recovered > 0 {
		slog.Info("Recovered interrupted jobs", "count", recovered)
		s.saveLocked()
	}
	slog.Info("Queue state loaded", "jobs", len(s.jobs), "pending", len(s.pending))
	s.cond.Broadcast()
	return nil
}

// Add enqueues a new job at the tail of the FIFO and returns its copy along
// with its 1-based queue position.
func (s *Store) Add(jobType JobType, params json.RawMessage, settings modelmgr.Settings) (*Job, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.newJobLocked(jobType, params, settings)
	s.pending = append(s.pending, j.ID)
	pos := len(s.pending)
	s.saveLocked()
	s.cond.Signal()

	jobsEnqueued.WithLabelValues(string(jobType)).Inc()
	queueDepth.Set(float64(pos))
	s.bus.Broadcast(events.EventJobAdded, map[string]any{
		"job_id":       j.ID,
		"type":         j.Type,
		"queue_length": pos,
	})
	return j.clone(), pos
}

// AddDownload enqueues a model download together with its companion hash
// job. The hash job is created pending but kept out of the FIFO: the worker
// enqueues it with the downloaded file's path once the download completes,
// or fails it if the download does not.
func (s *Store) AddDownload(params, hashParams json.RawMessage, settings modelmgr.Settings) (download, hash *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.newJobLocked(TypeModelDownload, params, settings)
	h := s.newJobLocked(TypeModelHash, hashParams, settings)
	d.LinkedJobID = h.ID
	h.LinkedJobID = d.ID

	s.pending = append(s.pending, d.ID)
	pos := len(s.pending)
	s.saveLocked()
	s.cond.Signal()

	jobsEnqueued.WithLabelValues(string(TypeModelDownload)).Inc()
	queueDepth.Set(float64(pos))
	s.bus.Broadcast(events.EventJobAdded, map[string]any{
		"job_id":       d.ID,
		"type":         d.Type,
		"queue_length": pos,
	})
	return d.clone(), h.clone()
}

// newJobLocked allocates and registers a job; caller holds the lock.
func (s *Store) newJobLocked(jobType JobType, params json.RawMessage, settings modelmgr.Settings) *Job {
	j := &Job{
		ID:            uuid.NewString(),
		Type:          jobType,
		Status:        StatusPending,
		Params:        params,
		ModelSettings: settings,
		CreatedAt:     s.now().Unix(),
	}
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	return j
}

// Enqueue pushes an already-registered pending job (a parked hash job) onto
// the FIFO, replacing its params when patch is non-nil.
func (s *Store) Enqueue(id string, patch json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusPending {
		return fmt.Errorf("enqueue %s: job is %s, not pending", id, j.Status)
	}
	if patch != nil {
		j.Params = patch
	}
	s.pending = append(s.pending, id)
	pos := len(s.pending)
	s.saveLocked()
	s.cond.Signal()

	jobsEnqueued.WithLabelValues(string(j.Type)).Inc()
	queueDepth.Set(float64(pos))
	s.bus.Broadcast(events.EventJobAdded, map[string]any{
		"job_id":       j.ID,
		"type":         j.Type,
		"queue_length": pos,
	})
	return nil
}

// DequeueNext blocks until a pending job is available or stopped flips,
// marking the job processing before returning it. Returns false only on
// shutdown.
func (s *Store) DequeueNext(stopped *atomic.Bool) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if stopped.Load() {
			return nil, false
		}
		for len(s.pending) > 0 {
			id := s.pending[0]
			s.pending = s.pending[1:]
			j, ok := s.jobs[id]
			if !ok || j.Status != StatusPending {
				continue // cancelled or deleted while queued
			}
			j.Status = StatusProcessing
			j.StartedAt = s.now().Unix()
			s.saveLocked()
			queueDepth.Set(float64(len(s.pending)))
			s.broadcastStatusLocked(j)
			return j.clone(), true
		}
		s.cond.Wait()
	}
}

// Wake unblocks a DequeueNext waiter so it can observe the stop flag.
func (s *Store) Wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// SetProgress updates the in-memory progress counters. Not persisted: the
// counters are transient and rebuilt from zero on recovery.
func (s *Store) SetProgress(id string, p Progress) {
	s.mu.Lock()
	if j, ok := s.jobs[id]; ok {
		j.Progress = p
	}
	s.mu.Unlock()
}

// Complete finalizes a processing job as completed.
func (s *Store) Complete(id string, outputs []string, p Progress) {
	s.finalize(id, StatusCompleted, outputs, "", p)
	jobsCompleted.Inc()
}

// Fail finalizes a job as failed with the given message. Also used for
// parked hash jobs whose download never produced a file.
func (s *Store) Fail(id, message string, p Progress) {
	s.finalize(id, StatusFailed, nil, message, p)
	jobsFailed.Inc()
}

func (s *Store) finalize(id string, status JobStatus, outputs []string, message string, p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return
	}
	j.Status = status
	j.Outputs = outputs
	j.ErrorMessage = message
	j.Progress = p
	j.CompletedAt = s.now().Unix()
	s.saveLocked()
	s.broadcastStatusLocked(j)
}

// Cancel moves a pending job to cancelled. Processing jobs cannot be
// cancelled; the running handler owns the native call. Cancelling a
// download also cancels its parked hash job.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusPending {
		return fmt.Errorf("cancel %s (status %s): %w", id, j.Status, ErrNotCancellable)
	}

	s.cancelWithLinkedLocked(j)
	s.saveLocked()
	return nil
}

// cancelWithLinkedLocked cancels a pending job and any parked companion
// still waiting on it, so a dead download never strands its hash job.
func (s *Store) cancelWithLinkedLocked(j *Job) {
	s.cancelLocked(j)
	if j.LinkedJobID != "" {
		if linked, ok := s.jobs[j.LinkedJobID]; ok && linked.Status == StatusPending {
			s.cancelLocked(linked)
		}
	}
}

func (s *Store) cancelLocked(j *Job) {
	j.Status = StatusCancelled
	j.CompletedAt = s.now().Unix()
	s.dropPendingLocked(j.ID)
	s.bus.Broadcast(events.EventJobCancelled, map[string]any{"job_id": j.ID})
}

// Delete moves a job into the recycle bin, remembering its prior status for
// restore. Pending jobs are cancelled first; processing jobs are refused.
// With the recycle bin disabled the job is removed permanently instead.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	switch j.Status {
	case StatusProcessing:
		return fmt.Errorf("delete %s: %w", id, ErrProcessing)
	case StatusDeleted:
		return fmt.Errorf("delete %s: %w", id, ErrNotDeletable)
	case StatusPending:
		s.cancelWithLinkedLocked(j)
	}

	s.deleteLocked(j)
	s.saveLocked()
	return nil
}

func (s *Store) deleteLocked(j *Job) {
	if !s.recycleEnabled {
		s.removeLocked(j.ID)
		s.bus.Broadcast(events.EventJobDeleted, map[string]any{"job_id": j.ID, "permanent": true})
		return
	}
	j.PreviousStatus = j.Status
	j.Status = StatusDeleted
	j.DeletedAt = s.now().Unix()
	s.bus.Broadcast(events.EventJobDeleted, map[string]any{"job_id": j.ID, "permanent": false})
}

// Restore returns a recycle-bin job to its pre-deletion status.
func (s *Store) Restore(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusDeleted {
		return nil, fmt.Errorf("restore %s (status %s): %w", id, j.Status, ErrNotRestorable)
	}

	j.Status = j.PreviousStatus
	if j.Status == "" {
		j.Status = StatusCancelled
	}
	j.PreviousStatus = ""
	j.DeletedAt = 0
	s.saveLocked()
	s.bus.Broadcast(events.EventJobRestored, map[string]any{"job_id": j.ID, "status": j.Status})
	return j.clone(), nil
}

// Purge removes a job permanently. Processing jobs are refused.
func (s *Store) Purge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status == StatusProcessing {
		return fmt.Errorf("purge %s: %w", id, ErrProcessing)
	}
	s.removeLocked(id)
	s.saveLocked()
	s.bus.Broadcast(events.EventJobDeleted, map[string]any{"job_id": j.ID, "permanent": true})
	return nil
}

// ClearFinished moves every terminal job into the recycle bin (or removes
// them permanently when the bin is disabled). Returns the count affected.
func (s *Store) ClearFinished() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range append([]string(nil), s.order...) {
		j, ok := s.jobs[id]
		if !ok || !terminal(j.Status) {
			continue
		}
		s.deleteLocked(j)
		n++
	}
	if n > 0 {
		s.saveLocked()
	}
	return n
}

// ClearRecycleBin permanently removes every deleted job.
func (s *Store) ClearRecycleBin() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range append([]string(nil), s.order...) {
		j, ok := s.jobs[id]
		if !ok || j.Status != StatusDeleted {
			continue
		}
		s.removeLocked(id)
		s.bus.Broadcast(events.EventJobDeleted, map[string]any{"job_id": id, "permanent": true})
		n++
	}
	if n > 0 {
		s.saveLocked()
	}
	return n
}

// PurgeExpired removes deleted jobs older than the retention window. A zero
// retention disables expiry entirely.
func (s *Store) PurgeExpired() int {
	if !s.recycleEnabled || s.retention <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention).Unix()
	n := 0
	for _, id := range append([]string(nil), s.order...) {
		j, ok := s.jobs[id]
		if !ok || j.Status != StatusDeleted || j.DeletedAt > cutoff {
			continue
		}
		s.removeLocked(id)
		s.bus.Broadcast(events.EventJobDeleted, map[string]any{"job_id": id, "permanent": true})
		n++
	}
	if n > 0 {
		slog.Info("Purged expired jobs from recycle bin", "count", n)
		s.saveLocked()
	}
	return n
}

// Get returns a copy of the job.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.clone(), nil
}

// QueueLength reports the number of queued pending jobs.
func (s *Store) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stats counts jobs per status.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, j := range s.jobs {
		switch j.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		case StatusDeleted:
			st.Deleted++
		}
		st.Total++
	}
	return st
}

// List returns jobs matching the filter, newest first, windowed by
// offset/limit. A limit of zero means no window.
func (s *Store) List(f Filter, offset, limit int) Page {
	s.mu.Lock()
	matched, total := s.filterLocked(f)
	s.mu.Unlock()

	page := Page{
		TotalCount:    total,
		FilteredCount: len(matched),
		Offset:        offset,
		Limit:         limit,
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		page.Jobs = []*Job{}
		return page
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page.Jobs = matched[offset:end]
	page.HasMore = end < len(matched)
	return page
}

// ListGroupedByDate returns one page of matching jobs bucketed by the local
// calendar day they were created on.
func (s *Store) ListGroupedByDate(f Filter, pageNum, perPage int) GroupedPage {
	s.mu.Lock()
	matched, total := s.filterLocked(f)
	s.mu.Unlock()

	if perPage <= 0 {
		perPage = 50
	}
	if pageNum < 1 {
		pageNum = 1
	}
	totalPages := (len(matched) + perPage - 1) / perPage
	if totalPages == 0 {
		totalPages = 1
	}

	out := GroupedPage{
		Page:          pageNum,
		TotalPages:    totalPages,
		HasPrev:       pageNum > 1,
		HasMore:       pageNum < totalPages,
		TotalCount:    total,
		FilteredCount: len(matched),
		Groups:        []DateGroup{},
	}

	start := (pageNum - 1) * perPage
	if start >= len(matched) {
		return out
	}
	end := start + perPage
	if end > len(matched) {
		end = len(matched)
	}

	nowLocal := s.now().Local()
	today := nowLocal.Format("2006-01-02")
	yesterday := nowLocal.AddDate(0, 0, -1).Format("2006-01-02")

	for _, j := range matched[start:end] {
		created := time.Unix(j.CreatedAt, 0).Local()
		day := created.Format("2006-01-02")
		if n := len(out.Groups); n > 0 && out.Groups[n-1].Date == day {
			g := &out.Groups[n-1]
			g.Jobs = append(g.Jobs, j)
			g.Count++
			continue
		}
		label := created.Format("Jan 2, 2006")
		switch day {
		case today:
			label = "Today"
		case yesterday:
			label = "Yesterday"
		}
		dayStart := time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, created.Location())
		out.Groups = append(out.Groups, DateGroup{
			Date:      day,
			Label:     label,
			Timestamp: dayStart.Unix(),
			Count:     1,
			Jobs:      []*Job{j},
		})
	}
	return out
}

// filterLocked returns matching clones sorted newest first, plus the total
// job count. Caller holds the lock.
func (s *Store) filterLocked(f Filter) (matched []*Job, total int) {
	total = len(s.jobs)
	for _, id := range s.order {
		j, ok := s.jobs[id]
		if !ok || !matches(j, f) {
			continue
		}
		matched = append(matched, j.clone())
	}
	sort.SliceStable(matched, func(a, b int) bool {
		return matched[a].CreatedAt > matched[b].CreatedAt
	})
	return matched, total
}

func matches(j *Job, f Filter) bool {
	if f.Status != "" {
		if string(j.Status) != f.Status {
			return false
		}
	} else if j.Status == StatusDeleted {
		return false
	}
	if f.Type != "" && string(j.Type) != f.Type {
		return false
	}
	if f.Before > 0 && j.CreatedAt >= f.Before {
		return false
	}
	if f.After > 0 && j.CreatedAt <= f.After {
		return false
	}
	if f.Architecture != "" &&
		!strings.Contains(strings.ToLower(j.ModelSettings.Architecture), strings.ToLower(f.Architecture)) {
		return false
	}
	if f.Model != "" &&
		!strings.Contains(strings.ToLower(j.ModelSettings.ModelName), strings.ToLower(f.Model)) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		var sp searchableParams
		if len(j.Params) > 0 {
			_ = json.Unmarshal(j.Params, &sp)
		}
		if !strings.Contains(strings.ToLower(sp.Prompt), needle) &&
			!strings.Contains(strings.ToLower(sp.NegativePrompt), needle) &&
			!strings.Contains(strings.ToLower(j.ID), needle) {
			return false
		}
	}
	return true
}

func (s *Store) broadcastStatusLocked(j *Job) {
	s.bus.Broadcast(events.EventJobStatusChanged, map[string]any{
		"job_id":        j.ID,
		"status":        j.Status,
		"error_message": j.ErrorMessage,
		"outputs":       j.Outputs,
	})
}

func (s *Store) dropPendingLocked(id string) {
	for i, pid := range s.pending {
		if pid == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	queueDepth.Set(float64(len(s.pending)))
}

func (s *Store) removeLocked(id string) {
	delete(s.jobs, id)
	s.dropPendingLocked(id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// saveLocked writes the whole state atomically (temp file + rename). A
// failed save is logged and the in-memory state stays authoritative.
func (s *Store) saveLocked() {
	items := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		if j, ok := s.jobs[id]; ok {
			items = append(items, j)
		}
	}
	raw, err := json.MarshalIndent(persistedState{Items: items}, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal queue state", "error", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		slog.Error("Failed to create state directory", "error", err)
		return
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		slog.Error("Failed to write queue state", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		slog.Error("Failed to replace queue state", "path", s.path, "error", err)
	}
}
