// Package queue holds the persistent job store with its pending FIFO and
// recycle bin, and the single worker that drains it.
package queue

import (
	"encoding/json"
	"errors"

	"github.com/diffuselab/diffused/pkg/modelmgr"
)

// JobType discriminates the worker handler a job is dispatched to.
type JobType string

// Job types.
const (
	TypeTxt2Img       JobType = "txt2img"
	TypeImg2Img       JobType = "img2img"
	TypeTxt2Vid       JobType = "txt2vid"
	TypeUpscale       JobType = "upscale"
	TypeConvert       JobType = "convert"
	TypeModelDownload JobType = "model_download"
	TypeModelHash     JobType = "model_hash"
)

// ValidType reports whether s names a known job type.
func ValidType(s string) bool {
	switch JobType(s) {
	case TypeTxt2Img, TypeImg2Img, TypeTxt2Vid, TypeUpscale, TypeConvert,
		TypeModelDownload, TypeModelHash:
		return true
	}
	return false
}

// JobStatus is the job state machine position. Deleted is a tombstone that
// remembers the prior status for restore.
type JobStatus string

// Job statuses.
const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusDeleted    JobStatus = "deleted"
)

// ValidStatus reports whether s names a known status.
func ValidStatus(s string) bool {
	switch JobStatus(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusCancelled, StatusDeleted:
		return true
	}
	return false
}

// terminal reports whether a status is terminal (pre-deletion).
func terminal(s JobStatus) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Progress is the step counter reported by the running handler.
type Progress struct {
	Step       int `json:"step"`
	TotalSteps int `json:"total_steps"`
}

// Job is one queued unit of work. Params stays kind-specific JSON; the
// store never interprets it beyond the search filter. ModelSettings is a
// copy of the loaded-context snapshot taken at enqueue time, which is what
// lets the UI reload a job's exact configuration later.
type Job struct {
	ID            string            `json:"job_id"`
	Type          JobType           `json:"type"`
	Status        JobStatus         `json:"status"`
	Params        json.RawMessage   `json:"params,omitempty"`
	ModelSettings modelmgr.Settings `json:"model_settings"`
	Progress      Progress          `json:"progress"`

	CreatedAt   int64 `json:"created_at"`
	StartedAt   int64 `json:"started_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`

	Outputs      []string `json:"outputs,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`

	// LinkedJobID pairs a model_download with its companion model_hash job
	// (and vice versa). Plain id, never a pointer.
	LinkedJobID string `json:"linked_job_id,omitempty"`

	// Recycle bin tombstone fields.
	DeletedAt      int64     `json:"deleted_at,omitempty"`
	PreviousStatus JobStatus `json:"previous_status,omitempty"`
}

// clone returns a deep-enough copy for handing outside the store lock.
func (j *Job) clone() *Job {
	c := *j
	if j.Params != nil {
		c.Params = append(json.RawMessage(nil), j.Params...)
	}
	if j.Outputs != nil {
		c.Outputs = append([]string(nil), j.Outputs...)
	}
	return &c
}

// searchableParams is the subset of params the search filter matches on.
type searchableParams struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
}

// Store sentinel errors, mapped to HTTP statuses by the API layer.
var (
	ErrNotFound       = errors.New("job not found")
	ErrNotCancellable = errors.New("job is not cancellable")
	ErrNotDeletable   = errors.New("job is not deletable")
	ErrNotRestorable  = errors.New("job is not in the recycle bin")
	ErrProcessing     = errors.New("job is currently processing")
)

// Filter selects jobs for listings. All string matches are described in the
// field comments; zero values mean "no constraint".
type Filter struct {
	Status       string // exact; when empty, Deleted jobs are excluded
	Type         string // exact
	Search       string // case-insensitive substring on prompt, negative prompt, job id
	Architecture string // case-insensitive substring on model_settings.model_architecture
	Model        string // case-insensitive substring on model_settings.model_name
	Before       int64  // created_at < Before (0 = unset)
	After        int64  // created_at > After (0 = unset)
}

// Page is an offset/limit listing result.
type Page struct {
	Jobs          []*Job `json:"jobs"`
	TotalCount    int    `json:"total_count"`
	FilteredCount int    `json:"filtered_count"`
	Offset        int    `json:"offset"`
	Limit         int    `json:"limit"`
	HasMore       bool   `json:"has_more"`
}

// DateGroup is one local-day bucket of a grouped listing.
type DateGroup struct {
	Date      string `json:"date"`  // YYYY-MM-DD
	Label     string `json:"label"` // "Today", "Yesterday", or "Jan 2, 2006"
	Timestamp int64  `json:"timestamp"` // start of local day
	Count     int    `json:"count"`
	Jobs      []*Job `json:"jobs"`
}

// GroupedPage is a date-grouped listing result.
type GroupedPage struct {
	Groups        []DateGroup `json:"groups"`
	Page          int         `json:"page"`
	TotalPages    int         `json:"total_pages"`
	HasPrev       bool        `json:"has_prev"`
	HasMore       bool        `json:"has_more"`
	TotalCount    int         `json:"total_count"`
	FilteredCount int         `json:"filtered_count"`
}

// Stats summarizes queue occupancy for status surfaces.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Deleted    int `json:"deleted"`
	Total      int `json:"total"`
}

// Publisher is the event sink the store and worker report transitions to.
type Publisher interface {
	Broadcast(eventType string, data any)
}
