// Package tools exposes read-only server state as callable tools for the
// assistant. Tool results are JSON strings fed back into the conversation.
package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/diffuselab/diffused/pkg/arch"
	"github.com/diffuselab/diffused/pkg/modelmgr"
	"github.com/diffuselab/diffused/pkg/queue"
	"github.com/diffuselab/diffused/pkg/registry"
)

// Backend tool names.
const (
	ToolGetStatus        = "get_status"
	ToolGetModels        = "get_models"
	ToolGetArchitectures = "get_architectures"
	ToolGetJob           = "get_job"
	ToolSearchJobs       = "search_jobs"
	ToolListJobs         = "list_jobs"
)

// IsBackendTool reports whether the assistant should route a tool call here
// instead of emitting it as a UI action.
func IsBackendTool(name string) bool {
	switch name {
	case ToolGetStatus, ToolGetModels, ToolGetArchitectures,
		ToolGetJob, ToolSearchJobs, ToolListJobs:
		return true
	}
	return false
}

// Executor resolves backend tool calls against live server state. All tools
// are read-only; mutations go through the HTTP API like any other client.
type Executor struct {
	models    *modelmgr.Manager
	upscalers *modelmgr.UpscalerManager
	store     *queue.Store
	registry  *registry.Registry
	catalog   *arch.Catalog
	logger    *slog.Logger
}

// NewExecutor wires an executor over the server's state holders.
func NewExecutor(
	models *modelmgr.Manager,
	upscalers *modelmgr.UpscalerManager,
	store *queue.Store,
	reg *registry.Registry,
	catalog *arch.Catalog,
) *Executor {
	return &Executor{
		models:    models,
		upscalers: upscalers,
		store:     store,
		registry:  reg,
		catalog:   catalog,
		logger:    slog.With("component", "tools"),
	}
}

// Execute runs a named tool. Unknown names and bad arguments are returned
// as errors for the assistant to relay, never panics.
func (e *Executor) Execute(name string, args json.RawMessage) (string, error) {
	e.logger.Debug("Executing tool", "tool", name)
	switch name {
	case ToolGetStatus:
		return e.getStatus()
	case ToolGetModels:
		return e.getModels(args)
	case ToolGetArchitectures:
		return e.getArchitectures()
	case ToolGetJob:
		return e.getJob(args)
	case ToolSearchJobs:
		return e.searchJobs(args)
	case ToolListJobs:
		return e.listJobs(args)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

// jobDigest is the compact job view tool results carry; full payloads
// would blow the model's context for no benefit.
type jobDigest struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	Status            string `json:"status"`
	Prompt            string `json:"prompt,omitempty"`
	ModelName         string `json:"model_name,omitempty"`
	ModelArchitecture string `json:"model_architecture,omitempty"`
}

func digest(j *queue.Job) jobDigest {
	d := jobDigest{
		ID:                j.ID,
		Type:              string(j.Type),
		Status:            string(j.Status),
		ModelName:         j.ModelSettings.ModelName,
		ModelArchitecture: j.ModelSettings.Architecture,
	}
	var p struct {
		Prompt string `json:"prompt"`
	}
	if json.Unmarshal(j.Params, &p) == nil {
		d.Prompt = p.Prompt
	}
	return d
}

func (e *Executor) getStatus() (string, error) {
	recent := e.store.List(queue.Filter{}, 0, 10)
	recentJobs := make([]jobDigest, 0, len(recent.Jobs))
	for _, j := range recent.Jobs {
		recentJobs = append(recentJobs, digest(j))
	}
	return marshal(map[string]any{
		"model_info":    e.models.Status(),
		"upscaler_info": e.upscalers.Status(),
		"queue_stats":   e.store.Stats(),
		"recent_jobs":   recentJobs,
	})
}

func (e *Executor) getModels(args json.RawMessage) (string, error) {
	var in struct {
		Type   string `json:"type,omitempty"`
		Search string `json:"search,omitempty"`
	}
	if err := unmarshal(args, &in); err != nil {
		return "", err
	}
	if in.Type != "" && !registry.ValidKind(in.Type) {
		return "", fmt.Errorf("unknown model type %q", in.Type)
	}
	grouped := map[string][]string{}
	count := 0
	for _, d := range e.registry.List(registry.Filter{Kind: in.Type, Search: in.Search}) {
		grouped[string(d.Kind)] = append(grouped[string(d.Kind)], d.Name)
		count++
	}
	status := e.models.Status()
	return marshal(map[string]any{
		"models":            grouped,
		"count":             count,
		"loaded_model":      status.ModelName,
		"loaded_model_type": status.ModelType,
	})
}

func (e *Executor) getArchitectures() (string, error) {
	return marshal(map[string]any{"architectures": e.catalog.List()})
}

func (e *Executor) getJob(args json.RawMessage) (string, error) {
	var in struct {
		JobID string `json:"job_id"`
	}
	if err := unmarshal(args, &in); err != nil {
		return "", err
	}
	if in.JobID == "" {
		return "", fmt.Errorf("job_id is required")
	}
	job, err := e.store.Get(in.JobID)
	if err != nil {
		return "", err
	}
	return marshal(job)
}

func (e *Executor) searchJobs(args json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := unmarshal(args, &in); err != nil {
		return "", err
	}
	if in.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	if in.Limit <= 0 || in.Limit > 50 {
		in.Limit = 10
	}
	page := e.store.List(queue.Filter{Search: in.Query}, 0, in.Limit)
	matches := make([]jobDigest, 0, len(page.Jobs))
	for _, j := range page.Jobs {
		matches = append(matches, digest(j))
	}
	return marshal(map[string]any{"jobs": matches, "total_count": page.FilteredCount})
}

func (e *Executor) listJobs(args json.RawMessage) (string, error) {
	var in struct {
		Status string `json:"status,omitempty"`
		Type   string `json:"type,omitempty"`
		Offset int    `json:"offset,omitempty"`
		Limit  int    `json:"limit,omitempty"`
	}
	if err := unmarshal(args, &in); err != nil {
		return "", err
	}
	if in.Status != "" && !queue.ValidStatus(in.Status) {
		return "", fmt.Errorf("unknown status %q", in.Status)
	}
	if in.Type != "" && !queue.ValidType(in.Type) {
		return "", fmt.Errorf("unknown job type %q", in.Type)
	}
	if in.Offset < 0 {
		in.Offset = 0
	}
	if in.Limit <= 0 || in.Limit > 50 {
		in.Limit = 10
	}
	page := e.store.List(queue.Filter{Status: in.Status, Type: in.Type}, in.Offset, in.Limit)
	jobs := make([]map[string]any, 0, len(page.Jobs))
	for _, j := range page.Jobs {
		jobs = append(jobs, map[string]any{"id": j.ID, "type": j.Type, "status": j.Status})
	}
	return marshal(map[string]any{
		"jobs":        jobs,
		"offset":      page.Offset,
		"limit":       page.Limit,
		"total_count": page.TotalCount,
		"has_more":    page.HasMore,
	})
}

func marshal(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling tool result: %w", err)
	}
	return string(raw), nil
}

func unmarshal(args json.RawMessage, out any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, out); err != nil {
		return fmt.Errorf("parsing tool arguments: %w", err)
	}
	return nil
}
