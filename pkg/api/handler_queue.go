package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/diffuselab/diffused/pkg/queue"
)

const defaultPageSize = 50

// queryInt parses an integer query parameter, falling back on absence or
// garbage.
func queryInt(c *echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryInt64(c *echo.Context, name string) int64 {
	n, err := strconv.ParseInt(c.QueryParam(name), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// handleListQueue handles GET /queue. Supports status/type/search/
// architecture/model/before/after filters, offset+limit paging, and
// group_by=date for the UI's history view.
func (s *Server) handleListQueue(c *echo.Context) error {
	f := queue.Filter{
		Status:       c.QueryParam("status"),
		Type:         c.QueryParam("type"),
		Search:       c.QueryParam("search"),
		Architecture: c.QueryParam("architecture"),
		Model:        c.QueryParam("model"),
		Before:       queryInt64(c, "before"),
		After:        queryInt64(c, "after"),
	}
	if f.Status != "" && !queue.ValidStatus(f.Status) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+f.Status)
	}
	if f.Type != "" && !queue.ValidType(f.Type) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown job type "+f.Type)
	}

	if c.QueryParam("group_by") == "date" {
		page := queryInt(c, "page", 1)
		perPage := queryInt(c, "per_page", defaultPageSize)
		return c.JSON(http.StatusOK, s.store.ListGroupedByDate(f, page, perPage))
	}

	offset := queryInt(c, "offset", 0)
	limit := queryInt(c, "limit", defaultPageSize)
	return c.JSON(http.StatusOK, s.store.List(f, offset, limit))
}

// handleGetJob handles GET /queue/:id.
func (s *Server) handleGetJob(c *echo.Context) error {
	job, err := s.store.Get(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// handleCancelJob handles POST /queue/:id/cancel. Only pending jobs are
// cancellable; the running job owns an uninterruptible native call.
func (s *Server) handleCancelJob(c *echo.Context) error {
	if err := s.store.Cancel(c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	job, err := s.store.Get(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// handleDeleteJob handles DELETE /queue/:id. A pending job is cancelled and
// stays visible in the history; a terminal one is soft-deleted into the
// recycle bin, or removed outright with ?permanent=true.
func (s *Server) handleDeleteJob(c *echo.Context) error {
	id := c.Param("id")
	job, err := s.store.Get(id)
	if err != nil {
		return mapServiceError(err)
	}
	if job.Status == queue.StatusPending {
		if err := s.store.Cancel(id); err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"job_id": id, "status": queue.StatusCancelled})
	}
	if c.QueryParam("permanent") == "true" {
		if err := s.store.Purge(id); err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"job_id": id, "permanent": true})
	}
	if err := s.store.Delete(id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"job_id": id, "permanent": false})
}

// handleRestoreJob handles POST /queue/:id/restore.
func (s *Server) handleRestoreJob(c *echo.Context) error {
	job, err := s.store.Restore(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// handleBulkDelete handles DELETE /queue/jobs: delete several jobs in one
// call. Per-job failures are reported, not fatal, so one processing job
// does not abort the rest of the sweep.
func (s *Server) handleBulkDelete(c *echo.Context) error {
	var req struct {
		JobIDs    []string `json:"job_ids"`
		Permanent bool     `json:"permanent,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.JobIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "job_ids is required")
	}

	deleted := make([]string, 0, len(req.JobIDs))
	failed := map[string]string{}
	for _, id := range req.JobIDs {
		var err error
		if req.Permanent {
			err = s.store.Purge(id)
		} else {
			err = s.store.Delete(id)
		}
		if err != nil {
			failed[id] = err.Error()
			continue
		}
		deleted = append(deleted, id)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"deleted": deleted,
		"failed":  failed,
	})
}

// handleClearFinished handles POST /queue/clear: sweep every terminal job
// into the recycle bin.
func (s *Server) handleClearFinished(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"cleared": s.store.ClearFinished()})
}

// handleClearRecycleBin handles POST /queue/recycle/clear.
func (s *Server) handleClearRecycleBin(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"purged": s.store.ClearRecycleBin()})
}
