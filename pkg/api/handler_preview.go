package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/diffuselab/diffused/pkg/config"
)

// handlePreview handles GET /jobs/:id/preview: the latest in-flight
// preview frame as a JPEG, with the frame metadata in headers so the UI
// does not need a second request.
func (s *Server) handlePreview(c *echo.Context) error {
	snap, ok := s.previews.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no preview available")
	}

	h := c.Response().Header()
	h.Set("X-Preview-Width", strconv.Itoa(snap.Width))
	h.Set("X-Preview-Height", strconv.Itoa(snap.Height))
	h.Set("X-Preview-Step", strconv.Itoa(snap.Step))
	h.Set("X-Preview-Total-Steps", strconv.Itoa(snap.TotalSteps))
	h.Set("X-Preview-Frame-Count", strconv.Itoa(snap.FrameCount))
	h.Set("X-Preview-Noisy", strconv.FormatBool(snap.IsNoisy))
	h.Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "image/jpeg", snap.JPEG)
}

// handleGetPreviewSettings handles GET /preview/settings.
func (s *Server) handleGetPreviewSettings(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.worker.PreviewSettings())
}

// handleUpdatePreviewSettings handles PUT /preview/settings: replace the
// live preview configuration. Applies from the next job.
func (s *Server) handleUpdatePreviewSettings(c *echo.Context) error {
	var req config.PreviewConfig
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.worker.UpdatePreviewSettings(req); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, s.worker.PreviewSettings())
}
