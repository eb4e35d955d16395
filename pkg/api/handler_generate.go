package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/diffuselab/diffused/pkg/queue"
)

// enqueue marshals validated params into a job and returns the accepted
// response every enqueue endpoint shares.
func (s *Server) enqueue(c *echo.Context, jobType queue.JobType, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return mapServiceError(err)
	}
	job, pos := s.store.Add(jobType, raw, s.models.Status().Settings())
	return c.JSON(http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"status":   queue.StatusPending,
		"position": pos,
	})
}

// generationRequest binds, validates and enqueues one generation job.
// Enqueueing does not require a loaded model: the job simply fails in the
// worker if nothing is resident when its turn comes. The model settings
// snapshot is taken now, while the user still sees what they configured.
func (s *Server) generationRequest(c *echo.Context, jobType queue.JobType) error {
	var req queue.GenerationParams
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(jobType); err != nil {
		return mapServiceError(err)
	}
	return s.enqueue(c, jobType, req)
}

// handleTxt2Img handles POST /txt2img.
func (s *Server) handleTxt2Img(c *echo.Context) error {
	return s.generationRequest(c, queue.TypeTxt2Img)
}

// handleImg2Img handles POST /img2img.
func (s *Server) handleImg2Img(c *echo.Context) error {
	return s.generationRequest(c, queue.TypeImg2Img)
}

// handleTxt2Vid handles POST /txt2vid.
func (s *Server) handleTxt2Vid(c *echo.Context) error {
	return s.generationRequest(c, queue.TypeTxt2Vid)
}

// handleUpscale handles POST /upscale.
func (s *Server) handleUpscale(c *echo.Context) error {
	var req queue.UpscaleParams
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return mapServiceError(err)
	}
	return s.enqueue(c, queue.TypeUpscale, req)
}
