package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/diffuselab/diffused/pkg/modelmgr"
	"github.com/diffuselab/diffused/pkg/queue"
	"github.com/diffuselab/diffused/pkg/registry"
)

// handleListModels handles GET /models with optional type, extension and
// search query parameters.
func (s *Server) handleListModels(c *echo.Context) error {
	kind := c.QueryParam("type")
	if kind != "" && !registry.ValidKind(kind) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown model type "+kind)
	}
	models := s.registry.List(registry.Filter{
		Kind:      kind,
		Extension: c.QueryParam("extension"),
		Search:    c.QueryParam("search"),
	})
	if models == nil {
		models = []*registry.Descriptor{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

// handleScanModels handles POST /models/refresh: rebuild the index from disk.
func (s *Server) handleScanModels(c *echo.Context) error {
	if err := s.registry.Scan(); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"count": s.registry.Count()})
}

// handleLoadModel handles POST /models/load. The load runs synchronously:
// the caller gets either the loaded snapshot or the full validation report.
func (s *Server) handleLoadModel(c *echo.Context) error {
	var req modelmgr.LoadParams
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.models.Load(req); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, s.models.Status())
}

// handleUnloadModel handles POST /models/unload. Idempotent.
func (s *Server) handleUnloadModel(c *echo.Context) error {
	s.models.Unload()
	return c.JSON(http.StatusOK, s.models.Status())
}

// handleModelStatus handles GET /models/status.
func (s *Server) handleModelStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.models.Status())
}

// handleHashModel handles POST /models/hash: enqueue a hash job for a
// registry entry. Hashing multi-gigabyte files inline would block the
// request for minutes, so it goes through the queue like everything else.
func (s *Server) handleHashModel(c *echo.Context) error {
	var req queue.HashParams
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return mapServiceError(err)
	}
	if _, err := s.registry.Get(registry.ModelKind(req.ModelType), req.Model); err != nil {
		return mapServiceError(err)
	}
	return s.enqueue(c, queue.TypeModelHash, req)
}

// handleHashModelSync handles GET /models/hash/:type/*: compute the digest
// inline and return it. Small files only in practice; big models should go
// through the queued variant.
func (s *Server) handleHashModelSync(c *echo.Context) error {
	kind := c.Param("type")
	if !registry.ValidKind(kind) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown model type "+kind)
	}
	name := c.Param("*")
	sum, err := s.registry.Hash(registry.ModelKind(kind), name)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"model_type": kind,
		"model":      name,
		"sha256":     sum,
	})
}

// handleConvert handles POST /convert: enqueue a quantization job.
func (s *Server) handleConvert(c *echo.Context) error {
	var req queue.ConvertParams
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(s.engine.SupportedWeightTypes()); err != nil {
		return mapServiceError(err)
	}
	if _, err := s.registry.Get(registry.ModelKind(req.ModelType), req.Model); err != nil {
		return mapServiceError(err)
	}
	return s.enqueue(c, queue.TypeConvert, req)
}

// handleDownload handles POST /models/download: enqueue a download with its
// chained hash job.
func (s *Server) handleDownload(c *echo.Context) error {
	var req queue.DownloadParams
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return mapServiceError(err)
	}

	params, err := json.Marshal(req)
	if err != nil {
		return mapServiceError(err)
	}
	hashParams, err := json.Marshal(queue.HashParams{
		ModelType: req.ModelType,
		Expected:  req.Expected,
	})
	if err != nil {
		return mapServiceError(err)
	}

	dl, hash := s.store.AddDownload(params, hashParams, s.models.Status().Settings())
	return c.JSON(http.StatusAccepted, map[string]any{
		"job_id":       dl.ID,
		"hash_job_id":  hash.ID,
		"queue_length": s.store.QueueLength(),
	})
}

// handleLoadUpscaler handles POST /upscaler/load.
func (s *Server) handleLoadUpscaler(c *echo.Context) error {
	var req struct {
		Model    string `json:"model"`
		NThreads int    `json:"n_threads,omitempty"`
		TileSize int    `json:"tile_size,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Model == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "model is required")
	}
	if err := s.upscalers.Load(req.Model, req.NThreads, req.TileSize); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, s.upscalers.Status())
}

// handleUnloadUpscaler handles POST /upscaler/unload. Idempotent.
func (s *Server) handleUnloadUpscaler(c *echo.Context) error {
	s.upscalers.Unload()
	return c.JSON(http.StatusOK, s.upscalers.Status())
}

// handleUpscalerStatus handles GET /upscaler/status.
func (s *Server) handleUpscalerStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.upscalers.Status())
}
