// Package api is the REST surface: request validation, error mapping and
// the static UI, over the state owned by the other packages.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	echo "github.com/labstack/echo/v5"
	"log/slog"

	"github.com/diffuselab/diffused/pkg/arch"
	"github.com/diffuselab/diffused/pkg/assistant"
	"github.com/diffuselab/diffused/pkg/config"
	"github.com/diffuselab/diffused/pkg/download"
	"github.com/diffuselab/diffused/pkg/modelmgr"
	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/preview"
	"github.com/diffuselab/diffused/pkg/queue"
	"github.com/diffuselab/diffused/pkg/registry"
	"github.com/diffuselab/diffused/pkg/settings"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg       *config.Config
	engine    native.Engine
	registry  *registry.Registry
	models    *modelmgr.Manager
	upscalers *modelmgr.UpscalerManager
	store     *queue.Store
	worker    *queue.Worker
	previews  *preview.Buffer
	settings  *settings.Store
	catalog   *arch.Catalog
	assistant *assistant.Service // nil when disabled
	dl        *download.Client
	version   string
}

// NewServer wires the API server and registers every route.
func NewServer(
	cfg *config.Config,
	engine native.Engine,
	reg *registry.Registry,
	models *modelmgr.Manager,
	upscalers *modelmgr.UpscalerManager,
	store *queue.Store,
	worker *queue.Worker,
	previews *preview.Buffer,
	settingsStore *settings.Store,
	catalog *arch.Catalog,
	assistantSvc *assistant.Service,
	dl *download.Client,
	version string,
) *Server {
	s := &Server{
		echo:      echo.New(),
		cfg:       cfg,
		engine:    engine,
		registry:  reg,
		models:    models,
		upscalers: upscalers,
		store:     store,
		worker:    worker,
		previews:  previews,
		settings:  settingsStore,
		catalog:   catalog,
		assistant: assistantSvc,
		dl:        dl,
		version:   version,
	}

	s.echo.HTTPErrorHandler = errorHandler
	s.echo.Use(securityHeaders())
	s.echo.Use(corsHeaders())

	s.setupRoutes()
	s.setupUIRoutes()
	return s
}

func (s *Server) setupRoutes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/options", s.handleOptions)
	e.GET("/metrics", s.handleMetrics)

	e.POST("/txt2img", s.handleTxt2Img)
	e.POST("/img2img", s.handleImg2Img)
	e.POST("/txt2vid", s.handleTxt2Vid)
	e.POST("/upscale", s.handleUpscale)
	e.POST("/convert", s.handleConvert)

	e.GET("/models", s.handleListModels)
	e.POST("/models/refresh", s.handleScanModels)
	e.POST("/models/load", s.handleLoadModel)
	e.POST("/models/unload", s.handleUnloadModel)
	e.GET("/models/status", s.handleModelStatus)
	e.POST("/models/hash", s.handleHashModel)
	e.GET("/models/hash/:type/*", s.handleHashModelSync)
	e.POST("/models/download", s.handleDownload)
	e.GET("/models/civitai/:id", s.handleCivitaiInfo)
	e.GET("/models/huggingface", s.handleHuggingFaceInfo)

	e.POST("/upscaler/load", s.handleLoadUpscaler)
	e.POST("/upscaler/unload", s.handleUnloadUpscaler)
	e.GET("/upscaler/status", s.handleUpscalerStatus)

	e.GET("/queue", s.handleListQueue)
	e.DELETE("/queue/jobs", s.handleBulkDelete)
	e.GET("/queue/:id", s.handleGetJob)
	e.POST("/queue/:id/cancel", s.handleCancelJob)
	e.DELETE("/queue/:id", s.handleDeleteJob)
	e.POST("/queue/:id/restore", s.handleRestoreJob)
	e.POST("/queue/clear", s.handleClearFinished)
	e.POST("/queue/recycle/clear", s.handleClearRecycleBin)

	e.GET("/jobs/:id/preview", s.handlePreview)
	e.GET("/preview/settings", s.handleGetPreviewSettings)
	e.PUT("/preview/settings", s.handleUpdatePreviewSettings)

	e.GET("/output", s.handleListOutputs)
	e.GET("/output/*", s.handleGetOutput)
	e.GET("/thumb/*", s.handleThumbnail)

	e.GET("/settings", s.handleGetSettings)
	e.GET("/settings/generation", s.handleGetGenerationSettings)
	e.PUT("/settings/generation", s.handleUpdateGenerationSettingsAll)
	e.GET("/settings/generation/:mode", s.handleGetGenerationMode)
	e.PUT("/settings/generation/:mode", s.handleUpdateGenerationSettings)
	e.GET("/settings/preferences", s.handleGetUISettings)
	e.PUT("/settings/preferences", s.handleUpdateUISettings)
	e.POST("/settings/reset", s.handleResetSettings)

	e.GET("/architectures", s.handleListArchitectures)
	e.GET("/architectures/:id", s.handleGetArchitecture)

	e.POST("/assistant/chat", s.handleAssistantChat)
	e.POST("/assistant/chat/stream", s.handleAssistantChatStream)
	e.GET("/assistant/history", s.handleAssistantHistory)
	e.DELETE("/assistant/history", s.handleAssistantClear)
	e.POST("/assistant/clear", s.handleAssistantClear)
	e.GET("/assistant/status", s.handleAssistantStatus)
	e.GET("/assistant/settings", s.handleAssistantSettings)
	e.PUT("/assistant/settings", s.handleUpdateAssistantSettings)
	e.GET("/assistant/model-info", s.handleAssistantModelInfo)
}

// setupUIRoutes mounts the static web UI under /ui/ with an SPA fallback to
// index.html. Skipped entirely when no UI directory is configured or it has
// no index.html, so API 404s stay 404s.
func (s *Server) setupUIRoutes() {
	dir := s.cfg.Paths.WebUI
	if dir == "" {
		return
	}
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		slog.Warn("Web UI directory has no index.html; not serving UI", "dir", dir)
		return
	}

	fileServer := http.StripPrefix("/ui/", http.FileServer(http.Dir(dir)))
	s.echo.GET("/ui", func(c *echo.Context) error {
		return c.Redirect(http.StatusMovedPermanently, "/ui/")
	})
	s.echo.GET("/ui/*", func(c *echo.Context) error {
		rel := path.Clean("/" + c.Param("*"))
		if rel != "/" {
			if info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel))); err == nil && !info.IsDir() {
				fileServer.ServeHTTP(c.Response(), c.Request())
				return nil
			}
		}
		return c.File(index)
	})
}

// Start begins serving on addr. Blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// errorHandler renders every error as the uniform {"error": message}
// envelope the UI expects.
func errorHandler(c *echo.Context, err error) {
	if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
		return
	}

	he, ok := err.(*echo.HTTPError)
	if !ok {
		slog.Error("Unhandled error", "error", err, "path", c.Request().URL.Path)
		he = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	msg := fmt.Sprintf("%v", he.Message)
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(he.Code)
		return
	}
	_ = c.JSON(he.Code, map[string]string{"error": msg})
}
