package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/registry"
)

// handleHealth handles GET /health: the full server status snapshot. This
// is the same payload the WebSocket server_status event carries, so the UI
// can bootstrap from either channel.
func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.StatusPayload())
}

// StatusPayload builds the server status document. Also installed as the
// event bus's status provider.
func (s *Server) StatusPayload() map[string]any {
	return map[string]any{
		"status":         "ok",
		"version":        s.version,
		"model":          s.models.Status(),
		"upscaler":       s.upscalers.Status(),
		"queue":          s.store.Stats(),
		"queue_length":   s.store.QueueLength(),
		"models_indexed": s.registry.Count(),
		"ws_port":        s.cfg.Server.WSPort,
	}
}

// handleOptions handles GET /options: the closed lists a client needs to
// build its forms.
func (s *Server) handleOptions(c *echo.Context) error {
	kinds := make([]string, 0, len(registry.Kinds()))
	for _, k := range registry.Kinds() {
		kinds = append(kinds, string(k))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"samplers":     native.Samplers(),
		"schedulers":   native.Schedulers(),
		"weight_types": s.engine.SupportedWeightTypes(),
		"rng_types":    []string{native.RNGStdDefault, native.RNGCUDA, native.RNGCPU},
		"model_types":  kinds,
		"job_types": []string{
			"txt2img", "img2img", "txt2vid", "upscale", "convert",
			"model_download", "model_hash",
		},
	})
}

// handleMetrics exposes the Prometheus registry.
func (s *Server) handleMetrics(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
