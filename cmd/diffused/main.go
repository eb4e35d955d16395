// diffused — orchestration server for a native diffusion engine. Serves the
// REST API and web UI on one port and the real-time event stream on another,
// with a single worker draining the persistent job queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/diffuselab/diffused/pkg/api"
	"github.com/diffuselab/diffused/pkg/arch"
	"github.com/diffuselab/diffused/pkg/assistant"
	"github.com/diffuselab/diffused/pkg/config"
	"github.com/diffuselab/diffused/pkg/download"
	"github.com/diffuselab/diffused/pkg/events"
	"github.com/diffuselab/diffused/pkg/modelmgr"
	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/preview"
	"github.com/diffuselab/diffused/pkg/queue"
	"github.com/diffuselab/diffused/pkg/registry"
	"github.com/diffuselab/diffused/pkg/settings"
	"github.com/diffuselab/diffused/pkg/tools"
	"github.com/diffuselab/diffused/pkg/version"
)

const (
	workerStopTimeout = 5 * time.Second
	httpStopTimeout   = 5 * time.Second
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("DIFFUSED_CONFIG", "./config.json"),
		"Path to configuration file")
	flag.Parse()

	// Load .env beside the config file; tokens for gated downloads and the
	// assistant key live there.
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting diffused",
		"version", version.Full(),
		"config", *configPath)

	// 1. Configuration
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Native engine with the error-capture log hook
	engine := native.NewEngine()
	ring := native.NewErrorRing()
	engine.SetLogCallback(ring.LogHook())

	// 3. Model registry
	reg := registry.New(map[registry.ModelKind]string{
		registry.KindCheckpoint: cfg.Paths.Checkpoints,
		registry.KindDiffusion:  cfg.Paths.DiffusionModels,
		registry.KindVAE:        cfg.Paths.VAE,
		registry.KindLora:       cfg.Paths.Lora,
		registry.KindClip:       cfg.Paths.Clip,
		registry.KindT5:         cfg.Paths.T5,
		registry.KindEmbedding:  cfg.Paths.Embeddings,
		registry.KindControlNet: cfg.Paths.ControlNet,
		registry.KindLLM:        cfg.Paths.LLM,
		registry.KindESRGAN:     cfg.Paths.ESRGAN,
		registry.KindTAESD:      cfg.Paths.TAESD,
	})
	if err := reg.Scan(); err != nil {
		slog.Error("Initial model scan failed", "error", err)
		os.Exit(1)
	}

	// 4. Event bus
	bus := events.NewBus()
	go bus.Run()

	// 5. Architecture catalog, then the model managers gated on it
	catalog := arch.New(filepath.Join(filepath.Dir(*configPath), "model_architectures.json"))
	if err := catalog.Load(); err != nil {
		slog.Error("Failed to load architecture catalog", "error", err)
		os.Exit(1)
	}
	catalog.StartWatcher()

	models := modelmgr.New(engine, reg, bus, catalog, cfg.SDDefaults)
	upscalers := modelmgr.NewUpscaler(engine, reg, bus)

	// 6. Job store: load persisted state (recovers interrupted jobs)
	stateDir := cfg.Paths.Output
	store := queue.NewStore(
		filepath.Join(stateDir, "queue_state.json"),
		bus,
		cfg.RecycleBin.Enabled,
		time.Duration(cfg.RecycleBin.RetentionMinutes)*time.Minute,
	)
	if err := store.Load(); err != nil {
		slog.Error("Failed to load queue state", "error", err)
		os.Exit(1)
	}

	// 7. Supporting state
	previews := preview.NewBuffer()
	settingsStore := settings.NewStore(filepath.Join(stateDir, "user_settings.json"))
	if err := settingsStore.Load(); err != nil {
		slog.Error("Failed to load user settings", "error", err)
		os.Exit(1)
	}
	dl := download.NewClient(30 * time.Second)

	// 8. Assistant (optional)
	var assistantSvc *assistant.Service
	if cfg.Assistant.Enabled {
		executor := tools.NewExecutor(models, upscalers, store, reg, catalog)
		assistantSvc = assistant.NewService(cfg.Assistant, executor,
			filepath.Join(stateDir, "assistant_history.json"))
		if err := assistantSvc.LoadHistory(); err != nil {
			slog.Warn("Could not load assistant history", "error", err)
		}
		slog.Info("Assistant enabled", "model", cfg.Assistant.Model)
	}

	// 9. Worker
	worker := queue.NewWorker(store, models, upscalers, reg, engine, ring,
		previews, dl, bus, cfg.Paths.Output, cfg.Preview)
	worker.Start()

	// 10. HTTP servers: API on one port, WebSocket events on the other
	apiServer := api.NewServer(cfg, engine, reg, models, upscalers, store,
		worker, previews, settingsStore, catalog, assistantSvc, dl, version.Full())
	bus.SetStatusProvider(func() any { return apiServer.StatusPayload() })

	wsServer := &http.Server{
		Addr:              listenAddr(cfg.Server.Host, cfg.Server.WSPort),
		Handler:           bus,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		addr := listenAddr(cfg.Server.Host, cfg.Server.Port)
		slog.Info("API server listening", "addr", addr)
		if err := apiServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("Event server listening", "addr", wsServer.Addr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 11. Wait for shutdown signal or server error. A second signal forces
	// immediate exit for the case where a native call refuses to finish.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}
	go func() {
		sig := <-sigCh
		slog.Warn("Second signal received, forcing exit", "signal", sig)
		os.Exit(1)
	}()

	// 12. Graceful shutdown: stop intake first, then the worker, then the
	// event stream, then free the GPU.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), httpStopTimeout)
	defer httpCancel()
	if err := apiServer.Shutdown(httpCtx); err != nil {
		slog.Error("API server shutdown error", "error", err)
	}

	worker.Stop(workerStopTimeout)

	bus.RequestStop()
	bus.Stop()
	if err := wsServer.Shutdown(httpCtx); err != nil {
		slog.Error("Event server shutdown error", "error", err)
	}

	catalog.StopWatcher()
	models.Unload()
	upscalers.Unload()

	slog.Info("Shutdown complete")
}

// listenAddr formats a host:port listen address.
func listenAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
