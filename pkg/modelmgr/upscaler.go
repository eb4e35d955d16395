package modelmgr

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/diffuselab/diffused/pkg/events"
	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/registry"
)

// UpscalerManager owns the upscaler slot. Same shape as Manager but fully
// independent: an upscaler can be resident alongside a main model.
type UpscalerManager struct {
	engine   native.Engine
	registry *registry.Registry
	bus      Publisher

	slotMu   sync.Mutex
	upscaler native.Upscaler

	loaded atomic.Bool

	infoMu    sync.RWMutex
	modelName string
	lastError string
}

// NewUpscaler creates an upscaler manager with an empty slot.
func NewUpscaler(engine native.Engine, reg *registry.Registry, bus Publisher) *UpscalerManager {
	return &UpscalerManager{engine: engine, registry: reg, bus: bus}
}

// Status reports the slot without blocking on an in-flight upscale.
func (u *UpscalerManager) Status() UpscalerSnapshot {
	u.infoMu.RLock()
	defer u.infoMu.RUnlock()
	return UpscalerSnapshot{
		Loaded:    u.loaded.Load(),
		ModelName: u.modelName,
		LastError: u.lastError,
	}
}

// Load swaps in the named ESRGAN model.
func (u *UpscalerManager) Load(name string, threads, tileSize int) error {
	d, err := u.registry.Get(registry.KindESRGAN, name)
	if err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf(
			"upscaler %q not found (type %s, searched %s)",
			name, registry.KindESRGAN, u.registry.Root(registry.KindESRGAN))}}
	}

	if threads <= 0 {
		threads = u.engine.PhysicalCores()
	}

	u.slotMu.Lock()
	defer u.slotMu.Unlock()

	if u.upscaler != nil {
		u.upscaler.Close()
		u.upscaler = nil
	}
	u.loaded.Store(false)

	up, err := u.engine.NewUpscaler(d.Path, threads, tileSize)
	if err != nil {
		u.infoMu.Lock()
		u.modelName = ""
		u.lastError = err.Error()
		u.infoMu.Unlock()
		return fmt.Errorf("loading upscaler %q: %w", name, err)
	}

	u.upscaler = up
	u.infoMu.Lock()
	u.modelName = name
	u.lastError = ""
	u.infoMu.Unlock()
	u.loaded.Store(true)

	slog.Info("Upscaler loaded", "model", name)
	u.bus.Broadcast(events.EventUpscalerLoaded, map[string]any{"model": name})
	return nil
}

// Unload frees the slot. Idempotent.
func (u *UpscalerManager) Unload() {
	u.slotMu.Lock()
	defer u.slotMu.Unlock()

	if u.upscaler != nil {
		u.upscaler.Close()
		u.upscaler = nil
	}
	u.loaded.Store(false)
	u.infoMu.Lock()
	u.modelName = ""
	u.lastError = ""
	u.infoMu.Unlock()

	slog.Info("Upscaler unloaded")
	u.bus.Broadcast(events.EventUpscalerUnloaded, nil)
}

// WithUpscaler runs fn while holding the upscaler slot.
func (u *UpscalerManager) WithUpscaler(fn func(native.Upscaler) error) error {
	u.slotMu.Lock()
	defer u.slotMu.Unlock()
	if u.upscaler == nil {
		return ErrUpscalerNotLoaded
	}
	return fn(u.upscaler)
}
