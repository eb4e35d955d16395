package modelmgr

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffuselab/diffused/pkg/config"
	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/registry"
)

// mapCatalog is a ComponentCatalog over a fixed label → requirements map.
type mapCatalog map[string]map[string]string

func (c mapCatalog) RequiredComponents(label string) map[string]string { return c[label] }

type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBus) Broadcast(eventType string, data any) {
	b.mu.Lock()
	b.events = append(b.events, eventType)
	b.mu.Unlock()
}

func (b *recordingBus) has(eventType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type fixture struct {
	engine *native.StubEngine
	reg    *registry.Registry
	bus    *recordingBus
	mgr    *Manager
	ups    *UpscalerManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ckpt := t.TempDir()
	vae := t.TempDir()
	esrgan := t.TempDir()
	for _, f := range []string{
		filepath.Join(ckpt, "base.safetensors"),
		filepath.Join(vae, "fixed-vae.safetensors"),
		filepath.Join(esrgan, "x4plus.pth"),
	} {
		require.NoError(t, os.WriteFile(f, []byte("weights"), 0o644))
	}

	reg := registry.New(map[registry.ModelKind]string{
		registry.KindCheckpoint: ckpt,
		registry.KindVAE:        vae,
		registry.KindESRGAN:     esrgan,
	})
	require.NoError(t, reg.Scan())

	engine := native.NewStubEngine()
	bus := &recordingBus{}
	return &fixture{
		engine: engine,
		reg:    reg,
		bus:    bus,
		mgr:    New(engine, reg, bus, nil, config.SDDefaults{}),
		ups:    NewUpscaler(engine, reg, bus),
	}
}

func TestManagerLoadAndStatus(t *testing.T) {
	fx := newFixture(t)

	st := fx.mgr.Status()
	assert.False(t, st.Loaded)

	err := fx.mgr.Load(LoadParams{Model: "base.safetensors", VAE: "fixed-vae.safetensors"})
	require.NoError(t, err)

	st = fx.mgr.Status()
	assert.True(t, st.Loaded)
	assert.False(t, st.Loading)
	assert.Equal(t, "base.safetensors", st.ModelName)
	assert.Equal(t, "checkpoint", st.ModelType)
	assert.Equal(t, "SD1", st.Architecture)
	assert.Equal(t, map[string]string{"vae": "fixed-vae.safetensors"}, st.Components)
	require.NotNil(t, st.Options)
	assert.Equal(t, "base.safetensors", st.Options.Model)

	assert.True(t, fx.bus.has("model_loading_progress"))
	assert.True(t, fx.bus.has("model_loaded"))
}

func TestManagerLoadRequiresMainModel(t *testing.T) {
	fx := newFixture(t)
	err := fx.mgr.Load(LoadParams{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "either model or diffusion_model")
}

func TestManagerLoadAccumulatesMissingFiles(t *testing.T) {
	fx := newFixture(t)
	err := fx.mgr.Load(LoadParams{
		Model: "missing.safetensors",
		VAE:   "also-missing.safetensors",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 2)

	// Nothing was touched.
	assert.False(t, fx.mgr.Status().Loaded)
}

func TestManagerLoadRejectsMissingRequiredComponents(t *testing.T) {
	fx := newFixture(t)
	fx.engine.ArchitectureLabel = "Flux"
	require.NoError(t, os.WriteFile(
		filepath.Join(fx.reg.Root(registry.KindCheckpoint), "flux.safetensors"), []byte("weights"), 0o644))
	require.NoError(t, fx.reg.Scan())

	catalog := mapCatalog{"Flux": {
		"vae":    "latent decoder",
		"clip_l": "CLIP-L text encoder",
		"t5xxl":  "T5-XXL text encoder",
	}}
	mgr := New(fx.engine, fx.reg, fx.bus, catalog, config.SDDefaults{})

	err := mgr.Load(LoadParams{Model: "flux.safetensors"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 3)
	assert.Contains(t, verr.Error(), "architecture Flux requires clip_l")
	assert.Contains(t, verr.Error(), "architecture Flux requires t5xxl")
	assert.Contains(t, verr.Error(), "architecture Flux requires vae")
	assert.Contains(t, verr.Error(), fx.reg.Root(registry.KindVAE))

	// Nothing was loaded; the slot is untouched.
	assert.False(t, mgr.Status().Loaded)

	// Supplying the components clears the report down to what is still
	// missing from the registry itself.
	err = mgr.Load(LoadParams{
		Model: "flux.safetensors",
		VAE:   "fixed-vae.safetensors",
		ClipL: "clip_l.safetensors",
		T5XXL: "t5xxl.safetensors",
	})
	require.ErrorAs(t, err, &verr)
	for _, p := range verr.Problems {
		assert.Contains(t, p, "not found")
	}
}

func TestManagerLoadKeepsResidentModelOnComponentFailure(t *testing.T) {
	fx := newFixture(t)
	catalog := mapCatalog{"Flux": {"vae": "latent decoder"}}
	mgr := New(fx.engine, fx.reg, fx.bus, catalog, config.SDDefaults{})

	require.NoError(t, mgr.Load(LoadParams{Model: "base.safetensors", VAE: "fixed-vae.safetensors"}))

	fx.engine.ArchitectureLabel = "Flux"
	err := mgr.Load(LoadParams{Model: "base.safetensors"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	st := mgr.Status()
	assert.True(t, st.Loaded)
	assert.Equal(t, "base.safetensors", st.ModelName)
}

func TestManagerLoadAppliesConfiguredDefaults(t *testing.T) {
	fx := newFixture(t)
	mgr := New(fx.engine, fx.reg, fx.bus, nil, config.SDDefaults{
		NThreads:      3,
		KeepClipOnCPU: true,
		FlashAttn:     true,
	})

	require.NoError(t, mgr.Load(LoadParams{Model: "base.safetensors"}))
	opts := mgr.Status().Options
	require.NotNil(t, opts)
	assert.Equal(t, 3, opts.NThreads)
	assert.True(t, opts.KeepClipOnCPU)
	assert.True(t, opts.FlashAttn)
	assert.False(t, opts.OffloadToCPU)

	// An explicit request wins over the baseline.
	require.NoError(t, mgr.Load(LoadParams{Model: "base.safetensors", NThreads: 8}))
	assert.Equal(t, 8, mgr.Status().Options.NThreads)
}

func TestManagerLoadFailureClearsSlot(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.mgr.Load(LoadParams{Model: "base.safetensors"}))

	fx.engine.FailLoad = errors.New("allocation failed")
	err := fx.mgr.Load(LoadParams{Model: "base.safetensors"})
	require.Error(t, err)

	// The previous model was freed before the failing load; no stale labels.
	st := fx.mgr.Status()
	assert.False(t, st.Loaded)
	assert.Empty(t, st.ModelName)
	assert.Equal(t, "allocation failed", st.LastError)
	assert.True(t, fx.bus.has("model_load_failed"))

	assert.ErrorIs(t, fx.mgr.WithContext(func(native.ModelContext) error { return nil }), ErrNotLoaded)
}

func TestManagerWithContext(t *testing.T) {
	fx := newFixture(t)

	assert.ErrorIs(t, fx.mgr.WithContext(func(native.ModelContext) error { return nil }), ErrNotLoaded)

	require.NoError(t, fx.mgr.Load(LoadParams{Model: "base.safetensors"}))
	ran := false
	require.NoError(t, fx.mgr.WithContext(func(ctx native.ModelContext) error {
		ran = true
		assert.Equal(t, "SD1", ctx.Architecture())
		return nil
	}))
	assert.True(t, ran)
}

func TestManagerUnloadIdempotent(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.mgr.Load(LoadParams{Model: "base.safetensors"}))

	fx.mgr.Unload()
	assert.False(t, fx.mgr.Status().Loaded)
	assert.True(t, fx.bus.has("model_unloaded"))

	fx.mgr.Unload() // no-op on an empty slot
	assert.False(t, fx.mgr.Status().Loaded)
}

func TestSnapshotSettings(t *testing.T) {
	s := Snapshot{
		Loaded:       true,
		ModelName:    "base.safetensors",
		ModelType:    "checkpoint",
		Architecture: "SDXL",
		Components:   map[string]string{"vae": "v"},
	}
	settings := s.Settings()
	assert.Equal(t, "base.safetensors", settings.ModelName)
	assert.Equal(t, "SDXL", settings.Architecture)
	assert.Equal(t, map[string]string{"vae": "v"}, settings.Components)
}

func TestUpscalerManager(t *testing.T) {
	fx := newFixture(t)

	assert.ErrorIs(t, fx.ups.WithUpscaler(func(native.Upscaler) error { return nil }), ErrUpscalerNotLoaded)

	var verr *ValidationError
	require.ErrorAs(t, fx.ups.Load("missing.pth", 0, 0), &verr)

	require.NoError(t, fx.ups.Load("x4plus.pth", 0, 0))
	st := fx.ups.Status()
	assert.True(t, st.Loaded)
	assert.Equal(t, "x4plus.pth", st.ModelName)
	assert.True(t, fx.bus.has("upscaler_loaded"))

	err := fx.ups.WithUpscaler(func(u native.Upscaler) error {
		out, uerr := u.Upscale(native.Image{Width: 2, Height: 2, Channels: 3, Data: make([]byte, 12)}, 2)
		require.NoError(t, uerr)
		assert.Equal(t, 4, out.Width)
		return nil
	})
	require.NoError(t, err)

	fx.ups.Unload()
	assert.False(t, fx.ups.Status().Loaded)
	assert.True(t, fx.bus.has("upscaler_unloaded"))
	fx.ups.Unload()
}
