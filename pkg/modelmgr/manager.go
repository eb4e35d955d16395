package modelmgr

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/diffuselab/diffused/pkg/config"
	"github.com/diffuselab/diffused/pkg/events"
	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/registry"
)

// ComponentCatalog resolves an engine architecture label to the required
// component map (component kind → description) of the matching catalog
// entry. Labels with no entry require nothing.
type ComponentCatalog interface {
	RequiredComponents(label string) map[string]string
}

// Manager owns the single main-model inference slot.
//
// Concurrency contract: slotMu guards the native context and is held for the
// whole of a load, unload or inference. Status() must never wait on it, so
// the loaded/loading flags and progress counters are atomics and the cached
// name/architecture/component strings live behind a separate infoMu that is
// only ever locked briefly by load/unload.
type Manager struct {
	engine   native.Engine
	registry *registry.Registry
	bus      Publisher
	catalog  ComponentCatalog
	defaults config.SDDefaults

	slotMu sync.Mutex
	ctx    native.ModelContext

	loaded  atomic.Bool
	loading atomic.Bool
	step    atomic.Int64
	total   atomic.Int64

	infoMu       sync.RWMutex
	modelName    string
	modelType    string
	architecture string
	components   map[string]string
	options      *LoadParams
	loadingName  string
	lastError    string
}

// New creates a manager; nothing is loaded initially. catalog may be nil,
// which disables architecture gating.
func New(engine native.Engine, reg *registry.Registry, bus Publisher, catalog ComponentCatalog, defaults config.SDDefaults) *Manager {
	return &Manager{engine: engine, registry: reg, bus: bus, catalog: catalog, defaults: defaults}
}

// Status returns the loaded-context snapshot without blocking on an
// in-flight load or inference.
func (m *Manager) Status() Snapshot {
	m.infoMu.RLock()
	defer m.infoMu.RUnlock()
	return Snapshot{
		Loaded:           m.loaded.Load(),
		Loading:          m.loading.Load(),
		LoadingModelName: m.loadingName,
		LoadingStep:      int(m.step.Load()),
		LoadingTotal:     int(m.total.Load()),
		ModelName:        m.modelName,
		ModelType:        m.modelType,
		Architecture:     m.architecture,
		Components:       m.components,
		Options:          m.options,
		LastError:        m.lastError,
	}
}

// WithContext runs fn while holding the inference slot. The worker uses
// this for generation; HTTP status paths must not.
func (m *Manager) WithContext(fn func(native.ModelContext) error) error {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()
	if m.ctx == nil {
		return ErrNotLoaded
	}
	return fn(m.ctx)
}

// Load validates, swaps and loads a model per the request. On validation
// failure the currently loaded model is left untouched. On native load
// failure the slot is confirmed empty and all cached names cleared before
// the error is returned.
func (m *Manager) Load(params LoadParams) error {
	main := params.MainModelName()
	if main == "" {
		return &ValidationError{Problems: []string{"either model or diffusion_model is required"}}
	}
	m.applyDefaults(&params)

	// Loading flags go up before any slow work so /health reflects the
	// in-progress load immediately.
	m.loading.Store(true)
	m.step.Store(0)
	m.total.Store(0)
	m.setInfo(func() {
		m.loadingName = main
		m.lastError = ""
	})
	defer func() {
		m.loading.Store(false)
		m.setInfo(func() { m.loadingName = "" })
	}()

	// Validate every referenced file before touching the GPU.
	resolved, verr := m.resolvePaths(&params)
	if verr != nil {
		return verr
	}
	if verr := m.checkRequiredComponents(resolved.main, &params); verr != nil {
		return verr
	}

	m.slotMu.Lock()
	defer m.slotMu.Unlock()

	// Swap: free whatever is resident along with its GPU memory, and drop
	// the cached labels so a failed load cannot leave stale reads.
	if m.ctx != nil {
		m.ctx.Close()
		m.ctx = nil
	}
	m.loaded.Store(false)
	m.setInfo(func() {
		m.modelName = ""
		m.modelType = ""
		m.architecture = ""
		m.components = nil
		m.options = nil
	})

	cp := m.buildContextParams(&params, resolved)

	progress := func(step, total int) {
		m.step.Store(int64(step))
		m.total.Store(int64(total))
		m.bus.Broadcast(events.EventModelLoadingProgress, map[string]any{
			"model": main,
			"step":  step,
			"total": total,
		})
	}

	ctx, err := m.engine.NewContext(cp, progress)
	if err != nil {
		m.setInfo(func() { m.lastError = err.Error() })
		m.bus.Broadcast(events.EventModelLoadFailed, map[string]any{
			"model": main,
			"error": err.Error(),
		})
		return fmt.Errorf("loading model %q: %w", main, err)
	}

	modelType := "checkpoint"
	if params.Model == "" {
		modelType = "diffusion"
	}

	m.ctx = ctx
	optCopy := params
	m.setInfo(func() {
		m.modelName = main
		m.modelType = modelType
		m.architecture = ctx.Architecture()
		m.components = componentNames(&params)
		m.options = &optCopy
		m.lastError = ""
	})
	m.loaded.Store(true)

	slog.Info("Model loaded", "model", main, "type", modelType, "architecture", ctx.Architecture())
	m.bus.Broadcast(events.EventModelLoaded, m.Status())
	return nil
}

// Unload frees the slot. Idempotent.
func (m *Manager) Unload() {
	m.slotMu.Lock()
	defer m.slotMu.Unlock()

	if m.ctx != nil {
		m.ctx.Close()
		m.ctx = nil
	}
	m.loaded.Store(false)
	m.setInfo(func() {
		m.modelName = ""
		m.modelType = ""
		m.architecture = ""
		m.components = nil
		m.options = nil
		m.lastError = ""
	})

	slog.Info("Model unloaded")
	m.bus.Broadcast(events.EventModelUnloaded, nil)
}

func (m *Manager) setInfo(fn func()) {
	m.infoMu.Lock()
	fn()
	m.infoMu.Unlock()
}

// applyDefaults merges the configured baseline options into fields the
// request left unset. Booleans only ever turn an option on; a request
// cannot switch a configured default off by omitting the field.
func (m *Manager) applyDefaults(p *LoadParams) {
	if p.NThreads == 0 {
		p.NThreads = m.defaults.NThreads
	}
	p.KeepClipOnCPU = p.KeepClipOnCPU || m.defaults.KeepClipOnCPU
	p.KeepVAEOnCPU = p.KeepVAEOnCPU || m.defaults.KeepVAEOnCPU
	p.FlashAttn = p.FlashAttn || m.defaults.FlashAttn
	p.OffloadToCPU = p.OffloadToCPU || m.defaults.OffloadToCPU
}

// componentKinds maps a component label to the registry root it is served
// from, for the "searched" part of a validation report.
var componentKinds = map[string]registry.ModelKind{
	"high_noise_model": registry.KindDiffusion,
	"vae":              registry.KindVAE,
	"clip_l":           registry.KindClip,
	"clip_g":           registry.KindClip,
	"t5xxl":            registry.KindT5,
	"llm":              registry.KindLLM,
	"llm_vision":       registry.KindLLM,
	"controlnet":       registry.KindControlNet,
	"taesd":            registry.KindTAESD,
	"photomaker":       registry.KindCheckpoint,
}

// checkRequiredComponents rejects a load whose detected architecture needs
// satellite components the request does not supply. Every missing component
// is reported, each with the directory it would have been resolved from.
func (m *Manager) checkRequiredComponents(mainPath string, p *LoadParams) error {
	if m.catalog == nil {
		return nil
	}
	label := m.engine.DetectArchitecture(mainPath)
	if label == "" {
		return nil
	}
	required := m.catalog.RequiredComponents(label)
	if len(required) == 0 {
		return nil
	}

	provided := componentNames(p)
	var missing []string
	for kind := range required {
		// The main slot is what triggered detection; only satellites gate.
		if kind == "model" || kind == "diffusion_model" {
			continue
		}
		if _, ok := provided[kind]; ok {
			continue
		}
		missing = append(missing, kind)
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	problems := make([]string, 0, len(missing))
	for _, kind := range missing {
		desc := required[kind]
		if desc == "" {
			desc = "required component"
		}
		problems = append(problems, fmt.Sprintf(
			"architecture %s requires %s (%s): not provided (searched %s)",
			label, kind, desc, m.registry.Root(componentKinds[kind])))
	}
	return &ValidationError{Problems: problems}
}

// resolvedPaths carries validated absolute paths keyed by component label.
type resolvedPaths struct {
	main       string
	satellites map[string]string // component label → absolute path
	loraDir    string
	embedDir   string
}

// componentNames records which satellite components were actually loaded,
// by the user-facing names they were requested with.
func componentNames(p *LoadParams) map[string]string {
	names := make(map[string]string)
	for label, name := range map[string]string{
		"high_noise_model": p.HighNoiseModel,
		"vae":              p.VAE,
		"clip_l":           p.ClipL,
		"clip_g":           p.ClipG,
		"t5xxl":            p.T5XXL,
		"llm":              p.LLM,
		"llm_vision":       p.LLMVision,
		"controlnet":       p.ControlNet,
		"taesd":            p.TAESD,
		"photomaker":       p.Photomaker,
	} {
		if name != "" {
			names[label] = name
		}
	}
	if len(names) == 0 {
		return nil
	}
	return names
}

// resolvePaths looks every referenced file up in the registry, accumulating
// all misses into one multi-line report.
func (m *Manager) resolvePaths(p *LoadParams) (*resolvedPaths, error) {
	out := &resolvedPaths{satellites: make(map[string]string)}
	var problems []string

	lookup := func(kind registry.ModelKind, name, label string) string {
		if name == "" {
			return ""
		}
		d, err := m.registry.Get(kind, name)
		if err != nil {
			problems = append(problems, fmt.Sprintf(
				"%s %q not found (type %s, searched %s)", label, name, kind, m.registry.Root(kind)))
			return ""
		}
		return d.Path
	}

	if p.Model != "" {
		out.main = lookup(registry.KindCheckpoint, p.Model, "model")
	} else {
		out.main = lookup(registry.KindDiffusion, p.DiffusionModel, "diffusion_model")
	}

	type satellite struct {
		kind  registry.ModelKind
		name  string
		label string
	}
	for _, s := range []satellite{
		{registry.KindDiffusion, p.HighNoiseModel, "high_noise_model"},
		{registry.KindVAE, p.VAE, "vae"},
		{registry.KindClip, p.ClipL, "clip_l"},
		{registry.KindClip, p.ClipG, "clip_g"},
		{registry.KindT5, p.T5XXL, "t5xxl"},
		{registry.KindLLM, p.LLM, "llm"},
		{registry.KindLLM, p.LLMVision, "llm_vision"},
		{registry.KindControlNet, p.ControlNet, "controlnet"},
		{registry.KindTAESD, p.TAESD, "taesd"},
		{registry.KindCheckpoint, p.Photomaker, "photomaker"},
	} {
		if s.name == "" {
			continue
		}
		if path := lookup(s.kind, s.name, s.label); path != "" {
			out.satellites[s.label] = path
		}
	}

	out.loraDir = m.registry.Root(registry.KindLora)
	out.embedDir = m.registry.Root(registry.KindEmbedding)

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return out, nil
}

func (m *Manager) buildContextParams(p *LoadParams, r *resolvedPaths) native.ContextParams {
	threads := p.NThreads
	if threads <= 0 {
		threads = m.engine.PhysicalCores()
	}

	flowShift := math.Inf(1) // sentinel: library auto-detects
	if p.FlowShift != nil {
		flowShift = *p.FlowShift
	}

	loraMode := p.LoraApplyMode
	if loraMode == "" {
		// at_runtime avoids stale blended weights being reused by a later
		// job with different LoRAs.
		loraMode = native.LoraApplyAtRuntime
	}

	cp := native.ContextParams{
		Threads:               threads,
		WeightType:            p.WeightType,
		KeepClipOnCPU:         p.KeepClipOnCPU,
		KeepVAEOnCPU:          p.KeepVAEOnCPU,
		KeepControlNetOnCPU:   p.KeepControlNetOnCPU,
		FlashAttention:        p.FlashAttn,
		OffloadToCPU:          p.OffloadToCPU,
		EnableMmap:            p.EnableMmap,
		VAEDecodeOnly:         p.VAEDecodeOnly,
		VAEConvDirect:         p.VAEConvDirect,
		DiffusionConvDirect:   p.DiffusionConvDirect,
		TAEPreviewOnly:        p.TAEPreviewOnly,
		FreeParamsImmediately: p.FreeParamsImmediately,
		VAETiling:             p.VAETiling,
		VAETileWidth:          p.VAETileWidth,
		VAETileHeight:         p.VAETileHeight,
		VAETileOverlap:        p.VAETileOverlap,
		ChromaUseDITMask:      p.ChromaUseDITMask,
		ChromaUseT5Mask:       p.ChromaUseT5Mask,
		ChromaT5MaskPad:       p.ChromaT5MaskPad,
		TensorTypeRules:       p.TensorTypeRules,
		FlowShift:             flowShift,
		RNGType:               p.RNGType,
		PredictionType:        p.PredictionType,
		LoraApplyMode:         loraMode,
		LoraDir:               r.loraDir,
		EmbeddingsDir:         r.embedDir,
	}

	if p.Model != "" {
		cp.ModelPath = r.main
	} else {
		cp.DiffusionModelPath = r.main
	}
	cp.HighNoisePath = r.satellites["high_noise_model"]
	cp.VAEPath = r.satellites["vae"]
	cp.ClipLPath = r.satellites["clip_l"]
	cp.ClipGPath = r.satellites["clip_g"]
	cp.T5XXLPath = r.satellites["t5xxl"]
	cp.LLMPath = r.satellites["llm"]
	cp.LLMVisionPath = r.satellites["llm_vision"]
	cp.ControlNetPath = r.satellites["controlnet"]
	cp.TAESDPath = r.satellites["taesd"]
	cp.PhotomakerPath = r.satellites["photomaker"]
	return cp
}
