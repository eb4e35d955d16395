// Package modelmgr owns the single-slot inference context and its satellite
// components, plus the independent upscaler slot. Loading, unloading and
// inference all serialize on the slot mutex; status reads never touch it.
package modelmgr

import (
	"errors"
	"strings"
)

// LoadParams is the user-supplied body of POST /models/load. The exact
// options a model was loaded with are copied onto every job enqueued while
// it is resident, so the UI can reload a job's configuration later.
type LoadParams struct {
	// Main model: exactly one of Model (checkpoint) or DiffusionModel.
	Model          string `json:"model,omitempty"`
	DiffusionModel string `json:"diffusion_model,omitempty"`

	// Satellite components, all optional.
	HighNoiseModel string `json:"high_noise_model,omitempty"`
	VAE            string `json:"vae,omitempty"`
	ClipL          string `json:"clip_l,omitempty"`
	ClipG          string `json:"clip_g,omitempty"`
	T5XXL          string `json:"t5xxl,omitempty"`
	LLM            string `json:"llm,omitempty"`
	LLMVision      string `json:"llm_vision,omitempty"`
	ControlNet     string `json:"controlnet,omitempty"`
	TAESD          string `json:"taesd,omitempty"`
	Photomaker     string `json:"photomaker,omitempty"`

	NThreads   int    `json:"n_threads,omitempty"`
	WeightType string `json:"weight_type,omitempty"`

	KeepClipOnCPU         bool `json:"keep_clip_on_cpu,omitempty"`
	KeepVAEOnCPU          bool `json:"keep_vae_on_cpu,omitempty"`
	KeepControlNetOnCPU   bool `json:"keep_control_net_on_cpu,omitempty"`
	FlashAttn             bool `json:"flash_attn,omitempty"`
	OffloadToCPU          bool `json:"offload_to_cpu,omitempty"`
	EnableMmap            bool `json:"enable_mmap,omitempty"`
	VAEDecodeOnly         bool `json:"vae_decode_only,omitempty"`
	VAEConvDirect         bool `json:"vae_conv_direct,omitempty"`
	DiffusionConvDirect   bool `json:"diffusion_conv_direct,omitempty"`
	TAEPreviewOnly        bool `json:"tae_preview_only,omitempty"`
	FreeParamsImmediately bool `json:"free_params_immediately,omitempty"`

	VAETiling      bool    `json:"vae_tiling,omitempty"`
	VAETileWidth   int     `json:"vae_tile_width,omitempty"`
	VAETileHeight  int     `json:"vae_tile_height,omitempty"`
	VAETileOverlap float64 `json:"vae_tile_overlap,omitempty"`

	ChromaUseDITMask bool   `json:"chroma_use_dit_mask,omitempty"`
	ChromaUseT5Mask  bool   `json:"chroma_use_t5_mask,omitempty"`
	ChromaT5MaskPad  int    `json:"chroma_t5_mask_pad,omitempty"`
	TensorTypeRules  string `json:"tensor_type_rules,omitempty"`

	// FlowShift of nil means "library auto-detect".
	FlowShift *float64 `json:"flow_shift,omitempty"`

	RNGType        string `json:"rng_type,omitempty"`
	PredictionType string `json:"prediction_type,omitempty"`
	LoraApplyMode  string `json:"lora_apply_mode,omitempty"`
}

// MainModelName returns the main model reference, whichever field carries it.
func (p *LoadParams) MainModelName() string {
	if p.Model != "" {
		return p.Model
	}
	return p.DiffusionModel
}

// Snapshot is the loaded-context view served by /health and copied (as
// Settings) onto jobs. It is safe to read while a load or inference is in
// flight.
type Snapshot struct {
	Loaded           bool   `json:"loaded"`
	Loading          bool   `json:"loading"`
	LoadingModelName string `json:"loading_model,omitempty"`
	LoadingStep      int    `json:"loading_step"`
	LoadingTotal     int    `json:"loading_total_steps"`

	ModelName    string            `json:"model_name,omitempty"`
	ModelType    string            `json:"model_type,omitempty"`
	Architecture string            `json:"model_architecture,omitempty"`
	Components   map[string]string `json:"components,omitempty"`
	Options      *LoadParams       `json:"options,omitempty"`

	LastError string `json:"last_error,omitempty"`
}

// Settings is the per-job copy of what was resident at enqueue time.
type Settings struct {
	ModelName    string            `json:"model_name,omitempty"`
	ModelType    string            `json:"model_type,omitempty"`
	Architecture string            `json:"model_architecture,omitempty"`
	Components   map[string]string `json:"components,omitempty"`
	Options      *LoadParams       `json:"options,omitempty"`
}

// Settings derives the job-embedded copy from a snapshot.
func (s Snapshot) Settings() Settings {
	return Settings{
		ModelName:    s.ModelName,
		ModelType:    s.ModelType,
		Architecture: s.Architecture,
		Components:   s.Components,
		Options:      s.Options,
	}
}

// UpscalerSnapshot is the independent upscaler slot view.
type UpscalerSnapshot struct {
	Loaded    bool   `json:"loaded"`
	ModelName string `json:"model_name,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// ErrNotLoaded is returned by WithContext / WithUpscaler when the slot is
// empty.
var ErrNotLoaded = errors.New("no model loaded")

// ErrUpscalerNotLoaded is the upscaler slot's empty-slot error.
var ErrUpscalerNotLoaded = errors.New("no upscaler loaded")

// ValidationError reports every missing file of a load request at once, so
// the caller can fix them in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "model load validation failed:\n" + strings.Join(e.Problems, "\n")
}

// Publisher is the event sink the manager reports lifecycle transitions to.
type Publisher interface {
	Broadcast(eventType string, data any)
}
