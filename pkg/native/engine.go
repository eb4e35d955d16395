// Package native defines the interface the server consumes from the
// underlying diffusion inference library, plus the process-wide capture
// ring for its error log lines. The real engine is linked in by the build;
// tests use StubEngine.
package native

// LogLevel mirrors the library's log severity levels.
type LogLevel int

// Log severity levels, lowest to highest.
const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Image is a raw decoded frame handed back by the engine. Data is packed
// 8-bit RGB (Channels == 3) or RGBA (Channels == 4), row-major.
type Image struct {
	Width    int
	Height   int
	Channels int
	Data     []byte
}

// PreviewFrame is a partially denoised frame delivered by the preview hook
// during generation. IsNoisy reports that the frame was decoded from a
// latent that is still far from converged.
type PreviewFrame struct {
	Step       int
	TotalSteps int
	FrameCount int
	Image      Image
	IsNoisy    bool
}

// Hook signatures. The engine invokes these from its own threads; the
// installer must make them safe for that.
type (
	// LoadProgressFunc reports model loading progress.
	LoadProgressFunc func(step, total int)
	// ProgressFunc reports denoising progress during generation.
	ProgressFunc func(step, total int)
	// PreviewFunc delivers intermediate preview frames during generation.
	PreviewFunc func(frame PreviewFrame)
	// LogFunc receives the engine's log lines.
	LogFunc func(level LogLevel, message string)
)

// ContextParams carries everything the engine needs to build an inference
// context. Paths must already be validated by the caller; the engine does
// not report missing files in a user-friendly way.
type ContextParams struct {
	ModelPath          string
	DiffusionModelPath string
	HighNoisePath      string
	VAEPath            string
	ClipLPath          string
	ClipGPath          string
	T5XXLPath          string
	LLMPath            string
	LLMVisionPath      string
	ControlNetPath     string
	TAESDPath          string
	PhotomakerPath     string
	EmbeddingsDir      string
	LoraDir            string

	Threads    int
	WeightType string

	KeepClipOnCPU         bool
	KeepVAEOnCPU          bool
	KeepControlNetOnCPU   bool
	FlashAttention        bool
	OffloadToCPU          bool
	EnableMmap            bool
	VAEDecodeOnly         bool
	VAEConvDirect         bool
	DiffusionConvDirect   bool
	TAEPreviewOnly        bool
	FreeParamsImmediately bool

	VAETiling      bool
	VAETileWidth   int
	VAETileHeight  int
	VAETileOverlap float64

	ChromaUseDITMask bool
	ChromaUseT5Mask  bool
	ChromaT5MaskPad  int
	TensorTypeRules  string

	// FlowShift of +Inf means "let the library auto-detect".
	FlowShift float64

	RNGType        string
	PredictionType string
	LoraApplyMode  string
}

// GenerateParams is the per-call input for txt2img, img2img and txt2vid.
type GenerateParams struct {
	Prompt          string
	NegativePrompt  string
	Width           int
	Height          int
	Steps           int
	CFGScale        float64
	Guidance        float64
	SampleMethod    string
	Scheduler       string
	Seed            int64
	BatchCount      int
	ClipSkip        int
	Strength        float64
	InitImage       *Image
	ControlImage    *Image
	ControlStrength float64
	VideoFrames     int
	FPS             int
	Loras           []LoraSpec
}

// LoraSpec names a low-rank adapter and its blend weight, extracted from
// <lora:name:weight> prompt syntax.
type LoraSpec struct {
	Name   string
	Weight float64
}

// ModelContext is a loaded main-model inference context. All methods are
// synchronous; Generate can run for minutes and cannot be interrupted
// mid-step.
type ModelContext interface {
	// Architecture returns the label the library detected for the loaded
	// model family (e.g. "SDXL", "Flux").
	Architecture() string
	Generate(params GenerateParams, progress ProgressFunc, preview PreviewFunc) ([]Image, error)
	Close()
}

// Upscaler is a loaded ESRGAN-style upscaling context, independent from the
// main model slot.
type Upscaler interface {
	Upscale(img Image, factor int) (Image, error)
	Close()
}

// Engine is the callable surface of the native diffusion library.
type Engine interface {
	// DetectArchitecture inspects a model file's tensor layout and returns
	// the architecture label without loading weights, or "" when the file
	// cannot be identified short of a full load.
	DetectArchitecture(path string) string
	// NewContext loads a model and its satellite components onto the GPU.
	// loadProgress may be nil.
	NewContext(params ContextParams, loadProgress LoadProgressFunc) (ModelContext, error)
	// NewUpscaler loads an upscaler model.
	NewUpscaler(path string, threads, tileSize int) (Upscaler, error)
	// Convert rewrites a model file with a different weight quantization.
	Convert(inputPath, outputPath, weightType string) error
	// SupportedWeightTypes enumerates quantization types the linked library
	// accepts for loading and conversion.
	SupportedWeightTypes() []string
	// SetLogCallback installs the process-wide log hook.
	SetLogCallback(fn LogFunc)
	// PhysicalCores reports detected physical CPU cores, used when the
	// caller does not pin a thread count.
	PhysicalCores() int
}
