package native

import (
	"errors"
	"fmt"
	"sync"
)

// StubEngine is an in-memory Engine used by tests. It synthesizes flat
// images, drives progress/preview hooks synchronously, and records calls.
type StubEngine struct {
	mu sync.Mutex

	// FailLoad, FailGenerate and FailConvert force the corresponding calls
	// to return an error.
	FailLoad     error
	FailGenerate error
	FailConvert  error

	// ArchitectureLabel is reported by DetectArchitecture and the stub
	// context. Defaults to "SD1".
	ArchitectureLabel string

	// Steps drives how many progress/preview callbacks Generate fires.
	Steps int

	// ConvertedFiles records Convert output paths.
	ConvertedFiles []string

	logFn LogFunc
}

// NewStubEngine returns a stub with two generation steps.
func NewStubEngine() *StubEngine {
	return &StubEngine{Steps: 2}
}

type stubContext struct {
	engine *StubEngine
	arch   string
	closed bool
}

func (e *StubEngine) DetectArchitecture(path string) string {
	if e.ArchitectureLabel != "" {
		return e.ArchitectureLabel
	}
	return "SD1"
}

func (e *StubEngine) NewContext(params ContextParams, loadProgress LoadProgressFunc) (ModelContext, error) {
	if e.FailLoad != nil {
		if e.logFn != nil {
			e.logFn(LogError, e.FailLoad.Error())
		}
		return nil, e.FailLoad
	}
	if params.ModelPath == "" && params.DiffusionModelPath == "" {
		return nil, errors.New("no model path")
	}
	if loadProgress != nil {
		loadProgress(1, 2)
		loadProgress(2, 2)
	}
	arch := e.ArchitectureLabel
	if arch == "" {
		arch = "SD1"
	}
	return &stubContext{engine: e, arch: arch}, nil
}

func (c *stubContext) Architecture() string { return c.arch }

func (c *stubContext) Generate(params GenerateParams, progress ProgressFunc, preview PreviewFunc) ([]Image, error) {
	if c.engine.FailGenerate != nil {
		return nil, c.engine.FailGenerate
	}
	steps := c.engine.Steps
	if params.Steps > 0 {
		steps = params.Steps
	}
	w, h := params.Width, params.Height
	if w == 0 {
		w = 8
	}
	if h == 0 {
		h = 8
	}
	for i := 1; i <= steps; i++ {
		if progress != nil {
			progress(i, steps)
		}
		if preview != nil {
			preview(PreviewFrame{
				Step:       i,
				TotalSteps: steps,
				FrameCount: 1,
				IsNoisy:    i < steps,
				Image:      flatImage(w, h, byte(255*i/steps)),
			})
		}
	}
	count := params.BatchCount
	if count <= 0 {
		count = 1
	}
	out := make([]Image, count)
	for i := range out {
		out[i] = flatImage(w, h, 200)
	}
	return out, nil
}

func (c *stubContext) Close() { c.closed = true }

type stubUpscaler struct{}

func (stubUpscaler) Upscale(img Image, factor int) (Image, error) {
	if factor <= 0 {
		factor = 4
	}
	return flatImage(img.Width*factor, img.Height*factor, 180), nil
}

func (stubUpscaler) Close() {}

func (e *StubEngine) NewUpscaler(path string, threads, tileSize int) (Upscaler, error) {
	if path == "" {
		return nil, errors.New("no upscaler path")
	}
	return stubUpscaler{}, nil
}

func (e *StubEngine) Convert(inputPath, outputPath, weightType string) error {
	if e.FailConvert != nil {
		return e.FailConvert
	}
	if !contains(e.SupportedWeightTypes(), weightType) {
		return fmt.Errorf("unsupported weight type %q", weightType)
	}
	e.mu.Lock()
	e.ConvertedFiles = append(e.ConvertedFiles, outputPath)
	e.mu.Unlock()
	return nil
}

func (e *StubEngine) SupportedWeightTypes() []string {
	return []string{"f32", "f16", "q8_0", "q5_1", "q5_0", "q4_1", "q4_0", "q4_k", "q3_k", "q2_k"}
}

func (e *StubEngine) SetLogCallback(fn LogFunc) { e.logFn = fn }

func (e *StubEngine) PhysicalCores() int { return 4 }

func flatImage(w, h int, v byte) Image {
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = v
	}
	return Image{Width: w, Height: h, Channels: 3, Data: data}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
