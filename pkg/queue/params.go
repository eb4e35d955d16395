package queue

import (
	"fmt"
	"strings"

	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/registry"
)

// GenerationParams is the request body for txt2img, img2img and txt2vid.
// Zero-valued numeric fields get handler-side defaults; see applyDefaults.
type GenerationParams struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CFGScale       float64 `json:"cfg_scale,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	SampleMethod   string  `json:"sample_method,omitempty"`
	ScheduleMethod string  `json:"schedule_method,omitempty"`
	Seed           *int64  `json:"seed,omitempty"` // nil or negative: randomized
	BatchCount     int     `json:"batch_count,omitempty"`
	ClipSkip       int     `json:"clip_skip,omitempty"`

	// img2img only.
	Strength  float64 `json:"strength,omitempty"`
	InitImage string  `json:"init_image,omitempty"` // base64-encoded PNG or JPEG

	// txt2vid only.
	VideoFrames int `json:"video_frames,omitempty"`
	FPS         int `json:"fps,omitempty"`
}

// Validate checks a generation request for the given job type. All problems
// are reported at once.
func (p *GenerationParams) Validate(jobType JobType) error {
	var problems []string

	if strings.TrimSpace(p.Prompt) == "" {
		problems = append(problems, "prompt is required")
	}
	if p.Width < 0 || p.Height < 0 {
		problems = append(problems, "width and height must be positive")
	}
	if p.Width%64 != 0 || p.Height%64 != 0 {
		problems = append(problems, "width and height must be multiples of 64")
	}
	if p.Steps < 0 || p.Steps > 150 {
		problems = append(problems, "steps must be between 1 and 150")
	}
	if p.BatchCount < 0 || p.BatchCount > 16 {
		problems = append(problems, "batch_count must be between 1 and 16")
	}
	if p.SampleMethod != "" && !native.ValidSampler(p.SampleMethod) {
		problems = append(problems, fmt.Sprintf(
			"unknown sample_method %q (valid: %s)", p.SampleMethod, strings.Join(native.Samplers(), ", ")))
	}
	if p.ScheduleMethod != "" && !native.ValidScheduler(p.ScheduleMethod) {
		problems = append(problems, fmt.Sprintf(
			"unknown schedule_method %q (valid: %s)", p.ScheduleMethod, strings.Join(native.Schedulers(), ", ")))
	}

	switch jobType {
	case TypeImg2Img:
		if p.InitImage == "" {
			problems = append(problems, "init_image is required for img2img")
		}
		if p.Strength < 0 || p.Strength > 1 {
			problems = append(problems, "strength must be between 0 and 1")
		}
	case TypeTxt2Vid:
		if p.VideoFrames < 0 || p.VideoFrames > 240 {
			problems = append(problems, "video_frames must be between 1 and 240")
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// UpscaleParams is the request body for an upscale job. InputPath is
// relative to the output directory (an earlier job's result) — absolute
// paths are rejected by validation.
type UpscaleParams struct {
	InputPath string `json:"input_path"`
	Factor    int    `json:"factor,omitempty"` // default 4
}

// Validate checks an upscale request.
func (p *UpscaleParams) Validate() error {
	var problems []string
	if p.InputPath == "" {
		problems = append(problems, "input_path is required")
	}
	if strings.HasPrefix(p.InputPath, "/") || strings.Contains(p.InputPath, "..") {
		problems = append(problems, "input_path must be relative to the output directory")
	}
	if p.Factor < 0 || p.Factor > 8 {
		problems = append(problems, "factor must be between 1 and 8")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ConvertParams is the request body for a weight-conversion job.
type ConvertParams struct {
	ModelType  string `json:"model_type"`
	Model      string `json:"model"`
	OutputName string `json:"output_name,omitempty"` // default: <model>-<weight_type>.gguf
	WeightType string `json:"weight_type"`
}

// Validate checks a convert request against the registry layout and the
// engine's accepted quantization types.
func (p *ConvertParams) Validate(supported []string) error {
	var problems []string
	if !registry.ValidKind(p.ModelType) {
		problems = append(problems, fmt.Sprintf("unknown model_type %q", p.ModelType))
	}
	if p.Model == "" {
		problems = append(problems, "model is required")
	}
	ok := false
	for _, w := range supported {
		if w == p.WeightType {
			ok = true
			break
		}
	}
	if !ok {
		problems = append(problems, fmt.Sprintf(
			"unsupported weight_type %q (valid: %s)", p.WeightType, strings.Join(supported, ", ")))
	}
	if strings.Contains(p.OutputName, "..") || strings.HasPrefix(p.OutputName, "/") {
		problems = append(problems, "output_name must be a relative file name")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// DownloadParams is the request body for a model download job.
type DownloadParams struct {
	URL       string `json:"url"`
	ModelType string `json:"model_type"`
	Filename  string `json:"filename,omitempty"` // default: derived from the URL
	Expected  string `json:"expected_sha256,omitempty"`
}

// Validate checks a download request.
func (p *DownloadParams) Validate() error {
	var problems []string
	if p.URL == "" {
		problems = append(problems, "url is required")
	} else if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		problems = append(problems, "url must be http or https")
	}
	if !registry.ValidKind(p.ModelType) {
		problems = append(problems, fmt.Sprintf("unknown model_type %q", p.ModelType))
	}
	if strings.Contains(p.Filename, "..") || strings.HasPrefix(p.Filename, "/") {
		problems = append(problems, "filename must be a relative file name")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// HashParams is the body of a model_hash job. Chained hash jobs get FilePath
// injected by the download handler; direct requests name a registry entry.
type HashParams struct {
	ModelType string `json:"model_type"`
	Model     string `json:"model,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	Expected  string `json:"expected_sha256,omitempty"`
}

// Validate checks a direct hash request (chained ones are built internally).
func (p *HashParams) Validate() error {
	var problems []string
	if !registry.ValidKind(p.ModelType) {
		problems = append(problems, fmt.Sprintf("unknown model_type %q", p.ModelType))
	}
	if p.Model == "" && p.FilePath == "" {
		problems = append(problems, "model is required")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidationError reports every problem with a request body at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}
