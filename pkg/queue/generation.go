package queue

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/diffuselab/diffused/pkg/events"
	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/preview"
)

// Generation defaults applied when the request leaves a field zero.
const (
	defaultSize     = 512
	defaultSteps    = 20
	defaultCFG      = 7.0
	defaultStrength = 0.75
	defaultFrames   = 16
	defaultFPS      = 8
)

// runGeneration handles txt2img, img2img and txt2vid. Results are written
// as numbered PNGs under <output>/<job_id>/ alongside a config.json that
// captures everything needed to reproduce the job.
func (w *Worker) runGeneration(job *Job) ([]string, error) {
	var p GenerationParams
	if err := json.Unmarshal(job.Params, &p); err != nil {
		return nil, fmt.Errorf("parsing job params: %w", err)
	}
	applyDefaults(&p, job.Type)

	prompt, loras := ExtractLoras(p.Prompt)

	gp := native.GenerateParams{
		Prompt:         prompt,
		NegativePrompt: p.NegativePrompt,
		Width:          p.Width,
		Height:         p.Height,
		Steps:          p.Steps,
		CFGScale:       p.CFGScale,
		Guidance:       p.Guidance,
		SampleMethod:   p.SampleMethod,
		Scheduler:      p.ScheduleMethod,
		Seed:           resolveSeed(p.Seed),
		BatchCount:     p.BatchCount,
		ClipSkip:       p.ClipSkip,
		Loras:          loras,
	}

	switch job.Type {
	case TypeImg2Img:
		init, err := decodeInitImage(p.InitImage)
		if err != nil {
			return nil, fmt.Errorf("decoding init_image: %w", err)
		}
		gp.InitImage = init
		gp.Strength = p.Strength
	case TypeTxt2Vid:
		gp.VideoFrames = p.VideoFrames
		gp.FPS = p.FPS
	}

	progress := func(step, total int) { w.reportProgress(job.ID, step, total) }

	var previewHook native.PreviewFunc
	if pc := w.PreviewSettings(); pc.Enabled && pc.Mode != "none" {
		previewHook = func(frame native.PreviewFrame) {
			snap, err := preview.EncodeFrame(frame, pc.MaxSize, pc.Quality)
			if err != nil {
				return // a bad frame is not worth failing the job over
			}
			w.previews.Set(job.ID, snap)
			w.bus.Broadcast(events.EventJobPreview, map[string]any{
				"job_id":      job.ID,
				"step":        frame.Step,
				"total_steps": frame.TotalSteps,
				"frame_count": frame.FrameCount,
				"width":       snap.Width,
				"height":      snap.Height,
				"is_noisy":    frame.IsNoisy,
				"preview_url": "/jobs/" + job.ID + "/preview",
			})
		}
	}

	var images []native.Image
	err := w.models.WithContext(func(ctx native.ModelContext) error {
		var gerr error
		images, gerr = ctx.Generate(gp, progress, previewHook)
		return gerr
	})
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("engine returned no images")
	}

	return w.writeOutputs(job, images, gp.Seed)
}

func applyDefaults(p *GenerationParams, jobType JobType) {
	if p.Width == 0 {
		p.Width = defaultSize
	}
	if p.Height == 0 {
		p.Height = defaultSize
	}
	if p.Steps == 0 {
		p.Steps = defaultSteps
	}
	if p.CFGScale == 0 {
		p.CFGScale = defaultCFG
	}
	if p.BatchCount == 0 {
		p.BatchCount = 1
	}
	if p.SampleMethod == "" {
		p.SampleMethod = native.Samplers()[0]
	}
	if jobType == TypeImg2Img && p.Strength == 0 {
		p.Strength = defaultStrength
	}
	if jobType == TypeTxt2Vid {
		if p.VideoFrames == 0 {
			p.VideoFrames = defaultFrames
		}
		if p.FPS == 0 {
			p.FPS = defaultFPS
		}
	}
}

// resolveSeed turns an absent or negative seed into a random one, so the
// recorded config.json always replays the exact same result.
func resolveSeed(seed *int64) int64 {
	if seed != nil && *seed >= 0 {
		return *seed
	}
	return rand.Int63()
}

// decodeInitImage turns a base64 PNG/JPEG into the engine's packed format.
func decodeInitImage(b64 string) (*native.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return packRGB(img), nil
}

// jobRecord is the config.json written next to a job's outputs. It carries
// everything the UI needs to reload and replay the job.
type jobRecord struct {
	JobID         string          `json:"job_id"`
	Type          JobType         `json:"type"`
	CreatedAt     int64           `json:"created_at"`
	Seed          int64           `json:"seed"`
	Params        json.RawMessage `json:"params"`
	ModelSettings any             `json:"model_settings"`
	Outputs       []string        `json:"outputs"`
}

// writeOutputs encodes the result frames as PNGs under the job's output
// directory and drops the replay record beside them. Returned paths are
// relative to the output root.
func (w *Worker) writeOutputs(job *Job, images []native.Image, seed int64) ([]string, error) {
	dir := filepath.Join(w.outputDir, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	outputs := make([]string, 0, len(images))
	for i, img := range images {
		rgba, err := preview.ToImage(img)
		if err != nil {
			return nil, fmt.Errorf("converting output %d: %w", i, err)
		}
		name := fmt.Sprintf("%05d.png", i)
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("creating output %s: %w", name, err)
		}
		if err := png.Encode(f, rgba); err != nil {
			f.Close()
			return nil, fmt.Errorf("encoding output %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("writing output %s: %w", name, err)
		}
		outputs = append(outputs, filepath.ToSlash(filepath.Join(job.ID, name)))
	}

	record := jobRecord{
		JobID:         job.ID,
		Type:          job.Type,
		CreatedAt:     job.CreatedAt,
		Seed:          seed,
		Params:        job.Params,
		ModelSettings: job.ModelSettings,
		Outputs:       outputs,
	}
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling job record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o644); err != nil {
		return nil, fmt.Errorf("writing job record: %w", err)
	}
	return outputs, nil
}
