package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/diffuselab/diffused/pkg/download"
	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/registry"
)

// runUpscale loads a prior output image and runs it through the resident
// ESRGAN context.
func (w *Worker) runUpscale(job *Job) ([]string, error) {
	var p UpscaleParams
	if err := json.Unmarshal(job.Params, &p); err != nil {
		return nil, fmt.Errorf("parsing job params: %w", err)
	}
	if p.Factor == 0 {
		p.Factor = 4
	}

	img, err := loadImageFile(filepath.Join(w.outputDir, filepath.FromSlash(p.InputPath)))
	if err != nil {
		return nil, fmt.Errorf("loading input image: %w", err)
	}

	w.reportProgress(job.ID, 0, 1)
	var result native.Image
	err = w.upscalers.WithUpscaler(func(u native.Upscaler) error {
		var uerr error
		result, uerr = u.Upscale(*img, p.Factor)
		return uerr
	})
	if err != nil {
		return nil, err
	}
	w.reportProgress(job.ID, 1, 1)

	return w.writeOutputs(job, []native.Image{result}, 0)
}

// runConvert rewrites a model file with a different quantization and rescans
// so the result is immediately loadable.
func (w *Worker) runConvert(job *Job) ([]string, error) {
	var p ConvertParams
	if err := json.Unmarshal(job.Params, &p); err != nil {
		return nil, fmt.Errorf("parsing job params: %w", err)
	}

	kind := registry.ModelKind(p.ModelType)
	d, err := w.registry.Get(kind, p.Model)
	if err != nil {
		return nil, err
	}

	outName := p.OutputName
	if outName == "" {
		base := strings.TrimSuffix(p.Model, filepath.Ext(p.Model))
		outName = fmt.Sprintf("%s-%s.gguf", base, p.WeightType)
	}
	outPath := filepath.Join(w.registry.Root(kind), filepath.FromSlash(outName))

	w.reportProgress(job.ID, 0, 1)
	if err := w.engine.Convert(d.Path, outPath, p.WeightType); err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("converting %s to %s: %w", p.Model, p.WeightType, err)
	}
	w.reportProgress(job.ID, 1, 1)

	if err := w.registry.Scan(); err != nil {
		w.logger.Error("Rescan after convert failed", "error", err)
	}
	return []string{filepath.ToSlash(outName)}, nil
}

// runDownload streams the file into the kind's root directory. Progress is
// reported as a percentage when the server sends a length, as raw megabytes
// otherwise.
func (w *Worker) runDownload(job *Job) ([]string, error) {
	var p DownloadParams
	if err := json.Unmarshal(job.Params, &p); err != nil {
		return nil, fmt.Errorf("parsing job params: %w", err)
	}

	kind := registry.ModelKind(p.ModelType)
	root := w.registry.Root(kind)
	if root == "" {
		return nil, fmt.Errorf("no directory configured for model type %q", p.ModelType)
	}

	filename := p.Filename
	if filename == "" {
		filename = download.FilenameFromURL(p.URL)
	}
	if filename == "" {
		return nil, fmt.Errorf("cannot derive a file name from %s; pass filename explicitly", p.URL)
	}

	dest := filepath.Join(root, filepath.FromSlash(filename))
	progress := func(done, total int64) {
		if total > 0 {
			w.reportProgress(job.ID, int(done*100/total), 100)
		} else {
			w.reportProgress(job.ID, int(done>>20), 0)
		}
	}

	if err := w.dl.Download(context.Background(), p.URL, dest, tokenForURL(p.URL), progress); err != nil {
		return nil, err
	}

	if err := w.registry.Scan(); err != nil {
		w.logger.Error("Rescan after download failed", "error", err)
	}
	return []string{filepath.ToSlash(filename)}, nil
}

// tokenForURL picks the auth token for known gated hosts from the
// environment.
func tokenForURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, "civitai.com"):
		return os.Getenv("CIVITAI_API_KEY")
	case strings.HasSuffix(host, "huggingface.co"):
		return os.Getenv("HF_TOKEN")
	}
	return ""
}

// runHash computes the SHA-256 of a model file, records it on the registry
// descriptor and verifies it against the expected digest when one was given.
// The digest is the job's output.
func (w *Worker) runHash(job *Job) ([]string, error) {
	var p HashParams
	if err := json.Unmarshal(job.Params, &p); err != nil {
		return nil, fmt.Errorf("parsing job params: %w", err)
	}

	kind := registry.ModelKind(p.ModelType)
	path := p.FilePath
	if path == "" {
		d, err := w.registry.Get(kind, p.Model)
		if err != nil {
			return nil, err
		}
		path = d.Path
	}

	sum, err := registry.HashFileProgress(path, func(done, total int64) {
		if total > 0 {
			w.reportProgress(job.ID, int(done*100/total), 100)
		}
	})
	if err != nil {
		return nil, err
	}

	if p.Model != "" {
		w.registry.SetHash(kind, p.Model, sum)
	}
	if p.Expected != "" && !strings.EqualFold(p.Expected, sum) {
		return nil, fmt.Errorf("hash mismatch: expected %s, computed %s", p.Expected, sum)
	}
	return []string{sum}, nil
}

// hashPatchFor builds the params of the chained hash job once its download
// has landed, pointing it at the downloaded file by registry name.
func (w *Worker) hashPatchFor(job *Job) (json.RawMessage, error) {
	fresh, err := w.store.Get(job.ID)
	if err != nil {
		return nil, err
	}
	if len(fresh.Outputs) == 0 {
		return nil, fmt.Errorf("download %s recorded no output file", job.ID)
	}

	var dp DownloadParams
	if err := json.Unmarshal(fresh.Params, &dp); err != nil {
		return nil, fmt.Errorf("parsing download params: %w", err)
	}

	return json.Marshal(HashParams{
		ModelType: dp.ModelType,
		Model:     fresh.Outputs[0],
		Expected:  dp.Expected,
	})
}

// loadImageFile reads a PNG or JPEG from disk into the engine's packed
// RGB format.
func loadImageFile(path string) (*native.Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return packRGB(img), nil
}

// packRGB flattens any decoded image into the engine's 8-bit RGB layout.
func packRGB(img image.Image) *native.Image {
	b := img.Bounds()
	out := &native.Image{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Channels: 3,
		Data:     make([]byte, b.Dx()*b.Dy()*3),
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out.Data[i+0] = byte(r >> 8)
			out.Data[i+1] = byte(g >> 8)
			out.Data[i+2] = byte(bl >> 8)
			i += 3
		}
	}
	return out
}
