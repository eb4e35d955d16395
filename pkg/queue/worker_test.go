package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffuselab/diffused/pkg/config"
	"github.com/diffuselab/diffused/pkg/download"
	"github.com/diffuselab/diffused/pkg/modelmgr"
	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/preview"
	"github.com/diffuselab/diffused/pkg/registry"
)

type workerEnv struct {
	store    *Store
	worker   *Worker
	engine   *native.StubEngine
	registry *registry.Registry
	models   *modelmgr.Manager
	previews *preview.Buffer
	bus      *recordingBus
	outDir   string
	ckptDir  string
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	return newWorkerEnvWith(t, native.NewStubEngine())
}

func newWorkerEnvWith(t *testing.T, engine native.Engine) *workerEnv {
	t.Helper()

	outDir := t.TempDir()
	ckptDir := t.TempDir()
	esrganDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ckptDir, "test-model.safetensors"), []byte("weights"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(esrganDir, "esrgan-x4.pth"), []byte("weights"), 0o644))

	reg := registry.New(map[registry.ModelKind]string{
		registry.KindCheckpoint: ckptDir,
		registry.KindESRGAN:     esrganDir,
	})
	require.NoError(t, reg.Scan())

	bus := &recordingBus{}
	models := modelmgr.New(engine, reg, bus, nil, config.SDDefaults{})
	upscalers := modelmgr.NewUpscaler(engine, reg, bus)
	store := NewStore(filepath.Join(outDir, "queue_state.json"), bus, true, time.Hour)
	ring := native.NewErrorRing()
	previews := preview.NewBuffer()
	dl := download.NewClient(5 * time.Second)

	w := NewWorker(store, models, upscalers, reg, engine, ring, previews, dl, bus,
		outDir, config.PreviewConfig{Enabled: true, Mode: "tae", MaxSize: 64, Quality: 75})

	stub, _ := engine.(*native.StubEngine)
	return &workerEnv{
		store:    store,
		worker:   w,
		engine:   stub,
		registry: reg,
		models:   models,
		previews: previews,
		bus:      bus,
		outDir:   outDir,
		ckptDir:  ckptDir,
	}
}

func (e *workerEnv) loadModel(t *testing.T) {
	t.Helper()
	require.NoError(t, e.models.Load(modelmgr.LoadParams{Model: "test-model.safetensors"}))
}

// runOne dequeues the next job and runs it to a terminal state, returning the
// final record.
func (e *workerEnv) runOne(t *testing.T) *Job {
	t.Helper()
	var stopped atomic.Bool
	job, ok := e.store.DequeueNext(&stopped)
	require.True(t, ok)
	e.worker.process(job)
	final, err := e.store.Get(job.ID)
	require.NoError(t, err)
	return final
}

func TestWorkerTxt2Img(t *testing.T) {
	env := newWorkerEnv(t)
	env.loadModel(t)

	params := mustMarshal(t, GenerationParams{
		Prompt: "a quiet harbor at dawn <lora:film-grain:0.6>",
		Steps:  4,
	})
	job, _ := env.store.Add(TypeTxt2Img, params, env.models.Status().Settings())

	final := env.runOne(t)
	assert.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Outputs, 1)
	assert.Equal(t, job.ID+"/00000.png", final.Outputs[0])
	assert.Equal(t, 4, final.Progress.Step)
	assert.Equal(t, 4, final.Progress.TotalSteps)

	// PNG lands on disk with the requested dimensions.
	f, err := os.Open(filepath.Join(env.outDir, filepath.FromSlash(final.Outputs[0])))
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 512, img.Bounds().Dx())

	// The replay record is written beside the outputs.
	_, err = os.Stat(filepath.Join(env.outDir, job.ID, "config.json"))
	require.NoError(t, err)

	// Preview frames were published during the run and cleared afterwards.
	// The event tells clients where to fetch the frame.
	data, ok := env.bus.last("job_preview")
	require.True(t, ok)
	payload, ok := data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/jobs/"+job.ID+"/preview", payload["preview_url"])
	assert.True(t, env.bus.has("job_progress"))
	_, kept := env.previews.Get(job.ID)
	assert.False(t, kept)
}

func TestWorkerBatchOutputs(t *testing.T) {
	env := newWorkerEnv(t)
	env.loadModel(t)

	env.store.Add(TypeTxt2Img, mustMarshal(t, GenerationParams{
		Prompt:     "three takes",
		Steps:      2,
		BatchCount: 3,
	}), modelmgr.Settings{})

	final := env.runOne(t)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Len(t, final.Outputs, 3)
}

func TestWorkerGenerationFailsWithoutModel(t *testing.T) {
	env := newWorkerEnv(t)

	env.store.Add(TypeTxt2Img, mustMarshal(t, GenerationParams{Prompt: "x", Steps: 1}), modelmgr.Settings{})
	final := env.runOne(t)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "no model loaded")
}

func TestWorkerGenerationEngineFailure(t *testing.T) {
	env := newWorkerEnv(t)
	env.loadModel(t)
	env.engine.FailGenerate = errors.New("sampling diverged")

	env.store.Add(TypeTxt2Img, mustMarshal(t, GenerationParams{Prompt: "x", Steps: 1}), modelmgr.Settings{})
	final := env.runOne(t)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "sampling diverged")
}

func TestWorkerDiscardsStaleEngineErrors(t *testing.T) {
	env := newWorkerEnv(t)

	// A line left over from before this job must not leak into its failure.
	env.worker.ring.Capture("stale line from a previous job")

	env.store.Add(TypeTxt2Img, mustMarshal(t, GenerationParams{Prompt: "x", Steps: 1}), modelmgr.Settings{})
	final := env.runOne(t)
	assert.Equal(t, StatusFailed, final.Status)
	assert.NotContains(t, final.ErrorMessage, "stale line")
}

func TestWorkerUpscale(t *testing.T) {
	env := newWorkerEnv(t)
	require.NoError(t, env.worker.upscalers.Load("esrgan-x4.pth", 0, 0))

	// A prior output to feed in.
	inDir := filepath.Join(env.outDir, "prior")
	require.NoError(t, os.MkdirAll(inDir, 0o755))
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	f, err := os.Create(filepath.Join(inDir, "source.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, src))
	require.NoError(t, f.Close())

	env.store.Add(TypeUpscale, mustMarshal(t, UpscaleParams{
		InputPath: "prior/source.png",
		Factor:    2,
	}), modelmgr.Settings{})

	final := env.runOne(t)
	assert.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.Outputs, 1)

	out, err := os.Open(filepath.Join(env.outDir, filepath.FromSlash(final.Outputs[0])))
	require.NoError(t, err)
	defer out.Close()
	img, err := png.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestWorkerUpscaleWithoutUpscaler(t *testing.T) {
	env := newWorkerEnv(t)

	env.store.Add(TypeUpscale, mustMarshal(t, UpscaleParams{InputPath: "missing.png"}), modelmgr.Settings{})
	final := env.runOne(t)
	assert.Equal(t, StatusFailed, final.Status)
}

func TestWorkerConvert(t *testing.T) {
	env := newWorkerEnv(t)

	env.store.Add(TypeConvert, mustMarshal(t, ConvertParams{
		ModelType:  "checkpoint",
		Model:      "test-model.safetensors",
		WeightType: "q4_0",
	}), modelmgr.Settings{})

	final := env.runOne(t)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, []string{"test-model-q4_0.gguf"}, final.Outputs)
	require.Len(t, env.engine.ConvertedFiles, 1)
	assert.Equal(t, filepath.Join(env.ckptDir, "test-model-q4_0.gguf"), env.engine.ConvertedFiles[0])
}

func TestWorkerConvertUnknownModel(t *testing.T) {
	env := newWorkerEnv(t)

	env.store.Add(TypeConvert, mustMarshal(t, ConvertParams{
		ModelType:  "checkpoint",
		Model:      "nope.safetensors",
		WeightType: "q4_0",
	}), modelmgr.Settings{})

	final := env.runOne(t)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "not found")
}

func TestWorkerDownloadHashChain(t *testing.T) {
	payload := []byte("model weights payload")
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	env := newWorkerEnv(t)
	dl, hash := env.store.AddDownload(
		mustMarshal(t, DownloadParams{
			URL:       srv.URL + "/new-model.safetensors",
			ModelType: "checkpoint",
			Expected:  digest,
		}),
		mustMarshal(t, HashParams{ModelType: "checkpoint", Expected: digest}),
		modelmgr.Settings{},
	)

	// First pass: the download runs and enqueues its companion.
	final := env.runOne(t)
	assert.Equal(t, dl.ID, final.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, []string{"new-model.safetensors"}, final.Outputs)
	raw, err := os.ReadFile(filepath.Join(env.ckptDir, "new-model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, payload, raw)

	// Second pass: the chained hash job verifies the digest.
	final = env.runOne(t)
	assert.Equal(t, hash.ID, final.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, []string{digest}, final.Outputs)

	d, err := env.registry.Get(registry.KindCheckpoint, "new-model.safetensors")
	require.NoError(t, err)
	assert.Equal(t, digest, d.SHA256)
}

func TestWorkerDownloadFailureFailsHash(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	env := newWorkerEnv(t)
	dl, hash := env.store.AddDownload(
		mustMarshal(t, DownloadParams{URL: srv.URL + "/gone.safetensors", ModelType: "checkpoint"}),
		mustMarshal(t, HashParams{ModelType: "checkpoint"}),
		modelmgr.Settings{},
	)

	final := env.runOne(t)
	assert.Equal(t, dl.ID, final.ID)
	assert.Equal(t, StatusFailed, final.Status)

	linked, err := env.store.Get(hash.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, linked.Status)
	assert.Equal(t, "linked download failed", linked.ErrorMessage)
	assert.Equal(t, 0, env.store.QueueLength())
}

func TestWorkerHashMismatch(t *testing.T) {
	env := newWorkerEnv(t)

	env.store.Add(TypeModelHash, mustMarshal(t, HashParams{
		ModelType: "checkpoint",
		Model:     "test-model.safetensors",
		Expected:  strings.Repeat("0", 64),
	}), modelmgr.Settings{})

	final := env.runOne(t)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "hash mismatch")
}

func TestWorkerStartStop(t *testing.T) {
	env := newWorkerEnv(t)
	env.loadModel(t)

	env.worker.Start()
	job, _ := env.store.Add(TypeTxt2Img, mustMarshal(t, GenerationParams{Prompt: "x", Steps: 1}), modelmgr.Settings{})

	deadline := time.After(5 * time.Second)
	for {
		got, err := env.store.Get(job.ID)
		require.NoError(t, err)
		if got.Status == StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never completed (status %s)", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	env.worker.Stop(2 * time.Second)

	// Stop is idempotent.
	env.worker.Stop(time.Second)
}
