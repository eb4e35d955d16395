package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diffuselab/diffused/pkg/config"
	"github.com/diffuselab/diffused/pkg/download"
	"github.com/diffuselab/diffused/pkg/events"
	"github.com/diffuselab/diffused/pkg/modelmgr"
	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/preview"
	"github.com/diffuselab/diffused/pkg/registry"
)

// janitorInterval is how often expired recycle-bin entries are purged.
const janitorInterval = time.Minute

// Worker drains the pending FIFO one job at a time. There is deliberately
// exactly one: the native library owns the GPU and serializes everything
// through the single model context anyway.
type Worker struct {
	store     *Store
	models    *modelmgr.Manager
	upscalers *modelmgr.UpscalerManager
	registry  *registry.Registry
	engine    native.Engine
	ring      *native.ErrorRing
	previews  *preview.Buffer
	dl        *download.Client
	bus       Publisher

	outputDir string

	previewMu  sync.RWMutex
	previewCfg config.PreviewConfig

	logger *slog.Logger

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker wires a worker over the store and the model slots.
func NewWorker(
	store *Store,
	models *modelmgr.Manager,
	upscalers *modelmgr.UpscalerManager,
	reg *registry.Registry,
	engine native.Engine,
	ring *native.ErrorRing,
	previews *preview.Buffer,
	dl *download.Client,
	bus Publisher,
	outputDir string,
	previewCfg config.PreviewConfig,
) *Worker {
	return &Worker{
		store:      store,
		models:     models,
		upscalers:  upscalers,
		registry:   reg,
		engine:     engine,
		ring:       ring,
		previews:   previews,
		dl:         dl,
		bus:        bus,
		outputDir:  outputDir,
		previewCfg: previewCfg,
		logger:     slog.With("component", "worker"),
		stopCh:     make(chan struct{}),
	}
}

// PreviewSettings returns the live preview configuration.
func (w *Worker) PreviewSettings() config.PreviewConfig {
	w.previewMu.RLock()
	defer w.previewMu.RUnlock()
	return w.previewCfg
}

// UpdatePreviewSettings replaces the live preview configuration. Takes
// effect from the next job; the current job keeps the settings it started
// with.
func (w *Worker) UpdatePreviewSettings(cfg config.PreviewConfig) error {
	switch cfg.Mode {
	case "none", "proj", "tae", "vae":
	default:
		return &ValidationError{Problems: []string{
			fmt.Sprintf("unknown preview mode %q (valid: none, proj, tae, vae)", cfg.Mode),
		}}
	}
	if cfg.MaxSize < 0 {
		return &ValidationError{Problems: []string{"max_size must not be negative"}}
	}
	if cfg.Quality < 0 || cfg.Quality > 100 {
		return &ValidationError{Problems: []string{"quality must be between 0 and 100"}}
	}
	w.previewMu.Lock()
	w.previewCfg = cfg
	w.previewMu.Unlock()
	return nil
}

// Start launches the dispatch loop and the recycle-bin janitor.
func (w *Worker) Start() {
	w.wg.Add(2)
	go w.run()
	go w.janitor()
	w.logger.Info("Worker started")
}

// Stop asks the loops to exit and waits up to timeout. A job in the middle
// of a native call cannot be interrupted; if it outlives the timeout the
// goroutine is abandoned and the job is recovered as pending on next start.
func (w *Worker) Stop(timeout time.Duration) {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.stopCh)
		w.store.Wake()
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("Worker stopped")
	case <-time.After(timeout):
		w.logger.Warn("Worker stop timed out; abandoning in-flight job", "timeout", timeout)
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		job, ok := w.store.DequeueNext(&w.stopped)
		if !ok {
			return
		}
		w.process(job)
	}
}

func (w *Worker) janitor() {
	defer w.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.store.PurgeExpired()
		}
	}
}

// process runs one job to completion. Panics in a handler fail the job
// instead of killing the dispatch loop.
func (w *Worker) process(job *Job) {
	log := w.logger.With("job_id", job.ID, "type", job.Type)
	log.Info("Job started")
	start := time.Now()

	// Discard stale engine errors so a failure report only carries lines
	// from this job.
	w.ring.GetAndClear()

	var outputs []string
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job handler panic: %v", r)
			}
		}()
		outputs, err = w.dispatch(job)
	}()

	progress := w.currentProgress(job.ID)
	elapsed := time.Since(start)
	jobDuration.WithLabelValues(string(job.Type)).Observe(elapsed.Seconds())
	w.previews.Clear(job.ID)

	if err != nil {
		msg := err.Error()
		if engineErrs := w.ring.GetAndClear(); engineErrs != "" {
			msg = msg + " (engine: " + engineErrs + ")"
		}
		log.Error("Job failed", "error", msg, "elapsed", elapsed)
		w.store.Fail(job.ID, msg, progress)
		w.afterFailure(job)
		return
	}

	log.Info("Job completed", "outputs", len(outputs), "elapsed", elapsed)
	w.store.Complete(job.ID, outputs, progress)
	w.afterSuccess(job)
}

func (w *Worker) dispatch(job *Job) ([]string, error) {
	switch job.Type {
	case TypeTxt2Img, TypeImg2Img, TypeTxt2Vid:
		return w.runGeneration(job)
	case TypeUpscale:
		return w.runUpscale(job)
	case TypeConvert:
		return w.runConvert(job)
	case TypeModelDownload:
		return w.runDownload(job)
	case TypeModelHash:
		return w.runHash(job)
	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
}

// afterSuccess handles post-completion chaining: a finished download
// enqueues its parked hash job with the file's location.
func (w *Worker) afterSuccess(job *Job) {
	if job.Type != TypeModelDownload || job.LinkedJobID == "" {
		return
	}
	patch, err := w.hashPatchFor(job)
	if err != nil {
		w.logger.Error("Failed to chain hash job", "job_id", job.ID, "error", err)
		w.store.Fail(job.LinkedJobID, "download bookkeeping failed: "+err.Error(), Progress{})
		return
	}
	if err := w.store.Enqueue(job.LinkedJobID, patch); err != nil {
		w.logger.Error("Failed to enqueue hash job", "job_id", job.LinkedJobID, "error", err)
	}
}

// afterFailure fails the parked hash job of a failed download so it does
// not sit pending forever.
func (w *Worker) afterFailure(job *Job) {
	if job.Type != TypeModelDownload || job.LinkedJobID == "" {
		return
	}
	linked, err := w.store.Get(job.LinkedJobID)
	if err != nil || linked.Status != StatusPending {
		return
	}
	w.store.Fail(job.LinkedJobID, "linked download failed", Progress{})
}

func (w *Worker) currentProgress(id string) Progress {
	j, err := w.store.Get(id)
	if err != nil {
		return Progress{}
	}
	return j.Progress
}

// reportProgress is the shared step hook: update the store copy and let the
// bus throttle what actually reaches clients.
func (w *Worker) reportProgress(jobID string, step, total int) {
	w.store.SetProgress(jobID, Progress{Step: step, TotalSteps: total})
	w.bus.Broadcast(events.EventJobProgress, map[string]any{
		"job_id":      jobID,
		"step":        step,
		"total_steps": total,
	})
}
