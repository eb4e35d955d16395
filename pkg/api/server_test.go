package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffuselab/diffused/pkg/arch"
	"github.com/diffuselab/diffused/pkg/assistant"
	"github.com/diffuselab/diffused/pkg/config"
	"github.com/diffuselab/diffused/pkg/download"
	"github.com/diffuselab/diffused/pkg/modelmgr"
	"github.com/diffuselab/diffused/pkg/native"
	"github.com/diffuselab/diffused/pkg/preview"
	"github.com/diffuselab/diffused/pkg/queue"
	"github.com/diffuselab/diffused/pkg/registry"
	"github.com/diffuselab/diffused/pkg/settings"
	"github.com/diffuselab/diffused/pkg/tools"
)

type nullBus struct{}

func (nullBus) Broadcast(string, any) {}

func newTestServer(t *testing.T) *Server {
	return newTestServerWithUI(t, "")
}

func newTestServerWithUI(t *testing.T, uiDir string) *Server {
	t.Helper()

	ckptDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ckptDir, "base.safetensors"), []byte("weights"), 0o644))

	outDir := t.TempDir()
	cfg := &config.Config{
		Paths: config.PathsConfig{
			Checkpoints: ckptDir,
			Output:      outDir,
			WebUI:       uiDir,
		},
		RecycleBin: config.RecycleBinConfig{Enabled: true, RetentionMinutes: 60},
	}

	reg := registry.New(map[registry.ModelKind]string{registry.KindCheckpoint: ckptDir})
	require.NoError(t, reg.Scan())

	catalogPath := filepath.Join(t.TempDir(), "model_architectures.json")
	require.NoError(t, os.WriteFile(catalogPath,
		[]byte(`{"architectures": [{"id": "sd1", "name": "Stable Diffusion 1.x", "aliases": ["SD1"]}]}`), 0o644))
	catalog := arch.New(catalogPath)
	require.NoError(t, catalog.Load())

	engine := native.NewStubEngine()
	models := modelmgr.New(engine, reg, nullBus{}, catalog, config.SDDefaults{})
	upscalers := modelmgr.NewUpscaler(engine, reg, nullBus{})
	store := queue.NewStore(filepath.Join(t.TempDir(), "queue.json"), nullBus{}, true, time.Hour)
	settingsStore := settings.NewStore(filepath.Join(t.TempDir(), "user_settings.json"))
	require.NoError(t, settingsStore.Load())

	dl := download.NewClient(time.Second)
	previews := preview.NewBuffer()
	// Not started: the handlers only need its settings surface.
	worker := queue.NewWorker(store, models, upscalers, reg, engine,
		native.NewErrorRing(), previews, dl, nullBus{}, outDir,
		config.PreviewConfig{Enabled: true, Mode: "tae", MaxSize: 256, Quality: 75})

	return NewServer(cfg, engine, reg, models, upscalers, store,
		worker, previews, settingsStore, catalog, nil, dl, "test")
}

func doRequest(t *testing.T, s *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.EqualValues(t, 0, body["queue_length"])
	assert.EqualValues(t, 1, body["models_indexed"])
}

func TestOptions(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/options", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.NotEmpty(t, body["samplers"])
	assert.NotEmpty(t, body["schedulers"])
	assert.Contains(t, body["job_types"], "txt2img")
	assert.Contains(t, body["model_types"], "checkpoint")
}

func TestGenerateTxt2Img(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/txt2img", map[string]any{
		"prompt": "a lighthouse at dusk",
		"width":  512,
		"height": 512,
		"steps":  20,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, "pending", body["status"])
	assert.EqualValues(t, 1, body["position"])
}

func TestGenerateValidationError(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/txt2img", map[string]any{
		"prompt": "",
		"width":  513,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode(t, rec)
	errMsg, ok := body["error"].(string)
	require.True(t, ok, "errors use the {\"error\": message} envelope")
	assert.Contains(t, errMsg, "prompt")
}

func TestGenerateMalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/txt2img", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func enqueueJob(t *testing.T, s *Server) string {
	t.Helper()
	rec := doRequest(t, s, http.MethodPost, "/txt2img", map[string]any{"prompt": "x"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	return decode(t, rec)["job_id"].(string)
}

func TestQueueLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := enqueueJob(t, s)

	rec := doRequest(t, s, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)
	assert.EqualValues(t, 1, list["total_count"])

	rec = doRequest(t, s, http.MethodGet, "/queue/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])

	rec = doRequest(t, s, http.MethodPost, "/queue/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode(t, rec)["status"])

	// Cancelling again is rejected: the job is already terminal.
	rec = doRequest(t, s, http.MethodPost, "/queue/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/queue/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["permanent"])

	rec = doRequest(t, s, http.MethodPost, "/queue/"+id+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode(t, rec)["status"])

	rec = doRequest(t, s, http.MethodDelete, "/queue/"+id+"?permanent=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["permanent"])

	rec = doRequest(t, s, http.MethodGet, "/queue/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeletePendingJobCancels(t *testing.T) {
	s := newTestServer(t)
	id := enqueueJob(t, s)

	// DELETE on a still-pending job cancels it instead of binning it.
	rec := doRequest(t, s, http.MethodDelete, "/queue/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, id, body["job_id"])
	assert.Equal(t, "cancelled", body["status"])

	// The job stays visible in the history as cancelled.
	rec = doRequest(t, s, http.MethodGet, "/queue/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode(t, rec)["status"])
}

func TestQueueUnknownJob(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/queue/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueBadFilter(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/queue?status=exploded", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/queue?type=teleport", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueGroupedByDate(t *testing.T) {
	s := newTestServer(t)
	enqueueJob(t, s)

	rec := doRequest(t, s, http.MethodGet, "/queue?group_by=date", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	groups, ok := body["groups"].([]any)
	require.True(t, ok, "body: %s", rec.Body.String())
	require.Len(t, groups, 1)
	assert.Equal(t, "Today", groups[0].(map[string]any)["label"])
}

func TestBulkDelete(t *testing.T) {
	s := newTestServer(t)
	id := enqueueJob(t, s)

	rec := doRequest(t, s, http.MethodDelete, "/queue/jobs", map[string]any{"job_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/queue/jobs",
		map[string]any{"job_ids": []string{id, "ghost"}})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{id}, body["deleted"])
	failed := body["failed"].(map[string]any)
	assert.Contains(t, failed, "ghost")
}

func TestClearEndpoints(t *testing.T) {
	s := newTestServer(t)
	id := enqueueJob(t, s)
	doRequest(t, s, http.MethodPost, "/queue/"+id+"/cancel", nil)

	rec := doRequest(t, s, http.MethodPost, "/queue/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["cleared"])

	rec = doRequest(t, s, http.MethodPost, "/queue/recycle/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["purged"])
}

func TestModelsListAndLoad(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = doRequest(t, s, http.MethodGet, "/models?type=spacecraft", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/models/load", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/models/load",
		map[string]any{"model": "base.safetensors"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["loaded"])

	rec = doRequest(t, s, http.MethodPost, "/models/unload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["loaded"])
}

func TestModelRefresh(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(s.cfg.Paths.Checkpoints, "fresh.safetensors"), []byte("w"), 0o644))

	rec := doRequest(t, s, http.MethodPost, "/models/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])
}

func TestHashModel(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/models/hash",
		map[string]any{"model_type": "checkpoint", "model": "ghost.safetensors"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/models/hash",
		map[string]any{"model_type": "checkpoint", "model": "base.safetensors"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.NotEmpty(t, body["job_id"])
}

func TestHashModelSync(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/models/hash/checkpoint/base.safetensors", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Len(t, body["sha256"], 64)
	assert.Equal(t, "base.safetensors", body["model"])

	rec = doRequest(t, s, http.MethodGet, "/models/hash/checkpoint/ghost.safetensors", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/models/hash/spacecraft/x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadEnqueuesChainedPair(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/models/download", map[string]any{
		"url":        "https://example.com/models/extra.safetensors",
		"model_type": "checkpoint",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.NotEmpty(t, body["job_id"])
	assert.NotEmpty(t, body["hash_job_id"])
	// Only the download is runnable; the hash job waits parked.
	assert.EqualValues(t, 1, body["queue_length"])
}

func TestDownloadRejectsBadURL(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/models/download", map[string]any{
		"url":        "ftp://example.com/model.bin",
		"model_type": "checkpoint",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHuggingFaceInfoRequiresRepo(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/models/huggingface", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "repo_id")
}

func TestUpscalerStatus(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/upscaler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["loaded"])

	rec = doRequest(t, s, http.MethodPost, "/upscaler/load", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPut, "/settings/generation/txt2img",
		map[string]any{"steps": 30, "cfg_scale": 5.5})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	gen := body["generation"].(map[string]any)
	tab := gen["txt2img"].(map[string]any)
	assert.EqualValues(t, 30, tab["steps"])

	// One mode's sub-document is readable on its own.
	rec = doRequest(t, s, http.MethodGet, "/settings/generation/txt2img", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 30, decode(t, rec)["steps"])

	// All modes at once.
	rec = doRequest(t, s, http.MethodGet, "/settings/generation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec), "txt2img")

	rec = doRequest(t, s, http.MethodPut, "/settings/generation", map[string]any{
		"txt2img": map[string]any{"steps": 24},
		"img2img": map[string]any{"denoise": 0.6},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, s, http.MethodPut, "/settings/generation/teleport",
		map[string]any{"x": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPut, "/settings/preferences", map[string]any{"theme": "dark"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/settings/preferences", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dark", decode(t, rec)["theme"])

	rec = doRequest(t, s, http.MethodPost, "/settings/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPreviewEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/jobs/job-1/preview", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.previews.Set("job-1", preview.Snapshot{
		JPEG:       []byte{0xff, 0xd8, 0xff},
		Width:      64,
		Height:     32,
		Step:       3,
		TotalSteps: 20,
		FrameCount: 1,
	})
	rec = doRequest(t, s, http.MethodGet, "/jobs/job-1/preview", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "64", rec.Header().Get("X-Preview-Width"))
	assert.Equal(t, "3", rec.Header().Get("X-Preview-Step"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestArchitectures(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/architectures", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	archs := decode(t, rec)["architectures"].([]any)
	require.Len(t, archs, 1)

	rec = doRequest(t, s, http.MethodGet, "/architectures/SD1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sd1", decode(t, rec)["id"])

	rec = doRequest(t, s, http.MethodGet, "/architectures/warp-drive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssistantDisabled(t *testing.T) {
	s := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/assistant/chat"},
		{http.MethodPost, "/assistant/chat/stream"},
		{http.MethodGet, "/assistant/history"},
		{http.MethodDelete, "/assistant/history"},
		{http.MethodPost, "/assistant/clear"},
		{http.MethodGet, "/assistant/settings"},
		{http.MethodPut, "/assistant/settings"},
		{http.MethodGet, "/assistant/model-info"},
	} {
		rec := doRequest(t, s, tc.method, tc.path, map[string]any{"message": "hi"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "%s %s", tc.method, tc.path)
	}

	// Status reports the disabled state instead of failing.
	rec := doRequest(t, s, http.MethodGet, "/assistant/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])
}

func TestAssistantChatEndpoints(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"All quiet.\"}}]}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer upstream.Close()

	s := newTestServer(t)
	exec := tools.NewExecutor(s.models, s.upscalers, s.store, s.registry, s.catalog)
	s.assistant = assistant.NewService(config.AssistantConfig{
		Enabled: true, Endpoint: upstream.URL, Model: "m",
		MaxHistoryTurns: 10, TimeoutSeconds: 30,
	}, exec, filepath.Join(t.TempDir(), "history.json"))

	// Non-streaming: the whole turn collected into one document.
	rec := doRequest(t, s, http.MethodPost, "/assistant/chat", map[string]any{
		"message": "status?", "context": map[string]any{"tab": "txt2img"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "All quiet.", body["message"])
	assert.NotNil(t, body["actions"])

	// Streaming: SSE frames, ending on a done chunk.
	rec = doRequest(t, s, http.MethodPost, "/assistant/chat/stream", map[string]any{"message": "again"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, rec.Body.String(), `"type":"content"`)
	assert.Contains(t, rec.Body.String(), `"type":"done"`)

	rec = doRequest(t, s, http.MethodPost, "/assistant/chat", map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewSettings(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/preview/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tae", decode(t, rec)["mode"])

	rec = doRequest(t, s, http.MethodPut, "/preview/settings", map[string]any{
		"enabled": true, "mode": "vae", "max_size": 128, "quality": 60,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "vae", body["mode"])
	assert.EqualValues(t, 128, body["max_size"])

	rec = doRequest(t, s, http.MethodGet, "/preview/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vae", decode(t, rec)["mode"])

	rec = doRequest(t, s, http.MethodPut, "/preview/settings", map[string]any{
		"enabled": true, "mode": "hologram",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutputsBrowser(t *testing.T) {
	s := newTestServer(t)
	jobDir := filepath.Join(s.cfg.Paths.Output, "job-1")
	require.NoError(t, os.MkdirAll(jobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "00000.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, "00001.png.part"), []byte("x"), 0o644))

	rec := doRequest(t, s, http.MethodGet, "/output", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].(map[string]any)["is_dir"])

	rec = doRequest(t, s, http.MethodGet, "/output?path=job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries = decode(t, rec)["entries"].([]any)
	require.Len(t, entries, 1, "partial files are hidden")
	assert.Equal(t, "job-1/00000.png", entries[0].(map[string]any)["path"])

	rec = doRequest(t, s, http.MethodGet, "/output/job-1/00000.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png", rec.Body.String())

	rec = doRequest(t, s, http.MethodGet, "/output/job-1/missing.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/output?path=nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUIStaticAndFallback(t *testing.T) {
	uiDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(uiDir, "index.html"), []byte("<html>app</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(uiDir, "app.js"), []byte("console.log(1)"), 0o644))
	s := newTestServerWithUI(t, uiDir)

	rec := doRequest(t, s, http.MethodGet, "/ui", nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/ui/app.js", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())

	// Unknown client-side routes fall back to the SPA entry point.
	rec = doRequest(t, s, http.MethodGet, "/ui/queue/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "app")

	// API 404s stay 404s.
	rec = doRequest(t, s, http.MethodGet, "/queue/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/queue/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "error")
	assert.NotEmpty(t, body["error"])
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

// Sanity check on the status document the event bus shares with /health.
func TestStatusPayloadShape(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		enqueueJob(t, s)
	}
	payload := s.StatusPayload()
	assert.Equal(t, 3, payload["queue_length"])
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), fmt.Sprintf("%q", "pending"))
}
