package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadMissingFileIsDefaults(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "user_settings.json"))
	require.NoError(t, s.Load())

	doc := s.Get()
	assert.Empty(t, doc.Generation)
	assert.Nil(t, doc.UI)
}

func TestStoreLoadCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"generation": `), 0o644))

	s := NewStore(path)
	assert.Error(t, s.Load())
}

func TestStoreUpdateGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_settings.json")
	s := NewStore(path)

	require.NoError(t, s.UpdateGeneration("txt2img", json.RawMessage(`{"steps": 30}`)))
	assert.Error(t, s.UpdateGeneration("dreambooth", json.RawMessage(`{}`)), "unknown tab is rejected")
	assert.Error(t, s.UpdateGeneration("txt2img", json.RawMessage(`{steps`)), "invalid JSON is rejected")

	doc := s.Get()
	assert.JSONEq(t, `{"steps": 30}`, string(doc.Generation["txt2img"]))

	// Survives a reload from disk.
	s2 := NewStore(path)
	require.NoError(t, s2.Load())
	assert.JSONEq(t, `{"steps": 30}`, string(s2.Get().Generation["txt2img"]))
}

func TestStoreUpdateUI(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "user_settings.json"))

	require.NoError(t, s.UpdateUI(json.RawMessage(`{"theme": "dark"}`)))
	assert.Error(t, s.UpdateUI(json.RawMessage(`theme=dark`)))
	assert.JSONEq(t, `{"theme": "dark"}`, string(s.Get().UI))
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "user_settings.json"))
	require.NoError(t, s.UpdateGeneration("img2img", json.RawMessage(`{"strength": 0.5}`)))

	doc := s.Get()
	doc.Generation["img2img"][0] = 'X'
	assert.JSONEq(t, `{"strength": 0.5}`, string(s.Get().Generation["img2img"]))
}

func TestStoreReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_settings.json")
	s := NewStore(path)
	require.NoError(t, s.UpdateGeneration("txt2img", json.RawMessage(`{"steps": 10}`)))

	require.NoError(t, s.Reset())
	assert.Empty(t, s.Get().Generation)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Resetting an already-reset store is fine.
	require.NoError(t, s.Reset())
}
