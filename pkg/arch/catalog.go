// Package arch serves the architecture catalog: metadata about known model
// families (required components, sensible defaults) loaded from a JSON file
// that can be edited while the server runs.
package arch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// pollInterval is how often the watcher checks the catalog file's mtime.
const pollInterval = 2 * time.Second

// Architecture is one catalog entry. The component maps go component kind →
// human description and gate model loading; LoadOptions and Defaults are
// opaque to the server, the UI interprets them.
type Architecture struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Aliases            []string          `json:"aliases,omitempty"`
	Description        string            `json:"description,omitempty"`
	RequiredComponents map[string]string `json:"requiredComponents,omitempty"`
	OptionalComponents map[string]string `json:"optionalComponents,omitempty"`
	LoadOptions        json.RawMessage   `json:"loadOptions,omitempty"`
	Defaults           json.RawMessage   `json:"generationDefaults,omitempty"`
}

type catalogFile struct {
	Architectures []Architecture `json:"architectures"`
}

// Catalog is the loaded architecture list with lookup indexes. Reloads
// replace the whole thing atomically.
type Catalog struct {
	path string

	mu    sync.RWMutex
	list  []Architecture
	byKey map[string]int // lowercased id/alias → index into list
	mtime time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a catalog over the given file; call Load before serving.
func New(path string) *Catalog {
	return &Catalog{path: path, stopCh: make(chan struct{})}
}

// Load (re)reads the catalog file. A missing file is an empty catalog.
func (c *Catalog) Load() error {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.replace(nil, time.Time{})
			return nil
		}
		return fmt.Errorf("reading architecture catalog: %w", err)
	}

	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading architecture catalog: %w", err)
	}
	var f catalogFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parsing architecture catalog %s: %w", c.path, err)
	}

	c.replace(f.Architectures, info.ModTime())
	slog.Info("Architecture catalog loaded", "entries", len(f.Architectures))
	return nil
}

func (c *Catalog) replace(list []Architecture, mtime time.Time) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	byKey := make(map[string]int, len(list))
	for i, a := range list {
		byKey[strings.ToLower(a.ID)] = i
		for _, alias := range a.Aliases {
			byKey[strings.ToLower(alias)] = i
		}
	}

	c.mu.Lock()
	c.list = list
	c.byKey = byKey
	c.mtime = mtime
	c.mu.Unlock()
}

// List returns all entries in id order.
func (c *Catalog) List() []Architecture {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Architecture(nil), c.list...)
}

// Lookup finds the entry for a label. Exact id and alias matches win;
// otherwise the first case-insensitive substring match in either direction
// on id, name or alias is returned, so both "flux" → "Flux.1-dev" and
// "flux.safetensors" → "flux" resolve.
func (c *Catalog) Lookup(label string) (Architecture, bool) {
	needle := strings.ToLower(strings.TrimSpace(label))
	if needle == "" {
		return Architecture{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if i, ok := c.byKey[needle]; ok {
		return c.list[i], true
	}
	matches := func(key string) bool {
		key = strings.ToLower(key)
		return key != "" && (strings.Contains(key, needle) || strings.Contains(needle, key))
	}
	for _, a := range c.list {
		if matches(a.ID) || matches(a.Name) {
			return a, true
		}
		for _, alias := range a.Aliases {
			if matches(alias) {
				return a, true
			}
		}
	}
	return Architecture{}, false
}

// RequiredComponents resolves a label to its entry's required component
// map. Unknown labels require nothing.
func (c *Catalog) RequiredComponents(label string) map[string]string {
	a, ok := c.Lookup(label)
	if !ok {
		return nil
	}
	return a.RequiredComponents
}

// StartWatcher polls the file's mtime and reloads on change, so catalog
// edits show up without a restart.
func (c *Catalog) StartWatcher() {
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				info, err := os.Stat(c.path)
				if err != nil {
					continue
				}
				c.mu.RLock()
				changed := !info.ModTime().Equal(c.mtime)
				c.mu.RUnlock()
				if !changed {
					continue
				}
				if err := c.Load(); err != nil {
					slog.Error("Architecture catalog reload failed", "error", err)
				}
			}
		}
	}()
}

// StopWatcher terminates the poll loop. Idempotent.
func (c *Catalog) StopWatcher() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
