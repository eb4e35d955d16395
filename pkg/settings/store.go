// Package settings persists the UI's per-tab generation defaults and
// interface preferences. The documents are opaque to the server: the UI
// owns their schema, the server only stores and returns them.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Generation tabs accepted by UpdateGeneration.
var generationTabs = map[string]bool{
	"txt2img": true,
	"img2img": true,
	"txt2vid": true,
}

// Document is the stored settings shape.
type Document struct {
	Generation map[string]json.RawMessage `json:"generation"`
	UI         json.RawMessage            `json:"ui,omitempty"`
}

// Store is the settings file with its lock. Every mutation rewrites the
// whole file atomically.
type Store struct {
	mu   sync.Mutex
	path string
	doc  Document
}

// NewStore creates a store persisting to path.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		doc:  Document{Generation: make(map[string]json.RawMessage)},
	}
}

// Load reads the settings file. Missing file means defaults; a corrupt file
// is an error so a typo never silently wipes someone's settings.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading settings: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing settings %s: %w", s.path, err)
	}
	if doc.Generation == nil {
		doc.Generation = make(map[string]json.RawMessage)
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the current document.
func (s *Store) Get() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneLocked()
}

// Generation returns one tab's sub-document; a tab never written is an
// empty object.
func (s *Store) Generation(tab string) (json.RawMessage, error) {
	if !generationTabs[tab] {
		return nil, fmt.Errorf("unknown generation tab %q", tab)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.doc.Generation[tab]
	if !ok {
		return json.RawMessage("{}"), nil
	}
	return append(json.RawMessage(nil), raw...), nil
}

// UI returns the interface preferences sub-document; never written means an
// empty object.
func (s *Store) UI() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.UI == nil {
		return json.RawMessage("{}")
	}
	return append(json.RawMessage(nil), s.doc.UI...)
}

// UpdateGenerationAll replaces every provided tab's sub-document in one
// save. Everything is validated before anything is written.
func (s *Store) UpdateGenerationAll(docs map[string]json.RawMessage) error {
	for tab, raw := range docs {
		if !generationTabs[tab] {
			return fmt.Errorf("unknown generation tab %q", tab)
		}
		if !json.Valid(raw) {
			return fmt.Errorf("settings for %s are not valid JSON", tab)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for tab, raw := range docs {
		s.doc.Generation[tab] = append(json.RawMessage(nil), raw...)
	}
	return s.saveLocked()
}

// UpdateGeneration replaces one tab's sub-document.
func (s *Store) UpdateGeneration(tab string, raw json.RawMessage) error {
	if !generationTabs[tab] {
		return fmt.Errorf("unknown generation tab %q", tab)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("settings for %s are not valid JSON", tab)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Generation[tab] = append(json.RawMessage(nil), raw...)
	return s.saveLocked()
}

// UpdateUI replaces the interface preferences sub-document.
func (s *Store) UpdateUI(raw json.RawMessage) error {
	if !json.Valid(raw) {
		return fmt.Errorf("ui settings are not valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.UI = append(json.RawMessage(nil), raw...)
	return s.saveLocked()
}

// Reset discards everything and removes the file.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc = Document{Generation: make(map[string]json.RawMessage)}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing settings: %w", err)
	}
	return nil
}

func (s *Store) cloneLocked() Document {
	out := Document{Generation: make(map[string]json.RawMessage, len(s.doc.Generation))}
	for k, v := range s.doc.Generation {
		out.Generation[k] = append(json.RawMessage(nil), v...)
	}
	if s.doc.UI != nil {
		out.UI = append(json.RawMessage(nil), s.doc.UI...)
	}
	return out
}

func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing settings: %w", err)
	}
	return nil
}
