package assistant

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// History is the persisted conversation. The system prompt is never stored;
// it is prepended fresh on every request so prompt changes apply to old
// conversations too.
type History struct {
	mu       sync.Mutex
	path     string
	maxTurns int
	messages []Message
}

// NewHistory creates a history persisting to path, keeping at most maxTurns
// user/assistant exchanges.
func NewHistory(path string, maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &History{path: path, maxTurns: maxTurns}
}

// historyFile is the on-disk layout. Version is bumped if the message shape
// ever changes incompatibly.
type historyFile struct {
	Items   []Message `json:"items"`
	Version int       `json:"version"`
}

const historyVersion = 1

// Load reads the persisted conversation; a missing file is an empty one.
func (h *History) Load() error {
	raw, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading assistant history: %w", err)
	}

	var f historyFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parsing assistant history %s: %w", h.path, err)
	}

	h.mu.Lock()
	h.messages = f.Items
	h.pruneLocked()
	h.mu.Unlock()
	return nil
}

// Messages returns a copy of the conversation.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.messages...)
}

// Append adds messages, prunes to the turn budget and persists.
func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgs...)
	h.pruneLocked()
	h.saveLocked()
}

// Clear wipes the conversation and removes the file.
func (h *History) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing assistant history: %w", err)
	}
	return nil
}

// pruneLocked trims to the last maxTurns exchanges. Tool-result messages at
// the new head are dropped too: a tool message without its triggering
// assistant message is rejected by most endpoints.
func (h *History) pruneLocked() {
	limit := h.maxTurns * 2
	if len(h.messages) <= limit {
		return
	}
	trimmed := h.messages[len(h.messages)-limit:]
	for len(trimmed) > 0 && trimmed[0].Role == RoleTool {
		trimmed = trimmed[1:]
	}
	h.messages = append([]Message(nil), trimmed...)
}

func (h *History) saveLocked() {
	raw, err := json.MarshalIndent(historyFile{Items: h.messages, Version: historyVersion}, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return
	}
	tmp := h.path + ".tmp"
	if os.WriteFile(tmp, raw, 0o644) == nil {
		os.Rename(tmp, h.path)
	}
}
