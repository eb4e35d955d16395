// Package registry indexes model files found under the configured roots and
// serves lookups, filtered listings and on-demand hashing.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ModelKind names a bucket of model files, each with its own root directory.
type ModelKind string

// Model kinds, matching the config's paths section.
const (
	KindCheckpoint ModelKind = "checkpoint"
	KindDiffusion  ModelKind = "diffusion"
	KindVAE        ModelKind = "vae"
	KindLora       ModelKind = "lora"
	KindClip       ModelKind = "clip"
	KindT5         ModelKind = "t5"
	KindEmbedding  ModelKind = "embedding"
	KindControlNet ModelKind = "controlnet"
	KindLLM        ModelKind = "llm"
	KindESRGAN     ModelKind = "esrgan"
	KindTAESD      ModelKind = "taesd"
)

// Kinds lists every model kind in stable order.
func Kinds() []ModelKind {
	return []ModelKind{
		KindCheckpoint, KindDiffusion, KindVAE, KindLora, KindClip, KindT5,
		KindEmbedding, KindControlNet, KindLLM, KindESRGAN, KindTAESD,
	}
}

// ValidKind reports whether s names a known model kind.
func ValidKind(s string) bool {
	for _, k := range Kinds() {
		if string(k) == s {
			return true
		}
	}
	return false
}

// modelExtensions are the file extensions accepted during a scan.
var modelExtensions = map[string]bool{
	".safetensors": true,
	".gguf":        true,
	".ckpt":        true,
	".pt":          true,
	".pth":         true,
}

// Descriptor describes one indexed model file. Descriptors are immutable
// once indexed except for the lazily computed SHA256 field.
type Descriptor struct {
	Name      string    `json:"name"` // path relative to the kind's root
	Path      string    `json:"path"`
	Kind      ModelKind `json:"type"`
	Extension string    `json:"extension"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256,omitempty"`
}

// ErrNotFound is returned when a (kind, name) pair is not in the index.
var ErrNotFound = errors.New("model not found")

// Filter selects a subset of the index for List.
type Filter struct {
	Kind      string // exact bucket; empty selects all
	Extension string // exact match, leading dot optional
	Search    string // case-insensitive substring on Name
}

// Registry is the scan-built model index. A rescan replaces the whole index
// atomically; readers always see a consistent snapshot.
type Registry struct {
	mu     sync.RWMutex
	roots  map[ModelKind]string
	models map[ModelKind][]*Descriptor
}

// New creates a registry over the given per-kind roots. Roots that do not
// exist are tolerated and skipped during scans.
func New(roots map[ModelKind]string) *Registry {
	return &Registry{
		roots:  roots,
		models: make(map[ModelKind][]*Descriptor),
	}
}

// Root returns the configured root directory for a kind ("" if none).
func (r *Registry) Root(kind ModelKind) string {
	return r.roots[kind]
}

// Scan rebuilds the index from disk. O(files); not called on hot paths.
func (r *Registry) Scan() error {
	next := make(map[ModelKind][]*Descriptor, len(r.roots))
	total := 0
	for kind, root := range r.roots {
		if root == "" {
			continue
		}
		if _, err := os.Stat(root); err != nil {
			// Absent roots are silently skipped.
			continue
		}
		var found []*Descriptor
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if !modelExtensions[ext] {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			found = append(found, &Descriptor{
				Name:      filepath.ToSlash(rel),
				Path:      path,
				Kind:      kind,
				Extension: ext,
				SizeBytes: info.Size(),
			})
			return nil
		})
		if err != nil {
			return fmt.Errorf("scanning %s root %s: %w", kind, root, err)
		}
		sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
		next[kind] = found
		total += len(found)
	}

	r.mu.Lock()
	r.models = next
	r.mu.Unlock()

	slog.Info("Model scan complete", "models", total, "roots", len(r.roots))
	return nil
}

// Get looks up a descriptor by kind and relative name. Absence is a normal
// result, reported as ErrNotFound.
func (r *Registry) Get(kind ModelKind, name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.models[kind] {
		if d.Name == name {
			copied := *d
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %q", ErrNotFound, kind, name)
}

// List returns descriptors matching the filter, grouped order preserved.
func (r *Registry) List(f Filter) []*Descriptor {
	ext := strings.ToLower(f.Extension)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	search := strings.ToLower(f.Search)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for _, kind := range Kinds() {
		if f.Kind != "" && f.Kind != string(kind) {
			continue
		}
		for _, d := range r.models[kind] {
			if ext != "" && d.Extension != ext {
				continue
			}
			if search != "" && !strings.Contains(strings.ToLower(d.Name), search) {
				continue
			}
			copied := *d
			out = append(out, &copied)
		}
	}
	return out
}

// Count returns the number of indexed models across all kinds.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.models {
		n += len(list)
	}
	return n
}

// Hash returns the hex SHA-256 of the named model, computing and caching it
// on first use. A file that vanished between scan and hash surfaces as a
// read error.
func (r *Registry) Hash(kind ModelKind, name string) (string, error) {
	r.mu.RLock()
	var target *Descriptor
	for _, d := range r.models[kind] {
		if d.Name == name {
			target = d
			break
		}
	}
	r.mu.RUnlock()

	if target == nil {
		return "", fmt.Errorf("%w: %s %q", ErrNotFound, kind, name)
	}
	if target.SHA256 != "" {
		return target.SHA256, nil
	}

	sum, err := HashFile(target.Path)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	target.SHA256 = sum
	r.mu.Unlock()
	return sum, nil
}

// SetHash records an externally computed digest on the matching descriptor.
// A miss is ignored; the next scan will recompute lazily anyway.
func (r *Registry) SetHash(kind ModelKind, name, sum string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.models[kind] {
		if d.Name == name {
			d.SHA256 = sum
			return
		}
	}
}

// HashFile computes the hex SHA-256 digest of an arbitrary file.
func HashFile(path string) (string, error) {
	return HashFileProgress(path, nil)
}

// HashFileProgress computes the digest while reporting bytes read against
// the file size. Model files run to tens of gigabytes, so callers surface
// this as job progress.
func HashFileProgress(path string, progress func(done, total int64)) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	total := info.Size()

	h := sha256.New()
	buf := make([]byte, 4<<20)
	var done int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("hashing %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
