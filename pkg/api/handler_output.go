package api

import (
	"image/jpeg"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/diffuselab/diffused/pkg/preview"
)

// thumbsDir holds cached thumbnails inside the output root. Hidden from
// listings.
const thumbsDir = ".thumbs"

const thumbSize = 120

// outputEntry is one row of the output browser listing.
type outputEntry struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	IsDir      bool   `json:"is_dir"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	ModifiedAt int64  `json:"modified_at"`
}

// resolveOutputPath joins a client-supplied relative path to the output
// root, rejecting anything that escapes it.
func (s *Server) resolveOutputPath(rel string) (string, error) {
	cleaned := path.Clean("/" + rel)
	if strings.Contains(cleaned, "..") {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid path")
	}
	return filepath.Join(s.cfg.Paths.Output, filepath.FromSlash(strings.TrimPrefix(cleaned, "/"))), nil
}

// handleListOutputs handles GET /output?path=: one directory level of the
// output tree, directories first.
func (s *Server) handleListOutputs(c *echo.Context) error {
	dir, err := s.resolveOutputPath(c.QueryParam("path"))
	if err != nil {
		return err
	}

	entries, rerr := os.ReadDir(dir)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return echo.NewHTTPError(http.StatusNotFound, "directory not found")
		}
		return mapServiceError(rerr)
	}

	rel := strings.Trim(c.QueryParam("path"), "/")
	out := make([]outputEntry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if name == thumbsDir || strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		entry := outputEntry{
			Name:       name,
			Path:       path.Join(rel, name),
			IsDir:      e.IsDir(),
			ModifiedAt: info.ModTime().Unix(),
		}
		if !e.IsDir() {
			entry.SizeBytes = info.Size()
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return c.JSON(http.StatusOK, map[string]any{"path": rel, "entries": out})
}

// handleGetOutput handles GET /output/*: serve one output file.
func (s *Server) handleGetOutput(c *echo.Context) error {
	p, err := s.resolveOutputPath(c.Param("*"))
	if err != nil {
		return err
	}
	info, serr := os.Stat(p)
	if serr != nil || info.IsDir() {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	return c.File(p)
}

// handleThumbnail handles GET /thumb/*: a small square-bounded JPEG of an
// output image, cached under .thumbs and regenerated when the source is
// newer than the cache entry.
func (s *Server) handleThumbnail(c *echo.Context) error {
	rel := c.Param("*")
	src, err := s.resolveOutputPath(rel)
	if err != nil {
		return err
	}
	srcInfo, serr := os.Stat(src)
	if serr != nil || srcInfo.IsDir() {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}

	cachePath := filepath.Join(s.cfg.Paths.Output, thumbsDir, filepath.FromSlash(rel)+".jpg")
	if cacheInfo, cerr := os.Stat(cachePath); cerr == nil && cacheInfo.ModTime().After(srcInfo.ModTime()) {
		return c.File(cachePath)
	}

	if err := s.renderThumbnail(src, cachePath); err != nil {
		return mapServiceError(err)
	}
	return c.File(cachePath)
}

func (s *Server) renderThumbnail(src, dest string) error {
	img, err := preview.LoadFile(src)
	if err != nil {
		return err
	}
	small := preview.Scale(img, thumbSize)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, small, &jpeg.Options{Quality: 80}); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
