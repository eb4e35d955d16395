// Package download fetches model files over HTTP with progress reporting,
// and resolves download metadata from CivitAI and Hugging Face.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

const userAgent = "diffused/1.0"

// Client wraps the HTTP plumbing. Metadata calls get a bounded timeout;
// file downloads are bounded only by their context, since model files can
// take hours on slow links.
type Client struct {
	http *http.Client
	meta *http.Client
}

// NewClient creates a download client. metaTimeout bounds metadata lookups.
func NewClient(metaTimeout time.Duration) *Client {
	if metaTimeout <= 0 {
		metaTimeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{},
		meta: &http.Client{Timeout: metaTimeout},
	}
}

// FilenameFromURL derives a destination file name from the URL path.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// Download streams the URL into dest, reporting progress as bytes land. The
// file is written to a .part sibling and renamed only on success, so an
// interrupted download never leaves a half file where the registry scans.
func (c *Client) Download(ctx context.Context, rawURL, dest, token string, progress func(done, total int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %s", rawURL, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("creating %s: %w", part, err)
	}

	total := resp.ContentLength
	buf := make([]byte, 1<<20)
	var done int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(part)
				return fmt.Errorf("writing %s: %w", part, werr)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(part)
			return fmt.Errorf("downloading %s: %w", rawURL, rerr)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("closing %s: %w", part, err)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return fmt.Errorf("finalizing %s: %w", dest, err)
	}
	return nil
}
