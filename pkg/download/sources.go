package download

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// FileInfo is one downloadable file of a remote model listing.
type FileInfo struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
}

// ModelInfo is the resolved metadata for a remote model.
type ModelInfo struct {
	Name    string     `json:"name"`
	Type    string     `json:"type,omitempty"`
	Version string     `json:"version,omitempty"`
	Files   []FileInfo `json:"files"`
}

// civitaiVersion mirrors the fields we read from the CivitAI
// model-versions API.
type civitaiVersion struct {
	Name  string `json:"name"`
	Model struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"model"`
	Files []struct {
		Name        string  `json:"name"`
		SizeKB      float64 `json:"sizeKB"`
		DownloadURL string  `json:"downloadUrl"`
		Hashes      struct {
			SHA256 string `json:"SHA256"`
		} `json:"hashes"`
	} `json:"files"`
}

// CivitaiVersion resolves a CivitAI model version id to its file listing.
// The token is optional; CivitAI requires it for some gated models.
func (c *Client) CivitaiVersion(ctx context.Context, versionID, token string) (*ModelInfo, error) {
	u := "https://civitai.com/api/v1/model-versions/" + url.PathEscape(versionID)
	var v civitaiVersion
	if err := c.getJSON(ctx, u, token, &v); err != nil {
		return nil, fmt.Errorf("civitai version %s: %w", versionID, err)
	}

	info := &ModelInfo{
		Name:    v.Model.Name,
		Type:    strings.ToLower(v.Model.Type),
		Version: v.Name,
	}
	for _, f := range v.Files {
		info.Files = append(info.Files, FileInfo{
			Name:      f.Name,
			URL:       f.DownloadURL,
			SizeBytes: int64(f.SizeKB * 1024),
			SHA256:    strings.ToLower(f.Hashes.SHA256),
		})
	}
	return info, nil
}

// civitaiModel mirrors the fields we read from the CivitAI models API.
// Versions are listed newest first.
type civitaiModel struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	ModelVersions []struct {
		Name  string `json:"name"`
		Files []struct {
			Name        string  `json:"name"`
			SizeKB      float64 `json:"sizeKB"`
			DownloadURL string  `json:"downloadUrl"`
			Hashes      struct {
				SHA256 string `json:"SHA256"`
			} `json:"hashes"`
		} `json:"files"`
	} `json:"modelVersions"`
}

// CivitaiModel resolves a CivitAI reference of the form "id" or
// "id:versionID". A bare model id resolves to its newest version; the
// two-part form goes straight to the named version.
func (c *Client) CivitaiModel(ctx context.Context, ref, token string) (*ModelInfo, error) {
	if _, version, ok := strings.Cut(ref, ":"); ok {
		return c.CivitaiVersion(ctx, version, token)
	}

	u := "https://civitai.com/api/v1/models/" + url.PathEscape(ref)
	var m civitaiModel
	if err := c.getJSON(ctx, u, token, &m); err != nil {
		return nil, fmt.Errorf("civitai model %s: %w", ref, err)
	}
	if len(m.ModelVersions) == 0 {
		return nil, fmt.Errorf("civitai model %s: no versions", ref)
	}

	v := m.ModelVersions[0]
	info := &ModelInfo{
		Name:    m.Name,
		Type:    strings.ToLower(m.Type),
		Version: v.Name,
	}
	for _, f := range v.Files {
		info.Files = append(info.Files, FileInfo{
			Name:      f.Name,
			URL:       f.DownloadURL,
			SizeBytes: int64(f.SizeKB * 1024),
			SHA256:    strings.ToLower(f.Hashes.SHA256),
		})
	}
	return info, nil
}

// hfModel mirrors the fields we read from the Hugging Face model API.
type hfModel struct {
	ID       string `json:"id"`
	Siblings []struct {
		Filename string `json:"rfilename"`
	} `json:"siblings"`
}

// HuggingFaceFiles lists the model-weight files of a Hugging Face repo,
// with resolve URLs for the main branch. Non-weight files (readmes, configs)
// are filtered out.
func (c *Client) HuggingFaceFiles(ctx context.Context, repo, token string) (*ModelInfo, error) {
	u := "https://huggingface.co/api/models/" + repo
	var m hfModel
	if err := c.getJSON(ctx, u, token, &m); err != nil {
		return nil, fmt.Errorf("huggingface repo %s: %w", repo, err)
	}

	info := &ModelInfo{Name: m.ID}
	for _, s := range m.Siblings {
		switch {
		case strings.HasSuffix(s.Filename, ".safetensors"),
			strings.HasSuffix(s.Filename, ".gguf"),
			strings.HasSuffix(s.Filename, ".ckpt"),
			strings.HasSuffix(s.Filename, ".pt"),
			strings.HasSuffix(s.Filename, ".pth"):
			info.Files = append(info.Files, FileInfo{
				Name: s.Filename,
				URL:  fmt.Sprintf("https://huggingface.co/%s/resolve/main/%s", repo, s.Filename),
			})
		}
	}
	return info, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.meta.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
