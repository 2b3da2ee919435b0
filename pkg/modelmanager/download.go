package modelmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opta-lmx/lmx/pkg/schema"
)

const maxConcurrentFileFetches = 4

// StartDownload begins an async download of repoID@revision into the local
// cache, filtered by allowPatterns/ignorePatterns, returning a DownloadTask
// the caller hands back to the client as the `/admin/models/download/{id}`
// progress URL. Mirrors start_download: a dry-run size estimate (ignored,
// with BytesTotal left at 0, on failure) precedes the actual transfer, which runs on a
// detached goroutine rather than blocking the caller.
func (m *Manager) StartDownload(ctx context.Context, repoID, revision string, allowPatterns, ignorePatterns []string, autoLoadOnDone bool) (*schema.DownloadTask, error) {
	if revision == "" {
		revision = "main"
	}
	id := generateDownloadID()

	estimatedBytes, err := m.EstimateSize(ctx, repoID, revision, allowPatterns, ignorePatterns)
	if err != nil {
		estimatedBytes = 0 // best-effort; the error is not reported
	}

	dlCtx, cancel := context.WithCancel(context.Background())
	task := schema.DownloadTask{
		ID:             id,
		RepoID:         repoID,
		Revision:       revision,
		Include:        allowPatterns,
		Exclude:        ignorePatterns,
		Status:         schema.DownloadDownloading,
		BytesTotal:     estimatedBytes,
		StartedAt:      time.Now(),
		AutoLoadOnDone: autoLoadOnDone,
	}

	m.mu.Lock()
	m.downloads[id] = &download{task: task, cancel: cancel}
	m.mu.Unlock()

	go m.runDownload(dlCtx, id, repoID, revision, allowPatterns, ignorePatterns)

	result := task
	return &result, nil
}

// runDownload performs the actual file-by-file transfer with bounded
// concurrency, updating the tracked task's progress fields as each file
// completes, and publishing a completion/failure event at the end —
// mirroring _run_download's snapshot_download-in-a-thread plus progress
// tracker and ServerEvent publish.
func (m *Manager) runDownload(ctx context.Context, id, repoID, revision string, allowPatterns, ignorePatterns []string) {
	files, err := m.index.ListFiles(ctx, repoID, revision)
	if err != nil {
		m.failDownload(id, repoID, err)
		return
	}

	var selected []RepoFile
	for _, f := range files {
		if matchesPatterns(f.Path, allowPatterns, ignorePatterns) {
			selected = append(selected, f)
		}
	}

	m.setTask(id, func(t *schema.DownloadTask) { t.FilesTotal = len(selected) })

	destDir := m.snapshotDir(repoID, revision)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		m.failDownload(id, repoID, err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFileFetches)

	for _, f := range selected {
		f := f
		g.Go(func() error {
			size, fetch, err := m.index.FetchFile(gctx, repoID, revision, f.Path)
			if err != nil {
				return err
			}
			body, err := fetch()
			if err != nil {
				return err
			}
			dest := filepath.Join(destDir, filepath.FromSlash(f.Path))
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(dest, body, 0o644); err != nil {
				return err
			}
			m.setTask(id, func(t *schema.DownloadTask) {
				t.FilesDownloaded++
				t.BytesDownloaded += size
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.failDownload(id, repoID, err)
		return
	}

	now := time.Now()
	m.setTask(id, func(t *schema.DownloadTask) {
		t.Status = schema.DownloadCompleted
		t.CompletedAt = &now
	})
	if m.events != nil {
		m.events.DownloadCompleted(id, repoID)
	}
}

func (m *Manager) failDownload(id, modelID string, cause error) {
	m.setTask(id, func(t *schema.DownloadTask) {
		t.Status = schema.DownloadFailed
		t.Error = cause.Error()
	})
	if m.events != nil {
		m.events.DownloadFailed(id, modelID, cause.Error())
	}
}

func (m *Manager) snapshotDir(repoID, revision string) string {
	return filepath.Join(m.cacheDir, cacheRepoDirName(repoID), "snapshots", revision)
}

// cacheRepoDirName renders repoID ("org/name") into HuggingFace Hub's cache
// directory naming convention, "models--org--name".
func cacheRepoDirName(repoID string) string {
	safe := filepath.ToSlash(repoID)
	out := "models"
	for _, part := range splitRepoID(safe) {
		out += "--" + part
	}
	return out
}

func splitRepoID(repoID string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(repoID); i++ {
		if repoID[i] == '/' {
			parts = append(parts, repoID[start:i])
			start = i + 1
		}
	}
	parts = append(parts, repoID[start:])
	return parts
}

// httpRepoIndex is the default RepoIndex, talking to a HuggingFace-Hub-shaped
// REST surface over plain net/http.
type httpRepoIndex struct {
	baseURL string
	client  *http.Client
}

type treeEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Type string `json:"type"` // "file" | "directory"
}

func (h *httpRepoIndex) ListFiles(ctx context.Context, repoID, revision string) ([]RepoFile, error) {
	url := fmt.Sprintf("%s/api/models/%s/tree/%s", h.baseURL, repoID, revision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("repo tree listing failed: %s", resp.Status)
	}

	var entries []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	var files []RepoFile
	for _, e := range entries {
		if e.Type == "file" {
			files = append(files, RepoFile{Path: e.Path, SizeBytes: e.Size})
		}
	}
	return files, nil
}

func (h *httpRepoIndex) FetchFile(ctx context.Context, repoID, revision, path string) (int64, func() ([]byte, error), error) {
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", h.baseURL, repoID, revision, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return 0, nil, fmt.Errorf("fetching %s failed: %s", path, resp.Status)
	}
	size := resp.ContentLength
	read := func() ([]byte, error) {
		defer resp.Body.Close()
		return io.ReadAll(resp.Body)
	}
	return size, read, nil
}
