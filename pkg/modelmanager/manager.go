// Package modelmanager implements the model download/inventory/delete
// surface behind `/admin/models/download`, `/admin/models` (list), and
// `/admin/models/delete`: a HuggingFace-Hub-cache-shaped local model store,
// with background downloads tracked as DownloadTasks.
//
// Grounded on original_source's manager/model.py (ModelManager): the same
// repo-info dry-run size estimate before downloading, the same cache
// directory layout (models--<org>--<repo>/snapshots/<revision>/<path>)
// HuggingFace's own hub cache uses — scan_cache_dir and delete_revisions
// are reproduced as filesystem scans/removals rather than calling a
// HuggingFace client library, since no such library appears anywhere in
// the retrieved example pack; net/http plus golang.org/x/sync/errgroup
// (already an indirect dependency used elsewhere in the pack) take its
// place, per SPEC_FULL.md's component table.
package modelmanager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/opta-lmx/lmx/pkg/schema"
)

// EventSink receives download lifecycle notifications. Deliberately the
// same shape as pkg/engine.EventSink's download methods so one concrete
// implementation (the event bus) can satisfy both without either package
// importing the other.
type EventSink interface {
	DownloadCompleted(downloadID string, modelID string)
	DownloadFailed(downloadID string, modelID string, reason string)
}

// RepoFile is one file entry from a repository's tree listing.
type RepoFile struct {
	Path      string
	SizeBytes int64
}

// RepoIndex fetches repository file listings from the upstream model
// registry — the seam a real HuggingFace Hub (or private mirror) client
// would sit behind. download.go's httpRepoIndex is the default
// implementation, built on net/http against a configurable base URL so
// tests can substitute a fake without a network dependency.
type RepoIndex interface {
	ListFiles(ctx context.Context, repoID, revision string) ([]RepoFile, error)
	FetchFile(ctx context.Context, repoID, revision, path string) (int64, func() ([]byte, error), error)
}

// download is the Manager's internal tracking record for one in-flight or
// completed DownloadTask; the exported schema.DownloadTask is derived from
// it under mu.
type download struct {
	task   schema.DownloadTask
	cancel context.CancelFunc
}

// Manager owns the local model cache directory and every download task's
// lifecycle.
type Manager struct {
	cacheDir string
	index    RepoIndex
	events   EventSink

	mu        sync.Mutex
	downloads map[string]*download

	confirmOnce   sync.Once
	confirmations *confirmationStore
}

// New constructs a Manager rooted at cacheDir, fetching repo metadata and
// files through index.
func New(cacheDir string, index RepoIndex, events EventSink) *Manager {
	return &Manager{
		cacheDir:  cacheDir,
		index:     index,
		events:    events,
		downloads: map[string]*download{},
	}
}

// NewHTTPIndex builds the default RepoIndex, talking to baseURL over
// net/http (no generated client — just GET requests against a
// HuggingFace-Hub-shaped REST surface: `/api/models/{repoID}/tree/{revision}`
// for listing, `/{repoID}/resolve/{revision}/{path}` for content).
func NewHTTPIndex(baseURL string, client *http.Client) RepoIndex {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpRepoIndex{baseURL: baseURL, client: client}
}

func generateDownloadID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("dl%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// EstimateSize performs a dry-run listing of repoID@revision and sums the
// sizes of files matching allowPatterns (or all files if empty) and not
// matching ignorePatterns, mirroring _estimate_size's glob-filtered sum.
// A listing failure returns (0, err) — StartDownload treats this as
// best-effort and ignores it rather than failing the whole download.
func (m *Manager) EstimateSize(ctx context.Context, repoID, revision string, allowPatterns, ignorePatterns []string) (int64, error) {
	files, err := m.index.ListFiles(ctx, repoID, revision)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		if !matchesPatterns(f.Path, allowPatterns, ignorePatterns) {
			continue
		}
		total += f.SizeBytes
	}
	return total, nil
}

func matchesPatterns(path string, allow, ignore []string) bool {
	for _, pat := range ignore {
		if ok, _ := filepath.Match(pat, path); ok {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for _, pat := range allow {
		if ok, _ := filepath.Match(pat, path); ok {
			return true
		}
	}
	return false
}

// GetDownloadProgress returns a snapshot of downloadID's task, if known.
func (m *Manager) GetDownloadProgress(downloadID string) (*schema.DownloadTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.downloads[downloadID]
	if !ok {
		return nil, false
	}
	task := d.task
	return &task, true
}

// CancelActiveDownloads cancels every download still in the "downloading"
// state, for graceful shutdown — mirrors cancel_active_downloads canceling
// every non-done asyncio task.
func (m *Manager) CancelActiveDownloads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.downloads {
		if d.task.Status == schema.DownloadDownloading {
			d.cancel()
		}
	}
}

func (m *Manager) setTask(id string, mutate func(*schema.DownloadTask)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.downloads[id]
	if !ok {
		return
	}
	mutate(&d.task)
}
