package modelmanager

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opta-lmx/lmx/pkg/lmxerr"
	"github.com/opta-lmx/lmx/pkg/schema"
)

// confirmationTTL is PendingDownloadConfirmation's time-to-live: an
// auto_download=false load request returns a confirmation token the client
// must redeem within this window before it expires.
const confirmationTTL = 10 * time.Minute

// ModelCacheEntry is one entry of ListAvailable, mirroring list_available's
// repo_id/local_path/size_bytes/downloaded_at dict.
type ModelCacheEntry struct {
	RepoID       string
	LocalPath    string
	SizeBytes    int64
	DownloadedAt time.Time
}

// confirmations tracks pending download confirmations, separate from the
// downloads map since a confirmation exists before any download has begun.
type confirmationStore struct {
	mu    sync.Mutex
	byTok map[string]schema.PendingDownloadConfirmation
}

// CreateConfirmation issues a one-shot, TTL-bounded confirmation token for
// downloading modelID, for the `auto_download=false` load-request path.
func (m *Manager) CreateConfirmation(modelID string, estimatedSizeBytes int64) schema.PendingDownloadConfirmation {
	m.confirmOnce.Do(func() { m.confirmations = &confirmationStore{byTok: map[string]schema.PendingDownloadConfirmation{}} })

	token := generateToken()
	conf := schema.PendingDownloadConfirmation{
		Token:              token,
		ModelID:            modelID,
		EstimatedSizeBytes: estimatedSizeBytes,
		CreatedAt:          time.Now(),
	}
	m.confirmations.mu.Lock()
	m.confirmations.byTok[token] = conf
	m.confirmations.mu.Unlock()
	return conf
}

// RedeemConfirmation consumes token, rejecting it if unknown, already
// redeemed, or expired — a token is usable exactly once, matching the
// one-shot semantics load's download-confirmation flow requires.
func (m *Manager) RedeemConfirmation(token string) (*schema.PendingDownloadConfirmation, error) {
	m.confirmOnce.Do(func() { m.confirmations = &confirmationStore{byTok: map[string]schema.PendingDownloadConfirmation{}} })

	m.confirmations.mu.Lock()
	defer m.confirmations.mu.Unlock()

	conf, ok := m.confirmations.byTok[token]
	if !ok {
		return nil, lmxerr.New(lmxerr.KindValidationError, "unknown or already-used confirmation token")
	}
	delete(m.confirmations.byTok, token) // one-shot: redeemed or expired, either way gone

	if conf.Expired(confirmationTTL, time.Now()) {
		return nil, lmxerr.New(lmxerr.KindValidationError, "confirmation token expired")
	}
	return &conf, nil
}

func generateToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}

// IsModelAvailable reports whether repoID has at least one complete snapshot
// in the local cache.
func (m *Manager) IsModelAvailable(repoID string) bool {
	entries, err := m.ListAvailable()
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.RepoID == repoID {
			return true
		}
	}
	return false
}

// ListAvailable scans the cache directory for every models--org--name
// snapshot directory and returns one entry per repo using its most recently
// modified revision's snapshot, mirroring list_available's scan_cache_dir
// based on that library's own repo/revision grouping.
func (m *Manager) ListAvailable() ([]ModelCacheEntry, error) {
	dirEntries, err := os.ReadDir(m.cacheDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []ModelCacheEntry
	for _, de := range dirEntries {
		if !de.IsDir() || !strings.HasPrefix(de.Name(), "models--") {
			continue
		}
		repoID := repoIDFromCacheDirName(de.Name())
		snapshotsDir := filepath.Join(m.cacheDir, de.Name(), "snapshots")
		revisions, err := os.ReadDir(snapshotsDir)
		if err != nil {
			continue // no snapshots directory yet, e.g. a download in progress
		}

		var latest ModelCacheEntry
		for _, rev := range revisions {
			if !rev.IsDir() {
				continue
			}
			revDir := filepath.Join(snapshotsDir, rev.Name())
			size, modTime := dirSizeAndLatestModTime(revDir)
			if modTime.After(latest.DownloadedAt) {
				latest = ModelCacheEntry{RepoID: repoID, LocalPath: revDir, SizeBytes: size, DownloadedAt: modTime}
			}
		}
		if latest.RepoID != "" {
			out = append(out, latest)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RepoID < out[j].RepoID })
	return out, nil
}

// DeleteModel removes every cached revision of repoID and returns the bytes
// freed, mirroring delete_model's delete_revisions(*hashes) call — here a
// direct directory removal, since there is no shared blob store to dedupe
// across revisions without a real hub-cache client.
func (m *Manager) DeleteModel(repoID string) (int64, error) {
	dir := filepath.Join(m.cacheDir, cacheRepoDirName(repoID))
	size, _ := dirSizeAndLatestModTime(dir)
	if size == 0 {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return 0, lmxerr.New(lmxerr.KindModelNotFound, "no cached model "+repoID)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, err
	}
	return size, nil
}

func repoIDFromCacheDirName(name string) string {
	rest := strings.TrimPrefix(name, "models--")
	return strings.ReplaceAll(rest, "--", "/")
}

func dirSizeAndLatestModTime(dir string) (int64, time.Time) {
	var total int64
	var latest time.Time
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return total, latest
}
