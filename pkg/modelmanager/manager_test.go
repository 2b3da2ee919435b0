package modelmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/lmx/pkg/schema"
)

// fakeIndex is an in-memory RepoIndex double, so download tests never
// touch the network.
type fakeIndex struct {
	files map[string][]RepoFile // "repo@revision" -> files
	bytes map[string][]byte     // "repo@revision/path" -> content
}

func (f *fakeIndex) ListFiles(ctx context.Context, repoID, revision string) ([]RepoFile, error) {
	return f.files[repoID+"@"+revision], nil
}

func (f *fakeIndex) FetchFile(ctx context.Context, repoID, revision, path string) (int64, func() ([]byte, error), error) {
	body := f.bytes[repoID+"@"+revision+"/"+path]
	return int64(len(body)), func() ([]byte, error) { return body, nil }, nil
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{files: map[string][]RepoFile{}, bytes: map[string][]byte{}}
}

type recordingEvents struct {
	completed []string
	failed    []string
}

func (r *recordingEvents) DownloadCompleted(downloadID, modelID string) {
	r.completed = append(r.completed, downloadID)
}
func (r *recordingEvents) DownloadFailed(downloadID, modelID, reason string) {
	r.failed = append(r.failed, downloadID)
}

func TestStartDownloadCompletesAndListsInCache(t *testing.T) {
	dir := t.TempDir()
	idx := newFakeIndex()
	idx.files["acme/small@main"] = []RepoFile{{Path: "config.json", SizeBytes: 4}, {Path: "weights.bin", SizeBytes: 8}}
	idx.bytes["acme/small@main/config.json"] = []byte("{}")
	idx.bytes["acme/small@main/weights.bin"] = []byte("12345678")

	events := &recordingEvents{}
	m := New(dir, idx, events)

	task, err := m.StartDownload(context.Background(), "acme/small", "main", nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, schema.DownloadDownloading, task.Status)

	require.Eventually(t, func() bool {
		got, ok := m.GetDownloadProgress(task.ID)
		return ok && got.Status == schema.DownloadCompleted
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(events.completed) == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, m.IsModelAvailable("acme/small"))
	entries, err := m.ListAvailable()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "acme/small", entries[0].RepoID)

	freed, err := m.DeleteModel("acme/small")
	require.NoError(t, err)
	assert.Greater(t, freed, int64(0))
	assert.False(t, m.IsModelAvailable("acme/small"))
}

func TestConfirmationTokenIsOneShot(t *testing.T) {
	m := New(t.TempDir(), newFakeIndex(), nil)
	conf := m.CreateConfirmation("acme/small", 1024)

	redeemed, err := m.RedeemConfirmation(conf.Token)
	require.NoError(t, err)
	assert.Equal(t, "acme/small", redeemed.ModelID)

	_, err = m.RedeemConfirmation(conf.Token)
	assert.Error(t, err, "a confirmation token must not be redeemable twice")
}

func TestEstimateSizeRespectsAllowAndIgnorePatterns(t *testing.T) {
	idx := newFakeIndex()
	idx.files["acme/small@main"] = []RepoFile{
		{Path: "model.safetensors", SizeBytes: 100},
		{Path: "model.onnx", SizeBytes: 50},
		{Path: "README.md", SizeBytes: 5},
	}
	m := New(t.TempDir(), idx, nil)

	size, err := m.EstimateSize(context.Background(), "acme/small", "main", []string{"*.safetensors", "*.onnx"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(150), size)
}
