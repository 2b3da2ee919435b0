package skills

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/lmx/pkg/kvstore"
)

func echoManifest() Manifest {
	entrypoint := "opta.skills.builtin:echo"
	m := Manifest{Name: "echo", Description: "echoes input", Kind: KindEntrypoint, Entrypoint: &entrypoint, SkillID: "skill-echo"}
	return m
}

func newEchoExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	entrypoint := "opta.skills.builtin:echo"
	e := NewExecutor(4)
	e.RegisterEntrypoint(entrypoint, func(_ context.Context, args map[string]any) (any, error) {
		return args["value"], nil
	})
	return e, entrypoint
}

func TestLocalDispatcherPassesThroughToExecutor(t *testing.T) {
	e, _ := newEchoExecutor(t)
	m := echoManifest()
	require.NoError(t, m.Validate())

	d := NewLocalDispatcher(e)
	result, err := d.Execute(context.Background(), &m, map[string]any{"value": "hi"}, false, time.Second)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "hi", result.Output)
	assert.NoError(t, d.Close(context.Background()))
}

func TestQueuedDispatcherMemoryBackendRoundTrips(t *testing.T) {
	e, _ := newEchoExecutor(t)
	m := echoManifest()
	require.NoError(t, m.Validate())

	d, err := NewQueuedDispatcher(e, QueuedDispatcherOptions{WorkerCount: 2, MaxQueueSize: 4})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close(context.Background())

	result, err := d.Execute(context.Background(), &m, map[string]any{"value": "hello"}, false, time.Second)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "hello", result.Output)
}

func TestQueuedDispatcherMemoryBackendReturnsOverloadedError(t *testing.T) {
	entrypoint := "opta.skills.builtin:blockforever"
	m := Manifest{Name: "blockforever", Description: "d", Kind: KindEntrypoint, Entrypoint: &entrypoint, SkillID: "skill-blockforever"}
	require.NoError(t, m.Validate())

	e := NewExecutor(1)
	release := make(chan struct{})
	e.RegisterEntrypoint(entrypoint, func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	})
	defer close(release)

	// Single worker, one queue slot: the worker takes the first call off the
	// queue, a second call fills the slot, and a third overflows.
	d, err := NewQueuedDispatcher(e, QueuedDispatcherOptions{WorkerCount: 1, MaxQueueSize: 1})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close(context.Background())

	go func() {
		_, _ = d.Execute(context.Background(), &m, map[string]any{}, false, time.Second)
	}()
	// Give the worker a chance to dequeue the first call so the channel is
	// empty, then fill it and overflow with a second concurrent call.
	time.Sleep(20 * time.Millisecond)

	fillerDone := make(chan error, 1)
	go func() {
		_, err := d.Execute(context.Background(), &m, map[string]any{}, false, time.Second)
		fillerDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	_, err = d.Execute(context.Background(), &m, map[string]any{}, false, time.Second)
	assert.Error(t, err)
	var overloaded *OverloadedError
	assert.ErrorAs(t, err, &overloaded)
}

func TestQueuedDispatcherExecuteBeforeStartFails(t *testing.T) {
	e, _ := newEchoExecutor(t)
	m := echoManifest()
	require.NoError(t, m.Validate())

	d, err := NewQueuedDispatcher(e, QueuedDispatcherOptions{})
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), &m, map[string]any{"value": "x"}, false, time.Second)
	assert.Error(t, err)
}

func TestQueuedDispatcherBadgerBackendRejectsMissingStore(t *testing.T) {
	e, _ := newEchoExecutor(t)
	_, err := NewQueuedDispatcher(e, QueuedDispatcherOptions{Backend: QueueBackendBadger})
	assert.Error(t, err)
}

func newTestKVStore(t *testing.T) *kvstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := kvstore.Open(filepath.Join(dir, "skills.badger"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestQueuedDispatcherBadgerBackendRoundTrips(t *testing.T) {
	store := newTestKVStore(t)
	e, _ := newEchoExecutor(t)
	m := echoManifest()
	require.NoError(t, m.Validate())

	d, err := NewQueuedDispatcher(e, QueuedDispatcherOptions{
		WorkerCount:  2,
		MaxQueueSize: 4,
		Backend:      QueueBackendBadger,
		Store:        store,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := d.Execute(ctx, &m, map[string]any{"value": "durable"}, false, time.Second)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, "durable", result.Output)
}

func TestQueuedDispatcherBadgerBackendReportsOverload(t *testing.T) {
	store := newTestKVStore(t)
	m := echoManifest()
	require.NoError(t, m.Validate())
	e, entrypoint := newEchoExecutor(t)
	_ = entrypoint

	d, err := NewQueuedDispatcher(e, QueuedDispatcherOptions{
		WorkerCount:  0, // falls back to the default pool size
		MaxQueueSize: 1,
		Backend:      QueueBackendBadger,
		Store:        store,
		PollInterval: time.Hour, // workers never poll during the test, so nothing drains the queue
	})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() { _, _ = d.Execute(ctx, &m, map[string]any{"value": "a"}, false, time.Second) }()
	time.Sleep(20 * time.Millisecond)

	_, err = d.Execute(context.Background(), &m, map[string]any{"value": "b"}, false, time.Second)
	var overloaded *OverloadedError
	assert.ErrorAs(t, err, &overloaded)
}

func TestBadgerSkillQueueRecoversRunningJobsOnConstruction(t *testing.T) {
	store := newTestKVStore(t)
	q := &skillBadgerQueue{store: store}

	require.NoError(t, q.push("job-1", skillJobPayload{Manifest: nil, Arguments: map[string]any{}, TimeoutSec: 1}))
	jobID, _, _, found, err := q.claim()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "job-1", jobID)

	count, err := q.countQueued()
	require.NoError(t, err)
	assert.Equal(t, 0, count, "claimed job should no longer be counted as queued")

	require.NoError(t, q.recoverRunning())

	count, err = q.countQueued()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "recoverRunning should requeue the claimed-but-unacked job")
}

func TestBadgerSkillQueueAckRemovesJob(t *testing.T) {
	store := newTestKVStore(t)
	q := &skillBadgerQueue{store: store}

	require.NoError(t, q.push("job-1", skillJobPayload{Arguments: map[string]any{}}))
	_, _, key, found, err := q.claim()
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, q.ack(key))
	require.NoError(t, q.recoverRunning())

	count, err := q.countQueued()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
