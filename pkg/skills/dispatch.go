// Dispatch implements the two ways a skill call reaches an Executor: direct
// (LocalDispatcher) or queue-backed (QueuedDispatcher, memory or Badger).
//
// Grounded on original_source's skills/dispatch.py (LocalSkillDispatcher,
// QueuedSkillDispatcher) — the SQLite-backed durable path is retargeted to
// the pack's embedded Badger store under pkg/agents/scheduler's claim/ack/
// requeue/recoverRunning shape, since both are "claim exactly once, survive
// a crash mid-claim" queues over the same kvstore.Store.
package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/opta-lmx/lmx/pkg/kvstore"
)

// OverloadedError reports the dispatch queue was saturated at Execute
// time; HTTP callers map this to 429 with RetryAfterSec as a hint.
type OverloadedError struct {
	Size, Capacity int
	RetryAfterSec  int
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("skill dispatch queue is full (%d/%d)", e.Size, e.Capacity)
}

// Dispatcher is the async-call surface the HTTP/MCP layers use; both
// LocalDispatcher and QueuedDispatcher satisfy it.
type Dispatcher interface {
	Execute(ctx context.Context, manifest *Manifest, arguments map[string]any, approved bool, timeout time.Duration) (*ExecutionResult, error)
	Close(ctx context.Context) error
}

// LocalDispatcher runs every call directly against its Executor; Execute
// already bounds concurrency and applies a hard timeout internally, so
// there is no additional queueing here.
type LocalDispatcher struct {
	executor *Executor
}

// NewLocalDispatcher wraps executor for direct dispatch.
func NewLocalDispatcher(executor *Executor) *LocalDispatcher {
	return &LocalDispatcher{executor: executor}
}

func (d *LocalDispatcher) Execute(ctx context.Context, manifest *Manifest, arguments map[string]any, approved bool, timeout time.Duration) (*ExecutionResult, error) {
	return d.executor.Execute(ctx, manifest, arguments, approved, timeout)
}

func (d *LocalDispatcher) Close(context.Context) error { return nil }

// QueueBackend selects QueuedDispatcher's storage.
type QueueBackend string

const (
	QueueBackendMemory QueueBackend = "memory"
	QueueBackendBadger QueueBackend = "badger"
)

type queuedCall struct {
	manifest  *Manifest
	arguments map[string]any
	approved  bool
	timeout   time.Duration
	result    chan queuedOutcome
}

type queuedOutcome struct {
	result *ExecutionResult
	err    error
}

// QueuedDispatcherOptions configures a QueuedDispatcher.
type QueuedDispatcherOptions struct {
	WorkerCount  int
	MaxQueueSize int
	Backend      QueueBackend
	Store        *kvstore.Store // required for QueueBackendBadger
	PollInterval time.Duration
}

func (o QueuedDispatcherOptions) withDefaults() QueuedDispatcherOptions {
	if o.WorkerCount <= 0 {
		o.WorkerCount = 4
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 256
	}
	if o.Backend == "" {
		o.Backend = QueueBackendMemory
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	return o
}

// QueuedDispatcher drains calls through a worker pool, backed either by an
// in-memory channel or a durable Badger queue. Results never outlive the
// process (they're delivered over an in-memory channel/future even for the
// Badger backend, matching the teacher's in-process _sqlite_futures dict
// keyed by job ID) — only the pending-call queue itself survives a crash.
type QueuedDispatcher struct {
	opts     QueuedDispatcherOptions
	executor *Executor

	memQueue chan *queuedCall
	badger   *skillBadgerQueue

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	pending   map[string]chan queuedOutcome
	pendingMu sync.Mutex
}

// NewQueuedDispatcher constructs a QueuedDispatcher over executor.
func NewQueuedDispatcher(executor *Executor, opts QueuedDispatcherOptions) (*QueuedDispatcher, error) {
	opts = opts.withDefaults()
	d := &QueuedDispatcher{opts: opts, executor: executor, pending: make(map[string]chan queuedOutcome)}
	switch opts.Backend {
	case QueueBackendMemory:
		d.memQueue = make(chan *queuedCall, opts.MaxQueueSize)
	case QueueBackendBadger:
		if opts.Store == nil {
			return nil, errors.New("badger dispatch backend requires a Store")
		}
		d.badger = &skillBadgerQueue{store: opts.Store}
		if err := d.badger.recoverRunning(); err != nil {
			return nil, fmt.Errorf("recovering claimed skill-queue rows: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown dispatch backend %q", opts.Backend)
	}
	return d, nil
}

// Start spins up the worker pool.
func (d *QueuedDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	d.started = true
	d.stopCh = make(chan struct{})
	for i := 0; i < d.opts.WorkerCount; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx)
	}
	return nil
}

// Close stops the worker pool, waiting for in-flight calls to finish.
func (d *QueuedDispatcher) Close(context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	close(d.stopCh)
	if d.memQueue != nil {
		close(d.memQueue)
	}
	d.mu.Unlock()
	d.wg.Wait()
	if d.badger != nil {
		return d.badger.recoverRunning()
	}
	return nil
}

// Execute enqueues one call and blocks until a worker resolves it or ctx
// is cancelled.
func (d *QueuedDispatcher) Execute(ctx context.Context, manifest *Manifest, arguments map[string]any, approved bool, timeout time.Duration) (*ExecutionResult, error) {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil, errors.New("queued skill dispatcher is not started")
	}

	if d.memQueue != nil {
		call := &queuedCall{manifest: manifest, arguments: arguments, approved: approved, timeout: timeout, result: make(chan queuedOutcome, 1)}
		select {
		case d.memQueue <- call:
		default:
			return nil, &OverloadedError{Size: len(d.memQueue), Capacity: cap(d.memQueue), RetryAfterSec: 5}
		}
		select {
		case outcome := <-call.result:
			return outcome.result, outcome.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	queued, err := d.badger.countQueued()
	if err != nil {
		return nil, err
	}
	if queued >= d.opts.MaxQueueSize {
		return nil, &OverloadedError{Size: queued, Capacity: d.opts.MaxQueueSize, RetryAfterSec: 5}
	}

	jobID := uuid.New().String()
	payload := skillJobPayload{
		Manifest:   manifest,
		Arguments:  arguments,
		Approved:   approved,
		TimeoutSec: timeout.Seconds(),
	}
	if err := d.badger.push(jobID, payload); err != nil {
		return nil, err
	}

	resultCh := make(chan queuedOutcome, 1)
	d.pendingMu.Lock()
	d.pending[jobID] = resultCh
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, jobID)
		d.pendingMu.Unlock()
	}()

	select {
	case outcome := <-resultCh:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *QueuedDispatcher) workerLoop(ctx context.Context) {
	defer d.wg.Done()
	if d.memQueue != nil {
		d.memoryWorkerLoop(ctx)
		return
	}
	d.badgerWorkerLoop(ctx)
}

func (d *QueuedDispatcher) memoryWorkerLoop(ctx context.Context) {
	for call := range d.memQueue {
		result, err := d.executor.Execute(ctx, call.manifest, call.arguments, call.approved, call.timeout)
		call.result <- queuedOutcome{result: result, err: err}
	}
}

func (d *QueuedDispatcher) badgerWorkerLoop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		jobID, payload, key, found, err := d.badger.claim()
		if err != nil || !found {
			continue
		}
		timeout := time.Duration(payload.TimeoutSec * float64(time.Second))
		result, execErr := d.executor.Execute(ctx, payload.Manifest, payload.Arguments, payload.Approved, timeout)

		d.pendingMu.Lock()
		resultCh, ok := d.pending[jobID]
		d.pendingMu.Unlock()
		if ok {
			resultCh <- queuedOutcome{result: result, err: execErr}
		}
		_ = d.badger.ack(key)
	}
}

type skillJobPayload struct {
	Manifest   *Manifest      `json:"manifest"`
	Arguments  map[string]any `json:"arguments"`
	Approved   bool           `json:"approved"`
	TimeoutSec float64        `json:"timeout_sec"`
}

type skillJobRecord struct {
	JobID      string          `json:"job_id"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"` // "queued" | "running"
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

var skillQueuePrefix = []byte("skills:queue:")

func skillQueueKey(sequence int64, jobID string) []byte {
	return []byte(fmt.Sprintf("skills:queue:%020d:%s", sequence, jobID))
}

// skillBadgerQueue persists pending skill-dispatch jobs under the
// "skills:queue:" prefix of the shared kvstore.Store, claim/ack/requeue
// shaped identically to pkg/agents/scheduler's badgerQueue.
type skillBadgerQueue struct {
	store *kvstore.Store
	seq   int64
}

func (q *skillBadgerQueue) push(jobID string, payload skillJobPayload) error {
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sequence := atomic.AddInt64(&q.seq, 1)
	rec := skillJobRecord{JobID: jobID, Payload: encodedPayload, Status: "queued", EnqueuedAt: time.Now()}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := skillQueueKey(sequence, jobID)
	return q.store.Update(func(txn *badger.Txn) error {
		return txn.Set(key, encoded)
	})
}

func (q *skillBadgerQueue) countQueued() (int, error) {
	count := 0
	err := q.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = skillQueuePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(skillQueuePrefix); it.ValidForPrefix(skillQueuePrefix); it.Next() {
			var rec skillJobRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if rec.Status == "queued" {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (q *skillBadgerQueue) claim() (jobID string, payload skillJobPayload, key []byte, found bool, err error) {
	err = q.store.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = skillQueuePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(skillQueuePrefix); it.ValidForPrefix(skillQueuePrefix); it.Next() {
			item := it.Item()
			var rec skillJobRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if rec.Status != "queued" {
				continue
			}
			rec.Status = "running"
			encoded, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			claimedKey := item.KeyCopy(nil)
			if err := txn.Set(claimedKey, encoded); err != nil {
				return err
			}
			if err := json.Unmarshal(rec.Payload, &payload); err != nil {
				return err
			}
			jobID, key, found = rec.JobID, claimedKey, true
			return nil
		}
		return nil
	})
	return jobID, payload, key, found, err
}

func (q *skillBadgerQueue) ack(key []byte) error {
	return q.store.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (q *skillBadgerQueue) requeue(key []byte) error {
	return q.store.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var rec skillJobRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
			return err
		}
		rec.Status = "queued"
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, encoded)
	})
}

// recoverRunning rewrites every "running" entry back to "queued" —
// results for any in-flight call at crash time are unrecoverable (the
// waiting caller's context is gone too), but the job itself is retried.
func (q *skillBadgerQueue) recoverRunning() error {
	var keys [][]byte
	err := q.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = skillQueuePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(skillQueuePrefix); it.ValidForPrefix(skillQueuePrefix); it.Next() {
			var rec skillJobRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if rec.Status == "running" {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := q.requeue(key); err != nil {
			return err
		}
	}
	return nil
}
