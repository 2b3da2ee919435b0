// Package scheduler implements the Run Scheduler: a bounded priority queue
// over agent run IDs with a pool of workers draining it in priority order
// (interactive < normal < batch, FIFO within a tier).
//
// Grounded on original_source's agents/scheduler.py (RunScheduler), which
// offers both an in-memory asyncio.PriorityQueue and a SQLite-backed
// durable queue selected at construction time; this package keeps that
// two-backend shape but swaps the durable SQLite table for the pack's
// embedded Badger store (pkg/kvstore), matching the teacher's worker-pool
// loop shape (pkg/queue/worker.go: a fixed pool of goroutines pulling from
// a shared source until told to stop).
package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/opta-lmx/lmx/pkg/agents"
	"github.com/opta-lmx/lmx/pkg/kvstore"
)

var priorityOrder = map[agents.Priority]int{
	agents.PriorityInteractive: 0,
	agents.PriorityNormal:      1,
	agents.PriorityBatch:       2,
}

func priorityRank(p agents.Priority) int {
	if rank, ok := priorityOrder[p]; ok {
		return rank
	}
	return priorityOrder[agents.PriorityNormal]
}

// RunQueueFullError reports the queue was at its configured capacity when
// Submit was called.
type RunQueueFullError struct {
	Size, Capacity int
}

func (e *RunQueueFullError) Error() string {
	return fmt.Sprintf("run queue is full (%d/%d)", e.Size, e.Capacity)
}

// Backend selects the scheduler's queue storage.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
)

// Options configures a Scheduler.
type Options struct {
	MaxQueueSize int
	WorkerCount  int
	Backend      Backend
	// Store is required when Backend is BackendBadger; this package's
	// Badger backend shares the same already-open kvstore.Store the
	// compatibility registry and skill dispatch queue use, each under its
	// own key prefix.
	Store        *kvstore.Store
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 128
	}
	if o.WorkerCount <= 0 {
		o.WorkerCount = 2
	}
	if o.Backend == "" {
		o.Backend = BackendMemory
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	return o
}

// Scheduler dispatches queued run IDs to handler, respecting priority
// order, until Stop is called. It satisfies pkg/agents.Scheduler.
type Scheduler struct {
	opts   Options
	mem    *memoryQueue
	badger *badgerQueue
	seq    int64

	mu      sync.Mutex
	running bool
	handler func(ctx context.Context, runID string)
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Scheduler. For BackendBadger, any run left "running" by
// a prior process (an interrupted claim) is rewritten back to "queued"
// before returning, mirroring the teacher's crash-recovery scan.
func New(opts Options) (*Scheduler, error) {
	opts = opts.withDefaults()
	s := &Scheduler{opts: opts}
	switch opts.Backend {
	case BackendMemory:
		s.mem = newMemoryQueue(opts.MaxQueueSize)
	case BackendBadger:
		if opts.Store == nil {
			return nil, errors.New("badger scheduler backend requires a Store")
		}
		s.badger = &badgerQueue{store: opts.Store}
		if err := s.badger.recoverRunning(); err != nil {
			return nil, fmt.Errorf("recovering claimed run-queue rows: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown scheduler backend %q", opts.Backend)
	}
	return s, nil
}

// Start spins up Options.WorkerCount goroutines invoking handler for each
// claimed run ID.
func (s *Scheduler) Start(ctx context.Context, handler func(ctx context.Context, runID string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.handler = handler
	s.running = true
	s.stopCh = make(chan struct{})
	if s.mem != nil {
		s.mem.reopen()
	}
	for i := 0; i < s.opts.WorkerCount; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx)
	}
	return nil
}

// Stop signals every worker to stop and waits for in-flight handlers to
// return. Badger-backed workers stop claiming new work at once; with the
// memory backend, Submit is refused from then on but workers keep popping
// the runs already queued until the queue is empty. A handler is expected to observe its own
// context's cancellation rather than be forcibly interrupted here.
func (s *Scheduler) Stop(context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	if s.mem != nil {
		s.mem.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Submit enqueues runID at priority's tier. Returns *RunQueueFullError if
// the queue is at Options.MaxQueueSize capacity.
func (s *Scheduler) Submit(runID string, priority agents.Priority) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return errors.New("scheduler is not running")
	}
	rank := priorityRank(priority)

	if s.mem != nil {
		sequence := atomic.AddInt64(&s.seq, 1)
		return s.mem.push(queueItem{priority: rank, sequence: sequence, runID: runID})
	}

	queued, err := s.badger.countQueued()
	if err != nil {
		return err
	}
	if queued >= s.opts.MaxQueueSize {
		return &RunQueueFullError{Size: queued, Capacity: s.opts.MaxQueueSize}
	}
	return s.badger.push(rank, runID)
}

// QueueSize reports the number of runs currently queued (not yet claimed).
func (s *Scheduler) QueueSize() (int, error) {
	if s.mem != nil {
		return s.mem.size(), nil
	}
	return s.badger.countQueued()
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.mem != nil {
		s.memoryWorkerLoop(ctx)
		return
	}
	s.badgerWorkerLoop(ctx)
}

func (s *Scheduler) memoryWorkerLoop(ctx context.Context) {
	for {
		item, ok := s.mem.pop()
		if !ok {
			return
		}
		s.dispatch(ctx, item.runID)
	}
}

func (s *Scheduler) badgerWorkerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		runID, key, found, err := s.badger.claim()
		if err != nil || !found {
			continue
		}
		s.dispatch(ctx, runID)
		_ = s.badger.ack(key)
	}
}

// dispatch recovers from a panicking handler so one bad run doesn't take a
// worker goroutine down with it, matching the teacher's catch-log-continue
// worker loop.
func (s *Scheduler) dispatch(ctx context.Context, runID string) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return
	}
	defer func() { _ = recover() }()
	handler(ctx, runID)
}

type queueItem struct {
	priority int
	sequence int64
	runID    string
}

// memoryQueue is a bounded priority queue ordered by (priority, sequence);
// sequence breaks ties FIFO within a priority tier.
type memoryQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []queueItem
	capacity int
	closed   bool
}

func newMemoryQueue(capacity int) *memoryQueue {
	q := &memoryQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *memoryQueue) Len() int { return len(q.items) }

func (q *memoryQueue) Less(i, j int) bool {
	if q.items[i].priority != q.items[j].priority {
		return q.items[i].priority < q.items[j].priority
	}
	return q.items[i].sequence < q.items[j].sequence
}

func (q *memoryQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *memoryQueue) Push(x any) { q.items = append(q.items, x.(queueItem)) }

func (q *memoryQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}

func (q *memoryQueue) push(item queueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("scheduler is not running")
	}
	if len(q.items) >= q.capacity {
		return &RunQueueFullError{Size: len(q.items), Capacity: q.capacity}
	}
	heap.Push(q, item)
	q.notEmpty.Signal()
	return nil
}

// pop blocks until an item is available or the queue is closed.
func (q *memoryQueue) pop() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	return heap.Pop(q).(queueItem), true
}

func (q *memoryQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

func (q *memoryQueue) reopen() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

var queuePrefix = []byte("sched:queue:")

func queueKey(priority int, sequence int64, runID string) []byte {
	return []byte(fmt.Sprintf("sched:queue:%d:%020d:%s", priority, sequence, runID))
}

type queueRecord struct {
	RunID      string     `json:"run_id"`
	Priority   int        `json:"priority"`
	Status     string     `json:"status"` // "queued" | "running"
	EnqueuedAt time.Time  `json:"enqueued_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
}

// badgerQueue persists the run queue in pkg/kvstore's shared Badger
// database under the "sched:queue:" prefix, key-ordered by priority then a
// monotonic sequence so iteration order is claim order.
type badgerQueue struct {
	store *kvstore.Store
	seq   int64
}

func (b *badgerQueue) push(priority int, runID string) error {
	sequence := atomic.AddInt64(&b.seq, 1)
	rec := queueRecord{RunID: runID, Priority: priority, Status: "queued", EnqueuedAt: time.Now()}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := queueKey(priority, sequence, runID)
	return b.store.Update(func(txn *badger.Txn) error {
		return txn.Set(key, encoded)
	})
}

func (b *badgerQueue) countQueued() (int, error) {
	count := 0
	err := b.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(queuePrefix); it.ValidForPrefix(queuePrefix); it.Next() {
			var rec queueRecord
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

// claim atomically finds the lowest-ordered queued entry and marks it
// running, returning its run ID and storage key for a later ack/requeue.
func (b *badgerQueue) claim() (runID string, key []byte, found bool, err error) {
	err = b.store.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(queuePrefix); it.ValidForPrefix(queuePrefix); it.Next() {
			item := it.Item()
			var rec queueRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if rec.Status != "queued" {
				continue
			}
			now := time.Now()
			rec.Status = "running"
			rec.ClaimedAt = &now
			encoded, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			claimedKey := item.KeyCopy(nil)
			if err := txn.Set(claimedKey, encoded); err != nil {
				return err
			}
			runID, key, found = rec.RunID, claimedKey, true
			return nil
		}
		return nil
	})
	return runID, key, found, err
}

func (b *badgerQueue) ack(key []byte) error {
	return b.store.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (b *badgerQueue) requeue(key []byte) error {
	return b.store.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var rec queueRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
			return err
		}
		rec.Status = "queued"
		rec.ClaimedAt = nil
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, encoded)
	})
}

// recoverRunning rewrites every "running" entry back to "queued", the
// Badger-backed equivalent of the teacher's startup table scan for rows an
// interrupted process left claimed but never completed.
func (b *badgerQueue) recoverRunning() error {
	var keys [][]byte
	err := b.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(queuePrefix); it.ValidForPrefix(queuePrefix); it.Next() {
			var rec queueRecord
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
		if err := b.requeue(key); err != nil {
			return err
		}
	}
	return nil
}
