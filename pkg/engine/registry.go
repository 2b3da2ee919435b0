package engine

import (
	"sync"
	"time"

	"github.com/opta-lmx/lmx/pkg/schema"
)

// modelEntry is the registry's per-model lifecycle record. mu serializes
// Load/Unload against each other and against idle eviction for this one
// model; other models' entries are untouched, so a slow load on one model
// never blocks operations on another.
type modelEntry struct {
	mu sync.Mutex

	loaded  *schema.LoadedModel
	backend Backend

	refCount int
	drained  *sync.Cond // signaled when refCount reaches zero, for Unload to wait on
}

func newModelEntry() *modelEntry {
	e := &modelEntry{}
	e.drained = sync.NewCond(&e.mu)
	return e
}

// acquire increments the in-flight reference count; callers must pair every
// acquire with a release, even on error paths.
func (e *modelEntry) acquire() {
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()
}

func (e *modelEntry) release() {
	e.mu.Lock()
	e.refCount--
	if e.refCount == 0 {
		e.drained.Broadcast()
	}
	e.mu.Unlock()
}

// waitDrained blocks until refCount reaches zero. Called with mu already
// held by Unload.
func (e *modelEntry) waitDrained() {
	for e.refCount > 0 {
		e.drained.Wait()
	}
}

// Registry holds every currently-known model entry (loading, warming, ready,
// or quarantined — a model that failed to load keeps its entry with no
// LoadedModel, which list skips and Get reports as not ready). Models are looked up by ID under a coarse read/write lock;
// each entry's own mu protects its own lifecycle transitions, so concurrent
// operations on different models never contend on this lock for long.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*modelEntry
}

func newRegistry() *registry {
	return &registry{entries: map[string]*modelEntry{}}
}

func (r *registry) get(modelID string) (*modelEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[modelID]
	return e, ok
}

// getOrCreate returns the existing entry for modelID, or inserts and returns
// a fresh one. Used by Load so two concurrent Load calls for the same
// unloaded model contend on the same entry's mu instead of racing to create
// two registry rows.
func (r *registry) getOrCreate(modelID string) *modelEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[modelID]
	if !ok {
		e = newModelEntry()
		r.entries[modelID] = e
	}
	return e
}

func (r *registry) delete(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, modelID)
}

// list returns a snapshot of every registry entry's LoadedModel, skipping
// entries that never completed loading.
func (r *registry) list() []schema.LoadedModel {
	r.mu.RLock()
	ids := make([]*modelEntry, 0, len(r.entries))
	for _, e := range r.entries {
		ids = append(ids, e)
	}
	r.mu.RUnlock()

	out := make([]schema.LoadedModel, 0, len(ids))
	for _, e := range ids {
		e.mu.Lock()
		if e.loaded != nil {
			out = append(out, *e.loaded)
		}
		e.mu.Unlock()
	}
	return out
}

// touch bumps LastUsedAt and RequestCount for the idle-eviction clock and
// the admin model-list's request_count field.
func (e *modelEntry) touch() {
	e.mu.Lock()
	if e.loaded != nil {
		e.loaded.LastUsedAt = time.Now()
		e.loaded.RequestCount++
	}
	e.mu.Unlock()
}
