package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/opta-lmx/lmx/pkg/compat"
	"github.com/opta-lmx/lmx/pkg/lmxerr"
	"github.com/opta-lmx/lmx/pkg/memory"
	"github.com/opta-lmx/lmx/pkg/schema"
)

// candidateOrder is the fixed attempt order Load walks when no specific
// backend kind is pinned: the primary tensor runtime first, the GGUF
// fallback second.
var candidateOrder = []schema.BackendKind{schema.BackendPrimaryTensor, schema.BackendGGUFFallback}

// Config controls Engine's lifecycle timing and defaults, mirroring
// config.ModelsConfig's fields (kept as a separate struct so this package
// does not import pkg/config directly — a Backend implementation detail
// shouldn't force every caller of pkg/engine to carry config's full option
// tree).
type Config struct {
	LoaderTimeout           time.Duration
	CanaryTimeout           time.Duration
	WarmupOnLoad            bool
	AllowUnsupportedRuntime bool
	DefaultKeepAlive        time.Duration
	PerModelKeepAlive       map[string]time.Duration
	EvictionPollInterval    time.Duration
}

// Engine is the Model Lifecycle manager: it owns the loaded-model registry,
// drives each model through Load's candidate-backend attempt loop, and runs
// the idle-eviction background loop.
type Engine struct {
	cfg Config

	registry *registry
	mem      *memory.Monitor
	compat   *compat.Registry
	factory  BackendFactory
	events   EventSink

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Engine. factory is called once per load attempt per
// candidate backend kind; compatRegistry and mem may be nil in tests.
func New(cfg Config, mem *memory.Monitor, compatRegistry *compat.Registry, factory BackendFactory, events EventSink) *Engine {
	if cfg.LoaderTimeout <= 0 {
		cfg.LoaderTimeout = 2 * time.Minute
	}
	if cfg.CanaryTimeout <= 0 {
		cfg.CanaryTimeout = 10 * time.Second
	}
	if cfg.EvictionPollInterval <= 0 {
		cfg.EvictionPollInterval = 30 * time.Second
	}
	if cfg.PerModelKeepAlive == nil {
		cfg.PerModelKeepAlive = map[string]time.Duration{}
	}
	return &Engine{
		cfg:      cfg,
		registry: newRegistry(),
		mem:      mem,
		compat:   compatRegistry,
		factory:  factory,
		events:   events,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// LoadOptions carries the per-request overrides Load's caller (the admin
// handler, after the download/confirmation flow has already resolved the
// model's files onto local disk) may supply.
type LoadOptions struct {
	Performance             schema.PerformanceProfile
	KeepAlive               *time.Duration
	ConcurrencyCap          *int
	AllowUnsupportedRuntime bool
	RequiredMemoryGB        float64 // 0 disables the pre-flight check (unknown size)
}

// Load brings modelID to the ready state, or returns a classified error.
// Idempotent: a model already ready returns immediately without re-running
// the candidate loop. A model mid-load (another caller's Load is already
// running) blocks on that caller's entry lock and then observes the result,
// rather than starting a second concurrent load attempt.
func (e *Engine) Load(ctx context.Context, modelID string, opts LoadOptions) (*schema.LoadedModel, error) {
	entry := e.registry.getOrCreate(modelID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.loaded != nil && entry.loaded.Readiness == schema.ReadinessReady {
		loaded := *entry.loaded
		return &loaded, nil
	}

	if e.mem != nil && opts.RequiredMemoryGB > 0 {
		snap := e.mem.Latest()
		availableGB := float64(snap.AvailableBytes) / (1 << 30)
		if availableGB < opts.RequiredMemoryGB {
			return nil, lmxerr.New(lmxerr.KindInsufficientMemory, fmt.Sprintf(
				"model requires an estimated %.1f GB but only %.1f GB is available", opts.RequiredMemoryGB, availableGB))
		}
	}

	allowUnsupported := opts.AllowUnsupportedRuntime || e.cfg.AllowUnsupportedRuntime

	entry.loaded = &schema.LoadedModel{ID: modelID, Readiness: schema.ReadinessLoading}

	var lastErr error
	for _, kind := range candidateOrder {
		if e.compat != nil && !allowUnsupported && e.compat.KnownIncompatible(modelID, kind) {
			lastErr = lmxerr.New(lmxerr.KindModelRuntimeIncompat,
				fmt.Sprintf("%s is known-incompatible with %s backend", modelID, kind))
			continue
		}

		loaded, err := e.attemptCandidate(ctx, modelID, kind, opts)
		if err != nil {
			lastErr = err
			if e.compat != nil {
				e.compat.Record(schema.CompatibilityRecord{
					ModelID: modelID, BackendKind: kind,
					Outcome: schema.OutcomeFail, Reason: err.Error(),
				})
			}
			continue
		}

		entry.loaded = &loaded.LoadedModel
		entry.backend = loaded.backendHandle
		if e.compat != nil {
			e.compat.Record(schema.CompatibilityRecord{
				ModelID: modelID, BackendKind: kind, BackendVersion: loaded.BackendVersion,
				Outcome: schema.OutcomePass,
			})
		}
		if e.events != nil {
			e.events.ModelLoaded(modelID, string(kind), loaded.BackendVersion)
		}
		result := *entry.loaded
		return &result, nil
	}

	entry.loaded = nil
	if lastErr == nil {
		lastErr = lmxerr.New(lmxerr.KindModelLoaderCrashed, "no candidate backend could load "+modelID)
	}
	return nil, lastErr
}

// loadedWithHandle is attemptCandidate's return shape: schema.LoadedModel
// plus the live Backend handle, which is not part of the serialized
// registry snapshot schema.LoadedModel itself carries.
type loadedWithHandle struct {
	schema.LoadedModel
	backendHandle Backend
}

// attemptCandidate constructs, canaries, and (non-fatally) warms up a
// single candidate backend under cfg.LoaderTimeout, isolating one
// candidate's failure from the next the way a supervised child-process
// loader would.
func (e *Engine) attemptCandidate(ctx context.Context, modelID string, kind schema.BackendKind, opts LoadOptions) (*loadedWithHandle, error) {
	loadCtx, cancel := context.WithTimeout(ctx, e.cfg.LoaderTimeout)
	defer cancel()

	backend, err := e.factory(loadCtx, modelID, kind, opts.Performance)
	if err != nil {
		return nil, lmxerr.Wrap(lmxerr.KindModelLoaderCrashed, "backend construction failed", err)
	}

	if err := backend.Canary(loadCtx, e.cfg.CanaryTimeout); err != nil {
		_ = backend.Close()
		return nil, lmxerr.Wrap(lmxerr.KindModelRuntimeIncompat, "canary chat failed", err)
	}

	if e.cfg.WarmupOnLoad {
		warmupCtx, warmupCancel := context.WithTimeout(ctx, e.cfg.CanaryTimeout)
		_ = backend.Canary(warmupCtx, e.cfg.CanaryTimeout) // best-effort; failure here is non-fatal
		warmupCancel()
	}

	keepAlive := e.cfg.DefaultKeepAlive
	if d, ok := e.cfg.PerModelKeepAlive[modelID]; ok {
		keepAlive = d
	}
	if opts.KeepAlive != nil {
		keepAlive = *opts.KeepAlive
	}

	now := time.Now()
	result := &loadedWithHandle{
		LoadedModel: schema.LoadedModel{
			ID:             modelID,
			BackendKind:    kind,
			LoadedAt:       now,
			LastUsedAt:     now,
			Performance:    opts.Performance,
			Readiness:      schema.ReadinessReady,
			ConcurrencyCap: opts.ConcurrencyCap,
		},
		backendHandle: backend,
	}
	if keepAlive > 0 {
		result.IdleTimeout = &keepAlive
	}
	return result, nil
}

// Unload blocks until every in-flight reference to modelID's backend
// releases, then closes the backend and removes the registry entry. There
// is no mid-request eviction: a generation already admitted always
// completes against the backend it was admitted against.
func (e *Engine) Unload(modelID string) error {
	entry, ok := e.registry.get(modelID)
	if !ok {
		return lmxerr.New(lmxerr.KindModelNotFound, "model "+modelID+" is not loaded")
	}

	entry.mu.Lock()
	entry.waitDrained()
	backend := entry.backend
	entry.loaded = nil
	entry.backend = nil
	entry.mu.Unlock()

	e.registry.delete(modelID)
	if backend != nil {
		_ = backend.Close()
	}
	if e.events != nil {
		e.events.ModelUnloaded(modelID, "requested")
	}
	return nil
}

// Get returns a snapshot of modelID's registry entry and its live Backend
// handle, incrementing the entry's reference count — callers must call the
// returned release func exactly once when done with the backend.
func (e *Engine) Get(modelID string) (*schema.LoadedModel, Backend, func(), error) {
	entry, ok := e.registry.get(modelID)
	if !ok {
		return nil, nil, nil, lmxerr.New(lmxerr.KindModelNotFound, "model "+modelID+" is not loaded")
	}

	entry.mu.Lock()
	if entry.loaded == nil || entry.loaded.Readiness != schema.ReadinessReady {
		entry.mu.Unlock()
		return nil, nil, nil, lmxerr.New(lmxerr.KindModelNotFound, "model "+modelID+" is not ready")
	}
	loaded := *entry.loaded
	backend := entry.backend
	entry.mu.Unlock()

	entry.acquire()
	return &loaded, backend, entry.release, nil
}

// List returns every currently-registered model's snapshot, for `GET
// /v1/models` and `/admin/status`.
func (e *Engine) List() []schema.LoadedModel {
	return e.registry.list()
}

// StartEvictionLoop runs the idle-eviction background loop until ctx is
// cancelled or Stop is called: every cfg.EvictionPollInterval, any ready
// model whose keep-alive has elapsed since LastUsedAt is unloaded. A
// keep-alive of 0 disables eviction for that model.
func (e *Engine) StartEvictionLoop(ctx context.Context) {
	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(e.cfg.EvictionPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.evictIdle()
			}
		}
	}()
}

// Stop halts the eviction loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) evictIdle() {
	now := time.Now()
	for _, snap := range e.registry.list() {
		if snap.Readiness != schema.ReadinessReady || snap.IdleTimeout == nil || *snap.IdleTimeout <= 0 {
			continue
		}
		if now.Sub(snap.LastUsedAt) > *snap.IdleTimeout {
			_ = e.Unload(snap.ID)
		}
	}
}
