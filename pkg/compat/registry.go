// Package compat implements the compatibility registry: an append-only log
// of past (model, backend) load outcomes the Model Lifecycle manager
// consults to skip a candidate backend already known to fail for a given
// model, and to quarantine a model after a canary failure.
//
// Grounded on the compatibility references in original_source's admin
// surface (a model that previously failed to load on a backend is not
// retried against that backend without an explicit override) and built on
// pkg/kvstore (Badger), matching the append-only/query-by-scan shape that
// source describes.
package compat

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/opta-lmx/lmx/pkg/kvstore"
	"github.com/opta-lmx/lmx/pkg/schema"
)

// Registry is the compatibility registry's handle.
type Registry struct {
	store *kvstore.Store
}

// New wraps an already-open kvstore.Store.
func New(store *kvstore.Store) *Registry {
	return &Registry{store: store}
}

func latestKey(modelID string, kind schema.BackendKind) []byte {
	return []byte("compat:latest:" + modelID + ":" + string(kind))
}

func histKey(modelID string, kind schema.BackendKind, ts time.Time) []byte {
	return []byte("compat:hist:" + modelID + ":" + string(kind) + ":" + ts.UTC().Format(time.RFC3339Nano))
}

func histPrefix(modelID string) []byte {
	return []byte("compat:hist:" + modelID + ":")
}

// Record appends rec to the history log and updates the (model, backend)
// pair's latest-outcome pointer.
func (r *Registry) Record(rec schema.CompatibilityRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Update(func(txn *badger.Txn) error {
		if err := txn.Set(histKey(rec.ModelID, rec.BackendKind, rec.Timestamp), encoded); err != nil {
			return err
		}
		return txn.Set(latestKey(rec.ModelID, rec.BackendKind), encoded)
	})
}

// Latest returns the most recently recorded outcome for (modelID, kind), if
// any has ever been recorded.
func (r *Registry) Latest(modelID string, kind schema.BackendKind) (*schema.CompatibilityRecord, bool, error) {
	var rec schema.CompatibilityRecord
	found := false
	err := r.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(modelID, kind))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// KnownIncompatible reports whether (modelID, kind)'s most recent outcome is
// a known failure — the signal Load uses to skip a candidate early unless
// allow_unsupported_runtime overrides it.
func (r *Registry) KnownIncompatible(modelID string, kind schema.BackendKind) bool {
	rec, ok, err := r.Latest(modelID, kind)
	if err != nil || !ok {
		return false
	}
	return rec.Outcome == schema.OutcomeFail || rec.Outcome == schema.OutcomeQuarantine
}

// History returns every recorded outcome for modelID across all backend
// kinds, oldest first, for the admin inspection surface.
func (r *Registry) History(modelID string) ([]schema.CompatibilityRecord, error) {
	var out []schema.CompatibilityRecord
	err := r.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = histPrefix(modelID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var rec schema.CompatibilityRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, err
}
