// Package kvstore wraps a single embedded Badger database shared by the
// compatibility registry, the run queue, and the skill dispatch queue —
// three append-only or claim-exactly-once stores that all fit Badger's
// transactional key/value model rather than a relational one.
//
// Grounded on the AleutianAI-AleutianFOSS repo's Badger usage pattern:
// options tuned for an embedded single-host store (no sync writes beyond
// what Badger's value-log GC already gives durability-wise), a single
// *badger.DB opened once and handed to every dependent store as a narrow
// `*Store` rather than each package managing its own database file.
package kvstore

import (
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Store is a thin, type-agnostic wrapper around *badger.DB. Callers get a
// transaction via View/Update; key layout and value encoding are each
// dependent package's concern (compat, scheduler, skills each prefix their
// own keyspace so they can safely share one Store/db file).
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) the Badger database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn inside a read-write transaction, retrying once on a
// conflict (badger.ErrConflict) since the queue/registry workloads this
// store serves are read-modify-write over disjoint keys far more often than
// genuinely contended ones.
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if err == badger.ErrConflict {
		err = s.db.Update(fn)
	}
	return err
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// RunGC runs Badger's value-log garbage collection once, reclaiming space
// from overwritten/deleted keys; intended to be called periodically from a
// background ticker by the process composing this store.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// StartGCLoop runs RunGC on interval until stop is closed, ignoring
// badger.ErrNoRewrite (the expected "nothing to collect" result).
func (s *Store) StartGCLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = s.RunGC(0.5)
		}
	}
}
