// Package store is the agent runtime's durable StateStore: a Postgres
// client holding AgentRun rows and idempotency bindings as JSONB payloads.
//
// Grounded on the teacher's pkg/database (NewClient/runMigrations shape:
// pgx-backed database/sql, golang-migrate with embedded migration files,
// connection-pool configuration, PingContext on startup) with the ent ORM
// layer dropped — there is no generated schema for agent runs, so this
// package reads and writes hand-written SQL against two tables instead of
// an ent.Client. It satisfies pkg/agents.StateStore.
package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql

	"github.com/opta-lmx/lmx/pkg/agents"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is a Postgres-backed agents.StateStore.
type Store struct {
	db *stdsql.DB
}

// DB returns the underlying connection pool for health checks.
func (s *Store) DB() *stdsql.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// New opens a connection pool against cfg, runs pending migrations, and
// returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open agent store database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping agent store database: %w", err)
	}

	if err := runMigrations(db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run agent store migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// NewFromDB wraps an already-open, already-migrated *sql.DB (used by
// tests that share a single container across cases).
func NewFromDB(db *stdsql.DB) *Store {
	return &Store{db: db}
}

func runMigrations(db *stdsql.DB, cfg Config) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver; m.Close() would also close the
	// shared *sql.DB via the postgres driver.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// ListRuns returns every persisted run, most recently updated first.
func (s *Store) ListRuns(ctx context.Context) ([]agents.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM agent_runs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer rows.Close()

	var runs []agents.Run
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		var run agents.Run
		if err := json.Unmarshal(payload, &run); err != nil {
			return nil, fmt.Errorf("decode agent run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	return runs, nil
}

// UpsertRun inserts run or replaces the row with the same ID.
func (s *Store) UpsertRun(ctx context.Context, run agents.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode agent run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, status, strategy, submitted_by, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			strategy = EXCLUDED.strategy,
			submitted_by = EXCLUDED.submitted_by,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, run.ID, string(run.Status), string(run.Request.Strategy), run.Request.SubmittedBy, payload, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent run %s: %w", run.ID, err)
	}
	return nil
}

// DeleteRun removes the run with the given ID, if present.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_runs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete agent run %s: %w", id, err)
	}
	return nil
}

// GetRun returns the run with the given ID, or nil if it doesn't exist.
func (s *Store) GetRun(ctx context.Context, id string) (*agents.Run, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM agent_runs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent run %s: %w", id, err)
	}
	var run agents.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("decode agent run %s: %w", id, err)
	}
	return &run, nil
}

// BindIdempotency records that key maps to runID with the given request
// fingerprint, replacing any prior binding for key.
func (s *Store) BindIdempotency(ctx context.Context, key, runID, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_idempotency_keys (key, run_id, fingerprint, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			fingerprint = EXCLUDED.fingerprint,
			created_at = EXCLUDED.created_at
	`, key, runID, fingerprint, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("bind idempotency key %s: %w", key, err)
	}
	return nil
}

// GetIdempotency looks up a previously bound idempotency key.
func (s *Store) GetIdempotency(ctx context.Context, key string) (runID string, fingerprint string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT run_id, fingerprint FROM agent_idempotency_keys WHERE key = $1`, key).
		Scan(&runID, &fingerprint)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("get idempotency key %s: %w", key, err)
	}
	return runID, fingerprint, true, nil
}

// ClearIdempotency removes a stale binding, e.g. one pointing at a run
// that no longer exists.
func (s *Store) ClearIdempotency(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("clear idempotency key %s: %w", key, err)
	}
	return nil
}
