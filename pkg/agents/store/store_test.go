package store

import (
	"context"
	stdsql "database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opta-lmx/lmx/pkg/agents"
)

// newTestStore starts a throwaway Postgres container, applies migrations,
// and returns a ready Store. Run with `go test -tags=integration`-style
// environments that have Docker available.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("lmx_agents_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	require.NoError(t, db.PingContext(ctx))

	require.NoError(t, runMigrations(db, Config{Database: "lmx_agents_test"}))

	s := NewFromDB(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRun(id string, status agents.RunStatus) agents.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return agents.Run{
		ID:     id,
		Status: status,
		Request: agents.Request{
			Strategy: agents.StrategyHandoff,
			Input:    "diagnose the outage",
			Roles:    []string{"planner", "coder"},
			Priority: agents.PriorityNormal,
		},
		Steps: []agents.Step{
			{ID: "step-1", Role: "planner", Status: agents.StepStatusCompleted, Output: "plan"},
		},
		TokensUsed: 42,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestUpsertAndGetRunRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := sampleRun("run-1", agents.RunStatusRunning)
	require.NoError(t, s.UpsertRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.Status, got.Status)
	assert.Equal(t, run.Request.Input, got.Request.Input)
	assert.Len(t, got.Steps, 1)
	assert.Equal(t, 42, got.TokensUsed)
}

func TestUpsertRunUpdatesExistingRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := sampleRun("run-2", agents.RunStatusQueued)
	require.NoError(t, s.UpsertRun(ctx, run))

	run.Status = agents.RunStatusCompleted
	run.TokensUsed = 100
	run.UpdatedAt = run.UpdatedAt.Add(time.Minute)
	require.NoError(t, s.UpsertRun(ctx, run))

	got, err := s.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, agents.RunStatusCompleted, got.Status)
	assert.Equal(t, 100, got.TokensUsed)

	all, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetRunReturnsNilForUnknownID(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRun(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteRunRemovesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRun(ctx, sampleRun("run-3", agents.RunStatusFailed)))
	require.NoError(t, s.DeleteRun(ctx, "run-3"))

	got, err := s.GetRun(ctx, "run-3")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListRunsOrdersByMostRecentlyUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := sampleRun("run-older", agents.RunStatusCompleted)
	newer := sampleRun("run-newer", agents.RunStatusCompleted)
	newer.UpdatedAt = older.UpdatedAt.Add(time.Hour)

	require.NoError(t, s.UpsertRun(ctx, older))
	require.NoError(t, s.UpsertRun(ctx, newer))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-newer", runs[0].ID)
	assert.Equal(t, "run-older", runs[1].ID)
}

func TestIdempotencyBindGetAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, ok, err := s.GetIdempotency(ctx, "idem-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.BindIdempotency(ctx, "idem-1", "run-9", "fingerprint-a"))
	runID, fp, ok, err := s.GetIdempotency(ctx, "idem-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-9", runID)
	assert.Equal(t, "fingerprint-a", fp)

	// Rebinding the same key replaces the prior binding.
	require.NoError(t, s.BindIdempotency(ctx, "idem-1", "run-10", "fingerprint-b"))
	runID, fp, ok, err = s.GetIdempotency(ctx, "idem-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-10", runID)
	assert.Equal(t, "fingerprint-b", fp)

	require.NoError(t, s.ClearIdempotency(ctx, "idem-1"))
	_, _, ok, err = s.GetIdempotency(ctx, "idem-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthReportsConnectionStats(t *testing.T) {
	s := newTestStore(t)
	status, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Greater(t, status.MaxOpenConns, 0)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "lmx", Password: "secret",
				Database: "lmx_agents", SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
			},
			wantErr: false,
		},
		{
			name:    "missing password",
			cfg:     Config{Host: "localhost", Port: 5432, User: "lmx", Database: "lmx_agents", MaxOpenConns: 10, MaxIdleConns: 5},
			wantErr: true,
		},
		{
			name:    "idle exceeds open",
			cfg:     Config{Password: "secret", MaxOpenConns: 5, MaxIdleConns: 10},
			wantErr: true,
		},
		{
			name:    "zero max open conns",
			cfg:     Config{Password: "secret", MaxOpenConns: 0},
			wantErr: true,
		},
		{
			name:    "negative idle conns",
			cfg:     Config{Password: "secret", MaxOpenConns: 10, MaxIdleConns: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
