// Package postgres provides PostgreSQL-backed stores for schedules and
// execution history. The engine runs on the JSON file stores by default;
// these replace them when a DSN is configured.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfeed/tickvault/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Schedules returns the schedule repository.
func (s *Store) Schedules() *ScheduleStore { return NewScheduleStore(s.Pool()) }

// Executions returns the execution history repository.
func (s *Store) Executions() *ExecutionStore { return NewExecutionStore(s.Pool()) }

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
