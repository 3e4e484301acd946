package postgres

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfeed/tickvault/internal/jobs"
)

// ExecutionStore persists execution history in PostgreSQL. Saves run on
// every status transition, so the upsert replaces the full row each time.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore constructs an ExecutionStore backed by the provided pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

var _ jobs.HistoryStore = (*ExecutionStore)(nil)

const (
	executionUpsertSQL = `
INSERT INTO executions (
    id, schedule_id, task_type, priority, status, attempt, max_retries,
    max_duration_ms, options, enqueued_at, started_at, completed_at,
    error, log, result
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14::jsonb, $15::jsonb)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    attempt = EXCLUDED.attempt,
    started_at = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at,
    error = EXCLUDED.error,
    log = EXCLUDED.log,
    result = EXCLUDED.result;
`
	executionListSQL = `
SELECT id, schedule_id, task_type, priority, status, attempt, max_retries,
       max_duration_ms, options, enqueued_at, started_at, completed_at,
       error, log, result
FROM executions
ORDER BY enqueued_at DESC
LIMIT $1;
`
)

// Save implements jobs.HistoryStore.
func (s *ExecutionStore) Save(exec jobs.Execution) error {
	if s.pool == nil {
		return fmt.Errorf("execution store: nil pool")
	}
	options, err := encodeJSON(exec.Options)
	if err != nil {
		return fmt.Errorf("marshal execution options: %w", err)
	}
	logLines, err := json.Marshal(exec.Log)
	if err != nil {
		return fmt.Errorf("marshal execution log: %w", err)
	}
	result, err := json.Marshal(exec.Result)
	if err != nil {
		return fmt.Errorf("marshal execution result: %w", err)
	}
	_, err = s.pool.Exec(context.Background(), executionUpsertSQL,
		exec.ID, exec.ScheduleID, string(exec.TaskType), string(exec.Priority),
		string(exec.Status), exec.Attempt, exec.MaxRetries,
		exec.MaxDuration.Milliseconds(), options,
		exec.EnqueuedAt, exec.StartedAt, exec.CompletedAt,
		exec.Error, logLines, result)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}
	return nil
}

// List implements jobs.HistoryStore; newest first.
func (s *ExecutionStore) List(limit int) ([]jobs.Execution, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("execution store: nil pool")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(), executionListSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []jobs.Execution
	for rows.Next() {
		var (
			exec        jobs.Execution
			taskType    string
			priority    string
			status      string
			durationMS  int64
			optionBytes []byte
			logBytes    []byte
			resultBytes []byte
		)
		err := rows.Scan(&exec.ID, &exec.ScheduleID, &taskType, &priority, &status,
			&exec.Attempt, &exec.MaxRetries, &durationMS, &optionBytes,
			&exec.EnqueuedAt, &exec.StartedAt, &exec.CompletedAt,
			&exec.Error, &logBytes, &resultBytes)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		exec.TaskType = jobs.TaskType(taskType)
		exec.Priority = jobs.Priority(priority)
		exec.Status = jobs.Status(status)
		exec.MaxDuration = time.Duration(durationMS) * time.Millisecond
		options, err := decodeJSON(optionBytes)
		if err != nil {
			return nil, fmt.Errorf("decode execution options: %w", err)
		}
		if len(options) > 0 {
			exec.Options = options
		}
		if len(logBytes) > 0 {
			if err := json.Unmarshal(logBytes, &exec.Log); err != nil {
				return nil, fmt.Errorf("decode execution log: %w", err)
			}
		}
		if len(resultBytes) > 0 {
			if err := json.Unmarshal(resultBytes, &exec.Result); err != nil {
				return nil, fmt.Errorf("decode execution result: %w", err)
			}
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}
