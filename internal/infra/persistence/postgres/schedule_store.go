package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/jobs"
	"github.com/quantfeed/tickvault/internal/schedule"
)

// ScheduleStore persists cron schedules in PostgreSQL. The schedule.Store
// interface carries no context, so calls run against the background context;
// the pool enforces its own connection timeouts.
type ScheduleStore struct {
	pool *pgxpool.Pool
}

// NewScheduleStore constructs a ScheduleStore backed by the provided pgx pool.
func NewScheduleStore(pool *pgxpool.Pool) *ScheduleStore {
	return &ScheduleStore{pool: pool}
}

var _ schedule.Store = (*ScheduleStore)(nil)

const (
	scheduleUpsertSQL = `
INSERT INTO schedules (
    id, name, expression, time_zone, task_type, priority, options, enabled,
    max_duration_ms, max_retries, last_executed_at, next_execution_at,
    execution_count, last_status, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    expression = EXCLUDED.expression,
    time_zone = EXCLUDED.time_zone,
    task_type = EXCLUDED.task_type,
    priority = EXCLUDED.priority,
    options = EXCLUDED.options,
    enabled = EXCLUDED.enabled,
    max_duration_ms = EXCLUDED.max_duration_ms,
    max_retries = EXCLUDED.max_retries,
    last_executed_at = EXCLUDED.last_executed_at,
    next_execution_at = EXCLUDED.next_execution_at,
    execution_count = EXCLUDED.execution_count,
    last_status = EXCLUDED.last_status,
    updated_at = EXCLUDED.updated_at;
`
	scheduleSelectSQL = `
SELECT id, name, expression, time_zone, task_type, priority, options, enabled,
       max_duration_ms, max_retries, last_executed_at, next_execution_at,
       execution_count, last_status, created_at, updated_at
FROM schedules
`
	scheduleGetSQL    = scheduleSelectSQL + `WHERE id = $1;`
	scheduleListSQL   = scheduleSelectSQL + `ORDER BY name;`
	scheduleDeleteSQL = `DELETE FROM schedules WHERE id = $1;`
)

// Upsert implements schedule.Store.
func (s *ScheduleStore) Upsert(sched schedule.CronSchedule) error {
	if s.pool == nil {
		return fmt.Errorf("schedule store: nil pool")
	}
	options, err := encodeJSON(sched.Options)
	if err != nil {
		return fmt.Errorf("marshal schedule options: %w", err)
	}
	_, err = s.pool.Exec(context.Background(), scheduleUpsertSQL,
		sched.ID, sched.Name, sched.Expression, sched.TimeZone,
		string(sched.TaskType), string(sched.Priority), options, sched.Enabled,
		sched.MaxDuration.Milliseconds(), sched.MaxRetries,
		sched.LastExecutedAt, sched.NextExecutionAt,
		sched.ExecutionCount, string(sched.LastStatus),
		sched.CreatedAt, sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// Get implements schedule.Store.
func (s *ScheduleStore) Get(id string) (schedule.CronSchedule, error) {
	if s.pool == nil {
		return schedule.CronSchedule{}, fmt.Errorf("schedule store: nil pool")
	}
	row := s.pool.QueryRow(context.Background(), scheduleGetSQL, id)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schedule.CronSchedule{}, errs.New("schedule/get", errs.KindNotFound,
				errs.WithMessage("unknown schedule id"), errs.WithField("id", id))
		}
		return schedule.CronSchedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

// Delete implements schedule.Store.
func (s *ScheduleStore) Delete(id string) error {
	if s.pool == nil {
		return fmt.Errorf("schedule store: nil pool")
	}
	tag, err := s.pool.Exec(context.Background(), scheduleDeleteSQL, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("schedule/delete", errs.KindNotFound,
			errs.WithMessage("unknown schedule id"), errs.WithField("id", id))
	}
	return nil
}

// List implements schedule.Store.
func (s *ScheduleStore) List() ([]schedule.CronSchedule, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("schedule store: nil pool")
	}
	rows, err := s.pool.Query(context.Background(), scheduleListSQL)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var scheds []schedule.CronSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		scheds = append(scheds, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return scheds, nil
}

func scanSchedule(row pgx.Row) (schedule.CronSchedule, error) {
	var (
		sched       schedule.CronSchedule
		taskType    string
		priority    string
		lastStatus  string
		optionBytes []byte
		durationMS  int64
	)
	err := row.Scan(&sched.ID, &sched.Name, &sched.Expression, &sched.TimeZone,
		&taskType, &priority, &optionBytes, &sched.Enabled,
		&durationMS, &sched.MaxRetries,
		&sched.LastExecutedAt, &sched.NextExecutionAt,
		&sched.ExecutionCount, &lastStatus,
		&sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return schedule.CronSchedule{}, err
	}
	sched.TaskType = jobs.TaskType(taskType)
	sched.Priority = jobs.Priority(priority)
	sched.LastStatus = jobs.Status(lastStatus)
	sched.MaxDuration = time.Duration(durationMS) * time.Millisecond
	options, err := decodeJSON(optionBytes)
	if err != nil {
		return schedule.CronSchedule{}, fmt.Errorf("decode schedule options: %w", err)
	}
	if len(options) > 0 {
		sched.Options = options
	}
	return sched, nil
}

func encodeJSON(value map[string]any) ([]byte, error) {
	if len(value) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func decodeJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	return out, nil
}
