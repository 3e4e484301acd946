// Package jobs runs maintenance and backfill tasks from a priority queue:
// a fixed worker pool, per-execution retry with backoff, cooperative
// cancellation, and an execution history ring.
package jobs

import (
	"fmt"
	"time"
)

// TaskType names a maintenance or backfill job class. The engine dispatches
// by type; task implementations register under these names.
type TaskType string

const (
	TaskHealthCheck          TaskType = "health-check"
	TaskCleanup              TaskType = "cleanup"
	TaskDefragmentation      TaskType = "defragmentation"
	TaskTierMigration        TaskType = "tier-migration"
	TaskCompression          TaskType = "compression"
	TaskRepair               TaskType = "repair"
	TaskFullMaintenance      TaskType = "full-maintenance"
	TaskIntegrityCheck       TaskType = "integrity-check"
	TaskArchival             TaskType = "archival"
	TaskRetentionEnforcement TaskType = "retention-enforcement"
	TaskGapFill              TaskType = "gap-fill"
)

// Priority orders executions in the queue. Critical drains first.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// Rank maps priorities onto queue order; lower drains first. Unknown
// priorities sort with normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	case PriorityBackground:
		return 4
	default:
		return 2
	}
}

// Valid reports whether the priority is one of the five known levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground:
		return true
	default:
		return false
	}
}

// Status is the execution lifecycle state.
type Status string

const (
	StatusPending               Status = "pending"
	StatusRunning               Status = "running"
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completedWithWarnings"
	StatusFailed                Status = "failed"
	StatusCancelled             Status = "cancelled"
	StatusTimedOut              Status = "timedOut"
)

// Terminal reports whether the status is final. Terminal executions are
// immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Result carries the task's aggregate effect for the history entry.
type Result struct {
	FilesProcessed int64  `json:"filesProcessed,omitempty"`
	IssuesFound    int64  `json:"issuesFound,omitempty"`
	IssuesResolved int64  `json:"issuesResolved,omitempty"`
	BytesProcessed int64  `json:"bytesProcessed,omitempty"`
	BytesSaved     int64  `json:"bytesSaved,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Merge folds another result into this one; full-maintenance sums the
// results of its steps.
func (r *Result) Merge(other Result) {
	r.FilesProcessed += other.FilesProcessed
	r.IssuesFound += other.IssuesFound
	r.IssuesResolved += other.IssuesResolved
	r.BytesProcessed += other.BytesProcessed
	r.BytesSaved += other.BytesSaved
	if other.Message != "" {
		if r.Message != "" {
			r.Message += "; "
		}
		r.Message += other.Message
	}
}

// Execution is one run of a task, durable in the history store. The id is
// the idempotency key: a restart with a pending execution resumes it rather
// than minting a duplicate.
type Execution struct {
	ID          string         `json:"id"`
	ScheduleID  string         `json:"scheduleId,omitempty"`
	TaskType    TaskType       `json:"taskType"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	Attempt     int            `json:"attempt"`
	MaxRetries  int            `json:"maxRetries"`
	MaxDuration time.Duration  `json:"maxDuration"`
	Options     map[string]any `json:"options,omitempty"`

	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Error  string   `json:"error,omitempty"`
	Log    []string `json:"log,omitempty"`
	Result Result   `json:"result"`
}

// Logf appends a line to the execution log.
func (e *Execution) Logf(format string, args ...any) {
	e.Log = append(e.Log, time.Now().UTC().Format(time.RFC3339)+" "+fmt.Sprintf(format, args...))
}
