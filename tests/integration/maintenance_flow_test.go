package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/tickvault/internal/archive"
	"github.com/quantfeed/tickvault/internal/jobs"
	"github.com/quantfeed/tickvault/internal/provider/sim"
	"github.com/quantfeed/tickvault/internal/schedule"
)

// TestMaintenanceAndGapFillThroughEngine runs the real job engine over a real
// archive tree: full maintenance migrates and compresses an aged segment, the
// gap-fill task backfills synthetic bars, and terminal results flow back into
// the schedule record.
func TestMaintenanceAndGapFillThroughEngine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataRoot := t.TempDir()
	writer, err := archive.NewSegmentWriter(dataRoot, testLog)
	require.NoError(t, err)
	defer writer.Close()

	// Seed a segment ten days in the past so tier migration, compression,
	// and integrity checking all have work to do.
	aged := time.Now().UTC().AddDate(0, 0, -10)
	for i := 0; i < 20; i++ {
		require.NoError(t, writer.Write(tradeEvent("sim-a", "MSFT", uint64(i+1), aged)))
	}
	require.NoError(t, writer.Flush())

	reg := jobs.NewRegistry()
	maint := archive.NewMaintenance(dataRoot, writer, testLog)
	require.NoError(t, maint.RegisterTasks(reg))
	require.NoError(t, archive.NewGapFillTask(sim.NewBarSource("backfill", 100, 7), writer).Register(reg))

	hist, err := jobs.NewFileHistory(filepath.Join(dataRoot, "executions.json"), 100)
	require.NoError(t, err)
	engine := jobs.NewEngine(jobs.Config{Workers: 2}, reg, hist, testLog)

	store, err := schedule.NewFileStore(filepath.Join(dataRoot, "schedules.json"))
	require.NoError(t, err)
	sched := schedule.New(store, engine, testLog)
	engine.OnTerminal = sched.RecordResult
	require.NoError(t, sched.Load())

	created, err := sched.Create(schedule.CronSchedule{
		Name:       "nightly-maintenance",
		Expression: "0 3 * * *",
		TaskType:   jobs.TaskFullMaintenance,
		Enabled:    true,
	})
	require.NoError(t, err)

	go engine.Run(ctx)

	maintID, err := engine.Submit(jobs.Request{
		ScheduleID: created.ID,
		TaskType:   jobs.TaskFullMaintenance,
		Options:    map[string]any{archive.OptRetentionDays: 30},
	})
	require.NoError(t, err)

	waitTerminal(t, engine, maintID)
	exec, ok := engine.Get(maintID)
	require.True(t, ok)
	require.Equal(t, jobs.StatusCompleted, exec.Status, "maintenance failed: %v (log: %v)", exec.Error, exec.Log)
	assert.NotEmpty(t, exec.Log)

	// The aged segment must now live compressed in the cold tier.
	cold, err := filepath.Glob(filepath.Join(dataRoot, "cold", "MSFT", "*", "*.jsonl.gz"))
	require.NoError(t, err)
	assert.NotEmpty(t, cold, "aged segment was not migrated and compressed")
	hot, err := filepath.Glob(filepath.Join(dataRoot, "hot", "MSFT", "*", "*.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, hot, "aged segment left behind in the hot tier")

	// Terminal status must reach the schedule record.
	updated, err := sched.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, updated.LastStatus)

	from := time.Now().UTC().Add(-30 * time.Minute).Truncate(time.Minute)
	gapID, err := engine.Submit(jobs.Request{
		TaskType: jobs.TaskGapFill,
		Options: map[string]any{
			archive.OptGapFillSymbol: "ibm",
			archive.OptGapFillFrom:   from.Format(time.RFC3339),
			archive.OptGapFillTo:     from.Add(10 * time.Minute).Format(time.RFC3339),
		},
	})
	require.NoError(t, err)

	waitTerminal(t, engine, gapID)
	exec, ok = engine.Get(gapID)
	require.True(t, ok)
	require.Equal(t, jobs.StatusCompleted, exec.Status, "gap fill failed: %v (log: %v)", exec.Error, exec.Log)
	assert.Equal(t, int64(10), exec.Result.FilesProcessed)

	bars, err := filepath.Glob(filepath.Join(dataRoot, "hot", "IBM", "bar", "*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, bars, "gap fill wrote no bar segments")

	history := engine.History(10)
	assert.GreaterOrEqual(t, len(history), 2)
}

func waitTerminal(t *testing.T, engine *jobs.Engine, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		exec, ok := engine.Get(id)
		return ok && exec.Status.Terminal()
	}, 30*time.Second, 20*time.Millisecond, "execution %s never reached a terminal state", id)
}
