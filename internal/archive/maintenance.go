package archive

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/jobs"
)

// Option keys read from the execution options blob.
const (
	OptMaxMigrationsPerRun     = "maxMigrationsPerRun"
	OptMaxMigrationBytesPerRun = "maxMigrationBytesPerRun"
	OptRetentionDays           = "retentionDays"
	OptGapFillSymbol           = "symbol"
	OptGapFillFrom             = "from"
	OptGapFillTo               = "to"
)

const (
	defaultMaxMigrations     = 1000
	defaultMaxMigrationBytes = 1 << 30
	defaultRetentionDays     = 365
	diskCriticalPercent      = 95.0
)

// Maintenance implements the archive-side job tasks. All tasks operate on
// closed segments only; the live writer owns today's hot partitions.
type Maintenance struct {
	dataRoot string
	writer   Writer
	log      zerolog.Logger
	now      func() time.Time
}

// NewMaintenance constructs the task set over a data root. The writer is
// flushed by the archival task; it may be nil in tooling contexts.
func NewMaintenance(dataRoot string, writer Writer, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		dataRoot: dataRoot,
		writer:   writer,
		log:      log.With().Str("component", "maintenance").Logger(),
		now:      time.Now,
	}
}

// RegisterTasks wires every maintenance task into the registry. Tasks that
// rewrite segments gate on market close.
func (m *Maintenance) RegisterTasks(reg *jobs.Registry) error {
	tasks := map[jobs.TaskType]jobs.Task{
		jobs.TaskHealthCheck:          jobs.TaskFunc(m.HealthCheck),
		jobs.TaskCleanup:              jobs.TaskFunc(m.Cleanup),
		jobs.TaskDefragmentation:      jobs.TaskFunc(m.Defragmentation),
		jobs.TaskTierMigration:        jobs.TaskFunc(m.TierMigration),
		jobs.TaskCompression:          jobs.TaskFunc(m.Compression),
		jobs.TaskRepair:               jobs.TaskFunc(m.Repair),
		jobs.TaskFullMaintenance:      jobs.TaskFunc(m.FullMaintenance),
		jobs.TaskIntegrityCheck:       jobs.TaskFunc(m.IntegrityCheck),
		jobs.TaskArchival:             jobs.TaskFunc(m.Archival),
		jobs.TaskRetentionEnforcement: jobs.TaskFunc(m.RetentionEnforcement),
	}
	for taskType, task := range tasks {
		if err := reg.Register(taskType, task); err != nil {
			return err
		}
	}
	reg.SetGate(jobs.TaskTierMigration, jobs.MarketClosedGate)
	reg.SetGate(jobs.TaskDefragmentation, jobs.MarketClosedGate)
	return nil
}

func (m *Maintenance) hotDir() string  { return filepath.Join(m.dataRoot, hotDirName) }
func (m *Maintenance) coldDir() string { return filepath.Join(m.dataRoot, coldDirName) }

// segmentDate parses the partition date out of a segment filename.
func segmentDate(path string) (time.Time, bool) {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, segmentExt)
	day, err := time.Parse(time.DateOnly, name)
	return day, err == nil
}

// walkSegments visits every segment file under dir, skipping anything that
// is not a data file.
func walkSegments(dir string, visit func(path string, info fs.FileInfo) error) error {
	return filepath.Walk(dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, segmentExt) && !strings.HasSuffix(path, segmentExt+".gz") {
			return nil
		}
		return visit(path, info)
	})
}

// HealthCheck samples host resources and fails on critically low disk.
func (m *Maintenance) HealthCheck(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	var result jobs.Result

	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return result, errs.New("maintenance/health", errs.KindTransient,
			errs.WithMessage("cpu sample failed"), errs.WithCause(err))
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return result, errs.New("maintenance/health", errs.KindTransient,
			errs.WithMessage("memory sample failed"), errs.WithCause(err))
	}
	usage, err := disk.UsageWithContext(ctx, m.dataRoot)
	if err != nil {
		return result, errs.New("maintenance/health", errs.KindTransient,
			errs.WithMessage("disk sample failed"), errs.WithCause(err))
	}

	cpuUsed := 0.0
	if len(cpuPct) > 0 {
		cpuUsed = cpuPct[0]
	}
	result.Message = fmt.Sprintf("cpu=%.1f%% mem=%.1f%% disk=%.1f%%", cpuUsed, vm.UsedPercent, usage.UsedPercent)
	exec.Logf("host health: %s", result.Message)

	if usage.UsedPercent >= diskCriticalPercent {
		return result, errs.New("maintenance/health", errs.KindFatal,
			errs.WithMessage(fmt.Sprintf("archive disk %.1f%% full", usage.UsedPercent)))
	}
	return result, nil
}

// Cleanup removes temp droppings and empty segments, then prunes empty
// partition directories.
func (m *Maintenance) Cleanup(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	var result jobs.Result
	for _, root := range []string{m.hotDir(), m.coldDir()} {
		err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if info.IsDir() {
				return nil
			}
			stale := strings.HasSuffix(path, ".tmp") ||
				(info.Size() == 0 && m.now().Sub(info.ModTime()) > 24*time.Hour)
			if !stale {
				return nil
			}
			if err := os.Remove(path); err != nil {
				return err
			}
			result.FilesProcessed++
			result.IssuesResolved++
			return nil
		})
		if err != nil {
			return result, errs.New("maintenance/cleanup", errs.KindTransient,
				errs.WithMessage("cleanup walk failed"), errs.WithCause(err))
		}
		m.pruneEmptyDirs(root)
	}
	return result, nil
}

func (m *Maintenance) pruneEmptyDirs(root string) {
	var dirs []string
	filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err == nil && info.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	// Deepest first so parents empty out as children go.
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Remove(dirs[i]) // fails while non-empty, which is fine
	}
}

// TierMigration moves closed hot segments to the cold tier, bounded per run
// so it never monopolizes the disk.
func (m *Maintenance) TierMigration(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	var result jobs.Result
	maxFiles := optInt(exec.Options, OptMaxMigrationsPerRun, defaultMaxMigrations)
	maxBytes := optInt(exec.Options, OptMaxMigrationBytesPerRun, defaultMaxMigrationBytes)
	today := m.now().UTC().Format(time.DateOnly)

	if m.writer != nil {
		if err := m.writer.Flush(); err != nil {
			return result, err
		}
	}

	err := walkSegments(m.hotDir(), func(path string, info fs.FileInfo) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if result.FilesProcessed >= maxFiles || result.BytesProcessed >= maxBytes {
			return filepath.SkipAll
		}
		day, ok := segmentDate(path)
		if !ok || day.Format(time.DateOnly) >= today {
			// Unparseable or still live today; leave it.
			return nil
		}
		rel, err := filepath.Rel(m.hotDir(), path)
		if err != nil {
			return err
		}
		dest := filepath.Join(m.coldDir(), rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.Rename(path, dest); err != nil {
			return err
		}
		result.FilesProcessed++
		result.BytesProcessed += info.Size()
		return nil
	})
	if err != nil {
		return result, errs.New("maintenance/tier-migration", errs.KindTransient,
			errs.WithMessage("migration walk failed"), errs.WithCause(err))
	}
	exec.Logf("migrated %d segments (%d bytes) to cold tier", result.FilesProcessed, result.BytesProcessed)
	return result, nil
}

// Compression gzips uncompressed cold segments in place.
func (m *Maintenance) Compression(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	var result jobs.Result
	err := walkSegments(m.coldDir(), func(path string, info fs.FileInfo) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.HasSuffix(path, ".gz") {
			return nil
		}
		saved, err := compressSegment(path)
		if err != nil {
			return err
		}
		result.FilesProcessed++
		result.BytesProcessed += info.Size()
		result.BytesSaved += saved
		return nil
	})
	if err != nil {
		return result, errs.New("maintenance/compression", errs.KindTransient,
			errs.WithMessage("compression walk failed"), errs.WithCause(err))
	}
	return result, nil
}

func compressSegment(path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp := path + ".gz.tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path+".gz"); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	srcInfo, _ := os.Stat(path)
	gzInfo, _ := os.Stat(path + ".gz")
	var saved int64
	if srcInfo != nil && gzInfo != nil {
		saved = srcInfo.Size() - gzInfo.Size()
	}
	return saved, os.Remove(path)
}

// RetentionEnforcement deletes cold segments older than the retention
// horizon.
func (m *Maintenance) RetentionEnforcement(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	var result jobs.Result
	days := optInt(exec.Options, OptRetentionDays, defaultRetentionDays)
	cutoff := m.now().UTC().AddDate(0, 0, -int(days))

	err := walkSegments(m.coldDir(), func(path string, info fs.FileInfo) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		day, ok := segmentDate(path)
		if !ok || !day.Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		result.FilesProcessed++
		result.BytesProcessed += info.Size()
		return nil
	})
	if err != nil {
		return result, errs.New("maintenance/retention", errs.KindTransient,
			errs.WithMessage("retention walk failed"), errs.WithCause(err))
	}
	m.pruneEmptyDirs(m.coldDir())
	exec.Logf("removed %d segments past %d-day retention", result.FilesProcessed, days)
	return result, nil
}

// IntegrityCheck parses every line of every segment and counts malformed
// records without modifying anything.
func (m *Maintenance) IntegrityCheck(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	var result jobs.Result
	for _, root := range []string{m.hotDir(), m.coldDir()} {
		err := walkSegments(root, func(path string, info fs.FileInfo) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			bad, err := scanSegment(path)
			if err != nil {
				return err
			}
			result.FilesProcessed++
			result.BytesProcessed += info.Size()
			result.IssuesFound += bad
			return nil
		})
		if err != nil {
			return result, errs.New("maintenance/integrity", errs.KindTransient,
				errs.WithMessage("integrity walk failed"), errs.WithCause(err))
		}
	}
	if result.IssuesFound > 0 {
		exec.Logf("found %d malformed records across %d segments", result.IssuesFound, result.FilesProcessed)
	}
	return result, nil
}

func openSegment(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return file, nil
	}
	gz, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{gz, file}, nil
}

func scanSegment(path string) (int64, error) {
	rc, err := openSegment(path)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	var bad int64
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt schema.MarketEvent
		if err := json.Unmarshal(line, &evt); err != nil || evt.Symbol == "" || !evt.Type.Valid() {
			bad++
		}
	}
	return bad, scanner.Err()
}

// Repair rewrites hot segments dropping malformed lines.
func (m *Maintenance) Repair(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	return m.rewriteHot(ctx, exec, false)
}

// Defragmentation rewrites hot segments dropping malformed lines and
// duplicate event ids.
func (m *Maintenance) Defragmentation(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	return m.rewriteHot(ctx, exec, true)
}

func (m *Maintenance) rewriteHot(ctx context.Context, exec *jobs.Execution, dedup bool) (jobs.Result, error) {
	var result jobs.Result
	today := m.now().UTC().Format(time.DateOnly)

	err := walkSegments(m.hotDir(), func(path string, info fs.FileInfo) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		day, ok := segmentDate(path)
		if !ok || day.Format(time.DateOnly) >= today {
			// Never rewrite the partition the live writer holds open.
			return nil
		}
		dropped, saved, err := rewriteSegment(path, dedup)
		if err != nil {
			return err
		}
		result.FilesProcessed++
		result.BytesProcessed += info.Size()
		if dropped > 0 {
			result.IssuesFound += dropped
			result.IssuesResolved += dropped
			result.BytesSaved += saved
		}
		return nil
	})
	if err != nil {
		return result, errs.New("maintenance/rewrite", errs.KindTransient,
			errs.WithMessage("segment rewrite failed"), errs.WithCause(err))
	}
	return result, nil
}

func rewriteSegment(path string, dedup bool) (dropped, saved int64, err error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer src.Close()

	tmp := path + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, 0, err
	}
	out := bufio.NewWriter(dst)

	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			dropped++
			continue
		}
		var evt schema.MarketEvent
		if err := json.Unmarshal(line, &evt); err != nil || evt.Symbol == "" || !evt.Type.Valid() {
			dropped++
			continue
		}
		if dedup && evt.EventID != "" {
			if _, dup := seen[evt.EventID]; dup {
				dropped++
				continue
			}
			seen[evt.EventID] = struct{}{}
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, 0, err
	}
	if err := out.Flush(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, 0, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return 0, 0, err
	}
	if dropped == 0 {
		return 0, 0, os.Remove(tmp)
	}
	before, _ := os.Stat(path)
	after, _ := os.Stat(tmp)
	if before != nil && after != nil {
		saved = before.Size() - after.Size()
	}
	return dropped, saved, os.Rename(tmp, path)
}

// Archival flushes the live writer so closed-out buffers hit disk.
func (m *Maintenance) Archival(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	var result jobs.Result
	if m.writer == nil {
		result.Message = "no live writer attached"
		return result, nil
	}
	if err := m.writer.Flush(); err != nil {
		return result, err
	}
	result.Message = "live segments flushed"
	return result, nil
}

// FullMaintenance runs the standard sequence, merging results. A step
// failure aborts the sequence.
func (m *Maintenance) FullMaintenance(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	var result jobs.Result
	steps := []struct {
		name string
		run  jobs.TaskFunc
	}{
		{"health-check", m.HealthCheck},
		{"cleanup", m.Cleanup},
		{"integrity-check", m.IntegrityCheck},
		{"repair", m.Repair},
		{"tier-migration", m.TierMigration},
		{"compression", m.Compression},
		{"retention-enforcement", m.RetentionEnforcement},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		stepResult, err := step.run(ctx, exec)
		result.Merge(stepResult)
		if err != nil {
			exec.Logf("step %s failed: %v", step.name, err)
			return result, err
		}
		exec.Logf("step %s done", step.name)
	}
	return result, nil
}

func optInt(options map[string]any, key string, fallback int64) int64 {
	switch v := options[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return fallback
	}
}
