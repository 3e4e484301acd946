package archive

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/jobs"
)

func tradeEvent(symbol string, day time.Time, seq uint64) schema.MarketEvent {
	return schema.MarketEvent{
		EventID:    "evt-" + symbol + "-" + day.Format("20060102") + "-" + string(rune('0'+seq%10)),
		Provider:   "sim",
		Symbol:     symbol,
		Type:       schema.EventTypeTrade,
		Sequence:   seq,
		ExchangeTS: day,
		ReceivedTS: day,
		Payload: schema.TradePayload{
			TradeID: "t1",
			Price:   decimal.NewFromFloat(185.25),
			Size:    decimal.NewFromInt(100),
		},
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	return n
}

func TestWriterPartitionsBySymbolTypeDate(t *testing.T) {
	root := t.TempDir()
	w, err := NewSegmentWriter(root, zerolog.Nop())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	day1 := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	for i, evt := range []schema.MarketEvent{
		tradeEvent("AAPL", day1, 1),
		tradeEvent("AAPL", day1, 2),
		tradeEvent("AAPL", day2, 3),
		tradeEvent("MSFT", day1, 1),
	} {
		if err := w.Write(evt); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cases := map[string]int{
		"hot/AAPL/trade/2026-08-24.jsonl": 2,
		"hot/AAPL/trade/2026-08-25.jsonl": 1,
		"hot/MSFT/trade/2026-08-24.jsonl": 1,
	}
	for rel, want := range cases {
		if got := countLines(t, filepath.Join(root, rel)); got != want {
			t.Fatalf("%s has %d lines, want %d", rel, got, want)
		}
	}
}

func TestWrittenLinesRoundTrip(t *testing.T) {
	root := t.TempDir()
	w, _ := NewSegmentWriter(root, zerolog.Nop())
	day := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	if err := w.Write(tradeEvent("NVDA", day, 42)); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	data, err := os.ReadFile(filepath.Join(root, "hot/NVDA/trade/2026-08-25.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got schema.MarketEvent
	if err := json.Unmarshal(data[:len(data)-1], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Symbol != "NVDA" || got.Sequence != 42 || got.Type != schema.EventTypeTrade {
		t.Fatalf("got %+v", got)
	}
}

func writeSegment(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func eventLine(t *testing.T, evt schema.MarketEvent) string {
	t.Helper()
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestTierMigrationMovesClosedSegmentsOnly(t *testing.T) {
	root := t.TempDir()
	m := NewMaintenance(root, nil, zerolog.Nop())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	old := filepath.Join(root, "hot/AAPL/trade/2026-08-20.jsonl")
	live := filepath.Join(root, "hot/AAPL/trade/2026-08-25.jsonl")
	writeSegment(t, old, []string{eventLine(t, tradeEvent("AAPL", now.AddDate(0, 0, -5), 1))})
	writeSegment(t, live, []string{eventLine(t, tradeEvent("AAPL", now, 2))})

	result, err := m.TierMigration(context.Background(), &jobs.Execution{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.FilesProcessed != 1 {
		t.Fatalf("migrated %d files, want 1", result.FilesProcessed)
	}
	if _, err := os.Stat(filepath.Join(root, "cold/AAPL/trade/2026-08-20.jsonl")); err != nil {
		t.Fatalf("cold segment missing: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("old hot segment still present")
	}
	if _, err := os.Stat(live); err != nil {
		t.Fatal("live segment must not migrate")
	}
}

func TestTierMigrationHonorsPerRunBounds(t *testing.T) {
	root := t.TempDir()
	m := NewMaintenance(root, nil, zerolog.Nop())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for _, day := range []string{"2026-08-18", "2026-08-19", "2026-08-20"} {
		writeSegment(t, filepath.Join(root, "hot/AAPL/trade", day+".jsonl"),
			[]string{eventLine(t, tradeEvent("AAPL", now.AddDate(0, 0, -5), 1))})
	}

	exec := &jobs.Execution{Options: map[string]any{OptMaxMigrationsPerRun: 2}}
	result, err := m.TierMigration(context.Background(), exec)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if result.FilesProcessed != 2 {
		t.Fatalf("migrated %d files, want 2 (bounded)", result.FilesProcessed)
	}
}

func TestCompressionGzipsColdSegments(t *testing.T) {
	root := t.TempDir()
	m := NewMaintenance(root, nil, zerolog.Nop())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	lines := make([]string, 50)
	for i := range lines {
		lines[i] = eventLine(t, tradeEvent("AAPL", now.AddDate(0, 0, -10), uint64(i)))
	}
	cold := filepath.Join(root, "cold/AAPL/trade/2026-08-15.jsonl")
	writeSegment(t, cold, lines)

	result, err := m.Compression(context.Background(), &jobs.Execution{})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if result.FilesProcessed != 1 || result.BytesSaved <= 0 {
		t.Fatalf("result = %+v", result)
	}
	if _, err := os.Stat(cold + ".gz"); err != nil {
		t.Fatalf("gz missing: %v", err)
	}
	if _, err := os.Stat(cold); !os.IsNotExist(err) {
		t.Fatal("uncompressed segment still present")
	}

	// The compressed segment still scans clean.
	bad, err := scanSegment(cold + ".gz")
	if err != nil || bad != 0 {
		t.Fatalf("scan gz: bad=%d err=%v", bad, err)
	}
}

func TestRetentionDeletesExpiredSegments(t *testing.T) {
	root := t.TempDir()
	m := NewMaintenance(root, nil, zerolog.Nop())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	expired := filepath.Join(root, "cold/AAPL/trade/2024-01-02.jsonl")
	kept := filepath.Join(root, "cold/AAPL/trade/2026-08-01.jsonl")
	writeSegment(t, expired, []string{"{}"})
	writeSegment(t, kept, []string{"{}"})

	exec := &jobs.Execution{Options: map[string]any{OptRetentionDays: 30}}
	result, err := m.RetentionEnforcement(context.Background(), exec)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if result.FilesProcessed != 1 {
		t.Fatalf("deleted %d, want 1", result.FilesProcessed)
	}
	if _, err := os.Stat(expired); !os.IsNotExist(err) {
		t.Fatal("expired segment still present")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Fatal("in-retention segment removed")
	}
}

func TestIntegrityCheckCountsMalformedLines(t *testing.T) {
	root := t.TempDir()
	m := NewMaintenance(root, nil, zerolog.Nop())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	writeSegment(t, filepath.Join(root, "hot/AAPL/trade/2026-08-20.jsonl"), []string{
		eventLine(t, tradeEvent("AAPL", now.AddDate(0, 0, -5), 1)),
		"this is not json",
		eventLine(t, tradeEvent("AAPL", now.AddDate(0, 0, -5), 2)),
		`{"symbol":"","type":"trade"}`,
	})

	result, err := m.IntegrityCheck(context.Background(), &jobs.Execution{})
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if result.IssuesFound != 2 {
		t.Fatalf("issues = %d, want 2", result.IssuesFound)
	}
}

func TestRepairDropsMalformedLines(t *testing.T) {
	root := t.TempDir()
	m := NewMaintenance(root, nil, zerolog.Nop())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	path := filepath.Join(root, "hot/AAPL/trade/2026-08-20.jsonl")
	writeSegment(t, path, []string{
		eventLine(t, tradeEvent("AAPL", now.AddDate(0, 0, -5), 1)),
		"garbage",
		eventLine(t, tradeEvent("AAPL", now.AddDate(0, 0, -5), 2)),
	})

	result, err := m.Repair(context.Background(), &jobs.Execution{})
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if result.IssuesResolved != 1 {
		t.Fatalf("resolved = %d, want 1", result.IssuesResolved)
	}
	if got := countLines(t, path); got != 2 {
		t.Fatalf("segment has %d lines after repair, want 2", got)
	}
}

func TestCleanupRemovesTempDroppings(t *testing.T) {
	root := t.TempDir()
	m := NewMaintenance(root, nil, zerolog.Nop())
	m.now = time.Now

	tmp := filepath.Join(root, "hot/AAPL/trade/2026-08-20.jsonl.tmp")
	writeSegment(t, tmp, []string{"partial"})

	result, err := m.Cleanup(context.Background(), &jobs.Execution{})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if result.IssuesResolved != 1 {
		t.Fatalf("resolved = %d, want 1", result.IssuesResolved)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatal("tmp file still present")
	}
}

type fakeBarSource struct {
	bars []schema.BarPayload
}

func (f *fakeBarSource) Name() string { return "histfeed" }
func (f *fakeBarSource) Bars(context.Context, string, time.Time, time.Time) ([]schema.BarPayload, error) {
	return f.bars, nil
}

func TestGapFillWritesBars(t *testing.T) {
	root := t.TempDir()
	w, _ := NewSegmentWriter(root, zerolog.Nop())
	start := time.Date(2026, 8, 24, 14, 30, 0, 0, time.UTC)
	src := &fakeBarSource{bars: []schema.BarPayload{
		{Open: decimal.NewFromInt(100), Close: decimal.NewFromInt(101), Start: start, End: start.Add(time.Minute)},
		{Open: decimal.NewFromInt(101), Close: decimal.NewFromInt(102), Start: start.Add(time.Minute), End: start.Add(2 * time.Minute)},
	}}

	task := NewGapFillTask(src, w)
	exec := &jobs.Execution{Options: map[string]any{
		OptGapFillSymbol: "aapl",
		OptGapFillFrom:   start.Format(time.RFC3339),
		OptGapFillTo:     start.Add(time.Hour).Format(time.RFC3339),
	}}
	if _, err := task.Run(context.Background(), exec); err != nil {
		t.Fatalf("gap fill: %v", err)
	}
	w.Close()

	if got := countLines(t, filepath.Join(root, "hot/AAPL/bar/2026-08-24.jsonl")); got != 2 {
		t.Fatalf("bar segment has %d lines, want 2", got)
	}
}

func TestGapFillValidatesOptions(t *testing.T) {
	root := t.TempDir()
	w, _ := NewSegmentWriter(root, zerolog.Nop())
	task := NewGapFillTask(&fakeBarSource{}, w)

	if _, err := task.Run(context.Background(), &jobs.Execution{Options: map[string]any{}}); err == nil {
		t.Fatal("missing symbol must error")
	}
	exec := &jobs.Execution{Options: map[string]any{
		OptGapFillSymbol: "AAPL",
		OptGapFillFrom:   "not-a-time",
		OptGapFillTo:     "2026-08-25T00:00:00Z",
	}}
	if _, err := task.Run(context.Background(), exec); err == nil {
		t.Fatal("malformed from must error")
	}
}
