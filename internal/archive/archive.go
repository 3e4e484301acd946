// Package archive persists market events as append-only JSONL segments
// partitioned by symbol, event type, and UTC date, and implements the
// maintenance tasks the job engine dispatches over the archive tree.
//
// Layout under the data root:
//
//	hot/SYMBOL/TYPE/2026-08-25.jsonl        live partition, single writer
//	cold/SYMBOL/TYPE/2026-08-20.jsonl[.gz]  migrated, optionally compressed
package archive

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/domain/schema"
)

const (
	hotDirName  = "hot"
	coldDirName = "cold"
	segmentExt  = ".jsonl"

	// maxOpenSegments caps held file handles; least-recently-written
	// partitions are closed first.
	maxOpenSegments = 64
)

// Writer is the archive sink contract the pipeline consumer drives. A single
// writer per (symbol, type, date) is assumed; the consumer serializes
// writes.
type Writer interface {
	Write(evt schema.MarketEvent) error
	Flush() error
	Close() error
}

type segment struct {
	file     *os.File
	buf      *bufio.Writer
	lastUsed time.Time
}

// SegmentWriter appends events to per-partition JSONL segments under the hot
// root. Writes are buffered; Flush pushes buffers to the OS.
type SegmentWriter struct {
	root string
	log  zerolog.Logger
	now  func() time.Time

	mu   sync.Mutex
	open map[string]*segment

	written metric.Int64Counter
	bytes   metric.Int64Counter
}

// NewSegmentWriter creates the hot root if needed.
func NewSegmentWriter(dataRoot string, log zerolog.Logger) (*SegmentWriter, error) {
	root := filepath.Join(dataRoot, hotDirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.New("archive/open", errs.KindFatal,
			errs.WithMessage("archive root unavailable"), errs.WithCause(err))
	}
	w := &SegmentWriter{
		root: root,
		log:  log.With().Str("component", "archive").Logger(),
		now:  time.Now,
		open: make(map[string]*segment),
	}
	meter := otel.Meter("archive")
	w.written, _ = meter.Int64Counter("archive.events.written",
		metric.WithDescription("Events appended to hot segments"),
		metric.WithUnit("{event}"))
	w.bytes, _ = meter.Int64Counter("archive.bytes.written",
		metric.WithDescription("Bytes appended to hot segments"),
		metric.WithUnit("By"))
	return w, nil
}

// partitionPath places an event by symbol, type, and UTC date of its
// exchange timestamp (receive time when the exchange stamp is missing).
func (w *SegmentWriter) partitionPath(evt schema.MarketEvent) string {
	ts := evt.ExchangeTS
	if ts.IsZero() {
		ts = evt.ReceivedTS
	}
	day := ts.UTC().Format(time.DateOnly)
	return filepath.Join(w.root, evt.Symbol, string(evt.Type), day+segmentExt)
}

// Write implements Writer.
func (w *SegmentWriter) Write(evt schema.MarketEvent) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return errs.New("archive/write", errs.KindInvariant,
			errs.WithMessage("event marshal failed"), errs.WithCause(err), errs.WithSymbol(evt.Symbol))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	seg, err := w.segmentLocked(w.partitionPath(evt))
	if err != nil {
		return err
	}
	if _, err := seg.buf.Write(line); err != nil {
		return errs.New("archive/write", errs.KindTransient,
			errs.WithMessage("segment append failed"), errs.WithCause(err), errs.WithSymbol(evt.Symbol))
	}
	if err := seg.buf.WriteByte('\n'); err != nil {
		return errs.New("archive/write", errs.KindTransient,
			errs.WithMessage("segment append failed"), errs.WithCause(err), errs.WithSymbol(evt.Symbol))
	}
	seg.lastUsed = w.now()

	if w.written != nil {
		w.written.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(evt.Type))))
	}
	if w.bytes != nil {
		w.bytes.Add(context.Background(), int64(len(line)+1))
	}
	return nil
}

func (w *SegmentWriter) segmentLocked(path string) (*segment, error) {
	if seg, ok := w.open[path]; ok {
		return seg, nil
	}
	if len(w.open) >= maxOpenSegments {
		w.evictLocked()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.New("archive/open", errs.KindTransient,
			errs.WithMessage("partition directory create failed"), errs.WithCause(err))
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.New("archive/open", errs.KindTransient,
			errs.WithMessage("segment open failed"), errs.WithCause(err))
	}
	seg := &segment{file: file, buf: bufio.NewWriterSize(file, 64<<10), lastUsed: w.now()}
	w.open[path] = seg
	return seg, nil
}

func (w *SegmentWriter) evictLocked() {
	var oldestPath string
	var oldest time.Time
	for path, seg := range w.open {
		if oldestPath == "" || seg.lastUsed.Before(oldest) {
			oldestPath, oldest = path, seg.lastUsed
		}
	}
	if oldestPath == "" {
		return
	}
	seg := w.open[oldestPath]
	delete(w.open, oldestPath)
	if err := seg.buf.Flush(); err != nil {
		w.log.Warn().Err(err).Str("segment", oldestPath).Msg("flush on evict failed")
	}
	if err := seg.file.Close(); err != nil {
		w.log.Warn().Err(err).Str("segment", oldestPath).Msg("close on evict failed")
	}
}

// Flush implements Writer.
func (w *SegmentWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for path, seg := range w.open {
		if err := seg.buf.Flush(); err != nil && firstErr == nil {
			firstErr = errs.New("archive/flush", errs.KindTransient,
				errs.WithMessage("segment flush failed"), errs.WithCause(err), errs.WithField("segment", path))
		}
	}
	return firstErr
}

// Close implements Writer.
func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for path, seg := range w.open {
		if err := seg.buf.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.open, path)
	}
	if firstErr != nil {
		return errs.New("archive/close", errs.KindTransient,
			errs.WithMessage("segment close failed"), errs.WithCause(firstErr))
	}
	return nil
}
