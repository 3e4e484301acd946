package archive

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/jobs"
)

// BarSource supplies historical bars for backfill. Implementations typically
// front a provider's historical-data API.
type BarSource interface {
	Bars(ctx context.Context, symbol string, from, to time.Time) ([]schema.BarPayload, error)
	Name() string
}

// GapFillTask backfills bar events for a symbol range through the archive
// writer. The execution options carry symbol, from, and to (RFC 3339).
type GapFillTask struct {
	source BarSource
	writer Writer
}

// NewGapFillTask wires a bar source to the archive writer.
func NewGapFillTask(source BarSource, writer Writer) *GapFillTask {
	return &GapFillTask{source: source, writer: writer}
}

// Register installs the task under the gap-fill type.
func (g *GapFillTask) Register(reg *jobs.Registry) error {
	return reg.Register(jobs.TaskGapFill, jobs.TaskFunc(g.Run))
}

// Run implements the task.
func (g *GapFillTask) Run(ctx context.Context, exec *jobs.Execution) (jobs.Result, error) {
	var result jobs.Result

	symbol := schema.NormalizeSymbol(optStringValue(exec.Options, OptGapFillSymbol))
	if symbol == "" {
		return result, errs.New("gapfill/run", errs.KindValidation, errs.WithMessage("symbol option required"))
	}
	from, err := optTime(exec.Options, OptGapFillFrom)
	if err != nil {
		return result, err
	}
	to, err := optTime(exec.Options, OptGapFillTo)
	if err != nil {
		return result, err
	}
	if !to.After(from) {
		return result, errs.New("gapfill/run", errs.KindValidation,
			errs.WithMessage("to must be after from"), errs.WithSymbol(symbol))
	}

	bars, err := g.source.Bars(ctx, symbol, from, to)
	if err != nil {
		if errs.IsTransient(err) {
			return result, err
		}
		return result, errs.New("gapfill/run", errs.KindTransient,
			errs.WithMessage("bar fetch failed"), errs.WithCause(err), errs.WithSymbol(symbol))
	}

	for i, bar := range bars {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		evt := schema.MarketEvent{
			EventID:    uuid.NewString(),
			Provider:   g.source.Name(),
			Symbol:     symbol,
			Type:       schema.EventTypeBar,
			Sequence:   uint64(i + 1),
			ExchangeTS: bar.Start,
			ReceivedTS: time.Now().UTC(),
			Payload:    bar,
		}
		if err := g.writer.Write(evt); err != nil {
			return result, err
		}
		result.FilesProcessed++
	}
	exec.Logf("backfilled %d bars for %s [%s, %s)", len(bars), symbol,
		from.Format(time.RFC3339), to.Format(time.RFC3339))
	return result, g.writer.Flush()
}

func optStringValue(options map[string]any, key string) string {
	if v, ok := options[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func optTime(options map[string]any, key string) (time.Time, error) {
	raw := optStringValue(options, key)
	if raw == "" {
		return time.Time{}, errs.New("gapfill/options", errs.KindValidation,
			errs.WithMessage(key+" option required (RFC 3339)"))
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errs.New("gapfill/options", errs.KindValidation,
			errs.WithMessage("malformed "+key+" timestamp"), errs.WithCause(err))
	}
	return t, nil
}
