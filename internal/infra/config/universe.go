package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/quantfeed/tickvault/errs"
	"github.com/quantfeed/tickvault/internal/domain/schema"
)

// universeFile is the on-disk shape of the symbol universe.
type universeFile struct {
	Symbols []schema.SymbolSpec `yaml:"symbols"`
}

// LoadUniverse reads the symbol universe file. Specs are normalized but not
// validated here; the orchestrator validates and skips bad entries so one
// malformed symbol cannot block the rest of the universe.
func LoadUniverse(path string) ([]schema.SymbolSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("config/universe", errs.KindValidation,
			errs.WithMessage("universe file unreadable"), errs.WithCause(err))
	}
	var file universeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errs.New("config/universe", errs.KindValidation,
			errs.WithMessage("universe file malformed"), errs.WithCause(err))
	}
	specs := make([]schema.SymbolSpec, 0, len(file.Symbols))
	for _, spec := range file.Symbols {
		specs = append(specs, spec.Normalize())
	}
	return specs, nil
}

// UniverseWatcher re-reads the universe file when it changes on disk and
// hands the new desired set to the callback. Edits are debounced because
// editors and atomic-rename writers fire several events per save.
type UniverseWatcher struct {
	path     string
	apply    func(context.Context, []schema.SymbolSpec) error
	log      zerolog.Logger
	debounce time.Duration
}

// NewUniverseWatcher wires a watcher for the given universe file.
func NewUniverseWatcher(path string, apply func(context.Context, []schema.SymbolSpec) error, log zerolog.Logger) *UniverseWatcher {
	return &UniverseWatcher{
		path:     path,
		apply:    apply,
		log:      log.With().Str("component", "universe-watcher").Logger(),
		debounce: 500 * time.Millisecond,
	}
}

// Run watches until ctx ends. The parent directory is watched rather than
// the file itself so atomic rename-into-place saves keep being observed.
func (w *UniverseWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.New("config/universe-watch", errs.KindFatal,
			errs.WithMessage("fsnotify watcher unavailable"), errs.WithCause(err))
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return errs.New("config/universe-watch", errs.KindFatal,
			errs.WithMessage("cannot watch universe directory"), errs.WithCause(err))
	}
	w.log.Info().Str("path", w.path).Msg("watching symbol universe")

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		case <-fire:
			w.reload(ctx)
		}
	}
}

func (w *UniverseWatcher) reload(ctx context.Context) {
	specs, err := LoadUniverse(w.path)
	if err != nil {
		// Keep the previous desired set on a bad read; the next save retries.
		w.log.Error().Err(err).Msg("universe reload failed")
		return
	}
	if err := w.apply(ctx, specs); err != nil {
		w.log.Error().Err(err).Msg("universe apply failed")
		return
	}
	w.log.Info().Int("symbols", len(specs)).Msg("universe reloaded")
}
