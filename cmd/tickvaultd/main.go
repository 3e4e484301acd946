// Command tickvaultd launches the market-data collection engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	_ "go.uber.org/automaxprocs"

	"github.com/quantfeed/tickvault/internal/alerting"
	"github.com/quantfeed/tickvault/internal/archive"
	"github.com/quantfeed/tickvault/internal/coordinator"
	"github.com/quantfeed/tickvault/internal/degrade"
	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/health"
	"github.com/quantfeed/tickvault/internal/infra/config"
	"github.com/quantfeed/tickvault/internal/infra/persistence/migrations"
	"github.com/quantfeed/tickvault/internal/infra/persistence/postgres"
	httpserver "github.com/quantfeed/tickvault/internal/infra/server/http"
	"github.com/quantfeed/tickvault/internal/infra/telemetry"
	"github.com/quantfeed/tickvault/internal/ingest"
	"github.com/quantfeed/tickvault/internal/jobs"
	"github.com/quantfeed/tickvault/internal/orchestrator"
	"github.com/quantfeed/tickvault/internal/pipeline"
	"github.com/quantfeed/tickvault/internal/provider"
	"github.com/quantfeed/tickvault/internal/provider/sim"
	"github.com/quantfeed/tickvault/internal/provider/wsfeed"
	"github.com/quantfeed/tickvault/internal/recon"
	"github.com/quantfeed/tickvault/internal/schedule"
	"github.com/quantfeed/tickvault/internal/status"
	"github.com/quantfeed/tickvault/internal/validate"
)

const (
	defaultConfigPath = "config/tickvault.yaml"

	exitOK          = 0
	exitConfig      = 1
	exitStartup     = 2
	exitInterrupted = 130

	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
)

type cliFlags struct {
	configPath       string
	dataRoot         string
	drainTimeoutSec  int
	pipelineCapacity int
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()
	_ = godotenv.Load()

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tickvaultd: %v\n", err)
		return exitConfig
	}

	log := newLogger(cfg.Logging)
	log.Info().
		Str("env", cfg.Environment).
		Str("dataRoot", cfg.DataRoot).
		Int("providers", len(cfg.Providers)).
		Msg("configuration initialised")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	received := make(chan os.Signal, 1)
	go func() {
		sig := <-sigc
		received <- sig
		cancel()
	}()

	if code := start(ctx, cfg, log); code != exitOK {
		return code
	}
	select {
	case sig := <-received:
		if sig == syscall.SIGINT {
			return exitInterrupted
		}
	default:
	}
	return exitOK
}

// start boots the engine and blocks until shutdown. It returns a non-zero
// code on startup failure.
func start(ctx context.Context, cfg config.Config, log zerolog.Logger) int {
	telemetryProvider, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Interval:    cfg.Telemetry.Interval,
		Environment: cfg.Environment,
	})
	if err != nil {
		log.Error().Err(err).Msg("initialise telemetry")
		return exitStartup
	}

	schedStore, histStore, closeStores, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("initialise stores")
		return exitStartup
	}
	defer closeStores()

	counters := recon.NewCounters()

	aggregator := buildAlerting(cfg.Alerting, log)

	pipe := pipeline.New(pipeline.Config{
		Capacity:     cfg.Pipeline.Capacity,
		DrainTimeout: cfg.Pipeline.DrainTimeout,
	}, counters, log)

	monitor := health.NewMonitor(health.MonitorConfig{
		HeartbeatInterval:   cfg.Health.HeartbeatInterval,
		HeartbeatTimeout:    cfg.Health.HeartbeatTimeout,
		MaxMissedHeartbeats: cfg.Health.MaxMissedHeartbeats,
	}, log)
	skew := health.NewSkewEstimator()

	// The chain publishes integrity events back through the funnel; the
	// indirection breaks the construction cycle between the two.
	var funnel *ingest.Funnel
	chain := validate.NewChain(validate.ChainConfig{
		DivergenceBps: int(cfg.Validate.DivergenceThresholdBps),
		AlertCooldown: cfg.Validate.AlertCooldown,
	}, counters, aggregator, func(evt schema.MarketEvent) {
		if funnel != nil {
			funnel.InjectIntegrity(evt)
		}
	}, log)
	applyTickOverrides(chain, cfg.Validate.TickSizeOverrides, log)
	funnel = ingest.NewFunnel(counters, chain, pipe, monitor, skew, log)

	writer, err := archive.NewSegmentWriter(cfg.DataRoot, log)
	if err != nil {
		log.Error().Err(err).Msg("initialise archive writer")
		return exitStartup
	}
	defer func() {
		if err := writer.Close(); err != nil {
			log.Warn().Err(err).Msg("close archive writer")
		}
	}()

	providers, primary, err := buildProviders(ctx, cfg, funnel, monitor, log)
	if err != nil {
		log.Error().Err(err).Msg("initialise providers")
		return exitStartup
	}
	defer closeProviders(providers)

	coord, err := buildCoordinator(cfg.Coordinator, log)
	if err != nil {
		log.Error().Err(err).Msg("initialise coordinator")
		return exitStartup
	}

	orch := orchestrator.New(orchestrator.Config{
		StatePath:          filepath.Join(cfg.DataRoot, "state", "subscriptions.json"),
		ControlCallsPerSec: cfg.Orchestrator.ControlCallsPerSec,
		ControlBurst:       cfg.Orchestrator.ControlBurst,
	}, primary, coord, log)

	registry := jobs.NewRegistry()
	maint := archive.NewMaintenance(cfg.DataRoot, writer, log)
	if err := maint.RegisterTasks(registry); err != nil {
		log.Error().Err(err).Msg("register maintenance tasks")
		return exitStartup
	}
	gapFill := archive.NewGapFillTask(sim.NewBarSource("backfill", 0, 0), writer)
	if err := gapFill.Register(registry); err != nil {
		log.Error().Err(err).Msg("register gap-fill task")
		return exitStartup
	}

	engine := jobs.NewEngine(jobs.Config{
		Workers:    cfg.Jobs.Workers,
		MaxHistory: cfg.Jobs.MaxHistory,
	}, registry, histStore, log)

	sched := schedule.New(schedStore, engine, log)
	engine.OnTerminal = sched.RecordResult
	if err := sched.Load(); err != nil {
		log.Error().Err(err).Msg("load schedules")
		return exitStartup
	}
	if history, err := histStore.List(cfg.Jobs.MaxHistory); err == nil {
		engine.Resume(history)
	} else {
		log.Warn().Err(err).Msg("resume execution history")
	}

	scorer, err := degrade.New(degradeConfig(cfg.Degrade), monitor, log)
	if err != nil {
		log.Error().Err(err).Msg("initialise degradation scorer")
		return exitStartup
	}

	snapshotter := status.New(counters, pipe, monitor, skew, scorer, orch, engine, log)

	var lifecycle conc.WaitGroup
	pipe.Start(ctx, pipeline.SinkFunc(func(_ context.Context, evt schema.MarketEvent) error {
		return writer.Write(evt)
	}))
	lifecycle.Go(func() { monitor.Run(ctx) })
	lifecycle.Go(func() { scorer.Run(ctx) })
	lifecycle.Go(func() { aggregator.Run(ctx) })
	lifecycle.Go(func() { engine.Run(ctx) })
	lifecycle.Go(func() { sched.Run(ctx) })
	lifecycle.Go(func() { snapshotter.Run(ctx, cfg.StatusInterval) })
	if fl, ok := coord.(*coordinator.FileLock); ok {
		lifecycle.Go(func() { fl.Run(ctx, cfg.Coordinator.HeartbeatInterval) })
	}
	lifecycle.Go(func() { runFailover(ctx, scorer, orch, providers, primary.Name(), log) })

	if cfg.SymbolUniverse != "" {
		if specs, err := config.LoadUniverse(cfg.SymbolUniverse); err != nil {
			log.Error().Err(err).Msg("load symbol universe")
		} else if err := orch.Apply(ctx, specs); err != nil {
			log.Error().Err(err).Msg("apply symbol universe")
		}
		watcher := config.NewUniverseWatcher(cfg.SymbolUniverse, orch.Apply, log)
		lifecycle.Go(func() { _ = watcher.Run(ctx) })
	}

	if cfg.HTTP.Addr != "" {
		server := httpserver.NewServer(cfg.HTTP.Addr,
			httpserver.NewHandler(snapshotter, sched, engine),
			cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, log)
		lifecycle.Go(func() {
			if err := server.Run(ctx); err != nil {
				log.Error().Err(err).Msg("control server")
			}
		})
	}

	log.Info().Msg("engine started; awaiting shutdown signal")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	performGracefulShutdown(shutdownCtx, log, pipe, &lifecycle, telemetryProvider)
	return exitOK
}

func parseFlags() cliFlags {
	var flags cliFlags
	flag.StringVar(&flags.configPath, "config", "", fmt.Sprintf("path to configuration file (default: %s)", defaultConfigPath))
	flag.StringVar(&flags.dataRoot, "data-root", "", "override the archive data root")
	flag.IntVar(&flags.drainTimeoutSec, "drain-timeout", 0, "override the pipeline drain timeout in seconds")
	flag.IntVar(&flags.pipelineCapacity, "pipeline-capacity", 0, "override the pipeline capacity")
	flag.Parse()
	return flags
}

// loadConfig resolves the file path and layers flag overrides on top of the
// loaded configuration. Flags win over environment over file.
func loadConfig(flags cliFlags) (config.Config, error) {
	path := flags.configPath
	if path == "" {
		path = filepath.Clean(defaultConfigPath)
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if flags.dataRoot != "" {
		cfg.DataRoot = flags.dataRoot
	}
	if flags.drainTimeoutSec > 0 {
		cfg.Pipeline.DrainTimeout = time.Duration(flags.drainTimeoutSec) * time.Second
	}
	if flags.pipelineCapacity > 0 {
		cfg.Pipeline.Capacity = flags.pipelineCapacity
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func buildStores(ctx context.Context, cfg config.Config, log zerolog.Logger) (schedule.Store, jobs.HistoryStore, func(), error) {
	if cfg.Postgres.DSN != "" {
		if err := migrations.Apply(ctx, cfg.Postgres.DSN, log); err != nil {
			return nil, nil, nil, err
		}
		pool, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info().Msg("postgres stores selected")
		store := postgres.New(pool)
		return store.Schedules(), store.Executions(), pool.Close, nil
	}

	stateDir := filepath.Join(cfg.DataRoot, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	schedPath := cfg.Scheduler.StorePath
	if schedPath == "" {
		schedPath = filepath.Join(stateDir, "schedules.json")
	}
	histPath := cfg.Jobs.HistoryPath
	if histPath == "" {
		histPath = filepath.Join(stateDir, "executions.json")
	}
	schedStore, err := schedule.NewFileStore(schedPath)
	if err != nil {
		return nil, nil, nil, err
	}
	histStore, err := jobs.NewFileHistory(histPath, cfg.Jobs.MaxHistory)
	if err != nil {
		return nil, nil, nil, err
	}
	return schedStore, histStore, func() {}, nil
}

func buildAlerting(cfg config.AlertingConfig, log zerolog.Logger) *alerting.Aggregator {
	emitters := []alerting.Emitter{alerting.NewLogEmitter(log)}
	if cfg.WebhookURL != "" {
		emitters = append(emitters, alerting.NewWebhookEmitter(cfg.WebhookURL, "tickvault"))
	}
	return alerting.NewAggregator(alerting.Config{
		Window:        cfg.Window,
		DedupCooldown: cfg.DedupCooldown,
		MaxBatchSize:  cfg.MaxBatchSize,
	}, alerting.NewMultiEmitter(emitters...), log)
}

func applyTickOverrides(chain *validate.Chain, overrides map[string]string, log zerolog.Logger) {
	for symbol, raw := range overrides {
		tick, err := decimal.NewFromString(raw)
		if err != nil {
			log.Warn().Str("symbol", symbol).Str("tick", raw).Msg("ignoring malformed tick override")
			continue
		}
		chain.TickSize().SetOverride(schema.NormalizeSymbol(symbol), tick)
	}
}

func buildProviders(ctx context.Context, cfg config.Config, funnel *ingest.Funnel, monitor *health.Monitor, log zerolog.Logger) (*provider.Manager, provider.Client, error) {
	registry := provider.NewRegistry()
	if err := sim.Register(registry); err != nil {
		return nil, nil, err
	}
	if err := wsfeed.Register(registry, log); err != nil {
		return nil, nil, err
	}
	manager := provider.NewManager(registry, log)

	specs := make([]provider.Spec, 0, len(cfg.Providers))
	enabled := 0
	for _, pc := range cfg.Providers {
		specs = append(specs, provider.Spec{
			Name:     pc.Name,
			Adapter:  pc.Adapter,
			Enabled:  pc.Enabled,
			Settings: pc.Settings,
		})
		if pc.Enabled {
			enabled++
			monitor.Track(pc.Name, pc.Name)
		}
	}
	if enabled == 0 {
		// No providers is a valid maintenance-only deployment; fall back to an
		// idle sim client so the orchestrator has a target.
		specs = append(specs, provider.Spec{Name: "none", Adapter: sim.AdapterIdentifier, Enabled: true})
		log.Warn().Msg("no providers configured; collection disabled")
	}
	if err := manager.Start(ctx, specs, funnel.Handle); err != nil {
		return nil, nil, err
	}

	var primary provider.Client
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		monitor.MarkConnected(pc.Name)
		if primary == nil {
			if client, ok := manager.Client(pc.Name); ok {
				primary = client
			}
		}
	}
	if primary == nil {
		client, ok := manager.Client("none")
		if !ok {
			return nil, nil, errors.New("provider manager lost fallback client")
		}
		primary = client
	}
	return manager, primary, nil
}

func closeProviders(manager *provider.Manager) {
	closeCtx, cancel := context.WithTimeout(context.Background(), lifecycleShutdownTimeout)
	defer cancel()
	manager.Close(closeCtx)
}

func buildCoordinator(cfg config.CoordinatorConfig, log zerolog.Logger) (coordinator.Coordinator, error) {
	if cfg.Mode != "file" {
		return coordinator.NewNoop(), nil
	}
	return coordinator.NewFileLock(coordinator.FileLockConfig{
		Dir:               cfg.Dir,
		InstanceID:        cfg.InstanceID,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, log)
}

func degradeConfig(cfg config.DegradeConfig) degrade.Config {
	out := degrade.Config{
		EvaluationInterval:   cfg.EvaluationInterval,
		DegradationThreshold: cfg.DegradationThreshold,
		LatencyThreshold:     cfg.LatencyThreshold,
		LatencyMax:           cfg.LatencyMax,
	}
	weights := degrade.Weights{
		Connection: cfg.ConnectionWeight,
		Latency:    cfg.LatencyWeight,
		ErrorRate:  cfg.ErrorRateWeight,
		Reconnect:  cfg.ReconnectWeight,
	}
	if weights != (degrade.Weights{}) {
		out.Weights = weights
	}
	return out
}

// runFailover switches the orchestrator to the healthiest provider when the
// active one degrades.
func runFailover(ctx context.Context, scorer *degrade.Scorer, orch *orchestrator.Orchestrator, providers *provider.Manager, active string, log zerolog.Logger) {
	names := providers.Names()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-scorer.Events():
			if !ok {
				return
			}
			if !ev.Degraded || !strings.EqualFold(ev.Provider, active) {
				continue
			}
			best, found := scorer.SelectBest(names, active)
			if !found || best == active {
				log.Warn().Str("provider", active).Msg("active provider degraded; no failover candidate")
				continue
			}
			client, ok := providers.Client(best)
			if !ok {
				continue
			}
			log.Warn().Str("from", active).Str("to", best).Msg("failing over provider")
			if err := orch.SwitchProvider(ctx, client); err != nil {
				log.Error().Err(err).Str("to", best).Msg("provider switch failed")
				continue
			}
			active = best
		}
	}
}

func performGracefulShutdown(ctx context.Context, log zerolog.Logger, pipe *pipeline.Pipeline, lifecycle *conc.WaitGroup, telemetryProvider telemetry.Provider) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		log.Info().Str("step", name).Msg("shutdown step")
		if err := fn(stepCtx); err != nil {
			log.Warn().Err(err).Str("step", name).Msg("shutdown step failed")
		}
	}

	shutdownStep("draining pipeline", shutdownTimeout, pipe.Shutdown)

	shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})

	shutdownStep("flushing telemetry", telemetryShutdownTimeout, telemetryProvider.Shutdown)
}
