// Package config loads the tickvault configuration tree: defaults, then the
// YAML file, then TICKVAULT_* environment overrides. Load runs the
// applyDefaults, normalise, and Validate phases in that order.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/quantfeed/tickvault/errs"
)

// LoggingConfig controls the root zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"TICKVAULT_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"TICKVAULT_LOG_PRETTY"`
}

// TelemetryConfig controls the OTLP metric exporter. An empty endpoint
// disables export; instruments still record locally.
type TelemetryConfig struct {
	Endpoint string        `yaml:"endpoint" env:"TICKVAULT_OTLP_ENDPOINT"`
	Insecure bool          `yaml:"insecure" env:"TICKVAULT_OTLP_INSECURE"`
	Interval time.Duration `yaml:"interval" env:"TICKVAULT_OTLP_INTERVAL"`
}

// PipelineConfig sizes the bounded event pipeline.
type PipelineConfig struct {
	Capacity     int           `yaml:"capacity" env:"TICKVAULT_PIPELINE_CAPACITY"`
	DrainTimeout time.Duration `yaml:"drainTimeout" env:"TICKVAULT_DRAIN_TIMEOUT"`
}

// ProviderConfig declares one provider adapter instance.
type ProviderConfig struct {
	Name     string         `yaml:"name"`
	Adapter  string         `yaml:"adapter"`
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// OrchestratorConfig tunes subscription reconciliation.
type OrchestratorConfig struct {
	StatePath          string  `yaml:"statePath"`
	ControlCallsPerSec float64 `yaml:"controlCallsPerSec"`
	ControlBurst       int     `yaml:"controlBurst"`
}

// CoordinatorConfig selects the symbol-ownership backend.
type CoordinatorConfig struct {
	// Mode is "noop" (single instance, default) or "file".
	Mode              string        `yaml:"mode" env:"TICKVAULT_COORDINATOR_MODE"`
	Dir               string        `yaml:"dir"`
	InstanceID        string        `yaml:"instanceId" env:"TICKVAULT_INSTANCE_ID"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// HealthConfig tunes the connection monitor.
type HealthConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeatTimeout"`
	MaxMissedHeartbeats int           `yaml:"maxMissedHeartbeats"`
}

// SchedulerConfig locates the schedule store.
type SchedulerConfig struct {
	StorePath string `yaml:"storePath"`
}

// JobsConfig tunes the execution engine.
type JobsConfig struct {
	Workers     int    `yaml:"workers" env:"TICKVAULT_JOB_WORKERS"`
	MaxHistory  int    `yaml:"maxHistory"`
	HistoryPath string `yaml:"historyPath"`
}

// DegradeConfig tunes the provider scorer. Weight and threshold semantics
// live in the degrade package; zero values select its defaults.
type DegradeConfig struct {
	EvaluationInterval   time.Duration `yaml:"evaluationInterval"`
	DegradationThreshold float64       `yaml:"degradationThreshold"`
	LatencyThreshold     time.Duration `yaml:"latencyThreshold"`
	LatencyMax           time.Duration `yaml:"latencyMax"`
	ConnectionWeight     float64       `yaml:"connectionWeight"`
	LatencyWeight        float64       `yaml:"latencyWeight"`
	ErrorRateWeight      float64       `yaml:"errorRateWeight"`
	ReconnectWeight      float64       `yaml:"reconnectWeight"`
}

// AlertingConfig tunes the aggregator and its emitters.
type AlertingConfig struct {
	Window        time.Duration `yaml:"window"`
	DedupCooldown time.Duration `yaml:"dedupCooldown"`
	MaxBatchSize  int           `yaml:"maxBatchSize"`
	WebhookURL    string        `yaml:"webhookUrl" env:"TICKVAULT_ALERT_WEBHOOK_URL"`
}

// ValidateConfig tunes the data-quality validators.
type ValidateConfig struct {
	DivergenceThresholdBps float64           `yaml:"divergenceThresholdBps"`
	AlertCooldown          time.Duration     `yaml:"alertCooldown"`
	TickSizeOverrides      map[string]string `yaml:"tickSizeOverrides,omitempty"`
}

// HTTPConfig sizes the control surface listener. An empty address disables
// the server.
type HTTPConfig struct {
	Addr         string        `yaml:"addr" env:"TICKVAULT_HTTP_ADDR"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// PostgresConfig enables the database-backed schedule and execution stores
// when a DSN is set; otherwise the JSON file stores are used.
type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"TICKVAULT_POSTGRES_DSN"`
}

// Config is the full tickvault configuration tree.
type Config struct {
	Environment    string             `yaml:"environment" env:"TICKVAULT_ENV"`
	DataRoot       string             `yaml:"dataRoot" env:"TICKVAULT_DATA_ROOT"`
	SymbolUniverse string             `yaml:"symbolUniverse" env:"TICKVAULT_SYMBOL_UNIVERSE"`
	StatusInterval time.Duration      `yaml:"statusInterval"`
	Logging        LoggingConfig      `yaml:"logging"`
	Telemetry      TelemetryConfig    `yaml:"telemetry"`
	Pipeline       PipelineConfig     `yaml:"pipeline"`
	Providers      []ProviderConfig   `yaml:"providers"`
	Orchestrator   OrchestratorConfig `yaml:"orchestrator"`
	Coordinator    CoordinatorConfig  `yaml:"coordinator"`
	Health         HealthConfig       `yaml:"health"`
	Scheduler      SchedulerConfig    `yaml:"scheduler"`
	Jobs           JobsConfig         `yaml:"jobs"`
	Degrade        DegradeConfig      `yaml:"degrade"`
	Alerting       AlertingConfig     `yaml:"alerting"`
	Validate       ValidateConfig     `yaml:"validate"`
	HTTP           HTTPConfig         `yaml:"http"`
	Postgres       PostgresConfig     `yaml:"postgres"`
}

// Default returns the configuration with every default applied.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file (optional when path is empty), applies
// TICKVAULT_* environment overrides, then defaults, normalisation, and
// validation. Env wins over file over defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errs.New("config/load", errs.KindValidation,
				errs.WithMessage("config file unreadable"), errs.WithCause(err))
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errs.New("config/load", errs.KindValidation,
				errs.WithMessage("config file malformed"), errs.WithCause(err))
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errs.New("config/load", errs.KindValidation,
			errs.WithMessage("environment override malformed"), errs.WithCause(err))
	}
	cfg.applyDefaults()
	cfg.normalise()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "prod"
	}
	if c.DataRoot == "" {
		c.DataRoot = "./data"
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Telemetry.Interval <= 0 {
		c.Telemetry.Interval = 15 * time.Second
	}
	if c.Pipeline.Capacity <= 0 {
		c.Pipeline.Capacity = 100_000
	}
	if c.Pipeline.DrainTimeout <= 0 {
		c.Pipeline.DrainTimeout = 30 * time.Second
	}
	if c.Coordinator.Mode == "" {
		c.Coordinator.Mode = "noop"
	}
	if c.Coordinator.HeartbeatInterval <= 0 {
		c.Coordinator.HeartbeatInterval = 30 * time.Second
	}
	if c.Health.HeartbeatInterval <= 0 {
		c.Health.HeartbeatInterval = 30 * time.Second
	}
	if c.Health.HeartbeatTimeout <= 0 {
		c.Health.HeartbeatTimeout = time.Minute
	}
	if c.Health.MaxMissedHeartbeats <= 0 {
		c.Health.MaxMissedHeartbeats = 3
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 30 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}
}

func (c *Config) normalise() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Coordinator.Mode = strings.ToLower(strings.TrimSpace(c.Coordinator.Mode))
	for i := range c.Providers {
		c.Providers[i].Name = strings.TrimSpace(c.Providers[i].Name)
		c.Providers[i].Adapter = strings.ToLower(strings.TrimSpace(c.Providers[i].Adapter))
	}
}

// validate rejects configurations the engine cannot start with.
func (c Config) validate() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return errs.New("config/validate", errs.KindValidation,
			errs.WithMessage("unknown log level"), errs.WithField("level", c.Logging.Level))
	}
	switch c.Coordinator.Mode {
	case "noop":
	case "file":
		if c.Coordinator.Dir == "" {
			return errs.New("config/validate", errs.KindValidation,
				errs.WithMessage("file coordinator requires dir"))
		}
	default:
		return errs.New("config/validate", errs.KindValidation,
			errs.WithMessage("unknown coordinator mode"), errs.WithField("mode", c.Coordinator.Mode))
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" || p.Adapter == "" {
			return errs.New("config/validate", errs.KindValidation,
				errs.WithMessage("provider entries require name and adapter"))
		}
		if _, dup := seen[p.Name]; dup {
			return errs.New("config/validate", errs.KindValidation,
				errs.WithMessage("duplicate provider name"), errs.WithProvider(p.Name))
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}
