// Package config provides configuration loading, validation and hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/meterd/domain/alert"
	"github.com/artpar/meterd/domain/plan"
	"github.com/artpar/meterd/domain/trend"
	"github.com/artpar/meterd/domain/usage"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Journal     JournalConfig     `yaml:"journal"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Counters    CountersConfig    `yaml:"counters"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Forecast    ForecastConfig    `yaml:"forecast"`
	Notify      NotifyConfig      `yaml:"notify"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	OpenAPI     OpenAPIConfig     `yaml:"openapi"`
	Plans       []PlanConfig      `yaml:"plans"`
	DefaultPlan string            `yaml:"default_plan"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	NodeID         int64         `yaml:"node_id"` // snowflake node, 0-1023; unique per instance
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// RedisConfig configures the Redis connection used for alert fan-out.
// An empty address disables Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// JournalConfig configures the ingestion journal and the event log.
type JournalConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxEventAge   time.Duration `yaml:"max_event_age"` // older events are rejected
	Retention     time.Duration `yaml:"retention"`     // event log rows older than this are pruned; 0 keeps everything
}

// IdempotencyConfig configures duplicate detection.
type IdempotencyConfig struct {
	Retention time.Duration `yaml:"retention"`
	Shards    int           `yaml:"shards"`
}

// CountersConfig configures the in-memory counter store.
type CountersConfig struct {
	Shards  int           `yaml:"shards"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// SchedulerConfig configures background jobs. A zero interval disables a job.
type SchedulerConfig struct {
	RollupInterval     time.Duration `yaml:"rollup_interval"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	AlertInterval      time.Duration `yaml:"alert_interval"`
	EvictInterval      time.Duration `yaml:"evict_interval"`
	PruneInterval      time.Duration `yaml:"prune_interval"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	EnabledJobs        []string      `yaml:"enabled_jobs"` // empty enables every job
}

// AlertsConfig configures alert thresholds.
type AlertsConfig struct {
	Warning           float64 `yaml:"warning"`  // percent of limit
	Critical          float64 `yaml:"critical"` // percent of limit
	UnusualMultiplier float64 `yaml:"unusual_multiplier"`
	CostSpikeRatio    float64 `yaml:"cost_spike_ratio"`
	RateLimitClear    int     `yaml:"rate_limit_clear_runs"`
	HistoryRecords    int     `yaml:"history_records"`
}

// Ladder returns the thresholds as an alert ladder.
func (a AlertsConfig) Ladder() alert.Ladder {
	return alert.Ladder{
		Warning:           a.Warning,
		Critical:          a.Critical,
		UnusualMultiplier: a.UnusualMultiplier,
		CostSpikeRatio:    a.CostSpikeRatio,
		RateLimitClear:    a.RateLimitClear,
	}
}

// ForecastConfig configures trends, forecasts and read caches.
type ForecastConfig struct {
	Method       string        `yaml:"method"` // "endpoints" or "regression"
	MinPoints    int           `yaml:"min_points"`
	StableBand   float64       `yaml:"stable_band"`
	FullSupportN int           `yaml:"full_support_n"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	SnapshotTTL  time.Duration `yaml:"snapshot_ttl"`
}

// Trend returns the forecast settings as a trend config.
func (f ForecastConfig) Trend() trend.Config {
	return trend.Config{
		Method:       trend.Method(f.Method),
		MinPoints:    f.MinPoints,
		StableBand:   f.StableBand,
		FullSupportN: f.FullSupportN,
	}
}

// NotifyConfig configures where alert transitions are delivered.
type NotifyConfig struct {
	Log     bool          `yaml:"log"`   // log every transition
	Redis   bool          `yaml:"redis"` // publish on the redis channel
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig configures the signed webhook sink.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// ArchiveConfig configures the S3 copy of closed records.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Prefix          string `yaml:"prefix"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: /metrics
}

// OpenAPIConfig configures the OpenAPI document and Swagger UI.
type OpenAPIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PriceConfig is a per-metric price.
type PriceConfig struct {
	UnitSize     int64 `yaml:"unit_size"`
	UnitCents    int64 `yaml:"unit_cents"`
	OverageCents int64 `yaml:"overage_cents"`
}

// PlanConfig configures a subscription tier.
type PlanConfig struct {
	ID                string                 `yaml:"id"`
	Name              string                 `yaml:"name"`
	BillingCycle      string                 `yaml:"billing_cycle"`
	Currency          string                 `yaml:"currency"`
	APICallsPerMinute int64                  `yaml:"api_calls_per_minute"`
	APICallsPerDay    int64                  `yaml:"api_calls_per_day"`
	StorageGB         int64                  `yaml:"storage_gb"`
	BandwidthGB       int64                  `yaml:"bandwidth_gb"`
	ComputeHours      int64                  `yaml:"compute_hours"`
	Limits            map[string]int64       `yaml:"limits"`
	TeamMembers       int                    `yaml:"team_members"`
	Projects          int                    `yaml:"projects"`
	AllowOverage      bool                   `yaml:"allow_overage"`
	OverageRateCents  int64                  `yaml:"overage_rate_cents"`
	BaseCents         int64                  `yaml:"base_cents"`
	SupportCents      int64                  `yaml:"support_cents"`
	Prices            map[string]PriceConfig `yaml:"prices"`
	ProductCents      map[string]int64       `yaml:"product_cents"`
	TaxBasisPoints    int64                  `yaml:"tax_basis_points"`
}

// Plan converts the configured tier to a plan value.
func (p PlanConfig) Plan() plan.Plan {
	out := plan.Plan{
		ID:                p.ID,
		Name:              p.Name,
		BillingCycle:      usage.Cycle(p.BillingCycle),
		Currency:          p.Currency,
		APICallsPerMinute: p.APICallsPerMinute,
		APICallsPerDay:    p.APICallsPerDay,
		StorageGB:         p.StorageGB,
		BandwidthGB:       p.BandwidthGB,
		ComputeHours:      p.ComputeHours,
		TeamMembers:       p.TeamMembers,
		Projects:          p.Projects,
		AllowOverage:      p.AllowOverage,
		OverageRateCents:  p.OverageRateCents,
		BaseCents:         p.BaseCents,
		SupportCents:      p.SupportCents,
		ProductCents:      p.ProductCents,
		TaxBasisPoints:    p.TaxBasisPoints,
	}
	if len(p.Limits) > 0 {
		out.Limits = make(map[usage.Metric]int64, len(p.Limits))
		for m, v := range p.Limits {
			out.Limits[usage.Metric(m)] = v
		}
	}
	if len(p.Prices) > 0 {
		out.Prices = make(map[usage.Metric]plan.Price, len(p.Prices))
		for m, pr := range p.Prices {
			out.Prices[usage.Metric(m)] = plan.Price{UnitSize: pr.UnitSize, UnitCents: pr.UnitCents, OverageCents: pr.OverageCents}
		}
	}
	return out
}

// Catalog builds the plan catalog from the configured tiers.
func (c *Config) Catalog() (*plan.Catalog, error) {
	plans := make([]plan.Plan, len(c.Plans))
	for i, p := range c.Plans {
		plans[i] = p.Plan()
	}
	return plan.NewCatalog(plans, c.DefaultPlan)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds configuration from YAML bytes: ${VAR} references are
// expanded, METERD_* environment variables override the file, then
// defaults are applied and the result validated.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// This is useful for container deployments where no config file is needed.
//
// Environment variables:
//
//	METERD_SERVER_HOST       - Server host (default: 0.0.0.0)
//	METERD_SERVER_PORT       - Server port (default: 8080)
//	METERD_DATABASE_DRIVER   - sqlite or memory (default: sqlite)
//	METERD_DATABASE_DSN      - Database path (default: meterd.db)
//	METERD_REDIS_ADDR        - Redis address for alert fan-out
//	METERD_NOTIFY_WEBHOOK_URL - Webhook receiving alert transitions
//	METERD_ARCHIVE_BUCKET    - S3 bucket for closed records
//	METERD_LOG_LEVEL         - Log level: debug, info, warn, error (default: info)
//	METERD_LOG_FORMAT        - Log format: json or console (default: json)
//	METERD_METRICS_ENABLED   - Enable /metrics endpoint (default: true)
//	METERD_OPENAPI_ENABLED   - Enable OpenAPI/Swagger (default: true)
func LoadFromEnv() (*Config, error) {
	return Parse(nil)
}

// LoadWithFallback loads from the file when it exists, otherwise from the
// environment with the built-in free plan.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies METERD_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("METERD_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("METERD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("METERD_SERVER_NODE_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.NodeID = n
		}
	}
	envDuration("METERD_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("METERD_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	if v := os.Getenv("METERD_SERVER_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}

	// Database configuration
	if v := os.Getenv("METERD_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("METERD_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Redis configuration
	if v := os.Getenv("METERD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Notify.Redis = true
	}
	if v := os.Getenv("METERD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Journal configuration
	if v := os.Getenv("METERD_JOURNAL_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Journal.QueueSize = n
		}
	}
	envDuration("METERD_JOURNAL_RETENTION", &cfg.Journal.Retention)
	envDuration("METERD_IDEMPOTENCY_RETENTION", &cfg.Idempotency.Retention)

	// Scheduler configuration
	envDuration("METERD_SCHEDULER_ROLLUP_INTERVAL", &cfg.Scheduler.RollupInterval)
	envDuration("METERD_SCHEDULER_ALERT_INTERVAL", &cfg.Scheduler.AlertInterval)
	if v := os.Getenv("METERD_SCHEDULER_ENABLED_JOBS"); v != "" {
		cfg.Scheduler.EnabledJobs = splitList(v)
	}

	// Notification configuration
	if v := os.Getenv("METERD_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.Webhook.URL = v
	}
	if v := os.Getenv("METERD_NOTIFY_WEBHOOK_SECRET"); v != "" {
		cfg.Notify.Webhook.Secret = v
	}

	// Archive configuration
	if v := os.Getenv("METERD_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
		cfg.Archive.Enabled = true
	}
	if v := os.Getenv("METERD_ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("METERD_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}

	// Plans
	if v := os.Getenv("METERD_DEFAULT_PLAN"); v != "" {
		cfg.DefaultPlan = v
	}

	// Logging configuration
	if v := os.Getenv("METERD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METERD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("METERD_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("METERD_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}

	// OpenAPI configuration
	if v := os.Getenv("METERD_OPENAPI_ENABLED"); v != "" {
		cfg.OpenAPI.Enabled = parseBool(v)
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "meterd.db"
	}

	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "meterd:alerts"
	}

	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 10000
	}
	if cfg.Journal.BatchSize == 0 {
		cfg.Journal.BatchSize = 500
	}
	if cfg.Journal.FlushInterval == 0 {
		cfg.Journal.FlushInterval = time.Second
	}
	if cfg.Journal.WriteTimeout == 0 {
		cfg.Journal.WriteTimeout = 10 * time.Second
	}
	if cfg.Journal.MaxEventAge == 0 {
		cfg.Journal.MaxEventAge = 7 * 24 * time.Hour
	}

	if cfg.Idempotency.Retention == 0 {
		cfg.Idempotency.Retention = 24 * time.Hour
	}
	if cfg.Idempotency.Shards == 0 {
		cfg.Idempotency.Shards = 64
	}
	if cfg.Counters.Shards == 0 {
		cfg.Counters.Shards = 64
	}
	if cfg.Counters.IdleTTL == 0 {
		cfg.Counters.IdleTTL = 48 * time.Hour
	}

	if cfg.Scheduler.RollupInterval == 0 {
		cfg.Scheduler.RollupInterval = time.Minute
	}
	if cfg.Scheduler.CheckpointInterval == 0 {
		cfg.Scheduler.CheckpointInterval = 30 * time.Second
	}
	if cfg.Scheduler.AlertInterval == 0 {
		cfg.Scheduler.AlertInterval = time.Minute
	}
	if cfg.Scheduler.EvictInterval == 0 {
		cfg.Scheduler.EvictInterval = time.Hour
	}
	if cfg.Scheduler.PruneInterval == 0 {
		cfg.Scheduler.PruneInterval = 6 * time.Hour
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = 30 * time.Second
	}

	ladder := alert.DefaultLadder()
	if cfg.Alerts.Warning == 0 {
		cfg.Alerts.Warning = ladder.Warning
	}
	if cfg.Alerts.Critical == 0 {
		cfg.Alerts.Critical = ladder.Critical
	}
	if cfg.Alerts.UnusualMultiplier == 0 {
		cfg.Alerts.UnusualMultiplier = ladder.UnusualMultiplier
	}
	if cfg.Alerts.CostSpikeRatio == 0 {
		cfg.Alerts.CostSpikeRatio = ladder.CostSpikeRatio
	}
	if cfg.Alerts.RateLimitClear == 0 {
		cfg.Alerts.RateLimitClear = ladder.RateLimitClear
	}
	if cfg.Alerts.HistoryRecords == 0 {
		cfg.Alerts.HistoryRecords = 30
	}

	tc := trend.DefaultConfig()
	if cfg.Forecast.Method == "" {
		cfg.Forecast.Method = string(tc.Method)
	}
	if cfg.Forecast.MinPoints == 0 {
		cfg.Forecast.MinPoints = tc.MinPoints
	}
	if cfg.Forecast.StableBand == 0 {
		cfg.Forecast.StableBand = tc.StableBand
	}
	if cfg.Forecast.FullSupportN == 0 {
		cfg.Forecast.FullSupportN = tc.FullSupportN
	}
	if cfg.Forecast.CacheTTL == 0 {
		cfg.Forecast.CacheTTL = 5 * time.Minute
	}
	if cfg.Forecast.SnapshotTTL == 0 {
		cfg.Forecast.SnapshotTTL = 5 * time.Second
	}

	if cfg.Notify.Webhook.Timeout == 0 {
		cfg.Notify.Webhook.Timeout = 10 * time.Second
	}

	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-east-1"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "usage-records"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Default free plan if none configured
	if len(cfg.Plans) == 0 {
		cfg.Plans = []PlanConfig{{
			ID:                "free",
			Name:              "Free",
			APICallsPerMinute: 60,
			APICallsPerDay:    1000,
			StorageGB:         1,
			BandwidthGB:       1,
			TeamMembers:       1,
			Projects:          1,
		}}
		if cfg.DefaultPlan == "" {
			cfg.DefaultPlan = "free"
		}
	}
	for i := range cfg.Plans {
		if cfg.Plans[i].BillingCycle == "" {
			cfg.Plans[i].BillingCycle = string(usage.CycleMonthly)
		}
		if cfg.Plans[i].Currency == "" {
			cfg.Plans[i].Currency = "USD"
		}
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Server.NodeID < 0 || cfg.Server.NodeID > 1023 {
		return fmt.Errorf("server.node_id must be between 0 and 1023, got %d", cfg.Server.NodeID)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if cfg.Alerts.Warning <= 0 || cfg.Alerts.Warning >= cfg.Alerts.Critical {
		return fmt.Errorf("alerts.warning must be positive and below alerts.critical")
	}

	switch trend.Method(cfg.Forecast.Method) {
	case trend.MethodEndpoints, trend.MethodRegression:
	default:
		return fmt.Errorf("forecast.method must be 'endpoints' or 'regression', got %q", cfg.Forecast.Method)
	}

	if cfg.Notify.Redis && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when notify.redis is enabled")
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}

	for i, p := range cfg.Plans {
		if p.ID == "" {
			return fmt.Errorf("plans[%d].id is required", i)
		}
	}
	if _, err := cfg.Catalog(); err != nil {
		return err
	}

	return nil
}
