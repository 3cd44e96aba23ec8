package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/i474232898/air-quality-ingestion/internal/logging"
	"github.com/i474232898/air-quality-ingestion/internal/scheduler"
)

// Backend values for QUEUE_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type AppConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// DatabaseURL selects PostgreSQL; empty keeps measurements in memory.
	DatabaseURL string        `env:"DATABASE_URL"`
	DBMaxConns  int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	StoreMaxAge time.Duration `env:"STORE_MAX_AGE" envDefault:"0s"` // memory store only, 0 = unlimited

	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"memory"`
	Redis        RedisConfig

	CursorLookback time.Duration `env:"CURSOR_LOOKBACK" envDefault:"15m"`

	Cache   CacheConfig   `envPrefix:"CACHE_"`
	Breaker BreakerConfig `envPrefix:"BREAKER_"`
	Jobs    JobsConfig    `envPrefix:"JOB_"`

	Aggregation AggregationConfig `envPrefix:"AGGREGATION_"`

	Serpram  SerpramConfig  `envPrefix:"SERPRAM_"`
	Ayt      AytConfig      `envPrefix:"AYT_"`
	Esinfa   EsinfaConfig   `envPrefix:"ESINFA_"`
	Sercoamb SercoambConfig `envPrefix:"SERCOAMB_"`

	location *time.Location
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Username string `env:"REDIS_USERNAME"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
}

type CacheConfig struct {
	TTL       time.Duration `env:"TTL" envDefault:"24h"`
	Staleness time.Duration `env:"STALENESS" envDefault:"60s"`
	Lookback  time.Duration `env:"LOOKBACK" envDefault:"72h"`
}

type BreakerConfig struct {
	FailureRatio float64       `env:"FAILURE_RATIO" envDefault:"0.5"`
	MinRequests  uint32        `env:"MIN_REQUESTS" envDefault:"5"`
	Window       time.Duration `env:"WINDOW" envDefault:"10m"`
	Cooldown     time.Duration `env:"COOLDOWN" envDefault:"30s"`
	CallTimeout  time.Duration `env:"CALL_TIMEOUT" envDefault:"10s"`
	// Slow upstreams (SERPRAM, AYT) get a longer cooldown and call timeout.
	SlowCooldown    time.Duration `env:"SLOW_COOLDOWN" envDefault:"60s"`
	SlowCallTimeout time.Duration `env:"SLOW_CALL_TIMEOUT" envDefault:"15s"`
}

type JobsConfig struct {
	Attempts      int           `env:"ATTEMPTS" envDefault:"3"`
	Backoff       time.Duration `env:"BACKOFF" envDefault:"2s"`
	KeepCompleted int           `env:"KEEP_COMPLETED" envDefault:"100"`
	KeepFailed    int           `env:"KEEP_FAILED" envDefault:"500"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"2m"`
}

type AggregationConfig struct {
	Timezone string `env:"TIMEZONE" envDefault:"America/Santiago"`
	// Pairs is a comma separated STATION:VARIABLE list; empty uses the built-in set.
	Pairs     string        `env:"PAIRS"`
	Cron      string        `env:"CRON" envDefault:"0 * * * *"`
	Retention time.Duration `env:"RETENTION" envDefault:"720h"`
	// ArchiveCron drives deletion of averages older than Retention.
	ArchiveCron string `env:"ARCHIVE_CRON" envDefault:"0 3 * * *"`
}

type SerpramConfig struct {
	Enabled  bool          `env:"ENABLED" envDefault:"true"`
	AuthURL  string        `env:"AUTH_URL"`
	BaseURL  string        `env:"BASE_URL"`
	User     string        `env:"USER"`
	Password string        `env:"PASSWORD"`
	Cron     string        `env:"CRON" envDefault:"*/5 * * * *"`
	Backoff  time.Duration `env:"BACKOFF" envDefault:"5s"`
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
}

type AytConfig struct {
	Enabled  bool          `env:"ENABLED" envDefault:"true"`
	BaseURL  string        `env:"BASE_URL"`
	User     string        `env:"USER"`
	Password string        `env:"PASSWORD"`
	CemsID   string        `env:"CEMS_ID" envDefault:"01"`
	Tags     []string      `env:"TAGS" envSeparator:","`
	Cron     string        `env:"CRON" envDefault:"* * * * *"`
	Backoff  time.Duration `env:"BACKOFF" envDefault:"3s"`
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
}

type EsinfaConfig struct {
	Enabled    bool          `env:"ENABLED" envDefault:"true"`
	AuthURL    string        `env:"AUTH_URL"`
	BaseURL    string        `env:"BASE_URL"`
	User       string        `env:"USER"`
	Password   string        `env:"PASSWORD"`
	ClientName string        `env:"CLIENT_NAME" envDefault:"esinfa"`
	Cron       string        `env:"CRON" envDefault:"*/5 * * * *"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
}

type SercoambConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"true"`
	Cron    string `env:"CRON" envDefault:"*/5 * * * *"`

	VictoriaURL       string `env:"VICTORIA_URL"`
	VictoriaUser      string `env:"VICTORIA_USER"`
	VictoriaPassword  string `env:"VICTORIA_PASSWORD"`
	VictoriaStationID string `env:"VICTORIA_STATION_ID" envDefault:"E10"`

	TamenticaURL        string `env:"TAMENTICA_URL"`
	TamenticaTerminalID string `env:"TAMENTICA_TERMINAL_ID"`
	TamenticaUser       string `env:"TAMENTICA_USER"`
	TamenticaPassword   string `env:"TAMENTICA_PASSWORD"`
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		logging.Info().Err(err).Msg("no .env file loaded")
	}
	return Parse()
}

// Parse builds the configuration from the current environment without touching .env files.
func Parse() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	c.QueueBackend = strings.ToLower(strings.TrimSpace(c.QueueBackend))
	if c.QueueBackend != BackendMemory && c.QueueBackend != BackendRedis {
		return fmt.Errorf("invalid QUEUE_BACKEND: %q (want memory or redis)", c.QueueBackend)
	}

	loc, err := time.LoadLocation(c.Aggregation.Timezone)
	if err != nil {
		return fmt.Errorf("invalid AGGREGATION_TIMEZONE: %w", err)
	}
	c.location = loc

	crons := map[string]string{
		"SERPRAM_CRON":             c.Serpram.Cron,
		"AYT_CRON":                 c.Ayt.Cron,
		"ESINFA_CRON":              c.Esinfa.Cron,
		"SERCOAMB_CRON":            c.Sercoamb.Cron,
		"AGGREGATION_CRON":         c.Aggregation.Cron,
		"AGGREGATION_ARCHIVE_CRON": c.Aggregation.ArchiveCron,
	}
	for name, expr := range crons {
		if _, err := scheduler.ParseCron(expr); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("invalid BREAKER_FAILURE_RATIO: %v", c.Breaker.FailureRatio)
	}
	if c.Jobs.Attempts < 1 {
		return fmt.Errorf("invalid JOB_ATTEMPTS: %w", errMustBePositive)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("invalid DB_MAX_CONNS: %w", errMustBePositive)
	}
	if c.CursorLookback <= 0 {
		return fmt.Errorf("invalid CURSOR_LOOKBACK: %w", errMustBePositive)
	}
	return nil
}

var errMustBePositive = errors.New("must be positive")

// Location is the aggregation timezone.
func (c *AppConfig) Location() *time.Location { return c.location }

// UsesRedis reports whether cursors, queues and the cache live in Redis.
func (c *AppConfig) UsesRedis() bool { return c.QueueBackend == BackendRedis }
