package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"marketsync/internal/domain"
)

const EnvPrefix = "MARKETSYNC"

type Config struct {
	DB        DBConfig               `mapstructure:"db"`
	HTTP      HTTPConfig             `mapstructure:"http"`
	Log       LogConfig              `mapstructure:"log"`
	Scheduler SchedulerConfig        `mapstructure:"scheduler"`
	Dispatch  DispatchConfig         `mapstructure:"dispatch"`
	JobTypes  map[string]SliceConfig `mapstructure:"job_types"`

	// Slicing is JobTypes decoded into typed keys; filled by Load.
	Slicing map[domain.JobType]SliceConfig `mapstructure:"-"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

type SchedulerConfig struct {
	Name            string        `mapstructure:"name"`
	TickCron        string        `mapstructure:"tick_cron"`
	RetryCron       string        `mapstructure:"retry_cron"`
	StaleMaxAge     time.Duration `mapstructure:"stale_max_age"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBatchLimit int           `mapstructure:"retry_batch_limit"`
}

type DispatchConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	MaxBatchSize      int           `mapstructure:"max_batch_size"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RateLimit         float64       `mapstructure:"rate_limit"` // provider calls per second, 0 disables
	RateBurst         int           `mapstructure:"rate_burst"`
	Transport         string        `mapstructure:"transport"` // http | nats
	WorkerURL         string        `mapstructure:"worker_url"`
	NATSURL           string        `mapstructure:"nats_url"`
	NATSSubject       string        `mapstructure:"nats_subject"`
}

// SliceConfig bounds how much work one job type produces per definition per tick.
type SliceConfig struct {
	SliceHours       int `mapstructure:"slice_hours"`
	MaxSlicesPerTick int `mapstructure:"max_slices_per_tick"`
}

func (c SliceConfig) Width() time.Duration { return time.Duration(c.SliceHours) * time.Hour }

func SetDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "marketsync.db")
	v.SetDefault("db.dsn", "")

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("scheduler.name", "marketsync")
	v.SetDefault("scheduler.tick_cron", "@every 1m")
	v.SetDefault("scheduler.retry_cron", "@every 15m")
	v.SetDefault("scheduler.stale_max_age", 60*time.Minute)
	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.retry_batch_limit", 100)

	v.SetDefault("dispatch.max_concurrent_jobs", 5)
	v.SetDefault("dispatch.max_batch_size", 50)
	v.SetDefault("dispatch.timeout", 30*time.Second)
	v.SetDefault("dispatch.rate_limit", 0.0)
	v.SetDefault("dispatch.rate_burst", 1)
	v.SetDefault("dispatch.transport", "http")
	v.SetDefault("dispatch.worker_url", "http://localhost:9000")
	v.SetDefault("dispatch.nats_url", "nats://localhost:4222")
	v.SetDefault("dispatch.nats_subject", "marketsync.worker")

	v.SetDefault("job_types.fetch_intraday.slice_hours", 24)
	v.SetDefault("job_types.fetch_intraday.max_slices_per_tick", 10)
	v.SetDefault("job_types.fetch_historical.slice_hours", 720)
	v.SetDefault("job_types.fetch_historical.max_slices_per_tick", 5)
	v.SetDefault("job_types.run_forecast.slice_hours", 24)
	v.SetDefault("job_types.run_forecast.max_slices_per_tick", 1)
}

// New returns a viper instance with defaults and MARKETSYNC_* env binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configuration from defaults, the optional file at path and the
// environment, in increasing precedence.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	c.Slicing = make(map[domain.JobType]SliceConfig, len(c.JobTypes))
	for name, sc := range c.JobTypes {
		jt, err := domain.ParseJobType(name)
		if err != nil {
			return errors.Wrap(err, "job_types")
		}
		if sc.SliceHours <= 0 || sc.MaxSlicesPerTick <= 0 {
			return errors.Newf("job_types.%s: slice_hours and max_slices_per_tick must be positive", name)
		}
		c.Slicing[jt] = sc
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return errors.New("db.path is required for the sqlite driver")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the postgres driver")
		}
	default:
		return errors.Newf("unsupported db.driver %q", c.DB.Driver)
	}
	if c.Scheduler.Name == "" {
		return errors.New("scheduler.name is required")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return errors.New("scheduler.max_attempts must be at least 1")
	}
	if c.Scheduler.StaleMaxAge <= 0 {
		return errors.New("scheduler.stale_max_age must be positive")
	}
	if err := ValidateCronExpression(c.Scheduler.TickCron); err != nil {
		return errors.Wrap(err, "scheduler.tick_cron")
	}
	if c.Scheduler.RetryCron != "" {
		if err := ValidateCronExpression(c.Scheduler.RetryCron); err != nil {
			return errors.Wrap(err, "scheduler.retry_cron")
		}
	}
	if c.Dispatch.MaxConcurrentJobs < 1 {
		return errors.New("dispatch.max_concurrent_jobs must be at least 1")
	}
	if c.Dispatch.MaxBatchSize < 1 {
		return errors.New("dispatch.max_batch_size must be at least 1")
	}
	switch c.Dispatch.Transport {
	case "http", "nats":
	default:
		return errors.Newf("unsupported dispatch.transport %q", c.Dispatch.Transport)
	}
	return nil
}

// ValidateCronExpression validates a cron expression or @-descriptor.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
