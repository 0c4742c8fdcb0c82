// Package config loads runtime settings from defaults, an optional
// marketsync.yaml, a .env file and MARKETSYNC_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "MARKETSYNC"

type Config struct {
	DBPath string `mapstructure:"db_path"`

	HTTP       HTTP       `mapstructure:"http"`
	Jobs       Jobs       `mapstructure:"jobs"`
	Ingest     Ingest     `mapstructure:"ingest"`
	Checkpoint Checkpoint `mapstructure:"checkpoint"`
	Yahoo      Yahoo      `mapstructure:"yahoo"`
	Export     Export     `mapstructure:"export"`
	Log        Log        `mapstructure:"log"`

	Schedules []Schedule `mapstructure:"-"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Jobs configures the job queue and its worker pool.
type Jobs struct {
	// Pool is how many jobs run at once in this process.
	Pool           int           `mapstructure:"pool"`
	DefaultWorkers int           `mapstructure:"default_workers"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type Ingest struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryInitial      time.Duration `mapstructure:"retry_initial"`
	RetryMax          time.Duration `mapstructure:"retry_max"`
	BatchSize         int           `mapstructure:"batch_size"`
	ClaimTTL          time.Duration `mapstructure:"claim_ttl"`
	ClaimRetries      int           `mapstructure:"claim_retries"`
	ClaimRetryDelay   time.Duration `mapstructure:"claim_retry_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
}

type Checkpoint struct {
	DormancyThreshold int `mapstructure:"dormancy_threshold"`
}

type Yahoo struct {
	Workers       int           `mapstructure:"workers"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ChartEndpoint string        `mapstructure:"chart_endpoint"`
	CookieURL     string        `mapstructure:"cookie_url"`
	CrumbURL      string        `mapstructure:"crumb_url"`
}

type Export struct {
	Dir     string `mapstructure:"dir"`
	Workers int    `mapstructure:"workers"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Schedule submits a job every time Spec fires.
type Schedule struct {
	Name        string   `mapstructure:"name"`
	Spec        string   `mapstructure:"spec"`
	Dataset     string   `mapstructure:"dataset"`
	Mode        string   `mapstructure:"mode"`
	Instruments []string `mapstructure:"instruments"`
	Exchanges   []string `mapstructure:"exchanges"`
	Workers     int      `mapstructure:"workers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "marketsync.db")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 5*time.Minute)
	v.SetDefault("http.idle_timeout", 2*time.Minute)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("jobs.pool", 2)
	v.SetDefault("jobs.default_workers", 4)
	v.SetDefault("jobs.max_workers", 32)
	v.SetDefault("jobs.stale_after", 2*time.Minute)
	v.SetDefault("jobs.poll_interval", 5*time.Second)

	v.SetDefault("ingest.max_retries", 5)
	v.SetDefault("ingest.retry_initial", 500*time.Millisecond)
	v.SetDefault("ingest.retry_max", 30*time.Second)
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.claim_ttl", 2*time.Minute)
	v.SetDefault("ingest.claim_retries", 2)
	v.SetDefault("ingest.claim_retry_delay", 5*time.Second)
	v.SetDefault("ingest.heartbeat_interval", 30*time.Second)
	v.SetDefault("ingest.task_timeout", 5*time.Minute)

	v.SetDefault("checkpoint.dormancy_threshold", 5)

	v.SetDefault("yahoo.workers", 5)
	v.SetDefault("yahoo.timeout", 30*time.Second)
	v.SetDefault("yahoo.chart_endpoint", "")
	v.SetDefault("yahoo.cookie_url", "")
	v.SetDefault("yahoo.crumb_url", "")

	v.SetDefault("export.dir", "snapshots")
	v.SetDefault("export.workers", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. An empty path looks for marketsync.yaml in the
// working directory; a missing default file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("marketsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := v.UnmarshalKey("schedules", &cfg.Schedules); err != nil {
		return Config{}, fmt.Errorf("decode schedules: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.DBPath == "":
		return errors.New("db_path must be set")
	case c.HTTP.Addr == "":
		return errors.New("http.addr must be set")
	case c.Jobs.Pool < 1:
		return errors.New("jobs.pool must be at least 1")
	case c.Jobs.DefaultWorkers < 1 || c.Jobs.MaxWorkers < c.Jobs.DefaultWorkers:
		return errors.New("jobs.default_workers must be between 1 and jobs.max_workers")
	case c.Ingest.BatchSize < 1:
		return errors.New("ingest.batch_size must be at least 1")
	case c.Ingest.ClaimTTL <= c.Ingest.HeartbeatInterval:
		return errors.New("ingest.claim_ttl must exceed ingest.heartbeat_interval")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	for i, s := range c.Schedules {
		if s.Spec == "" || s.Dataset == "" {
			return fmt.Errorf("schedule %d: spec and dataset are required", i)
		}
	}
	return nil
}
