// Package config loads chronoflowd's configuration (spec §6): defaults,
// then an optional YAML file, then environment variables, in that priority
// order — the same layering the teacher uses for its own agent config, just
// rebuilt around the scheduler's field set instead of chat-platform
// credentials.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the opaque struct spec.md §6 describes the CLI as loading.
type Config struct {
	JobsDir string `yaml:"jobs_dir"`
	LogDir  string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`

	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`

	SchedulerCheckInterval time.Duration `yaml:"scheduler_check_interval"`
	WatcherPollInterval    time.Duration `yaml:"watcher_poll_interval"`

	// Domain-stack additions (SPEC_FULL.md §11); all optional, each enables
	// its corresponding observer only when non-empty.
	PersistDSN      string `yaml:"persist_dsn"`
	EventsRedisAddr string `yaml:"events_redis_addr"`
	ArchiveS3Bucket string `yaml:"archive_s3_bucket"`
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
}

// Default returns the baseline configuration, matching the defaults named
// across spec §4.6, §5, §6.
func Default() Config {
	return Config{
		JobsDir:                "/etc/chronoflow/jobs.d",
		LogDir:                 "/var/log/chronoflow",
		LogLevel:               "info",
		MaxConcurrentJobs:      10,
		JobTimeout:             5 * time.Minute,
		MaxRetries:             3,
		RetryDelay:             2 * time.Second,
		SchedulerCheckInterval: time.Second,
		WatcherPollInterval:    2 * time.Second,
	}
}

// Load builds a Config from defaults, an optional YAML file at path (skipped
// silently if path is empty or the file does not exist — the file is
// optional, unlike the jobs directory itself), and then environment
// variables, which always win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("JOBS_DIR"); ok {
		cfg.JobsDir = v
	}
	if v, ok := os.LookupEnv("LOG_DIR"); ok {
		cfg.LogDir = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := envInt("MAX_CONCURRENT_JOBS"); ok {
		cfg.MaxConcurrentJobs = v
	}
	if v, ok := envDuration("JOB_TIMEOUT"); ok {
		cfg.JobTimeout = v
	}
	if v, ok := envInt("MAX_RETRIES"); ok {
		cfg.MaxRetries = v
	}
	if v, ok := envDuration("RETRY_DELAY"); ok {
		cfg.RetryDelay = v
	}
	if v, ok := envDuration("SCHEDULER_CHECK_INTERVAL"); ok {
		cfg.SchedulerCheckInterval = v
	}
	if v, ok := envDuration("WATCHER_POLL_INTERVAL"); ok {
		cfg.WatcherPollInterval = v
	}
	if v, ok := os.LookupEnv("PERSIST_DSN"); ok {
		cfg.PersistDSN = v
	}
	if v, ok := os.LookupEnv("EVENTS_REDIS_ADDR"); ok {
		cfg.EventsRedisAddr = v
	}
	if v, ok := os.LookupEnv("ARCHIVE_S3_BUCKET"); ok {
		cfg.ArchiveS3Bucket = v
	}
	if v, ok := os.LookupEnv("OTLP_ENDPOINT"); ok {
		cfg.OTLPEndpoint = v
	}
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(name string) (time.Duration, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	// Plain integers are treated as whole seconds (spec's env vars are
	// documented as second counts); anything else is parsed as a Go
	// duration string so "500ms" / "2m" also work from the environment.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
