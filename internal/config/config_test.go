package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentJobs != 10 {
		t.Errorf("MaxConcurrentJobs = %d, want 10", cfg.MaxConcurrentJobs)
	}
	if cfg.JobTimeout != 5*time.Minute {
		t.Errorf("JobTimeout = %s, want 5m", cfg.JobTimeout)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobsDir != Default().JobsDir {
		t.Errorf("JobsDir = %q, want default %q", cfg.JobsDir, Default().JobsDir)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronoflow.yaml")
	body := "jobs_dir: /tmp/jobs\nmax_concurrent_jobs: 42\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobsDir != "/tmp/jobs" {
		t.Errorf("JobsDir = %q, want /tmp/jobs", cfg.JobsDir)
	}
	if cfg.MaxConcurrentJobs != 42 {
		t.Errorf("MaxConcurrentJobs = %d, want 42", cfg.MaxConcurrentJobs)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronoflow.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_jobs: 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MAX_CONCURRENT_JOBS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentJobs != 7 {
		t.Errorf("MaxConcurrentJobs = %d, want 7 (env should win over file)", cfg.MaxConcurrentJobs)
	}
}

func TestLoad_EnvDurationAcceptsPlainSecondsAndGoDuration(t *testing.T) {
	t.Setenv("JOB_TIMEOUT", "90")
	t.Setenv("RETRY_DELAY", "500ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobTimeout != 90*time.Second {
		t.Errorf("JobTimeout = %s, want 90s", cfg.JobTimeout)
	}
	if cfg.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay = %s, want 500ms", cfg.RetryDelay)
	}
}
