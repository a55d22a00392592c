package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		old, had := os.LookupEnv(n)
		os.Unsetenv(n)
		t.Cleanup(func() {
			if had {
				os.Setenv(n, old)
			}
		})
	}
}

var requiredVars = []string{"CACHE_BACKEND", "DB_HOST", "DB_USER", "DB_PASSWORD", "DB_NAME"}

func TestLoadMissingRequiredVar(t *testing.T) {
	clearEnv(t, requiredVars...)
	_, err := Load()
	if err == nil {
		t.Fatal("expected an error when CACHE_BACKEND is unset")
	}
	if err.Error() != "required environment variable CACHE_BACKEND is not set" {
		t.Errorf("expected the offending variable name in the error, got %q", err.Error())
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, requiredVars...)
	os.Setenv("CACHE_BACKEND", "postgresql_array")
	os.Setenv("DB_HOST", "localhost")
	os.Setenv("DB_USER", "pcache")
	os.Setenv("DB_PASSWORD", "secret")
	os.Setenv("DB_NAME", "pcache_db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Port != 5432 {
		t.Errorf("expected default DB port 5432, got %d", cfg.DB.Port)
	}
	if cfg.Processor.MaxParallelJobs != 4 {
		t.Errorf("expected default max parallel jobs 4, got %d", cfg.Processor.MaxParallelJobs)
	}
	if cfg.TablePrefix != "partitioncache" {
		t.Errorf("expected default table prefix, got %q", cfg.TablePrefix)
	}
	if cfg.Processor.JobOwner != "pcache" {
		t.Errorf("expected job owner to default to DB_USER, got %q", cfg.Processor.JobOwner)
	}
}

func TestJobNameSuffix(t *testing.T) {
	cases := map[string]string{
		"partitioncache":        "default",
		"partitioncache_custom": "custom",
		"custom":                "custom",
		"":                      "default",
	}
	for in, want := range cases {
		if got := JobNameSuffix(in); got != want {
			t.Errorf("JobNameSuffix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProcessorAndEvictionJobNames(t *testing.T) {
	if got := ProcessorJobName("mydb", "partitioncache"); got != "partitioncache_process_queue_mydb_default" {
		t.Errorf("got %q", got)
	}
	if got := EvictionJobName("mydb", "partitioncache_foo"); got != "partitioncache_evict_mydb_foo" {
		t.Errorf("got %q", got)
	}
}

func TestCronSchedule(t *testing.T) {
	if got := CronSchedule(10 * time.Second); got != "10 seconds" {
		t.Errorf("got %q, want '10 seconds'", got)
	}
	if got := CronSchedule(0); got != "1 seconds" {
		t.Errorf("got %q, want '1 seconds' floor", got)
	}
	if got := CronSchedule(90 * time.Second); got != "*/1 * * * *" {
		t.Errorf("got %q", got)
	}
	if got := CronSchedule(5 * time.Minute); got != "*/5 * * * *" {
		t.Errorf("got %q", got)
	}
}
