package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDeployerConfigDefaults(t *testing.T) {
	t.Setenv("STORAGE_BUCKET", "sites")

	cfg := LoadDeployerConfig()
	if cfg.PoolSize != 4 {
		t.Fatalf("expected default pool size 4, got %d", cfg.PoolSize)
	}
	if cfg.ShutdownGrace != 10*time.Second {
		t.Fatalf("expected 10s grace period, got %s", cfg.ShutdownGrace)
	}
	if cfg.BuildCommand != "npm run build" {
		t.Fatalf("unexpected build command %q", cfg.BuildCommand)
	}
	if cfg.BuildOutputDir != "build" {
		t.Fatalf("unexpected build output dir %q", cfg.BuildOutputDir)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("metrics listener should be disabled by default, got %q", cfg.MetricsAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadDeployerConfigOverrides(t *testing.T) {
	t.Setenv("STORAGE_BUCKET", "sites")
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("SHUTDOWN_GRACE_SECONDS", "3")
	t.Setenv("BUILD_RUNTIME", "Docker")
	t.Setenv("STORAGE_PATH_STYLE", "false")
	t.Setenv("TRANSFER_CONCURRENCY", "not-a-number")

	cfg := LoadDeployerConfig()
	if cfg.PoolSize != 8 {
		t.Fatalf("expected pool size 8, got %d", cfg.PoolSize)
	}
	if cfg.ShutdownGrace != 3*time.Second {
		t.Fatalf("expected 3s grace, got %s", cfg.ShutdownGrace)
	}
	if cfg.BuildRuntime != BuildRuntimeDocker {
		t.Fatalf("expected docker runtime, got %q", cfg.BuildRuntime)
	}
	if cfg.StoragePathStyle {
		t.Fatalf("expected path style disabled")
	}
	if cfg.TransferConcurrency != 8 {
		t.Fatalf("invalid integer should fall back to default, got %d", cfg.TransferConcurrency)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DeployerConfig{
		RedisAddr:    "localhost:6379",
		QueueName:    "build-queue",
		OutputRoot:   "/tmp/out",
		BuildCommand: "npm run build",
		BuildRuntime: "podman",
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"STORAGE_BUCKET", "WORKER_POOL_SIZE", "TRANSFER_CONCURRENCY", "BUILD_RUNTIME"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to mention %s, got %q", want, msg)
		}
	}
}
