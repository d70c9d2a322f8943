package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// BuildRuntimeShell runs build commands directly on the host.
	BuildRuntimeShell = "shell"
	// BuildRuntimeDocker runs build commands inside a throwaway container.
	BuildRuntimeDocker = "docker"
)

// DeployerConfig holds runtime configuration for the deployer worker.
type DeployerConfig struct {
	Environment string
	LogLevel    string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	QueueName       string
	StatusKeyPrefix string
	StatusTTL       time.Duration

	OutputRoot          string
	PoolSize            int
	Backlog             int
	ShutdownGrace       time.Duration
	TransferConcurrency int

	BuildRuntime        string
	BuildInstallCommand string
	BuildCommand        string
	BuildOutputDir      string
	BuildTimeout        time.Duration
	BuildImage          string
	DockerHost          string

	StorageBucket    string
	StorageEndpoint  string
	StorageRegion    string
	StorageAccessKey string
	StorageSecretKey string
	StoragePathStyle bool

	MetricsAddr string
}

// LoadDeployerConfig constructs a DeployerConfig from environment variables.
func LoadDeployerConfig() DeployerConfig {
	return DeployerConfig{
		Environment:         GetString("APP_ENV", "development"),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		RedisAddr:           GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       GetString("REDIS_PASSWORD", ""),
		RedisDB:             GetInt("REDIS_DB", 0),
		QueueName:           GetString("REDIS_QUEUE_NAME", "build-queue"),
		StatusKeyPrefix:     GetString("STATUS_KEY_PREFIX", ""),
		StatusTTL:           GetSeconds("STATUS_TTL_SECONDS", 0),
		OutputRoot:          GetString("OUTPUT_ROOT", "/tmp/deployer/output"),
		PoolSize:            GetInt("WORKER_POOL_SIZE", 4),
		Backlog:             GetInt("WORKER_BACKLOG", 16),
		ShutdownGrace:       GetSeconds("SHUTDOWN_GRACE_SECONDS", 10),
		TransferConcurrency: GetInt("TRANSFER_CONCURRENCY", 8),
		BuildRuntime:        strings.ToLower(GetString("BUILD_RUNTIME", BuildRuntimeShell)),
		BuildInstallCommand: GetString("BUILD_INSTALL_COMMAND", ""),
		BuildCommand:        GetString("BUILD_COMMAND", "npm run build"),
		BuildOutputDir:      GetString("BUILD_OUTPUT_DIR", "build"),
		BuildTimeout:        GetSeconds("BUILD_TIMEOUT_SECONDS", 600),
		BuildImage:          GetString("BUILD_IMAGE", "node:20-bullseye"),
		DockerHost:          GetString("DOCKER_HOST", ""),
		StorageBucket:       GetString("STORAGE_BUCKET", ""),
		StorageEndpoint:     GetString("STORAGE_ENDPOINT", ""),
		StorageRegion:       GetString("STORAGE_REGION", "auto"),
		StorageAccessKey:    GetString("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey:    GetString("STORAGE_SECRET_KEY", ""),
		StoragePathStyle:    GetBool("STORAGE_PATH_STYLE", true),
		MetricsAddr:         GetString("METRICS_ADDR", ""),
	}
}

// Validate reports every missing or out-of-range setting at once.
func (c DeployerConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RedisAddr) == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if strings.TrimSpace(c.QueueName) == "" {
		errs = append(errs, errors.New("REDIS_QUEUE_NAME is required"))
	}
	if strings.TrimSpace(c.OutputRoot) == "" {
		errs = append(errs, errors.New("OUTPUT_ROOT is required"))
	}
	if strings.TrimSpace(c.StorageBucket) == "" {
		errs = append(errs, errors.New("STORAGE_BUCKET is required"))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", c.PoolSize))
	}
	if c.Backlog < 0 {
		errs = append(errs, fmt.Errorf("WORKER_BACKLOG cannot be negative, got %d", c.Backlog))
	}
	if c.TransferConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("TRANSFER_CONCURRENCY must be positive, got %d", c.TransferConcurrency))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("SHUTDOWN_GRACE_SECONDS cannot be negative"))
	}
	if strings.TrimSpace(c.BuildCommand) == "" {
		errs = append(errs, errors.New("BUILD_COMMAND is required"))
	}
	switch c.BuildRuntime {
	case BuildRuntimeShell, BuildRuntimeDocker:
	default:
		errs = append(errs, fmt.Errorf("BUILD_RUNTIME must be %q or %q, got %q", BuildRuntimeShell, BuildRuntimeDocker, c.BuildRuntime))
	}
	return errors.Join(errs...)
}
