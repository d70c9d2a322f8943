package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/localvercel/deployer/internal/build"
	httpx "github.com/splax/localvercel/deployer/internal/http"
	"github.com/splax/localvercel/deployer/internal/metrics"
	"github.com/splax/localvercel/deployer/internal/objectstore"
	"github.com/splax/localvercel/deployer/internal/queue"
	"github.com/splax/localvercel/deployer/internal/service/deploy"
	"github.com/splax/localvercel/deployer/internal/transfer"
	"github.com/splax/localvercel/deployer/internal/worker"
	"github.com/splax/localvercel/deployer/internal/workspace"
	"github.com/splax/localvercel/deployer/pkg/config"
	"github.com/splax/localvercel/deployer/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}
	cfg := config.LoadDeployerConfig()
	log := logger.New("deployer", logger.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := objectstore.NewS3(ctx, objectstore.S3Config{
		Bucket:    cfg.StorageBucket,
		Endpoint:  cfg.StorageEndpoint,
		Region:    cfg.StorageRegion,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		PathStyle: cfg.StoragePathStyle,
	})
	if err != nil {
		log.Error("object store init failed", "error", err)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.OutputRoot, log)
	if err != nil {
		log.Error("workspace init failed", "error", err, "output_root", cfg.OutputRoot)
		os.Exit(1)
	}

	runner, closeRunner, err := newRunner(ctx, cfg)
	if err != nil {
		log.Error("build runtime init failed", "error", err, "runtime", cfg.BuildRuntime)
		os.Exit(1)
	}
	defer closeRunner()

	redisOpts := queue.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		QueueName:    cfg.QueueName,
		StatusPrefix: cfg.StatusKeyPrefix,
		StatusTTL:    cfg.StatusTTL,
	}
	statusStore, err := queue.NewStatusStore(ctx, redisOpts)
	if err != nil {
		log.Error("redis status connection failed", "error", err, "addr", cfg.RedisAddr)
		os.Exit(1)
	}
	consumer, err := queue.NewConsumer(ctx, redisOpts)
	if err != nil {
		statusStore.Close()
		log.Error("redis queue connection failed", "error", err, "addr", cfg.RedisAddr)
		os.Exit(1)
	}

	recorder := metrics.New(prometheus.DefaultRegisterer)
	files := transfer.New(store, log,
		transfer.WithConcurrency(cfg.TransferConcurrency),
		transfer.WithObserver(recorder),
	)
	invoker := build.New(runner, build.Config{
		InstallCommand: cfg.BuildInstallCommand,
		BuildCommand:   cfg.BuildCommand,
		Timeout:        cfg.BuildTimeout,
	}, log)
	deploySvc := deploy.New(workspaces, files, invoker, statusStore, log,
		deploy.WithOutputDir(cfg.BuildOutputDir),
		deploy.WithMetrics(recorder),
	)

	w := worker.New(consumer, deploySvc, worker.Config{
		PoolSize:      cfg.PoolSize,
		Backlog:       cfg.Backlog,
		ShutdownGrace: cfg.ShutdownGrace,
	}, log, worker.WithCloser(statusStore))

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		router := httpx.New(log, prometheus.DefaultGatherer,
			httpx.WithHealthCheck("redis", statusStore.Ping),
			httpx.WithHealthCheck("storage", store.Ping),
			httpx.WithState(func() string { return w.State().String() }),
		)
		srv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics server starting", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	log.Info("deployer starting",
		"env", cfg.Environment,
		"queue", cfg.QueueName,
		"bucket", cfg.StorageBucket,
		"output_root", workspaces.Root(),
		"runtime", cfg.BuildRuntime,
	)
	runErr := w.Run(ctx)
	w.Shutdown()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown failed", "error", err)
		}
		cancel()
	}

	if runErr != nil {
		log.Error("deployer stopped on queue failure", "error", runErr)
		closeRunner()
		os.Exit(1)
	}
	log.Info("deployer stopped")
}

func newRunner(ctx context.Context, cfg config.DeployerConfig) (build.Runner, func(), error) {
	if cfg.BuildRuntime != config.BuildRuntimeDocker {
		return build.ShellRunner{}, func() {}, nil
	}
	runner, err := build.NewDockerRunner(cfg.DockerHost, cfg.BuildImage)
	if err != nil {
		return nil, nil, err
	}
	if err := runner.Ping(ctx); err != nil {
		runner.Close()
		return nil, nil, err
	}
	return runner, func() { runner.Close() }, nil
}
