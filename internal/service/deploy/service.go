// Package deploy drives a single folder identifier through fetch, build,
// publish, cleanup and status report.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/splax/localvercel/deployer/internal/build"
	"github.com/splax/localvercel/deployer/internal/queue"
	"github.com/splax/localvercel/deployer/internal/transfer"
	"github.com/splax/localvercel/deployer/internal/workspace"
)

const (
	defaultOutputDir     = "build"
	defaultStatusTimeout = 5 * time.Second
)

// Pipeline stages, used in logs and metrics.
const (
	StagePrepare = "prepare"
	StageFetch   = "fetch"
	StageBuild   = "build"
	StagePublish = "publish"
	StageCleanup = "cleanup"
)

// Outcome is the terminal state of one Process call.
type Outcome string

const (
	OutcomeDeployed Outcome = queue.StatusDeployed
	OutcomeFailed   Outcome = queue.StatusFailed
	// OutcomeInterrupted means the job's context was cancelled before it
	// finished. No status is written for it.
	OutcomeInterrupted Outcome = "interrupted"
)

// Workspaces allocates and removes per-job directories.
type Workspaces interface {
	Prepare(identifier string) (string, error)
	Remove(path string) workspace.RemoveStats
}

// Transferrer moves trees between a workspace and the object store.
type Transferrer interface {
	FetchPrefix(ctx context.Context, prefix, localRoot string) (transfer.Report, error)
	PublishTree(ctx context.Context, root, dir, keyPrefix string) (transfer.Report, error)
}

// Builder runs the project's build steps.
type Builder interface {
	BuildProject(ctx context.Context, dir string) build.Report
}

// StatusWriter records a job's terminal status.
type StatusWriter interface {
	SetStatus(ctx context.Context, id, status string) error
}

// Metrics observes job and stage timings.
type Metrics interface {
	JobStarted()
	JobFinished(outcome string, elapsed time.Duration)
	ObserveStage(stage string, ok bool, elapsed time.Duration)
}

// Service runs deploy jobs. It is safe for concurrent use; concurrent calls
// for the same folder identifier share a workspace and are not coordinated.
type Service struct {
	workspaces    Workspaces
	files         Transferrer
	builder       Builder
	status        StatusWriter
	logger        *slog.Logger
	metrics       Metrics
	outputDir     string
	statusTimeout time.Duration
}

// Option customises a Service.
type Option func(*Service)

// WithOutputDir sets the workspace subdirectory that is published. Defaults to "build".
func WithOutputDir(dir string) Option {
	return func(s *Service) {
		if dir != "" {
			s.outputDir = dir
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStatusTimeout bounds the final status write.
func WithStatusTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.statusTimeout = d
		}
	}
}

// New creates a deploy service.
func New(ws Workspaces, files Transferrer, builder Builder, status StatusWriter, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		workspaces:    ws,
		files:         files,
		builder:       builder,
		status:        status,
		logger:        logger,
		metrics:       noopMetrics{},
		outputDir:     defaultOutputDir,
		statusTimeout: defaultStatusTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process runs the pipeline for folderID. Cleanup happens on every path, then
// exactly one status (deployed or failed) is written, unless ctx was cancelled
// mid-run, in which case the job is reported as interrupted and no status is written.
func (s *Service) Process(ctx context.Context, folderID string) (outcome Outcome) {
	log := s.logger.With("folder_id", folderID, "run_id", uuid.NewString())
	start := time.Now()
	s.metrics.JobStarted()
	log.Info("deploy started")

	var workspacePath string
	outcome = OutcomeFailed
	defer func() {
		if r := recover(); r != nil {
			log.Error("deploy panicked", "panic", r)
			outcome = OutcomeFailed
		}
		if workspacePath != "" {
			s.cleanup(log, workspacePath)
		}
		s.report(ctx, log, folderID, outcome)
		s.metrics.JobFinished(string(outcome), time.Since(start))
		log.Info("deploy finished", "outcome", string(outcome), "elapsed", time.Since(start))
	}()

	stage, err := s.run(ctx, log, folderID, &workspacePath)
	switch {
	case err == nil:
		outcome = OutcomeDeployed
	case ctx.Err() != nil:
		outcome = OutcomeInterrupted
		log.Warn("deploy interrupted", "stage", stage, "error", err)
	default:
		log.Error("deploy failed", "stage", stage, "error", err)
	}
	return outcome
}

func (s *Service) run(ctx context.Context, log *slog.Logger, folderID string, workspacePath *string) (string, error) {
	err := s.stage(log, StagePrepare, func() error {
		path, err := s.workspaces.Prepare(folderID)
		if err != nil {
			return err
		}
		*workspacePath = path
		return nil
	})
	if err != nil {
		return StagePrepare, err
	}
	ws := *workspacePath

	err = s.stage(log, StageFetch, func() error {
		report, err := s.files.FetchPrefix(ctx, folderID+"/", ws)
		log.Info("fetch finished", "listed", report.Listed, "transferred", report.Transferred,
			"skipped", report.Skipped, "failed", report.Failed, "bytes", report.Bytes)
		switch {
		case err != nil:
			return err
		case report.Failed > 0:
			return fmt.Errorf("%d of %d objects failed to download", report.Failed, report.Listed)
		case report.Transferred == 0:
			return errors.New("no objects found under prefix")
		}
		return nil
	})
	if err != nil {
		return StageFetch, err
	}

	err = s.stage(log, StageBuild, func() error {
		report := s.builder.BuildProject(ctx, ws)
		if !report.Succeeded() {
			return report.Err()
		}
		return nil
	})
	if err != nil {
		return StageBuild, err
	}

	err = s.stage(log, StagePublish, func() error {
		report, err := s.files.PublishTree(ctx, ws, filepath.Join(ws, s.outputDir), folderID)
		log.Info("publish finished", "listed", report.Listed, "transferred", report.Transferred,
			"skipped", report.Skipped, "failed", report.Failed, "bytes", report.Bytes)
		switch {
		case err != nil:
			return err
		case report.Failed > 0:
			return fmt.Errorf("%d of %d files failed to upload", report.Failed, report.Listed)
		}
		return nil
	})
	if err != nil {
		return StagePublish, err
	}
	return "", nil
}

func (s *Service) stage(log *slog.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	s.metrics.ObserveStage(name, err == nil, elapsed)
	if err == nil {
		log.Debug("stage completed", "stage", name, "elapsed", elapsed)
	}
	return err
}

func (s *Service) cleanup(log *slog.Logger, path string) {
	start := time.Now()
	stats := s.workspaces.Remove(path)
	s.metrics.ObserveStage(StageCleanup, stats.Errors == 0, time.Since(start))
	if stats.Errors > 0 {
		log.Warn("workspace cleanup incomplete", "stage", StageCleanup, "errors", stats.Errors)
	}
}

func (s *Service) report(ctx context.Context, log *slog.Logger, folderID string, outcome Outcome) {
	if outcome == OutcomeInterrupted {
		log.Warn("status not written for interrupted deploy")
		return
	}
	// The job context may be cancelled after the pipeline finished.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.statusTimeout)
	defer cancel()
	if err := s.status.SetStatus(writeCtx, folderID, string(outcome)); err != nil {
		log.Error("status write failed", "status", string(outcome), "error", err)
		return
	}
	log.Info("status written", "status", string(outcome))
}

type noopMetrics struct{}

func (noopMetrics) JobStarted()                              {}
func (noopMetrics) JobFinished(string, time.Duration)        {}
func (noopMetrics) ObserveStage(string, bool, time.Duration) {}
