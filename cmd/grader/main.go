// Package main wires the grading service: configuration, persistence,
// the pipeline orchestrator, the job scheduler, and the HTTP front end.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ahrav/go-grader/internal/config"
	"github.com/ahrav/go-grader/internal/extraction"
	"github.com/ahrav/go-grader/internal/grading"
	"github.com/ahrav/go-grader/internal/mapping"
	"github.com/ahrav/go-grader/internal/pipeline"
	"github.com/ahrav/go-grader/internal/progress"
	"github.com/ahrav/go-grader/internal/scheduler"
	"github.com/ahrav/go-grader/internal/server"
	"github.com/ahrav/go-grader/internal/store"
	"github.com/ahrav/go-grader/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		logger.Get().Error(context.Background(), "service exited", logger.Error(err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Init()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		return err
	}
	log := logger.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var jobs store.ResultStore
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.StoreDSN)
		if err != nil {
			return err
		}
		defer sqliteStore.Close()
		jobs = sqliteStore
	default:
		jobs = store.NewMemoryStore()
	}

	guides := store.NewGuideStore()
	submissions := store.NewSubmissionStore()
	bus := progress.NewBus(
		progress.WithBufferSize(cfg.ProgressBuffer),
		progress.WithHistoryLimit(cfg.ProgressHistory),
	)

	engine, err := mapping.NewEngine(cfg.Mapping)
	if err != nil {
		return err
	}
	policy, err := grading.NewRetryPolicy(cfg.Retry)
	if err != nil {
		return err
	}
	judge, err := grading.NewHTTPClient(cfg.Judge)
	if err != nil {
		return err
	}

	orchestrator, err := pipeline.New(pipeline.Deps{
		Guides:      guides,
		Submissions: submissions,
		Extractor:   extraction.NewRouter(),
		Mapper:      engine,
		Grader:      grading.NewGrader(judge, policy),
		Retry:       policy,
		Bus:         bus,
		Store:       jobs,
	}, cfg.Pipeline)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(orchestrator, cfg.Scheduler)
	if err != nil {
		return err
	}
	sched.Start(ctx)

	srv := server.New(cfg.Addr, jobs, guides, submissions, bus, sched)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start(ctx) }()

	log.Info(ctx, "grading service started",
		logger.String("addr", cfg.Addr),
		logger.String("store", cfg.StoreDriver))

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info(ctx, "shutting down")
	shutdownCtx := context.Background()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown", logger.Error(err))
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "scheduler shutdown", logger.Error(err))
	}
	return nil
}
