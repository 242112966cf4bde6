package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/audit"
	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/config"
	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/platform/sqlite"
	auditrepo "github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/repository/audit"
	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/server"
	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/trigger"
)

func main() {
	cfg := config.Load()

	// Root context: cancelled on SIGINT/SIGTERM so background loops and
	// in-flight dispatch loops stop promptly during graceful shutdown.
	rootCtx, rootCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	repo := auditrepo.NewRepository(db.DB)
	cancels := audit.NewCancelRegistry(cfg.CancelTTL)

	worker := trigger.New(cfg.TriggerURL, trigger.WithToken(cfg.TriggerToken))
	dispatcher := audit.NewDispatcher(repo, worker, cancels,
		audit.WithPace(cfg.DispatchPace),
		audit.WithEmitTimeout(cfg.EmitTimeout),
		audit.WithStatusRecheck(cfg.StatusRecheckEvery),
	)

	scheduler := audit.NewScheduler(repo, cfg.MaxConcurrentJobs, cfg.SchedulerInterval)
	scheduler.SetDispatch(dispatcher.Start)
	reaper := audit.NewReaper(repo, scheduler, cfg.ReaperInterval, cfg.StaleThreshold)

	svc := audit.NewService(repo, cancels, cfg.MaxConcurrentJobs)
	svc.SetKick(scheduler.Kick)
	// Dispatch starts are detached from request lifecycles: they run under
	// the process root context, not the admitting request's.
	svc.SetDispatch(func(j *audit.Job) { dispatcher.Start(rootCtx, j) })

	srv := server.New(rootCtx, cfg.Port, svc, cfg.CallbackToken)

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("orchestrator started", "port", cfg.Port, "maxConcurrentJobs", cfg.MaxConcurrentJobs)

	if err := g.Wait(); err != nil {
		slog.Error("orchestrator stopped with error", "error", err)
	}

	// Let in-flight dispatch loops observe cancellation and return.
	dispatcher.Wait()
	slog.Info("orchestrator stopped")
}
