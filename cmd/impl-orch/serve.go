package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/recommendation-implementer/internal/batch"
	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
	"github.com/hochfrequenz/recommendation-implementer/internal/intake"
	"github.com/hochfrequenz/recommendation-implementer/internal/orchestrator"
	"github.com/hochfrequenz/recommendation-implementer/web/api"
)

// processedSuffix marks inbox files that were picked up
const processedSuffix = ".done"

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	port := servePort
	if port == 0 {
		port = a.cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, port)
	defaults := a.options(nil)

	server := api.NewServer(a.store, a.orch, a.observer, api.Config{
		Addr:     addr,
		Defaults: defaults,
		Gatherer: a.registry,
		Logger:   a.logger,
	})

	var sched *batch.Scheduler
	if !serveNoCronJob {
		if sched, err = newScheduler(a); err != nil {
			return err
		}
	}

	if !serveNoWatch && a.cfg.Intake.InboxDir != "" {
		w, err := intake.NewWatcher(a.cfg.Intake.InboxDir, func(files []string) {
			processInbox(ctx, a, defaults, files)
		}, a.logger)
		if err != nil {
			return err
		}
		w.SetDebounce(a.cfg.Intake.Debounce.Duration)
		w.Start(ctx)
		defer w.Stop()
		a.logger.Info("watching request inbox", zap.String("dir", a.cfg.Intake.InboxDir))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if sched != nil {
		g.Go(func() error {
			sched.Start(gctx, func(ctx context.Context, bc batch.BatchConfig) error {
				return runScheduledBatch(ctx, a, defaults, bc)
			})
			return nil
		})
	}

	fmt.Printf("Serving API at http://%s\n", addr)
	return g.Wait()
}

func newScheduler(a *app) (*batch.Scheduler, error) {
	sc, err := batch.LoadScheduleConfig(a.cfg.General.SchedulePath)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	if len(sc.Batches) == 0 {
		return nil, nil
	}
	sched, err := batch.NewScheduler(sc.Batches, a.logger)
	if err != nil {
		return nil, err
	}
	for _, name := range sched.ListBatches() {
		a.logger.Info("scheduled batch",
			zap.String("batch", name), zap.Time("next_run", sched.NextRun(name)))
	}
	return sched, nil
}

func runScheduledBatch(ctx context.Context, a *app, defaults orchestrator.Options, bc batch.BatchConfig) error {
	f, err := bc.Requests()
	if err != nil {
		return err
	}
	target := orchestrator.Target{RepoURL: f.RepoURL, ProjectName: f.ProjectName}
	out := a.orch.RunBatch(ctx, target, f.Requests, withFileOverrides(defaults, f))
	a.logger.Info("scheduled batch finished",
		zap.String("batch", bc.Name),
		zap.String("batch_id", out.BatchID),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Int("cancelled", out.Cancelled))
	if out.Total > 0 && out.Succeeded == 0 {
		return fmt.Errorf("batch %s: no item succeeded", bc.Name)
	}
	return nil
}

// processInbox runs each dropped request file as a batch and renames it so
// it is not picked up again
func processInbox(ctx context.Context, a *app, defaults orchestrator.Options, files []string) {
	for _, path := range files {
		if ctx.Err() != nil {
			return
		}
		f, err := domain.LoadRequestFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			a.logger.Warn("ignoring request file", zap.String("file", path), zap.Error(err))
			continue
		}
		if err := os.Rename(path, path+processedSuffix); err != nil {
			a.logger.Warn("failed to mark request file", zap.String("file", path), zap.Error(err))
			continue
		}

		target := orchestrator.Target{RepoURL: f.RepoURL, ProjectName: f.ProjectName}
		out := a.orch.RunBatch(ctx, target, f.Requests, withFileOverrides(defaults, f))
		a.logger.Info("inbox batch finished",
			zap.String("file", path),
			zap.String("batch_id", out.BatchID),
			zap.Int("succeeded", out.Succeeded),
			zap.Int("failed", out.Failed))
	}
}
