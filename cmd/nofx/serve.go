package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benfinklea/nofx/internal/events"
	"github.com/benfinklea/nofx/internal/handler"
	"github.com/benfinklea/nofx/internal/outbox"
	"github.com/benfinklea/nofx/internal/plan"
	"github.com/benfinklea/nofx/internal/platform/telemetry"
	"github.com/benfinklea/nofx/internal/runs"
	"github.com/benfinklea/nofx/internal/worker"
	"github.com/benfinklea/nofx/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker loop and outbox dispatcher until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tel, err := telemetry.New(ctx, os.Getenv("OTEL_ENABLED") == "true")
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logging.New().Error("telemetry shutdown failed", "error", err)
			}
		}()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		recorder := events.NewRecorder(a.store, logging.Component(a.log, "events"))
		env := &handler.Env{
			Store:  a.store,
			Events: recorder,
			Queue:  a.queue,
			Log:    logging.Component(a.log, "handler"),
		}
		registry := handler.NewRegistry(
			&handler.Echo{Env: env},
			&handler.Fail{Env: env},
			&handler.Shell{Env: env},
			&handler.ExprGate{Env: env, CoverageThreshold: a.cfg.CoverageThreshold},
			&handler.GitPR{Env: env, DefaultBase: a.cfg.GitDefaultBase},
			&handler.ManualGate{Env: env},
		)

		// Each terminal step transition may be the run's last; check and
		// close out the run when it is.
		recorder.Subscribe(func(runID, eventType string, _ runs.JSON, _ string) {
			if eventType != runs.EventStepFinished && eventType != runs.EventStepFailed {
				return
			}
			finCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := plan.MaybeFinishRun(finCtx, a.store, recorder, runID); err != nil {
				a.log.Warn("run completion check failed", "runId", runID, "error", err)
			}
		})

		w := worker.New(a.store, recorder, a.queue, registry, logging.Component(a.log, "worker"))
		if err := w.Start(); err != nil {
			return err
		}

		dispatcher := outbox.NewDispatcher(a.store, outbox.LogPublisher(logging.Component(a.log, "outbox")),
			logging.Component(a.log, "outbox"))
		go dispatcher.Run(ctx)

		a.log.Info("nofx serving",
			"dataDriver", a.cfg.DataDriver,
			"queueDriver", a.cfg.QueueDriver,
			"concurrency", a.cfg.WorkerConcurrency)

		<-ctx.Done()
		a.log.Info("shutting down")
		return nil
	},
}
