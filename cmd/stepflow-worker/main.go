// Package main provides the execution worker. It consumes trigger firings
// from the event bus, creates executions, and drives them to completion. A
// periodic sweep raises SLA breach events for running executions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/engine"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "stepflow-worker",
		Usage:                 "Start workers to execute workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "sla-sweep",
				Usage:   "Cron schedule for the SLA breach sweep",
				Value:   "@every 30s",
				Sources: cli.EnvVars("SLA_SWEEP"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("stepflow-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Stepflow worker")

			registry := cmd.NewRegistry(logger, nil)

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}
			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), events.TriggerTopic, logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			auditBus := cmd.NewEventBus(command.String("event-bus"), events.AuditTopic, logger)
			defer func() {
				if err := auditBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close audit bus", "error", err)
				}
			}()

			executionEngine := engine.New(persistence, registry, auditBus, logger)
			engineRegistry := engine.NewEngineRegistry(persistence, registry, eventBus, executionEngine, logger)

			runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := eventBus.Handle(events.TriggerFiredEvent, engineRegistry.HandleTriggerFired); err != nil {
				return err
			}

			if err := eventBus.Subscribe(runCtx); err != nil {
				return err
			}

			sweeper := cron.New()

			_, err = sweeper.AddFunc(command.String("sla-sweep"), func() {
				if err := executionEngine.CheckSLAs(runCtx); err != nil {
					logger.ErrorContext(runCtx, "SLA sweep failed", "error", err)
				}
			})
			if err != nil {
				return err
			}

			sweeper.Start()
			defer sweeper.Stop()

			logger.InfoContext(ctx, "Worker consuming trigger firings")

			<-runCtx.Done()

			logger.InfoContext(ctx, "Shutting down worker")

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
