// Package main provides the trigger monitor daemon. It watches every active
// trigger and publishes firings onto the event bus for the workers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/stepflow/pkg/cmd"
	"github.com/dukex/stepflow/pkg/engine"
	"github.com/dukex/stepflow/pkg/events"
	"github.com/dukex/stepflow/pkg/log"
)

func main() {
	logger := log.WithModule("stepflow-monitor")

	command := &cli.Command{
		Name:                  "stepflow-monitor",
		Usage:                 "Run trigger monitors and publish firings",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
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
				Name:    "stream-url",
				Usage:   "Event stream URL for event-poll triggers",
				Value:   "",
				Sources: cli.EnvVars("STREAM_URL"),
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

			logger.InfoContext(ctx, "Initializing Stepflow trigger monitors")

			streamClient, err := cmd.NewStreamClient(command.String("stream-url"))
			if err != nil {
				return err
			}

			registry := cmd.NewRegistry(logger, streamClient)

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

			executionEngine := engine.New(persistence, registry, nil, logger)
			engineRegistry := engine.NewEngineRegistry(persistence, registry, eventBus, executionEngine, logger)

			runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := engineRegistry.Start(runCtx); err != nil {
				return err
			}

			<-runCtx.Done()

			logger.InfoContext(ctx, "Shutting down trigger monitors")
			engineRegistry.Stop(context.WithoutCancel(ctx))

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
