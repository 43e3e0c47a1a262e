package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/trellis-ml/trellis/pkg/cmd"
	"github.com/trellis-ml/trellis/pkg/log"
	"github.com/trellis-ml/trellis/pkg/protocol"
	"github.com/trellis-ml/trellis/pkg/receivers/queue"
	"github.com/trellis-ml/trellis/pkg/receivers/schedule"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "trellis-activator",
		Usage:                 "Start the Trellis activator service",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewValidateCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "activator-id",
				Aliases: []string{"id"},
				Usage:   "Custom activator ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("ACTIVATOR_ID"),
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
			&cli.DurationFlag{
				Name:    "scan-interval",
				Usage:   "How often the schedule receiver scans for due deployments (default 1m)",
				Sources: cli.EnvVars("SCAN_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the queue receiver (disabled if empty)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-queue",
				Usage:   "Redis list the queue receiver consumes run requests from",
				Value:   "",
				Sources: cli.EnvVars("REDIS_QUEUE"),
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

			activatorID := command.String("activator-id")
			if activatorID == "" {
				activatorID = fmt.Sprintf("activator-%s", uuid.New().String()[:8])
			}

			logger := log.WithModule("trellis-activator").With("activator_id", activatorID)

			logger.Info("Initializing Trellis Activator", "activator_id", activatorID)

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.Error("Failed to close persistence", "error", err)
				}
			}()

			buildReceivers := func() ([]protocol.Receiver, error) {
				receivers := []protocol.Receiver{
					schedule.NewReceiver(logger, persistence, eventBus, command.Duration("scan-interval")),
				}

				if addr := command.String("redis-addr"); addr != "" {
					queueReceiver, err := queue.NewReceiver(map[string]any{
						"queue": command.String("redis-queue"),
						"connection": map[string]any{
							"addr": addr,
						},
					}, logger, eventBus)
					if err != nil {
						return nil, err
					}

					receivers = append(receivers, queueReceiver)
				}

				return receivers, nil
			}

			activator := NewActivator(activatorID, logger, buildReceivers)

			activator.Start(ctx)

			return nil
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
