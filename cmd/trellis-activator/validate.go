package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/trellis-ml/trellis/pkg/cmd"
	"github.com/urfave/cli/v3"
)

// Static error variables for linter compliance.
var ErrInvalidDeployments = errors.New("invalid deployments found")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate persisted deployments and their schedules",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := slog.With(
				"module", "trellis-activator",
				"action", "validate",
			)

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					return
				}
			}()

			deployments, err := persistence.ListDeployments(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch deployments: %w", err)
			}

			logger.Info("Validating deployments", "deployments", len(deployments))

			_, _ = fmt.Fprintln(os.Stdout, "Deployment Validation Results:")
			_, _ = fmt.Fprintln(os.Stdout, "========================================")

			validDeployments := 0
			invalidDeployments := 0
			scheduled := 0

			for _, deployment := range deployments {
				_, _ = fmt.Fprintf(os.Stdout, "\nDeployment: %s (%s)\n", deployment.PipelineName, deployment.ID)

				if err := deployment.Validate(); err != nil {
					_, _ = fmt.Fprintf(os.Stdout, "    ❌ INVALID: %v\n", err)
					invalidDeployments++

					continue
				}

				if schedule := deployment.RunConfig.Schedule; schedule != nil {
					scheduled++

					_, _ = fmt.Fprintf(os.Stdout, "  Schedule: %s\n", schedule.Cron)

					if err := schedule.Validate(); err != nil {
						_, _ = fmt.Fprintf(os.Stdout, "    ❌ INVALID: %v\n", err)
						invalidDeployments++

						continue
					}
				} else {
					_, _ = fmt.Fprintf(os.Stdout, "  Schedule: (none, manual runs only)\n")
				}

				_, _ = fmt.Fprintf(os.Stdout, "    ✅ VALID\n")
				validDeployments++
			}

			_, _ = fmt.Fprintf(os.Stdout, "\nValidation Summary:\n")
			_, _ = fmt.Fprintf(os.Stdout, "  Total deployments: %d\n", validDeployments+invalidDeployments)
			_, _ = fmt.Fprintf(os.Stdout, "  Scheduled: %d\n", scheduled)
			_, _ = fmt.Fprintf(os.Stdout, "  Valid: %d\n", validDeployments)
			_, _ = fmt.Fprintf(os.Stdout, "  Invalid: %d\n", invalidDeployments)

			if invalidDeployments > 0 {
				return fmt.Errorf("%w: %d", ErrInvalidDeployments, invalidDeployments)
			}

			_, _ = fmt.Fprintln(os.Stdout, "All deployments are valid for activator processing! ✅")

			return nil
		},
	}
}
