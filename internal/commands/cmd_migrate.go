package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/verbose/chat/internal/store/postgres"
)

type MigrateCmd struct {
	flags       *Flags
	databaseURL string
}

// NewMigrateCmd creates a new migrate command
func NewMigrateCmd(flags *Flags) *MigrateCmd {
	return &MigrateCmd{flags: flags}
}

// Register adds the migrate command to the application
func (cmd *MigrateCmd) Register(app *cli.Command) *cli.Command {
	dbFlag := &cli.StringFlag{
		Name:        "database-url",
		Usage:       "PostgreSQL connection string",
		Sources:     cli.EnvVars("DATABASE_URL"),
		Required:    true,
		Destination: &cmd.databaseURL,
	}

	app.Commands = append(app.Commands, &cli.Command{
		Name:      "migrate",
		Usage:     "Apply or roll back the database schema",
		UsageText: "chatserver migrate [up|down]",
		Flags:     []cli.Flag{dbFlag},
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply all pending migrations",
				Action: cmd.run(postgres.Up),
			},
			{
				Name:   "down",
				Usage:  "Roll back all migrations",
				Action: cmd.run(postgres.Down),
			},
		},
	})

	return app
}

func (cmd *MigrateCmd) run(dir postgres.Direction) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		st, err := postgres.Open(ctx, cmd.databaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		if err := postgres.Migrate(st.DB(), dir); err != nil {
			return fmt.Errorf("migrate %s: %w", dir, err)
		}
		log.Info().Str("direction", string(dir)).Msg("migrations applied")
		return nil
	}
}
