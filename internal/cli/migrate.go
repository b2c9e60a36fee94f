package cli

import (
	"fmt"

	"checkout-service/internal/config"
	"checkout-service/internal/stores/postgres"

	"github.com/spf13/cobra"
)

func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply, roll back or list database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}

			cfg := config.FromEnv()
			ctx := cmd.Context()
			db, err := postgres.OpenDB(ctx, cfg.DBConnString)
			if err != nil {
				return err
			}
			defer db.Close()

			switch direction {
			case "down":
				return postgres.MigrateDown(ctx, db)
			case "status":
				statuses, err := postgres.MigrateStatus(ctx, db)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%05d  %-8s %s\n", s.Version, state, s.Path)
				}
				return nil
			default:
				return postgres.MigrateUp(ctx, db)
			}
		},
	}
}
