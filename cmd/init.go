package cmd

import (
	"context"
	"fmt"
	"github.com/eggbot/eggbot/eggbot"
	"github.com/spf13/cobra"
	"log"
)

type rowCounter interface {
	RowCount(ctx context.Context) (int64, error)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database tables",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable EB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable EB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		bot, err := eggbot.New(cfg)
		if err != nil {
			log.Fatalf("Error creating eggbot: %v", err)
		}
		if err = bot.InitDB(ctx); err != nil {
			log.Fatalf("Error creating tables: %v", err)
		}

		out := cmd.OutOrStdout()
		tables := []struct {
			name  string
			store rowCounter
		}{
			{name: "deferred_task", store: bot.DeferredTasks()},
			{name: "moderation_action", store: bot.ModerationActions()},
		}
		for _, table := range tables {
			count, err := table.store.RowCount(ctx)
			if err != nil {
				log.Fatalf("Error counting %s rows: %v", table.name, err)
			}
			fmt.Fprintf(out, "Table %s ready (%d rows)\n", table.name, count)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
