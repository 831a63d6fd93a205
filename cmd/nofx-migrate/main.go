// Command nofx-migrate applies, rolls back and inspects SQL migrations for
// the relational backend. Migrations are single files with -- UP and -- DOWN
// sections; the bundled baseline schema is always considered alongside any
// files in the migrations directory.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benfinklea/nofx/internal/config"
	"github.com/benfinklea/nofx/internal/migrate"
	"github.com/benfinklea/nofx/internal/store/postgres"
	"github.com/benfinklea/nofx/internal/store/postgres/schema"
	"github.com/benfinklea/nofx/pkg/logging"
)

var migrationsDir string

var rootCmd = &cobra.Command{
	Use:           "nofx-migrate",
	Short:         "Manage relational backend migrations",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func newEngine(ctx context.Context) (*migrate.Engine, func(), error) {
	cfg := config.FromEnv()
	log := logging.New()
	pool, err := postgres.NewPool(ctx, cfg, logging.Component(log, "postgres"))
	if err != nil {
		return nil, nil, err
	}
	return migrate.NewEngine(pool, logging.Component(log, "migrate")), pool.Close, nil
}

// loadAll returns the bundled baseline plus any local migration files.
func loadAll() ([]migrate.Migration, error) {
	all, err := migrate.LoadDir(schema.Files)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(migrationsDir); err == nil && info.IsDir() {
		local, err := migrate.LoadDir(os.DirFS(migrationsDir))
		if err != nil {
			return nil, err
		}
		all = append(all, local...)
	}
	return all, nil
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		engine, closePool, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closePool()

		all, err := loadAll()
		if err != nil {
			return err
		}
		return engine.Run(cmd.Context(), all)
	},
}

var downCmd = &cobra.Command{
	Use:   "down <migration-id>",
	Short: "Roll back one applied migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, closePool, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closePool()
		return engine.Rollback(cmd.Context(), args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		engine, closePool, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closePool()

		applied, err := engine.Applied(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "applied:")
		for _, m := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s  %s\n",
				m.ID, m.ExecutedAt.Format("2006-01-02 15:04:05"), m.Name)
		}

		all, err := loadAll()
		if err != nil {
			return err
		}
		pending, err := engine.Pending(cmd.Context(), all)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "pending:")
		for _, m := range pending {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s\n", m.ID, m.Name)
		}
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a timestamped migration file skeleton",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := migrate.CreateTemplate(migrationsDir, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "migrations", "local migrations directory")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd, createCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
