package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketplace-checkout/internal/config"
	"marketplace-checkout/internal/db"
	"marketplace-checkout/internal/logging"
	"marketplace-checkout/internal/migrate"
)

func main() {
	cfg := config.FromEnv()
	logger, err := logging.New(logging.Options{Service: cfg.ServiceName, Env: cfg.Env, Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("migrate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the checkout database schema",
		SilenceUsage: true,
		// Running the binary without a subcommand keeps the container entrypoint behaviour.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), cfg, func(pool *pgxpool.Pool) error {
				if err := migrate.Apply(cmd.Context(), pool); err != nil {
					return err
				}
				logger.Info("migrations_applied")
				return nil
			})
		},
	}
	root.AddCommand(upCmd(cfg, logger), downCmd(cfg, logger), versionCmd(cfg))

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("migrate_failed", zap.Error(err))
		os.Exit(1)
	}
}

func upCmd(cfg config.Config, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), cfg, func(pool *pgxpool.Pool) error {
				if err := migrate.Apply(cmd.Context(), pool); err != nil {
					return err
				}
				logger.Info("migrations_applied")
				return nil
			})
		},
	}
}

func downCmd(cfg config.Config, logger *zap.Logger) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), cfg, func(pool *pgxpool.Pool) error {
				if err := migrate.Rollback(cmd.Context(), pool, steps); err != nil {
					return err
				}
				logger.Info("migrations_reverted", zap.Int("steps", steps))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to revert, 0 reverts all")
	return cmd
}

func versionCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), cfg, func(pool *pgxpool.Pool) error {
				v, dirty, err := migrate.Version(cmd.Context(), pool)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
				return nil
			})
		},
	}
}

func withPool(ctx context.Context, cfg config.Config, fn func(*pgxpool.Pool) error) error {
	pool, err := db.Connect(ctx, cfg.DBConnString)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()
	return fn(pool)
}
