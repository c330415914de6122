package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"marketplace-checkout/internal/config"
	"marketplace-checkout/internal/db"
	"marketplace-checkout/internal/logging"
	"marketplace-checkout/internal/repository/catalog"
	"marketplace-checkout/internal/seed"
)

func main() {
	cfg := config.FromEnv()
	logger, err := logging.New(logging.Options{Service: cfg.ServiceName, Env: cfg.Env, Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("seed")

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DBConnString)
	if err != nil {
		logger.Fatal("connect_db_failed", zap.Error(err))
	}
	defer pool.Close()

	if err := seed.Apply(ctx, catalog.NewPostgres(pool, logger)); err != nil {
		logger.Fatal("seed_failed", zap.Error(err))
	}

	logger.Info("seed_applied", zap.Int("products", len(seed.DemoCatalog)))
}
