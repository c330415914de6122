// Command orderctl is the operator CLI for inspecting and overriding orders
// directly against the order store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"marketplace-checkout/internal/config"
	"marketplace-checkout/internal/db"
	"marketplace-checkout/internal/lifecycle"
	"marketplace-checkout/internal/logging"
	"marketplace-checkout/internal/repository/catalog"
	"marketplace-checkout/internal/repository/ledger"
	"marketplace-checkout/internal/repository/order"
	"marketplace-checkout/internal/service/admin"
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{open: func(ctx context.Context) (*stores, error) { return openPostgres(ctx, cfg) }}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openPostgres(ctx context.Context, cfg config.Config) (*stores, error) {
	logger, err := logging.New(logging.Options{Service: cfg.ServiceName, Env: cfg.Env, Level: "warn"})
	if err != nil {
		return nil, err
	}
	pool, err := db.Connect(ctx, cfg.DBConnString)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	orders := order.NewPostgres(pool, logger)
	return &stores{
		orders:  orders,
		ledger:  ledger.NewPostgres(pool, logger),
		catalog: catalog.NewPostgres(pool, logger),
		admin:   admin.New(orders, lifecycle.Machine{HoldForFulfillment: cfg.FulfillmentHold}, logger, nil),
		close:   pool.Close,
	}, nil
}
