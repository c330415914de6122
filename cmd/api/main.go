package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"marketplace-checkout/internal/config"
	"marketplace-checkout/internal/httpserver"
	"marketplace-checkout/internal/lifecycle"
	"marketplace-checkout/internal/logging"
	"marketplace-checkout/internal/metrics"
	"marketplace-checkout/internal/service/admin"
	"marketplace-checkout/internal/service/checkout"
	"marketplace-checkout/internal/service/reconcile"
)

func main() {
	cfg := config.FromEnv()
	logger, err := logging.New(logging.Options{
		Service: cfg.ServiceName,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open_stores_failed", zap.Error(err))
	}
	defer st.close()

	dedup, dedupPinger, closeDedup, err := openDedup(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open_dedup_failed", zap.Error(err))
	}
	defer closeDedup()

	providers := buildProviders(cfg, logger, m)
	machine := lifecycle.Machine{HoldForFulfillment: cfg.FulfillmentHold}

	checkoutService := checkout.New(st.orders, st.ledger, st.catalog, providers, checkout.Options{
		PublicBaseURL:       cfg.PublicBaseURL,
		AttemptTTL:          cfg.PaymentAttemptTTL,
		PriceToleranceCents: cfg.PriceToleranceCents,
		ProviderMaxAttempts: cfg.ProviderMaxAttempts,
	}, logger, m)
	reconcileService := reconcile.New(st.orders, st.ledger, providers, dedup, machine, reconcile.Options{
		MaxRetries: cfg.ReconcileMaxRetries,
	}, logger, m)
	adminService := admin.New(st.orders, machine, logger, m)

	creds, err := httpserver.ParseAdminCredentials(cfg.AdminCredentials)
	if err != nil {
		logger.Fatal("parse_admin_credentials_failed", zap.Error(err))
	}
	if len(creds) == 0 {
		logger.Warn("admin_api_disabled", zap.String("reason", "ADMIN_CREDENTIALS is empty"))
	}

	srv, err := httpserver.New(cfg.HTTPAddr, logger, httpserver.Deps{
		Checkout:         checkoutService,
		Reconciler:       reconcileService,
		Admin:            adminService,
		AdminCredentials: creds,
		CORSOrigins:      cfg.CORSAllowedOrigins,
		DB:               st.pinger,
		Dedup:            dedupPinger,
		Metrics:          m,
		Gatherer:         reg,
	})
	if err != nil {
		logger.Fatal("init_server_failed", zap.Error(err))
	}

	relayDone := startRelay(ctx, cfg, st, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal")
	case err := <-serverErr:
		logger.Error("server_failed", zap.Error(err))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful_shutdown_failed", zap.Error(err))
	} else {
		logger.Info("server_stopped")
	}
	<-relayDone
}
