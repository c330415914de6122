package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marketplace-checkout/internal/config"
	"marketplace-checkout/internal/db"
	"marketplace-checkout/internal/httpserver"
	"marketplace-checkout/internal/idempotency"
	"marketplace-checkout/internal/metrics"
	"marketplace-checkout/internal/outbox"
	"marketplace-checkout/internal/payment"
	"marketplace-checkout/internal/repository/catalog"
	"marketplace-checkout/internal/repository/ledger"
	"marketplace-checkout/internal/repository/order"
	"marketplace-checkout/internal/seed"
)

const providerTimeout = 15 * time.Second

type stores struct {
	orders  order.Repository
	ledger  ledger.Repository
	catalog catalog.Repository
	pinger  httpserver.Pinger
	pool    *pgxpool.Pool
	close   func()
}

// openStores returns Postgres-backed stores, or in-process ones seeded with
// the demo catalog when STORAGE_DRIVER=memory.
func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.StorageDriver {
	case "memory":
		prices := catalog.NewMemory()
		if err := seed.Apply(ctx, prices); err != nil {
			return nil, err
		}
		logger.Warn("memory_storage", zap.String("detail", "orders and payments are lost on restart"))
		return &stores{
			orders:  order.NewMemory(outbox.NewMemory()),
			ledger:  ledger.NewMemory(),
			catalog: prices,
			pinger:  httpserver.PingFunc(func(context.Context) error { return nil }),
			close:   func() {},
		}, nil
	case "postgres":
		pool, err := db.ConnectWith(ctx, cfg.DBConnString, db.Options{MaxConns: int32(cfg.DBMaxConns)})
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		return &stores{
			orders:  order.NewPostgres(pool, logger),
			ledger:  ledger.NewPostgres(pool, logger),
			catalog: catalog.NewPostgres(pool, logger),
			pinger:  pool,
			pool:    pool,
			close:   pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
}

// openDedup uses Redis when REDIS_ADDR is set so every replica shares the
// webhook claims, otherwise a process-local store.
func openDedup(ctx context.Context, cfg config.Config, logger *zap.Logger) (idempotency.Store, httpserver.Pinger, func(), error) {
	if cfg.RedisAddr == "" {
		return idempotency.NewMemory(cfg.WebhookDedupTTL), nil, func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("webhook_dedup_redis", zap.String("addr", cfg.RedisAddr))
	pinger := httpserver.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	return idempotency.NewRedis(rdb, cfg.WebhookDedupTTL), pinger, func() { _ = rdb.Close() }, nil
}

func buildProviders(cfg config.Config, logger *zap.Logger, m *metrics.Metrics) *payment.Registry {
	client := &http.Client{Timeout: providerTimeout}
	var enabled []payment.Provider
	if cfg.PayPal.Enabled() {
		enabled = append(enabled, payment.NewPayPal(payment.PayPalConfig{
			BaseURL:      cfg.PayPal.BaseURL,
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			WebhookID:    cfg.PayPal.WebhookID,
			BrandName:    cfg.PayPal.BrandName,
		}, client))
	}
	if cfg.Stripe.Enabled() {
		enabled = append(enabled, payment.NewStripe(payment.StripeConfig{
			BaseURL:       cfg.Stripe.BaseURL,
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
		}, client))
	}
	if cfg.Esewa.Enabled() {
		enabled = append(enabled, payment.NewEsewa(payment.EsewaConfig{
			FormURL:     cfg.Esewa.FormURL,
			StatusURL:   cfg.Esewa.StatusURL,
			ProductCode: cfg.Esewa.ProductCode,
			SecretKey:   cfg.Esewa.SecretKey,
		}, client))
	}

	wrapped := make([]payment.Provider, 0, len(enabled))
	for _, p := range enabled {
		wrapped = append(wrapped, payment.Instrument(p, m))
	}
	reg := payment.NewRegistry(wrapped...)
	if len(wrapped) == 0 {
		logger.Warn("no_payment_providers", zap.String("detail", "set PAYPAL_*, STRIPE_* or ESEWA_* credentials"))
	}
	for _, name := range reg.Names() {
		logger.Info("payment_provider_enabled", zap.String("provider", string(name)))
	}
	return reg
}

// startRelay publishes the Postgres outbox to Kafka until ctx ends. The
// returned channel closes once the relay has stopped.
func startRelay(ctx context.Context, cfg config.Config, st *stores, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if st.pool == nil || len(cfg.KafkaBrokers) == 0 {
		logger.Info("outbox_relay_disabled")
		close(done)
		return done
	}

	writer := outbox.NewWriter(cfg.KafkaBrokers)
	relay := outbox.NewRelay(
		logger.Named("outbox"),
		outbox.NewPostgres(st.pool),
		outbox.NewDispatcher(logger.Named("outbox"), writer, cfg.OutboxTopic),
		cfg.RelayID,
	)
	go func() {
		defer close(done)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn("kafka_writer_close_failed", zap.Error(err))
			}
		}()
		logger.Info("outbox_relay_started", zap.String("topic", cfg.OutboxTopic), zap.String("relay_id", cfg.RelayID))
		relay.Run(ctx)
	}()
	return done
}
