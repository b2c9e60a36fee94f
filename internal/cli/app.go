package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"checkout-service/internal/cart"
	"checkout-service/internal/checkout"
	"checkout-service/internal/config"
	"checkout-service/internal/orders"
	"checkout-service/internal/payment"
	"checkout-service/internal/payment/stripepay"
	"checkout-service/internal/reconcile"
	"checkout-service/internal/stores/cache"
	"checkout-service/internal/stores/kafka"
	"checkout-service/internal/stores/postgres"
	"checkout-service/pkg/logkey"

	"github.com/redis/go-redis/v9"
)

// app holds the dependencies shared by serve and reconcile.
type app struct {
	db       *sql.DB
	orders   *orders.Conf
	checkout *checkout.Service
	engine   *reconcile.Engine
	kafka    *kafka.Conf
	redis    *redis.Client
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	db, err := postgres.OpenDB(ctx, cfg.DBConnString)
	if err != nil {
		return nil, err
	}
	a := &app{db: db}
	if err := a.init(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, cfg config.Config) error {
	var err error
	a.orders, err = orders.NewConf(a.db)
	if err != nil {
		return err
	}
	cartConf, err := cart.NewConf(a.db)
	if err != nil {
		return err
	}

	// Kafka and Redis are optional; without them events are skipped and
	// status polling always asks the gateway.
	var placed checkout.Events
	var events reconcile.Events
	if len(cfg.KafkaBrokers) > 0 {
		a.kafka, err = kafka.NewConf(cfg.KafkaBrokers)
		if err != nil {
			return err
		}
		placed, events = a.kafka, a.kafka
	}
	var statusCache reconcile.StatusCache
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, status cache will retry per request", slog.String(logkey.ERROR, err.Error()))
		}
		statusCache = cache.NewStatusCache(a.redis, cfg.StatusCacheTTL)
	}

	a.checkout, err = checkout.NewService(a.db, cartConf, a.orders, placed)
	if err != nil {
		return err
	}

	stripeGateway, err := stripepay.New(stripepay.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		BaseURL:       cfg.Stripe.APIURL,
	})
	if err != nil {
		return err
	}
	policy := payment.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Gateway.MaxAttempts
	policy.BaseDelay = cfg.Gateway.BaseBackoff
	policy.CallTimeout = cfg.Gateway.CallTimeout

	a.engine, err = reconcile.New(reconcile.Deps{
		Store:    a.orders,
		Gateway:  payment.WithRetry(stripeGateway, policy),
		Events:   events,
		Cache:    statusCache,
		Logger:   slog.Default(),
		Currency: cfg.Stripe.Currency,
	})
	if err != nil {
		return fmt.Errorf("building reconciliation engine: %w", err)
	}
	return nil
}

func (a *app) Close() {
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}
