package app

import (
	"context"
	"io"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/shop-discount/internal/domain/discount"
	"github.com/xenking/shop-discount/internal/storage/postgres"
	"github.com/xenking/shop-discount/internal/storage/redislock"
)

// Run creates all dependencies, executes the configured command and writes
// its result to out as JSON. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config, out io.Writer) error {
	lg.Info("Initializing", zap.String("command", cfg.Command))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if cfg.Migrate {
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
	}

	// Repositories.
	discountRepo := postgres.NewDiscountRepository(pool)
	catalogRepo := postgres.NewCatalogRepository(pool)
	orderRepo := postgres.NewOrderItemRepository(pool)

	opts := []discount.Option{
		discount.WithTracerProvider(m.TracerProvider()),
		discount.WithMeterProvider(m.MeterProvider()),
	}

	// Redemptions from several processes are serialized per code in Redis
	// on top of the row lock.
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "parse redis url")
		}
		client := redis.NewClient(redisOpts)
		defer func() { _ = client.Close() }()

		if err := redisotel.InstrumentTracing(client, redisotel.WithTracerProvider(m.TracerProvider())); err != nil {
			return errors.Wrap(err, "instrument redis")
		}
		opts = append(opts, discount.WithLocker(redislock.New(client,
			redislock.WithPrefix("discount:lock:"),
			redislock.WithTTL(cfg.Lock.TTL),
			redislock.WithBackoff(cfg.Lock.Backoff),
		)))
	}

	svc, err := discount.NewService(discountRepo, catalogRepo, orderRepo, opts...)
	if err != nil {
		return errors.Wrap(err, "create discount service")
	}

	items := cfg.Items
	if len(items) == 0 && cfg.OrderID != "" {
		orderItems, err := orderRepo.ListOrderItems(ctx, cfg.OrderID)
		if err != nil {
			return errors.Wrap(err, "list order items")
		}
		for _, it := range orderItems {
			items = append(items, it.ID)
		}
	}

	cmd := &command{svc: svc, cfg: cfg, items: items}
	return cmd.run(ctx, out)
}
