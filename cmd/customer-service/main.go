package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"custhub/internal/customers"
	"custhub/internal/handlers"
	"custhub/internal/outbox"
	"custhub/libs/config"
	"custhub/libs/db"
	"custhub/libs/httpx"
	"custhub/libs/kafkax"
	otelx "custhub/libs/otel"
	"custhub/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "customer-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	customerRepo := customers.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	svc := customers.NewService(pool, customerRepo, outboxRepo, logger)

	kafkaBrokers := config.String("KAFKA_BROKERS", "")
	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if kafkaBrokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(kafkaBrokers)})
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.New(svc, customerRepo, logger).Register(mux)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
	}
	rateLimit := config.Int("RATE_LIMIT", 120)
	rateWindow := config.Duration("RATE_WINDOW", time.Minute)
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		limiter := httpx.NewRedisRateLimiter(rdb, rateLimit, rateWindow, service)
		middlewares = append(middlewares, limiter.Middleware(logger, true))
	} else {
		// Single-instance fallback when no Redis is configured.
		limiter := httpx.NewRateLimiter(rateLimit, rateWindow)
		middlewares = append(middlewares, limiter.Middleware())
	}
	handler := httpx.Chain(mux, middlewares...)
	handler = otelhttp.NewHandler(handler, "customers")

	if brokers := kafkax.SplitBrokers(kafkaBrokers); len(brokers) > 0 {
		broker := outbox.NewKafkaBroker(brokers)
		defer broker.Close()

		publisher := outbox.NewPublisher(outboxRepo, broker, logger, outbox.PublisherConfig{
			PollEvery:      config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
			BatchSize:      config.Int("OUTBOX_BATCH_SIZE", 50),
			PublishTimeout: config.Duration("OUTBOX_PUBLISH_TIMEOUT", 10*time.Second),
			StaleAfter:     config.Duration("OUTBOX_STALE_AFTER", 5*time.Minute),
		})
		go publisher.Run(ctx)
	} else {
		logger.Warn("outbox publisher disabled (no kafka brokers configured)")
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
