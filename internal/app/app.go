package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/blkd-checkout/internal/domain/checkout"
	"github.com/xenking/blkd-checkout/internal/domain/credit"
	"github.com/xenking/blkd-checkout/internal/domain/fee"
	"github.com/xenking/blkd-checkout/internal/events"
	"github.com/xenking/blkd-checkout/internal/gateway"
	"github.com/xenking/blkd-checkout/internal/handler"
	"github.com/xenking/blkd-checkout/internal/storage/postgres"
	"github.com/xenking/blkd-checkout/pkg/health"
	"github.com/xenking/blkd-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc, err := wire(ctx, lg, pool, cfg, m.MeterProvider().Meter("blkd-checkout"))
	if err != nil {
		return err
	}
	defer svc.close()

	svc.health.Start(ctx, 10*time.Second)
	svc.health.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Confirm holds the request for up to the gateway timeout.
		WriteTimeout:   cfg.Gateway.Timeout + 5*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: otelhttp.NewHandler(svc.router, "blkd-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		svc.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		svc.health.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// services is the wired application without its listener.
type services struct {
	router http.Handler
	health *health.Health
	close  func()
}

// wire builds repositories, domain services and the HTTP router on top of an
// open and migrated pool.
func wire(ctx context.Context, lg *zap.Logger, pool *pgxpool.Pool, cfg *Config, meter metric.Meter) (*services, error) {
	// Repositories.
	feeRepo := postgres.NewFeeScheduleRepository(pool)
	walletRepo := postgres.NewWalletRepository(pool)
	sessionRepo := postgres.NewSessionRepository(pool)

	// Pricing and allocation.
	creditUnit, err := cfg.Credit.unit()
	if err != nil {
		return nil, errors.Wrap(err, "credit unit")
	}
	creditRate, err := cfg.Credit.rate()
	if err != nil {
		return nil, errors.Wrap(err, "credit rate")
	}
	allocator := credit.NewAllocator(credit.FixedRate{Unit: creditUnit, Value: creditRate})
	fees := fee.NewCache(feeRepo, cfg.Fees.RefreshInterval)

	// Payment gateway behind a circuit breaker.
	payments := gateway.NewBreaker(
		gateway.NewSimulated(cfg.Gateway.Latency, gateway.DeclineRatio(cfg.Gateway.DeclineRatio)),
		gateway.BreakerConfig{
			MaxFailures: cfg.Gateway.Breaker.MaxFailures,
			OpenTimeout: cfg.Gateway.Breaker.OpenTimeout,
		},
		lg,
	)

	// Checkout events.
	var (
		publisher checkout.EventPublisher = checkout.NopPublisher{}
		closers   []func()
	)
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPub := events.NewKafkaPublisher(events.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		closers = append(closers, func() {
			if err := kafkaPub.Close(); err != nil {
				lg.Warn("Close event publisher", zap.Error(err))
			}
		})
		publisher = kafkaPub
		lg.Info("Publishing checkout events",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	checkouts, err := checkout.NewService(sessionRepo, walletRepo, fees, allocator, payments,
		checkout.WithEvents(publisher),
		checkout.WithMeter(meter),
		checkout.WithChargeTimeout(cfg.Gateway.Timeout),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout service")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddReadinessCheck("payment_gateway", time.Second, payments.Check)
	healthSvc.AddReadinessCheck("fee_schedules", 5*time.Second, func(ctx context.Context) error {
		_, err := fees.Snapshot(ctx)
		return err
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))

	// Router: health endpoints and the rate limited API on one server.
	router := chi.NewRouter()
	router.Use(
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.LogRequests(),
	)
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	handler.NewHandler(checkouts, walletRepo, fees, allocator).Mount(router,
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
		}),
	)

	return &services{
		router: router,
		health: healthSvc,
		close: func() {
			for _, c := range closers {
				c()
			}
		},
	}, nil
}
