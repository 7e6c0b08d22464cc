package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pellax/memorymeet-sub001/internal/app"
	"github.com/pellax/memorymeet-sub001/internal/breaker"
	"github.com/pellax/memorymeet-sub001/internal/clock"
	"github.com/pellax/memorymeet-sub001/internal/config"
	"github.com/pellax/memorymeet-sub001/internal/dispatch"
	"github.com/pellax/memorymeet-sub001/internal/storage/postgres"
	transporthttp "github.com/pellax/memorymeet-sub001/internal/transport/http"
	"github.com/pellax/memorymeet-sub001/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config.LoadEnvFile(log.Printf)

	cfg, err := config.Load(func(format string, args ...any) {
		log.Printf("WARN: "+format, args...)
	})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	startupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("parse database url", zap.Error(err))
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(startupCtx, poolCfg)
	if err != nil {
		logger.Fatal("connect to db", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(startupCtx); err != nil {
		logger.Fatal("db ping", zap.Error(err))
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	accountRepo := postgres.NewAccountRepository(pool)
	reservationRepo := postgres.NewReservationRepository(pool)
	clk := clock.NewSystem()

	br := breaker.New("orchestrator", breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Interval:         cfg.BreakerInterval,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, logger)

	dispatcher := dispatch.New(dispatch.Config{
		URL:         cfg.OrchestratorURL,
		CallbackURL: cfg.CallbackBaseURL + "/v1/callbacks/completion",
		Timeout:     cfg.DispatchTimeout,
		Retry: dispatch.RetryPolicy{
			BaseDelay:  cfg.DispatchBaseDelay,
			MaxDelay:   cfg.DispatchMaxDelay,
			MaxRetries: cfg.DispatchMaxRetries,
			Jitter:     true,
		},
	}, br, logger)

	settlement := app.NewSettlement(accountRepo, reservationRepo, clk, logger)
	gatekeeper := app.NewGatekeeper(accountRepo, reservationRepo, dispatcher, settlement, clk, logger)
	accountSvc := app.NewAccountService(accountRepo, clk)
	sweeper := app.NewSweeper(reservationRepo, settlement, clk, cfg.SweepInterval, cfg.ReservationTTL, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", transporthttp.HealthHandler)
	mux.Handle("/v1/work", transporthttp.HandleRequestWork(gatekeeper))
	mux.Handle("/v1/callbacks/completion", transporthttp.HandleCompletionCallback(gatekeeper))
	mux.Handle("/v1/accounts", transporthttp.HandleCreateAccount(accountSvc))
	mux.Handle("/v1/accounts/", transporthttp.HandleAccountUsage(accountSvc))
	mux.Handle("/", transporthttp.NotFoundHandler())

	handler := transporthttp.RequestLogger(transporthttp.CORS(cfg.CORSOrigins, mux), logger)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweeper.Run(sweepCtx)

	logger.Info("gatekeeper listening", zap.String("port", cfg.Port))

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	case <-stopCtx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	stopSweep()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
