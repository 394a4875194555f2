package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"casino-table-engine/internal/config"
	"casino-table-engine/internal/fairness"
	"casino-table-engine/internal/games"
	"casino-table-engine/internal/handlers"
	"casino-table-engine/internal/ledger"
	"casino-table-engine/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisService, err := services.NewRedisService(cfg)
	if err != nil {
		return err
	}
	defer redisService.Close()

	accounts, err := ledger.Open(cfg.LedgerDSN, cfg.StartingBalance, cfg.TreasuryUserID, logger)
	if err != nil {
		return err
	}
	defer accounts.Close()

	var beacon fairness.EntropySource
	if cfg.BeaconURL != "" {
		beacon = fairness.NewHTTPBeacon(cfg.BeaconURL)
	}

	deps := services.Deps{
		Redis:  redisService,
		Locks:  services.NewLockManager(redisService, logger),
		Ledger: accounts,
		Seeds:  fairness.NewGenerator(beacon, cfg.BeaconTimeout, logger),
		Tax: services.TaxPolicy{
			Threshold:  cfg.TaxThreshold,
			Percent:    cfg.TaxPercent,
			Minimum:    cfg.TaxMinimum,
			TreasuryID: cfg.TreasuryUserID,
		},
		Logger: logger,
	}

	registry := games.NewRegistry(deps)
	if err := registry.LoadAll(ctx); err != nil {
		logger.Warn("failed to load stored tables", zap.Error(err))
	}

	broadcaster := services.NewRedisBroadcaster(redisService)
	scheduler := games.NewScheduler(registry, broadcaster, cfg.SchedulerInterval, logger)
	hub := handlers.NewHub(redisService, logger)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterDeps{
		Registry:    registry,
		Broadcaster: broadcaster,
		Accounts:    accounts,
		JWT:         services.NewJWTService(cfg),
		Redis:       redisService,
		Hub:         hub,
		Logger:      logger,
		DevLogin:    cfg.Env != "production",
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
