package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matrix-reward-engine/handlers"
	"matrix-reward-engine/middleware"
	"matrix-reward-engine/models"
	"matrix-reward-engine/services"
	"matrix-reward-engine/utils"
	"matrix-reward-engine/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading environment variables directly")
	}

	logger, err := utils.NewLogger()
	if err != nil {
		log.Fatal("failed to build logger:", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL environment variable not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(
		&models.Member{},
		&models.PlacementRecord{},
		&models.MatrixOverflow{},
		&models.RewardClaim{},
		&models.RollupRecord{},
	); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	registry := services.NewGormRegistry(db)
	if err := registry.EnsureSchema(); err != nil {
		logger.Fatal("failed to create activation sequence", zap.Error(err))
	}
	store := services.NewGormMatrixStore(db)
	ledger := services.NewGormLedger(db)

	var (
		statsCache services.StatsCache
		notifier   services.Notifier
	)
	if os.Getenv("REDIS_ADDR") != "" {
		rdb, err := utils.NewRedisClient(ctx, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without stats cache and notifications", zap.Error(err))
		} else {
			defer rdb.Close()
			statsCache = services.NewRedisStatsCache(rdb, utils.EnvDuration("STATS_CACHE_TTL", 30*time.Second), logger)
			notifier = services.NewRedisNotifier(rdb, logger)
		}
	}

	// counters start empty after a restart; seed them lazily from the store
	stats := services.NewLayerStatsAggregator(store, registry, logger, true)

	placementCfg := services.DefaultPlacementConfig()
	placementCfg.MaxClaimAttempts = utils.EnvInt("MAX_CLAIM_ATTEMPTS", placementCfg.MaxClaimAttempts)
	placement := services.NewPlacementEngine(store, registry, placementCfg, logger)

	rewardCfg := services.DefaultRewardConfig()
	rewardCfg.ClaimWindow = utils.EnvDuration("CLAIM_WINDOW", rewardCfg.ClaimWindow)
	rewardCfg.MaxRollupAttempts = utils.EnvInt("MAX_ROLLUP_ATTEMPTS", rewardCfg.MaxRollupAttempts)
	rewardCfg.RollupRetryInterval = utils.EnvDuration("ROLLUP_RETRY_INTERVAL", rewardCfg.RollupRetryInterval)

	matrixService := services.NewMatrixService(placement, store, registry, stats, statsCache, notifier, logger)
	rewardService := services.NewRewardService(ledger, store, registry, stats, statsCache, notifier, rewardCfg, logger)

	var exporter *services.AuditExporter
	r2, err := utils.InitR2(ctx)
	switch {
	case errors.Is(err, utils.ErrR2NotConfigured):
		logger.Info("R2 not configured, audit export disabled")
	case err != nil:
		logger.Fatal("failed to initialize R2 client", zap.Error(err))
	default:
		exporter = services.NewAuditExporter(rewardService, r2, "audit", logger)
	}

	sched, err := services.StartScheduler(ctx, services.ScheduleConfig{
		SweepInterval:     utils.EnvDuration("EXPIRY_SWEEP_INTERVAL", time.Minute),
		ReconcileInterval: utils.EnvDuration("STATS_RECONCILE_INTERVAL", 10*time.Minute),
	}, matrixService, rewardService, exporter, logger)
	if err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer func() { _ = sched.Shutdown() }()

	dispatcher := workers.NewDispatcher(matrixService, rewardService, utils.EnvInt("EVENT_WORKERS", 8), logger)
	defer dispatcher.Stop()

	serviceToken := os.Getenv("SERVICE_TOKEN")
	switch source := utils.Env("EVENT_SOURCE", "kafka"); source {
	case "kafka":
		consumer, err := workers.NewEventConsumer(
			utils.EnvList("KAFKA_BROKERS"),
			utils.Env("KAFKA_GROUP_ID", "matrix-reward-engine"),
			utils.Env("KAFKA_DEAD_LETTER_TOPIC", workers.DefaultDeadLetterTopic),
			dispatcher, logger)
		if err != nil {
			logger.Fatal("failed to create kafka consumer", zap.Error(err))
		}
		defer consumer.Close()
		go func() {
			consumer.Run(ctx)
			// an unsettled batch stops the consumer; restart from the last commit
			stop()
		}()
	case "poll":
		baseURL := os.Getenv("ACTIVATION_SERVICE_URL")
		if baseURL == "" {
			logger.Fatal("ACTIVATION_SERVICE_URL environment variable not set")
		}
		syncWorker := workers.NewMemberSyncWorker(registry, dispatcher, baseURL, serviceToken,
			utils.EnvDuration("MEMBER_SYNC_INTERVAL", 10*time.Second), logger)
		syncWorker.Start(ctx)
	case "none":
		logger.Info("no event source, events arrive over HTTP only")
	default:
		logger.Fatal("unknown EVENT_SOURCE", zap.String("source", source))
	}

	app := fiber.New(fiber.Config{
		AppName:      "matrix-reward-engine",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(middleware.GatewayAuthMiddleware(serviceToken, logger, "/healthz", "/metrics"))

	handlers.SetupHealthRoutes(app, func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	handlers.SetupMatrixRoutes(app, matrixService)
	handlers.SetupRewardRoutes(app, rewardService, logger)
	handlers.SetupEventRoutes(app, matrixService, rewardService)

	addr := utils.Env("HTTP_ADDR", ":5300")
	go func() {
		if err := app.Listen(addr); err != nil {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()
	logger.Info("server running", zap.String("addr", addr))

	<-ctx.Done()
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
}
