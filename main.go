package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bounty-escrow-service/chain"
	"bounty-escrow-service/config"
	"bounty-escrow-service/handlers"
	"bounty-escrow-service/logger"
	"bounty-escrow-service/models"
	"bounty-escrow-service/services"
	"bounty-escrow-service/utils"
	"bounty-escrow-service/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ invalid configuration: %v", err)
	}

	lg := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		Production: cfg.IsProduction(),
	})
	defer func() { _ = lg.Sync() }()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(lg.Named("gorm")), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		lg.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(&models.Bounty{}, &models.Submission{}); err != nil {
		lg.Fatal("failed to migrate database", zap.Error(err))
	}

	gateway, err := chain.NewAlgodGateway(cfg.AlgodURL, cfg.AlgodToken, lg)
	if err != nil {
		lg.Fatal("failed to create algod gateway", zap.Error(err))
	}

	store := services.NewGormMirrorStore(db)
	reconciler := services.NewReconciliationService(gateway, store, lg, services.ReconcilerConfig{
		AppID:              cfg.AppID,
		ConfirmationRounds: cfg.ConfirmationRounds,
		AmountEpsilonMicro: cfg.AmountEpsilonMicro,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ArchiveEnabled() {
		archiver, err := utils.NewR2Archiver(ctx, utils.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			Bucket:          cfg.R2Bucket,
		})
		if err != nil {
			lg.Fatal("failed to initialize R2 client", zap.Error(err))
		}
		reconciler.Archiver = archiver
		lg.Info("🗄️ box snapshots archived to R2", zap.String("bucket", cfg.R2Bucket))
	}

	var serviceSigner *chain.LocalSigner
	if cfg.ServiceMnemonic != "" {
		serviceSigner, err = chain.NewLocalSigner(cfg.ServiceMnemonic)
		if err != nil {
			lg.Fatal("invalid SERVICE_MNEMONIC", zap.Error(err))
		}
		lg.Info("🔑 service signer loaded", zap.String("address", serviceSigner.Address().String()))
	}

	scheduler, err := workers.NewScheduler(reconciler, serviceSigner, workers.SchedulerConfig{
		BackfillInterval:    cfg.BackfillInterval,
		ExpirySweepInterval: cfg.ExpirySweepInterval,
	}, lg)
	if err != nil {
		lg.Fatal("failed to create scheduler", zap.Error(err))
	}
	if err := scheduler.Start(ctx); err != nil {
		lg.Fatal("failed to start scheduler", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.SignerTimeout + 2*time.Minute,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
	}))

	bountyService := services.NewBountyService(reconciler, cfg.SignerTimeout, lg)
	handlers.SetupBountyRoutes(app, bountyService, cfg.AdminToken, lg)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			lg.Error("server error", zap.Error(err))
			stop()
		}
	}()

	lg.Info("✅ Server running",
		zap.String("port", cfg.Port),
		zap.Uint64("app_id", cfg.AppID),
		zap.String("algod", cfg.AlgodURL),
		zap.Strings("cors_origins", cfg.AllowedOrigins))

	<-ctx.Done()
	lg.Info("Shutting down server...")

	if err := scheduler.Shutdown(); err != nil {
		lg.Warn("scheduler shutdown", zap.Error(err))
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		lg.Warn("server shutdown", zap.Error(err))
	}
}
