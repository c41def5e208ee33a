package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"ladderbot/config"
	"ladderbot/internal/adapters/binanceclient"
	"ladderbot/internal/adapters/logger"
	"ladderbot/internal/adapters/sqlite"
	"ladderbot/internal/app"
	"ladderbot/internal/ordercache"
	"ladderbot/internal/reconcile"
	"ladderbot/internal/risk"
	"ladderbot/internal/stream"
	"ladderbot/internal/volatility"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger *logger.ZeroLogger
	if cfg.LogConsole {
		appLogger = logger.NewConsoleLogger(cfg.LogLevel)
	} else {
		appLogger = logger.NewZeroLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:        cfg.APIKey,
		SecretKey:     cfg.SecretKey,
		UseTestnet:    cfg.IsTestnet,
		Logger:        appLogger,
		PriceCacheTTL: cfg.PriceCacheTTL,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 5. Initialize Core Components
	cache, err := ordercache.New(ordercache.Config{
		Symbol:            cfg.Symbol,
		TTL:               cfg.CacheTTL,
		ErrorThreshold:    cfg.CacheErrorThreshold,
		PricePrecision:    cfg.PricePrecision,
		QuantityPrecision: cfg.QuantityPrecision,
		Logger:            appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize order cache")
		log.Fatalf("FATAL: Failed to initialize order cache: %v", err)
	}

	volMonitor, err := volatility.New(volatility.Config{
		Symbol:             cfg.Symbol,
		Window:             cfg.VolatilityWindow,
		Threshold:          cfg.VolatilityThreshold,
		CooldownBase:       cfg.CooldownBase,
		CooldownMultiplier: cfg.CooldownMultiplier,
		Exchange:           binanceClient,
		Logger:             appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize volatility monitor")
		log.Fatalf("FATAL: Failed to initialize volatility monitor: %v", err)
	}

	riskManager, err := risk.New(risk.Config{
		Leverage:              cfg.Leverage,
		FeeRate:               cfg.FeeRate,
		TakeProfitFeeMultiple: cfg.TakeProfitFeeMultiple,
		DropFeeMultiple:       cfg.DropFeeMultiple,
		LadderMultiplier:      cfg.LadderMultiplier,
		MaxLevels:             cfg.MaxMartingaleLevels,
		BaseQuantity:          cfg.BaseQuantity,
		MarginSafetyFactor:    cfg.MarginSafetyFactor,
		BaseSlippageTolerance: cfg.SlippageTolerance,
		VolatilityThreshold:   cfg.VolatilityThreshold,
		PricePrecision:        cfg.PricePrecision,
		QuantityPrecision:     cfg.QuantityPrecision,
		Logger:                appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk manager")
		log.Fatalf("FATAL: Failed to initialize risk manager: %v", err)
	}

	reconciler, err := reconcile.New(reconcile.Config{
		Exchange:    binanceClient,
		Cache:       cache,
		Logger:      appLogger,
		MaxAttempts: cfg.ReconcileMaxAttempts,
		PollDelay:   cfg.ReconcilePollDelay,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize reconciliation engine")
		log.Fatalf("FATAL: Failed to initialize reconciliation engine: %v", err)
	}

	// 6. Initialize Application Service
	service, err := app.New(app.Config{
		Cfg:        cfg,
		Logger:     appLogger,
		Exchange:   binanceClient,
		Cycles:     repo,
		Cache:      cache,
		Volatility: volMonitor,
		Risk:       riskManager,
		Reconciler: reconciler,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized")

	// 7. Initialize Stream Manager, feeding events into the service loop
	streamManager, err := stream.New(stream.Config{
		Exchange:           binanceClient,
		Cache:              cache,
		Logger:             appLogger,
		OnEvent:            service.HandleStreamEvent,
		OnPermanentFailure: service.HandleStreamFailure,
		KeepAliveInterval:  cfg.KeepAliveInterval,
		SilenceThreshold:   cfg.SilenceThreshold,
		BackoffBase:        cfg.BackoffBase,
		BackoffMax:         cfg.BackoffMax,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize stream manager")
		log.Fatalf("FATAL: Failed to initialize stream manager: %v", err)
	}

	// 8. Run service and stream side by side until a signal arrives or
	// either exits with an error.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return streamManager.Run(gctx) })
	g.Go(func() error { return service.Start(gctx) })

	if err := g.Wait(); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
