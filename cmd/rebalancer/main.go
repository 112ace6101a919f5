// Package main is the entry point for the rebalancer: it loads policy
// configuration, wires every L1-L5 pipeline component plus the
// background cleanup jobs, and serves the HTTP/WebSocket facade until
// told to shut down.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/rebalancer/internal/api"
	"github.com/atlas-desktop/rebalancer/internal/config"
	"github.com/atlas-desktop/rebalancer/internal/data"
	"github.com/atlas-desktop/rebalancer/internal/diversification"
	"github.com/atlas-desktop/rebalancer/internal/events"
	"github.com/atlas-desktop/rebalancer/internal/lifecycle"
	"github.com/atlas-desktop/rebalancer/internal/protection"
	"github.com/atlas-desktop/rebalancer/internal/regime"
	"github.com/atlas-desktop/rebalancer/internal/regimectx"
	"github.com/atlas-desktop/rebalancer/internal/rebalancer"
	"github.com/atlas-desktop/rebalancer/internal/scoring"
	"github.com/atlas-desktop/rebalancer/internal/sizing"
	"github.com/atlas-desktop/rebalancer/internal/universe"
	"github.com/atlas-desktop/rebalancer/internal/workers"
	"github.com/atlas-desktop/rebalancer/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	host := flag.String("host", "localhost", "API server host")
	port := flag.Int("port", 8090, "API server port")
	dataDir := flag.String("data", "./data", "Historical bar data directory")
	policyPath := flag.String("policy", "./config/policy.yaml", "Policy configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	benchmark := flag.String("benchmark", "SPY", "Benchmark asset driving regime classification")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	policy, err := config.Load(*policyPath)
	if err != nil {
		logger.Fatal("failed to load policy", zap.Error(err))
	}

	store, err := data.NewStore(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to initialize data store", zap.Error(err))
	}
	provider := data.NewProvider(logger, store)

	buckets := diversification.NewBucketManager(defaultBuckets())
	bucketsByRegime := map[types.RegimeKind][]string{
		types.RegimeGoldilocks: {"growth", "technology"},
		types.RegimeReflation:  {"cyclicals", "financials"},
		types.RegimeInflation:  {"commodities", "energy"},
		types.RegimeDeflation:  {"defensive", "treasuries"},
	}

	regimeConfig := regime.DefaultConfig()
	regimeConfig.Benchmark = *benchmark
	detector := regime.NewDetector(logger, regimeConfig, store, bucketsByRegime)

	universeBuilder := universe.NewBuilder(logger, detector, buckets)

	scoringSvc, err := scoring.NewService(logger, scoring.Config{
		EnableTechnical:   true,
		EnableFundamental: false,
		TechnicalWeight:   policy.TechnicalWeight,
		FundamentalWeight: policy.FundamentalWeight,
		RegimeMultipliers: scoring.DefaultRegimeMultipliers(),
	}, detector, nil)
	if err != nil {
		logger.Fatal("failed to initialize scoring service", zap.Error(err))
	}

	bucketEnforcer := diversification.NewBucketLimitsEnforcer(logger, buckets)

	coreAssets := protection.NewCoreAssetManager(logger, *policy, buckets, provider)
	smartDiversify := diversification.NewSmartDiversificationManager(
		logger, buckets, policy.BucketOverrideThreshold, policy.MaxOverridesPerRebalance, coreAssets)

	regimeProvider := regimectx.NewProvider(logger, detector, 15*time.Minute)

	grace, err := protection.NewGracePeriodManager(logger, policy.GracePeriodDays, policy.GraceDecayRate, policy.MinDecayFactor)
	if err != nil {
		logger.Fatal("failed to initialize grace period manager", zap.Error(err))
	}
	holding, err := protection.NewHoldingPeriodManager(logger, policy.MinHoldingPeriodDays, policy.MaxHoldingPeriodDays, policy.RegimeOverrideCooldownDays)
	if err != nil {
		logger.Fatal("failed to initialize holding period manager", zap.Error(err))
	}
	whipsaw, err := protection.NewWhipsawProtectionManager(logger, policy.MaxCyclesPerProtectionPeriod, policy.WhipsawProtectionDays, policy.MinPositionDurationHours)
	if err != nil {
		logger.Fatal("failed to initialize whipsaw protection manager", zap.Error(err))
	}
	orchestrator := protection.NewOrchestrator(logger, coreAssets, grace, holding, whipsaw, regimeProvider)

	lifecycleTracker := lifecycle.NewTracker(logger)

	sink := events.NewMemorySink(logger, 10_000)

	dynamicSizer, err := sizing.NewDynamicPositionSizer(logger, policy.SizingMode, policy.MaxSinglePosition, policy.TargetTotalAllocation, policy.MinPositionSize)
	if err != nil {
		logger.Fatal("failed to initialize dynamic position sizer", zap.Error(err))
	}
	twoStageSizer, err := sizing.NewTwoStagePositionSizer(logger, policy.MaxSinglePosition, policy.TargetTotalAllocation, policy.ResidualStrategy, policy.MaxResidualPerAsset)
	if err != nil {
		logger.Fatal("failed to initialize two-stage position sizer", zap.Error(err))
	}

	serverConfig := types.DefaultServerConfig()
	serverConfig.Host = *host
	serverConfig.Port = *port

	// The server is built with a nil engine first so BroadcastSink (an
	// events.Sink that also needs the server, to fan events out to
	// WebSocket subscribers) can be constructed before the engine that
	// will use it as its sink. SetEngine attaches the finished engine
	// once it exists.
	server := api.NewServer(logger, serverConfig, nil, *policy, sink)
	broadcastSink := api.NewBroadcastSink(sink, server)
	selection := rebalancer.NewSelectionService(logger, grace, holding, whipsaw, lifecycleTracker, broadcastSink)

	engine, err := rebalancer.NewEngine(logger, rebalancer.Components{
		UniverseBuilder: universeBuilder,
		Scoring:         scoringSvc,
		BucketManager:   buckets,
		BucketEnforcer:  bucketEnforcer,
		SmartDiversify:  smartDiversify,
		RegimeCtx:       regimeProvider,
		CoreAssets:      coreAssets,
		Selection:       selection,
		DynamicSizer:    dynamicSizer,
		TwoStageSizer:   twoStageSizer,
		Orchestrator:    orchestrator,
		Lifecycle:       lifecycleTracker,
		Sink:            broadcastSink,
	})
	if err != nil {
		logger.Fatal("failed to initialize rebalancing engine", zap.Error(err))
	}
	server.SetEngine(engine)

	scheduler := workers.NewScheduler(logger, time.Now)
	registerCleanupJobs(logger, scheduler, grace, holding, whipsaw, coreAssets)
	scheduler.Start()
	defer scheduler.Stop()

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("API server stopped", zap.Error(err))
		}
	}()

	logger.Info("rebalancer started",
		zap.String("addr", *host), zap.Int("port", *port), zap.String("dataDir", *dataDir))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}
	logger.Info("rebalancer stopped")
}

// registerCleanupJobs schedules the periodic protection-registry pruning
// jobs on wall-clock cron expressions; each tick still reports the
// engine's wall-clock date since this binary runs against live/paper
// data rather than a replayed backtest clock.
func registerCleanupJobs(
	logger *zap.Logger,
	scheduler *workers.Scheduler,
	grace *protection.GracePeriodManager,
	holding *protection.HoldingPeriodManager,
	whipsaw *protection.WhipsawProtectionManager,
	coreAssets *protection.CoreAssetManager,
) {
	jobs := []struct {
		schedule string
		job      workers.Job
	}{
		{"0 0 * * *", workers.NewGraceCleanupJob(logger, grace)},
		{"0 0 * * *", workers.NewHoldingOverrideCleanupJob(logger, holding)},
		{"0 0 * * *", workers.NewWhipsawCleanupJob(logger, whipsaw)},
		{"0 6 * * *", workers.NewCoreAssetLifecycleJob(logger, coreAssets)},
	}
	for _, j := range jobs {
		if err := scheduler.AddJob(j.schedule, j.job); err != nil {
			logger.Error("failed to register cleanup job", zap.String("job", j.job.Name()), zap.Error(err))
		}
	}
}

// defaultBuckets seeds the sector/asset-class groupings the bucket
// diversification and regime-bucket-favoring logic reason about. A
// production deployment overrides this from its own asset master file;
// this set covers the common sector groupings a general equity universe
// would need out of the box.
func defaultBuckets() []types.Bucket {
	return []types.Bucket{
		{Name: "growth", Assets: []string{"AAPL", "MSFT", "NVDA", "GOOGL", "META"}},
		{Name: "technology", Assets: []string{"AAPL", "MSFT", "NVDA", "AMD", "CRM"}},
		{Name: "cyclicals", Assets: []string{"CAT", "DE", "HD", "LOW"}},
		{Name: "financials", Assets: []string{"JPM", "BAC", "GS", "MS"}},
		{Name: "commodities", Assets: []string{"XOM", "CVX", "FCX", "NEM"}},
		{Name: "energy", Assets: []string{"XOM", "CVX", "SLB", "COP"}},
		{Name: "defensive", Assets: []string{"JNJ", "PG", "KO", "PEP"}},
		{Name: "treasuries", Assets: []string{"TLT", "IEF", "SHY"}},
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
