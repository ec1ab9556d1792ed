package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"curly-octo-trader/internal/bot"
	"curly-octo-trader/internal/cache"
	"curly-octo-trader/internal/config"
	"curly-octo-trader/internal/db"
	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/engine"
	"curly-octo-trader/internal/executor"
	"curly-octo-trader/internal/handler"
	"curly-octo-trader/internal/job"
	"curly-octo-trader/internal/learner"
	"curly-octo-trader/internal/performance"
	"curly-octo-trader/internal/position"
	"curly-octo-trader/internal/repository"
	"curly-octo-trader/internal/service"
	"curly-octo-trader/internal/store"
	"curly-octo-trader/internal/strategy"
	"curly-octo-trader/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
)

const (
	outcomeSeedLimit = 50
	paperSlippage    = 0.001
	paperFeeRate     = 0.0025
)

// database is what the server needs from *pgxpool.Pool.
type database interface {
	repository.PgxPool
	store.Pinger
}

// cacheClient is what the server needs from *redis.Client.
type cacheClient interface {
	learner.RedisClient
}

var (
	loadEnvFunc      = godotenv.Load
	loadConfigFunc   = config.Load
	initPostgresFunc = func(ctx context.Context, url string, maxConns int) (database, func(), error) {
		pool, err := db.InitPostgres(ctx, url, maxConns)
		if err != nil {
			return nil, nil, err
		}
		return pool, pool.Close, nil
	}
	initRedisFunc = func(ctx context.Context, addr string) (cacheClient, func(), error) {
		client, err := cache.InitRedis(ctx, addr)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	}
	runMigrationsFunc      = repository.RunMigrations
	initTracerFunc         = tracing.InitTracer
	startTelegramBotFunc   = bot.StartTelegramBot
	startRunnerFunc        = func(r *job.EngineRunner, ctx context.Context) { r.Start(ctx) }
	newRouterFunc          = gin.Default
	setupSignalNotify      = signal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
	exitFunc               = os.Exit
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	_ = loadEnvFunc()

	cfg := loadConfigFunc()
	setLogLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("server failed")
		exitFunc(1)
		return
	}
	log.Info().Msg("server exiting")
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("error shutting down tracer provider")
		}
	}()

	pool, closePool, err := initPostgresFunc(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer closePool()
	if err := runMigrationsFunc(ctx, pool, tracer); err != nil {
		return err
	}

	st := store.New(tracer, store.Repositories{
		Positions:  repository.NewPositionRepository(pool, tracer),
		Signals:    repository.NewSignalRepository(pool, tracer),
		Indicators: repository.NewIndicatorRepository(pool, tracer),
		Outcomes:   repository.NewOutcomeRepository(pool, tracer),
		Configs:    repository.NewConfigRepository(pool, tracer),
		Candles:    repository.NewCandleRepository(pool, tracer),
	}, pool, store.Options{
		Attempts:    cfg.StoreRetryAttempts,
		Step:        time.Duration(cfg.StoreRetryStepMs) * time.Millisecond,
		CallTimeout: time.Duration(cfg.CallTimeoutSecs) * time.Second,
	})

	// Redis only backs caches and learner snapshots; run without it.
	var rdb cacheClient
	client, closeRedis, err := initRedisFunc(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, running without cache")
	} else {
		rdb = client
		defer closeRedis()
	}

	params, err := engine.SyncTradingParams(ctx, st, cfg.TradingConfigName, cfg.Trading)
	if err != nil {
		log.Warn().Err(err).Msg("using environment trading params")
	}

	lrn := learner.New(tracer, rdb, learner.Config{
		LearningRate:   cfg.Learner.LearningRate,
		SequenceLength: cfg.Learner.SequenceLength,
		MemorySize:     cfg.Learner.PatternMemorySize,
	})
	lrn.Restore(ctx)

	tracker := performance.NewTracker()
	if outcomes, err := st.RecentTradeOutcomes(ctx, params.Pair, outcomeSeedLimit); err != nil {
		log.Warn().Err(err).Msg("could not seed performance tracker")
	} else {
		tracker.Seed(oldestFirst(outcomes))
	}

	positions := position.NewManager(tracer, st, cfg.Wallets, position.Config{
		Pair:     params.Pair,
		Cooldown: time.Duration(params.CooldownSecs) * time.Second,
	})
	if err := positions.Recover(ctx); err != nil {
		return err
	}

	exec := newExecutor(tracer, cfg, positions.Wallets())

	snapshots := service.NewSnapshotService(tracer, st, rdb, params)
	status := service.NewStatusService(tracer, rdb, positions, tracker, lrn, st, params.Pair, cfg.TradingEnabled)

	var notifier engine.Notifier
	tg := startTelegramBotFunc(cfg.TelegramBotToken, cfg.TelegramChatID, status)
	if tg != nil {
		notifier = tg
	}

	eng := engine.New(tracer, engine.Config{
		Pair:              params.Pair,
		MinConfidence:     params.MinConfidence,
		MinVolatility:     params.MinVolatility,
		MinProfitTarget:   params.MinProfitTarget,
		MinPositionSize:   params.MinPositionSize,
		MaxPositionSize:   params.MaxPositionSize,
		PositionSizePct:   params.PositionSizePct,
		SlippageTolerance: params.SlippageTolerance,
		MinTradeUSDC:      params.MinTradeUSDC,
		Exit: strategy.ExitConfig{
			StopLoss:   params.StopLoss,
			TakeProfit: params.TakeProfit,
			MinHold:    time.Duration(params.MinHoldSecs) * time.Second,
		},
		DryRun: !cfg.TradingEnabled,
	}, engine.Deps{
		Source: snapshots,
		Evaluator: strategy.NewEvaluator(strategy.Config{
			MinDataPoints:   params.MinDataPoints,
			ConfidenceFloor: params.ConfidenceFloor,
			BandPeriod:      params.SMALongPeriod,
		}),
		Adapter: performance.NewAdapter(performance.Config{
			MinPositionSize:   params.MinPositionSize,
			MaxPositionSize:   params.MaxPositionSize,
			VolatilityCeiling: params.VolatilityCeiling,
		}),
		Tracker:   tracker,
		Learner:   lrn,
		Positions: positions,
		Executor:  exec,
		Store:     st,
		Notifier:  notifier,
		Publisher: status,
	})

	runner := job.NewEngineRunner(tracer, eng, lrn, params.CheckIntervalSecs)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		startRunnerFunc(runner, ctx)
	}()

	h := handler.New(tracer, params.Pair, handler.Deps{
		Status:      status,
		Wallets:     positions,
		Signals:     st,
		Market:      snapshots,
		Learner:     lrn,
		Performance: tracker,
		Store:       st,
	})

	r := newRouterFunc()
	r.Use(otelgin.Middleware(tracing.ServiceName))
	h.RegisterRoutes(r, cfg.OperatorAPIKey)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("operator API listening")
		err := startHTTPServerFunc(srv)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serverErr <- err
		if err != nil {
			select {
			case quit <- syscall.SIGTERM:
			default:
			}
		}
	}()

	waitForSignalFunc(quit)
	log.Info().Msg("shutting down server...")

	cancel()
	<-runnerDone
	tg.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		return err
	}
	return <-serverErr
}

// newExecutor picks the bridge when EXECUTOR_URL is set. The paper executor
// is credited with recovered positions so their sells can fill.
func newExecutor(tracer trace.Tracer, cfg *config.Config, wallets []domain.WalletState) executor.Executor {
	if cfg.ExecutorURL != "" {
		log.Info().Str("url", cfg.ExecutorURL).Bool("dry_run", !cfg.TradingEnabled).Msg("using swap bridge executor")
		return executor.NewBridgeExecutor(tracer, executor.BridgeConfig{
			BaseURL:        cfg.ExecutorURL,
			RequestsPerSec: cfg.ExecutorRatePerSec,
			Timeout:        time.Duration(cfg.CallTimeoutSecs) * time.Second,
			DryRun:         !cfg.TradingEnabled,
		})
	}

	paper := executor.NewPaperExecutor(executor.PaperConfig{
		StartingUSDC: cfg.PaperUSDCBalance,
		Slippage:     paperSlippage,
		FeeRate:      paperFeeRate,
	})
	for _, ws := range wallets {
		if ws.Position.IsOpen() {
			paper.Credit(ws.Address, 0, ws.Position.Quantity)
		}
	}
	log.Info().Float64("usdc_per_wallet", cfg.PaperUSDCBalance).Msg("using paper executor")
	return paper
}

// oldestFirst reverses the store's newest-first outcome list.
func oldestFirst(outcomes []domain.TradeOutcome) []domain.TradeOutcome {
	out := make([]domain.TradeOutcome, len(outcomes))
	for i, o := range outcomes {
		out[len(outcomes)-1-i] = o
	}
	return out
}
