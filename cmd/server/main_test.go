package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"curly-octo-trader/internal/bot"
	"curly-octo-trader/internal/config"
	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/job"
	"curly-octo-trader/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestMainBootstrap(t *testing.T) {
	gin.SetMode(gin.TestMode)
	state := stubServerDeps(t)

	done := make(chan struct{})
	go func() {
		main()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("main did not exit")
	}

	if state.exitCode != -1 {
		t.Fatalf("expected clean exit, got code %d", state.exitCode)
	}
	if !state.runnerStarted {
		t.Fatal("expected engine runner to be started")
	}
	if !state.httpStarted {
		t.Fatal("expected HTTP server to be started")
	}
	if state.db.execs == 0 {
		t.Fatal("expected migrations and the initial trading config to be written")
	}
}

func TestMainExitsWhenPostgresFails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	state := stubServerDeps(t)
	initPostgresFunc = func(context.Context, string, int) (database, func(), error) {
		return nil, nil, errors.New("connection refused")
	}

	main()

	if state.exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", state.exitCode)
	}
	if state.runnerStarted {
		t.Fatal("expected no engine runner without a database")
	}
}

func TestMainExitsWhenMigrationsFail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	state := stubServerDeps(t)
	runMigrationsFunc = func(context.Context, repository.PgxPool, trace.Tracer) error {
		return errors.New("syntax error")
	}

	main()

	if state.exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", state.exitCode)
	}
}

func TestOldestFirst(t *testing.T) {
	in := []domain.TradeOutcome{{PositionID: 3}, {PositionID: 2}, {PositionID: 1}}
	got := oldestFirst(in)
	for i, want := range []int64{1, 2, 3} {
		if got[i].PositionID != want {
			t.Fatalf("expected position %d at %d, got %d", want, i, got[i].PositionID)
		}
	}
	if in[0].PositionID != 3 {
		t.Fatal("expected input to be left untouched")
	}
}

type serverState struct {
	db            *fakeDB
	exitCode      int
	runnerStarted bool
	httpStarted   bool
}

func stubServerDeps(t *testing.T) *serverState {
	t.Helper()

	origLoadEnv := loadEnvFunc
	origLoadConfig := loadConfigFunc
	origInitPostgres := initPostgresFunc
	origInitRedis := initRedisFunc
	origRunMigrations := runMigrationsFunc
	origInitTracer := initTracerFunc
	origStartTelegram := startTelegramBotFunc
	origStartRunner := startRunnerFunc
	origNewRouter := newRouterFunc
	origSetupSignal := setupSignalNotify
	origWait := waitForSignalFunc
	origStartHTTP := startHTTPServerFunc
	origShutdownHTTP := shutdownHTTPServerFunc
	origExit := exitFunc
	t.Cleanup(func() {
		loadEnvFunc = origLoadEnv
		loadConfigFunc = origLoadConfig
		initPostgresFunc = origInitPostgres
		initRedisFunc = origInitRedis
		runMigrationsFunc = origRunMigrations
		initTracerFunc = origInitTracer
		startTelegramBotFunc = origStartTelegram
		startRunnerFunc = origStartRunner
		newRouterFunc = origNewRouter
		setupSignalNotify = origSetupSignal
		waitForSignalFunc = origWait
		startHTTPServerFunc = origStartHTTP
		shutdownHTTPServerFunc = origShutdownHTTP
		exitFunc = origExit
	})

	state := &serverState{db: &fakeDB{}, exitCode: -1}

	loadEnvFunc = func(...string) error { return nil }
	loadConfigFunc = func() *config.Config {
		return &config.Config{
			HTTPAddr:           ":0",
			LogLevel:           "error",
			DBMaxConns:         20,
			TradingConfigName:  "default",
			Wallets:            []config.Wallet{{Name: "w1", Address: "addr-1"}},
			Trading:            config.DefaultTradingParams(),
			Learner:            config.LearnerParams{LearningRate: 0.01, SequenceLength: 20, PatternMemorySize: 100},
			PaperUSDCBalance:   1000,
			StoreRetryAttempts: 1,
			StoreRetryStepMs:   1,
			CallTimeoutSecs:    1,
		}
	}
	initPostgresFunc = func(context.Context, string, int) (database, func(), error) {
		return state.db, func() {}, nil
	}
	initRedisFunc = func(context.Context, string) (cacheClient, func(), error) {
		return nil, nil, errors.New("redis down")
	}
	initTracerFunc = func(ctx context.Context) (*sdktrace.TracerProvider, trace.Tracer, error) {
		tp := sdktrace.NewTracerProvider()
		return tp, tp.Tracer("test"), nil
	}
	startTelegramBotFunc = func(string, int64, bot.StatusReader) *bot.Notifier { return nil }
	startRunnerFunc = func(*job.EngineRunner, context.Context) { state.runnerStarted = true }
	newRouterFunc = func(...gin.OptionFunc) *gin.Engine { return gin.New() }
	setupSignalNotify = func(c chan<- os.Signal, sig ...os.Signal) {}
	waitForSignalFunc = func(<-chan os.Signal) {}
	startHTTPServerFunc = func(*http.Server) error {
		state.httpStarted = true
		return http.ErrServerClosed
	}
	shutdownHTTPServerFunc = func(*http.Server, context.Context) error { return nil }
	exitFunc = func(code int) { state.exitCode = code }

	return state
}

// fakeDB answers every read with no rows and accepts every write.
type fakeDB struct {
	execs int
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs++
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported by fake")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return noRow{}
}

func (f *fakeDB) Ping(ctx context.Context) error { return nil }

type noRow struct{}

func (noRow) Scan(dest ...any) error { return pgx.ErrNoRows }
