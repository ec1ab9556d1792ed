package handler

import (
	"context"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/learner"
	"curly-octo-trader/internal/performance"
	"curly-octo-trader/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

type StatusReader interface {
	Get(ctx context.Context) (*service.Status, error)
}

type WalletReader interface {
	Stats() []domain.WalletStats
}

type SignalReader interface {
	RecentSignals(ctx context.Context, pair string, limit int) ([]domain.SignalRecord, error)
}

type MarketReader interface {
	Cached(ctx context.Context) (*domain.MarketSnapshot, error)
}

type LearnerReader interface {
	Stats() learner.Stats
}

type PerformanceReader interface {
	Summary() performance.Summary
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the read-only views the operator API serves.
type Deps struct {
	Status      StatusReader
	Wallets     WalletReader
	Signals     SignalReader
	Market      MarketReader
	Learner     LearnerReader
	Performance PerformanceReader
	Store       HealthChecker
}

type Handler struct {
	tracer trace.Tracer
	deps   Deps
	pair   string
}

func New(tracer trace.Tracer, pair string, deps Deps) *Handler {
	return &Handler{tracer: tracer, deps: deps, pair: pair}
}

func (h *Handler) RegisterRoutes(r *gin.Engine, apiKey string) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", APIKeyAuth(apiKey))
	api.GET("/status", h.GetStatus)
	api.GET("/wallets", h.GetWallets)
	api.GET("/signals", h.GetSignals)
	api.GET("/market", h.GetMarket)
	api.GET("/learner", h.GetLearner)
	api.GET("/pnl", h.GetPnL)
}
