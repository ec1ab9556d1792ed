package handler

import (
	"errors"
	"net/http"
	"strconv"

	"curly-octo-trader/internal/service"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultSignalLimit = 50
	maxSignalLimit     = 500
)

// GetStatus godoc
// @Summary      Engine status
// @Description  Returns the status published after the latest trading cycle
// @Tags         engine
// @Produce      json
// @Success      200  {object}  service.Status
// @Router       /api/status [get]
func (h *Handler) GetStatus(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-status")
	defer span.End()

	st, err := h.deps.Status.Get(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) GetWallets(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.get-wallets")
	defer span.End()

	c.JSON(http.StatusOK, gin.H{"wallets": h.deps.Wallets.Stats()})
}

// GetSignals godoc
// @Summary      Recent signals
// @Description  Returns the most recent per-wallet signal records, newest first
// @Tags         engine
// @Produce      json
// @Param        limit  query  int  false  "Number of records (default 50, max 500)"  default(50)
// @Success      200  {object}  map[string]interface{}
// @Router       /api/signals [get]
func (h *Handler) GetSignals(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-signals")
	defer span.End()

	limit := defaultSignalLimit
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxSignalLimit {
			limit = n
		}
	}
	span.SetAttributes(attribute.Int("limit", limit))

	signals, err := h.deps.Signals.RecentSignals(ctx, h.pair, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pair": h.pair, "signals": signals})
}

func (h *Handler) GetMarket(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-market")
	defer span.End()

	snap, err := h.deps.Market.Cached(ctx)
	if errors.Is(err, service.ErrNoSnapshot) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no market snapshot yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) GetLearner(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.get-learner")
	defer span.End()

	c.JSON(http.StatusOK, h.deps.Learner.Stats())
}

func (h *Handler) GetPnL(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.get-pnl")
	defer span.End()

	c.JSON(http.StatusOK, h.deps.Performance.Summary())
}
