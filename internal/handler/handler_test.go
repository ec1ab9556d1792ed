package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/learner"
	"curly-octo-trader/internal/performance"
	"curly-octo-trader/internal/service"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("handler-test")

func newRouter(deps Deps, apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(testTracer, "SOL/USDC", deps).RegisterRoutes(r, apiKey)
	return r
}

func defaultDeps() Deps {
	return Deps{
		Status:      stubStatus{st: &service.Status{Pair: "SOL/USDC", OpenPositions: 1}},
		Wallets:     stubWallets{stats: []domain.WalletStats{{Address: "w1", HasPosition: true}}},
		Signals:     &stubSignals{},
		Market:      stubMarket{err: service.ErrNoSnapshot},
		Learner:     stubLearner{stats: learner.Stats{Outcomes: 12, Accuracy: 0.5}},
		Performance: stubPerformance{summary: performance.Summary{Trades: 4, RealizedPnL: -2.5}},
		Store:       stubHealth{},
	}
}

func get(r *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r := newRouter(defaultDeps(), "")

	w := get(r, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if body != "{\"status\":\"healthy\"}\n" && body != "{\"status\":\"healthy\"}" {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestHealthDegraded(t *testing.T) {
	deps := defaultDeps()
	deps.Store = stubHealth{err: errors.New("connection refused")}
	r := newRouter(deps, "")

	w := get(r, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "degraded") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestAPIKeyAuth(t *testing.T) {
	r := newRouter(defaultDeps(), "secret")

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong", header: map[string]string{"X-API-Key": "nope"}, want: http.StatusForbidden},
		{name: "valid", header: map[string]string{"X-API-Key": "secret"}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := get(r, "/api/pnl", tt.header); w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}

	if w := get(r, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("expected health to skip auth, got %d", w.Code)
	}
}

func TestGetStatus(t *testing.T) {
	r := newRouter(defaultDeps(), "")

	w := get(r, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st service.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if st.Pair != "SOL/USDC" || st.OpenPositions != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestGetStatusError(t *testing.T) {
	deps := defaultDeps()
	deps.Status = stubStatus{err: errors.New("boom")}
	r := newRouter(deps, "")

	if w := get(r, "/api/status", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestGetSignalsLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{query: "", want: defaultSignalLimit},
		{query: "?limit=5", want: 5},
		{query: "?limit=0", want: defaultSignalLimit},
		{query: "?limit=9999", want: defaultSignalLimit},
		{query: "?limit=abc", want: defaultSignalLimit},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			signals := &stubSignals{records: []domain.SignalRecord{{Wallet: "w1", Kind: domain.SignalHold}}}
			deps := defaultDeps()
			deps.Signals = signals
			r := newRouter(deps, "")

			w := get(r, "/api/signals"+tt.query, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			if signals.lastLimit != tt.want || signals.lastPair != "SOL/USDC" {
				t.Fatalf("expected limit %d for SOL/USDC, got %d for %s", tt.want, signals.lastLimit, signals.lastPair)
			}
		})
	}
}

func TestGetMarket(t *testing.T) {
	r := newRouter(defaultDeps(), "")
	if w := get(r, "/api/market", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before the first snapshot, got %d", w.Code)
	}

	deps := defaultDeps()
	deps.Market = stubMarket{snap: &domain.MarketSnapshot{Pair: "SOL/USDC", Prices: []float64{150}, RSIFast: 41}}
	r = newRouter(deps, "")
	w := get(r, "/api/market", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"rsi_fast":41`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestReadOnlyViews(t *testing.T) {
	r := newRouter(defaultDeps(), "")

	tests := []struct {
		path string
		want string
	}{
		{path: "/api/wallets", want: `"address":"w1"`},
		{path: "/api/learner", want: `"outcomes":12`},
		{path: "/api/pnl", want: `"realized_pnl":-2.5`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(r, tt.path, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Fatalf("expected %s in %s", tt.want, w.Body.String())
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRouter(defaultDeps(), "secret")
	w := get(r, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

type stubStatus struct {
	st  *service.Status
	err error
}

func (s stubStatus) Get(ctx context.Context) (*service.Status, error) { return s.st, s.err }

type stubWallets struct {
	stats []domain.WalletStats
}

func (s stubWallets) Stats() []domain.WalletStats { return s.stats }

type stubSignals struct {
	records   []domain.SignalRecord
	err       error
	lastPair  string
	lastLimit int
}

func (s *stubSignals) RecentSignals(ctx context.Context, pair string, limit int) ([]domain.SignalRecord, error) {
	s.lastPair, s.lastLimit = pair, limit
	return s.records, s.err
}

type stubMarket struct {
	snap *domain.MarketSnapshot
	err  error
}

func (s stubMarket) Cached(ctx context.Context) (*domain.MarketSnapshot, error) { return s.snap, s.err }

type stubLearner struct {
	stats learner.Stats
}

func (s stubLearner) Stats() learner.Stats { return s.stats }

type stubPerformance struct {
	summary performance.Summary
}

func (s stubPerformance) Summary() performance.Summary { return s.summary }

type stubHealth struct {
	err error
}

func (s stubHealth) Health(ctx context.Context) error { return s.err }
