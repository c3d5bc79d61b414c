package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fxrun/internal/metrics"
	"github.com/sawpanic/fxrun/internal/persistence"
	"github.com/sawpanic/fxrun/internal/signal"
)

var base = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

// supportBounce is 60 hourly bars oscillating above a 1.1000 support and
// ending on a hammer that rejects it
func supportBounce() []signal.WireBar {
	bars := make([]signal.WireBar, 60)
	for i := range bars {
		phase := i % 10
		steps := phase
		if phase > 5 {
			steps = 10 - phase
		}
		c := 1.1000 + float64(steps)*0.0015
		bars[i] = signal.WireBar{
			Time:  base.Add(time.Duration(i) * time.Hour).Unix(),
			Open:  c + 0.0002,
			High:  c + 0.0008,
			Low:   c,
			Close: c + 0.0006,
		}
	}
	last := &bars[len(bars)-1]
	last.Open, last.High, last.Low, last.Close = 1.1007, 1.1009, 1.1000, 1.1008
	return bars
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *metrics.Registry) {
	t.Helper()
	cfg := signal.DefaultLocalConfig()
	cfg.SessionFilter = false
	cfg.TrendFilter = false
	reg := metrics.NewRegistry()
	return New(DefaultConfig(), cfg, reg, opts...), reg
}

func postSignal(t *testing.T, h http.Handler, req signal.WireRequest) (*httptest.ResponseRecorder, signal.WireResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/signal", bytes.NewReader(body)))

	var resp signal.WireResponse
	if rr.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr, resp
}

func TestSignalBuy(t *testing.T) {
	s, reg := newTestServer(t)

	rr, resp := postSignal(t, s.Handler(), signal.WireRequest{Symbol: "EURUSD", Timeframe: "H1", Data: supportBounce()})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	assert.Equal(t, "BUY", resp.Signal)
	assert.InDelta(t, 1.1008, resp.Entry, 1e-9)
	assert.InDelta(t, 1.0990, resp.SL, 1e-9)
	assert.InDelta(t, 1.1026, resp.TP1, 1e-9)
	assert.Equal(t, 0.4, resp.TP1Percent)
	assert.Contains(t, resp.Reason, "Support bounce")

	d, err := resp.Decision()
	require.NoError(t, err)
	require.NotNil(t, d.Setup)
	assert.NoError(t, signal.ValidateGeometry(*d.Setup))

	assert.Equal(t, 1.0, metrics.CounterValue(reg.Signals, "BUY"))
	assert.Equal(t, 1.0, metrics.CounterValue(reg.HTTPRequests, "/signal", "200"))
}

func TestSignalSessionPerSymbol(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	req := signal.WireRequest{Symbol: "EURUSD", Timeframe: "H1", Data: supportBounce()}

	_, resp := postSignal(t, h, req)
	assert.Equal(t, "BUY", resp.Signal)

	_, resp = postSignal(t, h, req)
	assert.Equal(t, "HOLD", resp.Signal)
	assert.Contains(t, resp.Reason, "cooldown")
	assert.Equal(t, 0.2, resp.TP3Percent)

	other := req
	other.Symbol = "gbpusd"
	_, resp = postSignal(t, h, other)
	assert.Equal(t, "BUY", resp.Signal)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/session/eurusd", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	_, resp = postSignal(t, h, req)
	assert.Equal(t, "BUY", resp.Signal)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/session/USDJPY", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRemoteSessionsAreIsolated(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := signal.WireRequest{Symbol: "EURUSD", Timeframe: "H1", Data: supportBounce()}.Decode()
	require.NoError(t, err)

	newClient := func() *signal.RemoteOracle {
		cfg := signal.DefaultRemoteConfig()
		cfg.BaseURL = srv.URL
		cfg.LookbackBars = len(req.Bars)
		cfg.MaxRetries = 0
		o, err := signal.NewRemoteOracle(cfg)
		require.NoError(t, err)
		return o
	}

	first := newClient()
	d1, err := first.Evaluate(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, d1.Setup)

	// a second run at the same bar must not see the first run's cooldown
	second := newClient()
	d2, err := second.Evaluate(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, d2.Setup, d2.Reason)
	assert.Equal(t, *d1.Setup, *d2.Setup)

	// within one session the cooldown still applies
	d3, err := first.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, d3.Setup)
	assert.Contains(t, d3.Reason, "cooldown")

	s.mu.Lock()
	assert.Len(t, s.trackers, 2)
	s.mu.Unlock()

	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
	s.mu.Lock()
	assert.Empty(t, s.trackers)
	s.mu.Unlock()
}

func TestSignalBadRequests(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/signal", bytes.NewBufferString("{not json")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	assert.Contains(t, e.Error, "invalid JSON")
	assert.NotEmpty(t, e.RequestID)

	rr, _ = postSignal(t, h, signal.WireRequest{Timeframe: "H1", Data: supportBounce()})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = postSignal(t, h, signal.WireRequest{Symbol: "EURUSD", Timeframe: "H7", Data: supportBounce()})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = postSignal(t, h, signal.WireRequest{Symbol: "EURUSD", Timeframe: "H1", Data: supportBounce()[:20]})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	bars := supportBounce()
	bars[30].Time = bars[29].Time
	rr, _ = postSignal(t, h, signal.WireRequest{Symbol: "EURUSD", Timeframe: "H1", Data: bars})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/signal", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRequestIDPassthrough(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, "abc-123", rr.Header().Get("X-Request-ID"))
}

type fakeHealth struct{ err error }

func (f fakeHealth) Health(ctx context.Context) persistence.HealthCheck {
	if f.err != nil {
		return persistence.HealthCheck{Healthy: false, Errors: []string{f.err.Error()}}
	}
	return persistence.HealthCheck{Healthy: true}
}

func (f fakeHealth) Ping(ctx context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	postSignal(t, s.Handler(), signal.WireRequest{Symbol: "EURUSD", Timeframe: "H1", Data: supportBounce()})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Sessions)
	assert.Nil(t, h.Database)

	s, _ = newTestServer(t, WithDatabaseHealth(fakeHealth{err: errors.New("connection refused")}))
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h.Status)
	require.NotNil(t, h.Database)
	assert.False(t, h.Database.Healthy)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	postSignal(t, s.Handler(), signal.WireRequest{Symbol: "EURUSD", Timeframe: "H1", Data: supportBounce()})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `fxrun_signals_total{signal="BUY"} 1`)
	assert.Contains(t, string(body), `fxrun_http_requests_total{code="200",route="/signal"} 1`)
}

func TestStartStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	s := New(cfg, signal.DefaultLocalConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
