package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fxrun/internal/cache"
	"github.com/sawpanic/fxrun/internal/fx"
)

var buyResponse = WireResponse{
	Signal: "BUY", Confidence: 0.85, Entry: 1.1008, SL: 1.0990,
	TP1: 1.1026, TP2: 1.1044, TP3: 1.1062,
	TP1Percent: 0.4, TP2Percent: 0.4, TP3Percent: 0.2,
	Reason: "Support bounce",
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveOracle(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func newTestRemote(t *testing.T, url string, opts ...RemoteOption) *RemoteOracle {
	t.Helper()
	cfg := DefaultRemoteConfig()
	cfg.BaseURL = url
	cfg.LookbackBars = 50
	o, err := NewRemoteOracle(cfg, opts...)
	require.NoError(t, err)
	o.sleep = func(context.Context, time.Duration) error { return nil }
	return o
}

func jsonHandler(status int, body any, hits *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func TestRemoteOracleSuccess(t *testing.T) {
	var got WireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/signal", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(buyResponse)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	o := newTestRemote(t, srv.URL, WithObserver(obs))
	d, err := o.Evaluate(context.Background(), testRequest(zigzag(60)))
	require.NoError(t, err)
	require.NotNil(t, d.Setup)
	assert.Equal(t, fx.Buy, d.Setup.Direction)
	assert.Equal(t, [3]float64{1.1026, 1.1044, 1.1062}, d.Setup.TakeProfit)

	assert.Equal(t, "EURUSD", got.Symbol)
	assert.Equal(t, "H1", got.Timeframe)
	assert.Len(t, got.Data, 50)
	require.NotNil(t, got.MinConfidence)
	assert.Equal(t, 0.70, *got.MinConfidence)
	assert.NotEmpty(t, got.SessionID)
	assert.Equal(t, o.Session(), got.SessionID)

	stats := o.Stats()
	assert.Equal(t, 1, stats.Requests)
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, []string{"success"}, obs.outcomes)
}

func TestRemoteOracleCountsThrottledCalls(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusOK, WireResponse{Signal: "HOLD", Reason: "no levels"}, &hits))
	defer srv.Close()

	cfg := DefaultRemoteConfig()
	cfg.BaseURL = srv.URL
	cfg.LookbackBars = 50
	cfg.RPS = 20
	cfg.Burst = 1
	o, err := NewRemoteOracle(cfg)
	require.NoError(t, err)

	req := testRequest(zigzag(60))
	for i := 0; i < 2; i++ {
		_, err := o.Evaluate(context.Background(), req)
		require.NoError(t, err)
	}

	st := o.Stats()
	assert.EqualValues(t, 2, hits)
	assert.Equal(t, 1, st.Throttled)
	assert.Equal(t, 20.0, st.Limiter.RPS)
	assert.Equal(t, 1, st.Limiter.Burst)
	assert.NotEmpty(t, st.Limiter.Key)
}

func TestRemoteOracleHold(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusOK, WireResponse{Signal: "HOLD", Reason: "no levels"}, &hits))
	defer srv.Close()

	d, err := newTestRemote(t, srv.URL).Evaluate(context.Background(), testRequest(zigzag(60)))
	require.NoError(t, err)
	assert.Nil(t, d.Setup)
	assert.Equal(t, "no levels", d.Reason)
}

func TestRemoteOracleRetriesThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(buyResponse)
	}))
	defer srv.Close()

	var delays []time.Duration
	o := newTestRemote(t, srv.URL)
	o.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	d, err := o.Evaluate(context.Background(), testRequest(zigzag(60)))
	require.NoError(t, err)
	assert.NotNil(t, d.Setup)
	assert.EqualValues(t, 3, hits)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	assert.Equal(t, 2, o.Stats().Retries)
}

func TestRemoteOracleClientErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusBadRequest, map[string]string{"detail": "bad symbol"}, &hits))
	defer srv.Close()

	_, err := newTestRemote(t, srv.URL).Evaluate(context.Background(), testRequest(zigzag(60)))
	require.Error(t, err)
	var oe *OracleError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, zigzag(60)[59].Time, oe.BarTime)
	assert.EqualValues(t, 1, hits)
}

func TestRemoteOraclePermanentFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusInternalServerError, map[string]string{"detail": "boom"}, &hits))
	defer srv.Close()

	o := newTestRemote(t, srv.URL)
	_, err := o.Evaluate(context.Background(), testRequest(zigzag(60)))
	var oe *OracleError
	require.ErrorAs(t, err, &oe)
	assert.Contains(t, oe.Error(), "HTTP 500")
	assert.EqualValues(t, 4, hits)
	assert.Equal(t, 4, o.Stats().Failures)
}

func TestRemoteOracleBreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusInternalServerError, nil, &hits))
	defer srv.Close()

	cfg := DefaultRemoteConfig()
	cfg.BaseURL = srv.URL
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Hour
	obs := &recordingObserver{}
	o, err := NewRemoteOracle(cfg, WithObserver(obs))
	require.NoError(t, err)
	o.sleep = func(context.Context, time.Duration) error { return nil }

	_, err = o.Evaluate(context.Background(), testRequest(zigzag(60)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOracleUnavailable))
	assert.EqualValues(t, 2, hits)
	assert.Equal(t, []string{"failure", "failure", "breaker_open"}, obs.outcomes)
}

func TestRemoteOracleMalformedResponse(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusOK, map[string]string{"signal": "MAYBE"}, &hits))
	defer srv.Close()

	_, err := newTestRemote(t, srv.URL).Evaluate(context.Background(), testRequest(zigzag(60)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed oracle response")
	assert.EqualValues(t, 1, hits)
}

func TestRemoteOracleCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusOK, buyResponse, &hits))
	defer srv.Close()

	mem := cache.NewMemory()
	o := newTestRemote(t, srv.URL, WithCache(mem))
	req := testRequest(zigzag(60))

	first, err := o.Evaluate(context.Background(), req)
	require.NoError(t, err)
	second, err := o.Evaluate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, hits)
	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, 1, o.Stats().CacheHits)
}

func TestRemoteOracleSessionScopesCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusOK, buyResponse, &hits))
	defer srv.Close()

	mem := cache.NewMemory()
	first := newTestRemote(t, srv.URL, WithCache(mem))
	second := first.NewSession()
	require.NotEqual(t, first.Session(), second.Session())

	req := testRequest(zigzag(60))
	_, err := first.Evaluate(context.Background(), req)
	require.NoError(t, err)
	_, err = second.Evaluate(context.Background(), req)
	require.NoError(t, err)

	assert.EqualValues(t, 2, hits)
	assert.Equal(t, 2, mem.Len())
	assert.Zero(t, second.Stats().CacheHits)
}

func TestRemoteOracleCloseDropsSession(t *testing.T) {
	var (
		mu      sync.Mutex
		deletes []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			mu.Lock()
			deletes = append(deletes, r.URL.Path+"?"+r.URL.RawQuery)
			mu.Unlock()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(buyResponse)
	}))
	defer srv.Close()

	o := newTestRemote(t, srv.URL)
	_, err := o.Evaluate(context.Background(), testRequest(zigzag(60)))
	require.NoError(t, err)

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/session/EURUSD?session=" + o.Session()}, deletes)
}

func TestRemoteOracleCancelledDuringBackoff(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(jsonHandler(http.StatusBadGateway, nil, &hits))
	defer srv.Close()

	o := newTestRemote(t, srv.URL)
	o.sleep = func(context.Context, time.Duration) error { return context.Canceled }
	_, err := o.Evaluate(context.Background(), testRequest(zigzag(60)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, hits)
}

func TestNewRemoteOracleRejectsBadURL(t *testing.T) {
	cfg := DefaultRemoteConfig()
	cfg.BaseURL = "not a url"
	_, err := NewRemoteOracle(cfg)
	assert.Error(t, err)
}
