package signal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/fxrun/internal/cache"
	"github.com/sawpanic/fxrun/internal/net/ratelimit"
)

// RemoteConfig configures the HTTP oracle client
type RemoteConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	LookbackBars    int           `yaml:"lookback_bars"`
	RPS             float64       `yaml:"rps"`
	Burst           int           `yaml:"burst"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// DefaultRemoteConfig returns client defaults for a local signal service
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		BaseURL:         "http://localhost:8000",
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Second,
		LookbackBars:    200,
		RPS:             0,
		Burst:           1,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
		CacheTTL:        24 * time.Hour,
	}
}

// Observer receives per-call outcomes; internal/metrics implements it
type Observer interface {
	ObserveOracle(outcome string, latency time.Duration)
}

// RemoteStats summarises client activity
type RemoteStats struct {
	Requests     int           `json:"requests"`
	Successes    int           `json:"successes"`
	Failures     int           `json:"failures"`
	Retries      int           `json:"retries"`
	CacheHits    int           `json:"cache_hits"`
	Throttled    int           `json:"throttled"`
	TotalLatency time.Duration `json:"total_latency"`

	// Limiter is the token bucket for the oracle host at snapshot time
	Limiter ratelimit.Stats `json:"limiter"`
}

// AvgLatency is the mean latency of network calls
func (s RemoteStats) AvgLatency() time.Duration {
	if s.Requests == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Requests)
}

// statusError carries a non-2xx response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("oracle returned HTTP %d: %s", e.code, e.body)
}

// retryable reports whether another attempt could succeed
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var de *decodeError
	return !errors.As(err, &de) && !errors.Is(err, ErrOracleUnavailable)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "malformed oracle response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// RemoteOracle calls a signal service over HTTP with retries, a circuit
// breaker, rate limiting and an optional response cache.
//
// Every RemoteOracle is one session: its requests carry a session id so the
// service keeps cooldown state apart from other runs. Use NewSession for each
// backtest run and Close when the run ends.
type RemoteOracle struct {
	cfg      RemoteConfig
	base     *url.URL
	endpoint string
	session  string
	host     string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *ratelimit.Limiter
	cache    cache.Cache
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	stats   RemoteStats
	symbols map[string]struct{}
}

// RemoteOption customises a RemoteOracle
type RemoteOption func(*RemoteOracle)

// WithCache enables response caching
func WithCache(c cache.Cache) RemoteOption {
	return func(o *RemoteOracle) { o.cache = c }
}

// WithObserver reports call outcomes to obs
func WithObserver(obs Observer) RemoteOption {
	return func(o *RemoteOracle) { o.observer = obs }
}

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(o *RemoteOracle) { o.client = c }
}

// NewRemoteOracle builds a client for cfg.BaseURL
func NewRemoteOracle(cfg RemoteConfig, opts ...RemoteOption) (*RemoteOracle, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid oracle base url %q", cfg.BaseURL)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0, got %d", cfg.MaxRetries)
	}

	o := &RemoteOracle{
		cfg:      cfg,
		base:     u,
		endpoint: u.JoinPath("signal").String(),
		session:  uuid.NewString(),
		symbols:  make(map[string]struct{}),
		host:     u.Host,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  ratelimit.NewLimiter(cfg.RPS, cfg.Burst),
		sleep:    sleepCtx,
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "signal-oracle",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// client-side mistakes say nothing about service health
			var se *statusError
			if errors.As(err, &se) && se.code < 500 && se.code != http.StatusTooManyRequests {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("oracle circuit breaker state change")
		},
	})
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Lookback implements Oracle
func (o *RemoteOracle) Lookback() int { return o.cfg.LookbackBars }

// Session is the id sent with every request
func (o *RemoteOracle) Session() string { return o.session }

// NewSession returns a client with a fresh session id that shares the HTTP
// client, breaker, limiter, cache and observer of o. Statistics start at zero.
func (o *RemoteOracle) NewSession() *RemoteOracle {
	return &RemoteOracle{
		cfg:      o.cfg,
		base:     o.base,
		endpoint: o.endpoint,
		session:  uuid.NewString(),
		host:     o.host,
		client:   o.client,
		breaker:  o.breaker,
		limiter:  o.limiter,
		cache:    o.cache,
		observer: o.observer,
		sleep:    o.sleep,
		symbols:  make(map[string]struct{}),
	}
}

// Close drops the server-side state of this session for every symbol it
// evaluated. A session the service no longer knows is not an error.
func (o *RemoteOracle) Close() error {
	o.mu.Lock()
	symbols := make([]string, 0, len(o.symbols))
	for sym := range o.symbols {
		symbols = append(symbols, sym)
	}
	o.symbols = make(map[string]struct{})
	o.mu.Unlock()

	timeout := o.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, sym := range symbols {
		if err := o.dropSession(ctx, sym); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *RemoteOracle) dropSession(ctx context.Context, symbol string) error {
	u := o.base.JoinPath("session", symbol)
	u.RawQuery = url.Values{"session": {o.session}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to close oracle session for %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Stats returns a snapshot of client statistics
func (o *RemoteOracle) Stats() RemoteStats {
	limiter := o.limiter.Stats(o.host)
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stats
	st.Limiter = limiter
	return st
}

func (o *RemoteOracle) record(fn func(s *RemoteStats)) {
	o.mu.Lock()
	fn(&o.stats)
	o.mu.Unlock()
}

func cacheKey(body []byte) string {
	sum := sha256.Sum256(body)
	return "signal:" + hex.EncodeToString(sum[:])
}

// Evaluate implements Oracle. A call that still fails after MaxRetries
// returns an *OracleError. The session id is part of the request body, so
// cached responses are only replayed within the same session.
func (o *RemoteOracle) Evaluate(ctx context.Context, req Request) (Decision, error) {
	wire := NewWireRequest(req, o.cfg.LookbackBars)
	wire.SessionID = o.session
	body, err := json.Marshal(wire)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to encode oracle request: %w", err)
	}
	o.mu.Lock()
	o.symbols[strings.ToUpper(req.Symbol)] = struct{}{}
	o.mu.Unlock()

	key := cacheKey(body)
	if o.cache != nil {
		if raw, ok := o.cache.Get(ctx, key); ok {
			var resp WireResponse
			if err := json.Unmarshal(raw, &resp); err == nil {
				o.record(func(s *RemoteStats) { s.CacheHits++ })
				return resp.Decision()
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := o.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			o.record(func(s *RemoteStats) { s.Retries++ })
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Time("bar_time", req.DecisionTime()).Msg("retrying oracle call")
			if err := o.sleep(ctx, delay); err != nil {
				return Decision{}, err
			}
		}

		raw, err := o.call(ctx, body)
		if err == nil {
			var resp WireResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				lastErr = &decodeError{err: err}
				break
			}
			d, err := resp.Decision()
			if err != nil {
				lastErr = &decodeError{err: err}
				break
			}
			if o.cache != nil {
				o.cache.Set(ctx, key, raw, o.cfg.CacheTTL)
			}
			return d, nil
		}
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return Decision{}, &OracleError{BarTime: req.DecisionTime(), Err: lastErr}
}

func (o *RemoteOracle) call(ctx context.Context, body []byte) ([]byte, error) {
	if o.limiter.Stats(o.host).Throttled() {
		o.record(func(s *RemoteStats) { s.Throttled++ })
	}
	if err := o.limiter.Wait(ctx, o.host); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := o.breaker.Execute(func() (interface{}, error) {
		return o.post(ctx, body)
	})
	latency := time.Since(start)

	outcome := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		err = fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
		outcome = "breaker_open"
	case err != nil:
		outcome = "failure"
	}
	o.record(func(s *RemoteStats) {
		s.Requests++
		s.TotalLatency += latency
		if err != nil {
			s.Failures++
		} else {
			s.Successes++
		}
	})
	if o.observer != nil {
		o.observer.ObserveOracle(outcome, latency)
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (o *RemoteOracle) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build oracle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read oracle response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(raw))}
	}
	return raw, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
