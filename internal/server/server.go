// Package server exposes the local oracle over HTTP using the same JSON
// contract the remote oracle client speaks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fxrun/internal/candles"
	"github.com/sawpanic/fxrun/internal/metrics"
	"github.com/sawpanic/fxrun/internal/persistence"
	"github.com/sawpanic/fxrun/internal/signal"
)

// Config holds server configuration
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	// MaxBodyBytes caps the size of a POST /signal body
	MaxBodyBytes int64
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8000",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxBodyBytes:   8 << 20,
	}
}

// Server serves signals from a local oracle. Each (symbol, session) pair
// gets its own tracker so cooldowns survive between requests of one client
// run and never leak into another.
type Server struct {
	router  *mux.Router
	srv     *http.Server
	cfg     Config
	oracle  signal.LocalConfig
	metrics *metrics.Registry
	db      persistence.RepositoryHealth
	started time.Time

	mu       sync.Mutex
	trackers map[sessionKey]*signal.Tracker
}

// sessionKey identifies a tracker. An empty session is the shared live
// session for the symbol.
type sessionKey struct {
	symbol  string
	session string
}

// Option customises a Server
type Option func(*Server)

// WithDatabaseHealth reports database health on /health
func WithDatabaseHealth(h persistence.RepositoryHealth) Option {
	return func(s *Server) { s.db = h }
}

// New creates a server. A nil registry gets a fresh one.
func New(cfg Config, oracle signal.LocalConfig, reg *metrics.Registry, opts ...Option) *Server {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	s := &Server{
		router:   mux.NewRouter(),
		cfg:      cfg,
		oracle:   oracle,
		metrics:  reg,
		started:  time.Now(),
		trackers: make(map[sessionKey]*signal.Tracker),
	}
	for _, o := range opts {
		o(s)
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)
	api.HandleFunc("/signal", s.handleSignal).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/session/{symbol}", s.handleResetSession).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, r, http.StatusNotFound, "not found")
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("Starting signal server")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down signal server")
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) tracker(key sessionKey) *signal.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[key]
	if !ok {
		t = signal.NewTracker()
		s.trackers[key] = t
	}
	return t
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var wire signal.WireRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req, err := wire.Decode()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Symbol = strings.ToUpper(req.Symbol)
	key := sessionKey{symbol: req.Symbol, session: wire.SessionID}

	oracle := signal.NewLocalOracle(s.oracle, s.tracker(key))
	series, err := candles.Validate(req.Bars, candles.ValidationOptions{
		Symbol:        req.Symbol,
		Timeframe:     req.Timeframe,
		MinBars:       oracle.Lookback(),
		MaxGapPeriods: candles.DefaultValidationOptions().MaxGapPeriods,
		AllowGaps:     true,
	})
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	req.Bars = series.Window(series.Len() - 1)

	d, err := oracle.Evaluate(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		log.Error().Err(err).Str("symbol", req.Symbol).Msg("Signal evaluation failed")
		writeError(w, r, status, err.Error())
		return
	}

	resp := signal.EncodeDecision(d, s.oracle.TPPercents)
	s.metrics.ObserveSignal(resp.Signal)
	log.Info().
		Str("request_id", requestID(r.Context())).
		Str("symbol", req.Symbol).
		Str("session", wire.SessionID).
		Time("bar_time", req.DecisionTime()).
		Str("signal", resp.Signal).
		Float64("confidence", resp.Confidence).
		Msg("Signal served")
	writeJSON(w, http.StatusOK, resp)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	UptimeSec int64                    `json:"uptime_seconds"`
	Sessions  int                      `json:"sessions"`
	Database  *persistence.HealthCheck `json:"database,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.trackers)
	s.mu.Unlock()

	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		UptimeSec: int64(time.Since(s.started).Seconds()),
		Sessions:  n,
	}
	status := http.StatusOK
	if s.db != nil {
		check := s.db.Health(r.Context())
		resp.Database = &check
		if !check.Healthy {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// handleResetSession resets the live tracker of a symbol, or drops the
// tracker of one client session when ?session= is given.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey{
		symbol:  strings.ToUpper(mux.Vars(r)["symbol"]),
		session: r.URL.Query().Get("session"),
	}
	s.mu.Lock()
	t, ok := s.trackers[key]
	if ok && key.session != "" {
		delete(s.trackers, key)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, r, http.StatusNotFound, "no session for "+key.symbol)
		return
	}

	status := "reset"
	if key.session != "" {
		status = "closed"
	} else {
		t.Reset()
	}
	writeJSON(w, http.StatusOK, map[string]string{"symbol": key.symbol, "session": key.session, "status": status})
}

type ctxKey int

const requestIDKey ctxKey = iota

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestIDMiddleware honours an incoming X-Request-ID or assigns a uuid
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		timer := s.metrics.StartRequestTimer(route)
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		timer.Stop(wrapper.statusCode)
		log.Debug().
			Str("request_id", requestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: requestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
