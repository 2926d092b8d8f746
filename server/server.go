// Package server hosts the invocation nodes over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"idealsize/db"
	"idealsize/logging"
	"idealsize/metrics"
	"idealsize/node"
	"idealsize/sizing"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ModelStore is the model catalog used by the /api/models routes.
type ModelStore interface {
	node.ModelResolver
	GetModel(ctx context.Context, key string) (db.ModelRecord, error)
	ListModels(ctx context.Context) ([]db.ModelRecord, error)
	UpsertModel(ctx context.Context, m db.ModelRecord) error
	DeleteModel(ctx context.Context, key string) error
}

// HistoryStore records and lists invocations.
type HistoryStore interface {
	node.HistoryRecorder
	ListHistory(ctx context.Context, limit int) ([]db.InvocationRecord, error)
}

// Services are the backends the handlers call. Models, History and Metrics
// are optional; their routes answer 404 when unset.
type Services struct {
	Registry   *node.Registry
	Calculator *sizing.Calculator
	Models     ModelStore
	History    HistoryStore
	Metrics    *metrics.Store
}

// VersionInfo is reported by /health.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
}

// Config configures the Server.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RateLimitRPS     float64
	RateLimitBurst   int
	LimiterIdleTTL   time.Duration
	LimiterCleanupIn time.Duration
	// TrustedProxies may identify the client through forwarding headers
	TrustedProxies []netip.Prefix

	// APITokenHash enables bearer token auth when set (bcrypt)
	APITokenHash string

	// LogSkipPaths are not request-logged
	LogSkipPaths []string
	VersionInfo  VersionInfo
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "localhost",
		Port:             9090,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		RateLimitRPS:     20,
		RateLimitBurst:   40,
		LimiterIdleTTL:   10 * time.Minute,
		LimiterCleanupIn: time.Minute,
		LogSkipPaths:     []string{"/health"},
		VersionInfo:      VersionInfo{Version: "dev"},
	}
}

// Server is the HTTP node host.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	config     Config
	services   Services
	logger     *logging.Logger
	limiter    *RateLimiter
	auth       *TokenAuth
}

// NewServer wires routes and middleware.
func NewServer(config Config, services Services, logger *logging.Logger) (*Server, error) {
	if services.Registry == nil {
		return nil, errors.New("server: node registry is required")
	}
	if services.Calculator == nil {
		services.Calculator = sizing.NewCalculator(nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var auth *TokenAuth
	if config.APITokenHash != "" {
		var err error
		if auth, err = NewTokenAuth(config.APITokenHash); err != nil {
			return nil, err
		}
	}

	s := &Server{
		mux:      http.NewServeMux(),
		config:   config,
		services: services,
		logger:   logger.Named("http"),
		limiter:  NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst, config.LimiterIdleTTL),
		auth:     auth,
	}
	s.limiter.trusted = config.TrustedProxies
	s.setupRoutes()

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		ErrorLog:     zap.NewStdLog(s.logger.Zap()),
	}

	s.logger.Info("server created",
		zap.String("addr", addr),
		zap.Bool("auth_enabled", auth != nil),
		zap.Float64("rate_limit_rps", config.RateLimitRPS),
	)
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.Handle("GET /api/nodes", s.protect(s.handleListNodes))
	s.mux.Handle("POST /api/nodes/{type}/invoke", s.protect(s.handleInvoke))
	s.mux.Handle("GET /api/families", s.protect(s.handleFamilies))
	s.mux.Handle("GET /api/history", s.protect(s.handleHistory))
	s.mux.Handle("GET /api/metrics", s.protect(s.handleMetrics))
	s.mux.Handle("GET /api/metrics/recent", s.protect(s.handleRecentMetrics))
	s.mux.Handle("GET /api/models", s.protect(s.handleListModels))
	s.mux.Handle("POST /api/models", s.protect(s.handleUpsertModel))
	s.mux.Handle("DELETE /api/models/{key}", s.protect(s.handleDeleteModel))
}

// protect applies auth when enabled.
func (s *Server) protect(h http.HandlerFunc) http.Handler {
	if s.auth == nil {
		return h
	}
	return s.auth.Middleware(h)
}

// Handler returns the mux wrapped in recovery, logging and rate limiting.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	handler = s.limiter.Middleware(handler)
	handler = NewLoggingMiddleware(s.logger, s.config.LogSkipPaths).Handler(handler)
	handler = recoverMiddleware(s.logger, handler)
	return handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down server")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown error: %w", err)
		}
		return nil
	})

	if s.config.LimiterCleanupIn > 0 {
		g.Go(func() error {
			s.limiter.RunCleanup(gctx, s.config.LimiterCleanupIn)
			return nil
		})
	}

	err := g.Wait()
	s.logger.Info("server stopped")
	return err
}
