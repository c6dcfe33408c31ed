package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/binance"
	"futures-signal-bot/internal/database"
)

// SignalStore is the slice of the signal repository the read-only API needs.
type SignalStore interface {
	Active(ctx context.Context) ([]*database.Signal, error)
	RecentClosed(ctx context.Context, limit int) ([]*database.Signal, error)
	StatsByStrategy(ctx context.Context) ([]database.StrategyStats, error)
}

// UniverseSource reports the symbols the engine is currently scanning.
type UniverseSource interface {
	Universe() []string
}

// Server exposes engine state over HTTP: health, rate-limit headroom,
// open and recently closed signals, and per-strategy performance. It is
// read-only; signals are produced by the engine loop, never via the API.
type Server struct {
	cfg      config.ServerConfig
	router   *gin.Engine
	httpSrv  *http.Server
	limiter  *binance.RateLimiter
	signals  SignalStore
	universe UniverseSource
	logger   zerolog.Logger
	started  time.Time
}

// NewServer wires the status routes. limiter and universe may be nil in
// tests; the corresponding handlers then report empty state.
func NewServer(cfg config.ServerConfig, limiter *binance.RateLimiter, signals SignalStore, universe UniverseSource, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:      cfg,
		router:   router,
		limiter:  limiter,
		signals:  signals,
		universe: universe,
		logger:   logger.With().Str("component", "api").Logger(),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/signals/active", s.handleActiveSignals)
		api.GET("/signals/recent", s.handleRecentSignals)
		api.GET("/stats/strategies", s.handleStrategyStats)
	}
}

// Start runs the HTTP listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("status server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
