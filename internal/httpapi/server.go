// Package httpapi serves the REST API, the event socket endpoint and the operational endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/logger"
	"solana-token-tracker/internal/observability"
	"solana-token-tracker/internal/upstream"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 30 * time.Second

	// MintAddressLength is the required length of the :mintAddress path parameter.
	MintAddressLength = 44
)

// TokenService is the tracking surface used by the handlers.
type TokenService interface {
	TrackToken(ctx context.Context, addr string, th *domain.Thresholds) (*domain.TrackedToken, error)
	GetTokenData(ctx context.Context, addr string) (*domain.TrackedToken, error)
	StopTracking(ctx context.Context, addr string) error
	GetTrackedTokens() []domain.TokenSummary
	Alerts(limit int) []domain.Alert
	Transactions(addr string, limit int) []domain.Transaction
	PriceHistory(ctx context.Context, addr string, since time.Time, limit int) ([]*domain.PriceSample, error)
}

// Options configures a Server.
type Options struct {
	Port       int
	AdminToken string

	Tokens TokenService
	Keys   upstream.KeyManager

	// ClientLog receives lines posted to /api/log. Nil discards them.
	ClientLog io.Writer

	// Events serves the event socket at EventsPath when set.
	Events     http.Handler
	EventsPath string // Default: /ws

	// Status returns the payload of GET /status.
	Status func() any

	Logger *zap.Logger
}

// Server is the HTTP server of the service.
type Server struct {
	opts   Options
	log    *zap.Logger
	router *gin.Engine
	server *http.Server
	client *clientLog
}

// New creates a server with all routes registered.
func New(opts Options) *Server {
	if opts.EventsPath == "" {
		opts.EventsPath = "/ws"
	}
	if opts.ClientLog == nil {
		opts.ClientLog = io.Discard
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		opts:   opts,
		log:    logger.OrNop(opts.Logger).Named("http"),
		router: router,
		client: &clientLog{w: opts.ClientLog},
	}

	router.Use(gin.Recovery(), requestID(), s.accessLog(), corsMiddleware())
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	api := s.router.Group("/api")
	{
		api.POST("/token/add", s.addToken)
		api.GET("/token/:mintAddress", s.getToken)
		api.DELETE("/token/:mintAddress", s.removeToken)
		api.GET("/token/:mintAddress/transactions", s.tokenTransactions)
		api.GET("/token/:mintAddress/history", s.tokenHistory)
		api.GET("/tokens", s.listTokens)
		api.GET("/alerts", s.listAlerts)

		api.POST("/admin/update-api-key", s.updateAPIKey)
		api.GET("/admin/test-api-key", s.testAPIKey)

		api.POST("/log", s.postLog)
		api.GET("/log/test", s.testLog)
	}

	s.router.GET("/health", s.health)
	s.router.GET("/status", s.status)
	s.router.GET("/metrics", gin.WrapH(observability.Handler()))

	if s.opts.Events != nil {
		s.router.GET(s.opts.EventsPath, gin.WrapH(s.opts.Events))
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("starting HTTP server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	s.log.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
