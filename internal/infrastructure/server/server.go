package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/exthost/internal/api/http"
	"github.com/GriffinCanCode/exthost/internal/api/middleware"
	"github.com/GriffinCanCode/exthost/internal/api/ws"
	"github.com/GriffinCanCode/exthost/internal/host"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/tracing"
)

const readHeaderTimeout = 10 * time.Second

// Server wraps the HTTP gateway in front of a Host.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *logging.Logger
	config     *config.Config
}

// NewServer builds the router: REST API, /metrics and the /ws stream.
func NewServer(cfg *config.Config, h *host.Host, logger *logging.Logger, metrics *monitoring.Metrics, tracer *tracing.Tracer) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("server")

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(middleware.RequestLogger(logger))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.CORSConfigFor(cfg.Server.CORSOrigins)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	apihttp.NewHandlers(h, logger).Register(router)
	router.GET("/ws", ws.NewHandler(h, cfg.Server.CORSOrigins, logger, metrics).HandleConnection)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
		config: cfg,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
