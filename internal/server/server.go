package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/collab/bus"
	"github.com/amoylab/collab/internal/collab/change"
	"github.com/amoylab/collab/internal/collab/push"
	"github.com/amoylab/collab/internal/common/config"
	"github.com/amoylab/collab/pkg/metrics"
)

// Collab is the part of the collaboration service the HTTP surface uses
type Collab interface {
	MayLease(page, sessionID, path string) bool
	Open(ctx context.Context, page, userID, sessionID string, conn push.Connection) error
	Close(conn push.Connection)
	HandleChanges(ctx context.Context, events []change.Event) []change.PageUpdate
}

type (
	// Server serves the browser facing collaboration endpoints
	Server struct {
		logger *zap.Logger
		port   int
		router *gin.Engine
		http   *http.Server
		collab Collab
		bus    bus.Bus
		auth   config.AuthConfig
		stream config.CollabConfig
		// shutdownCh ends all open event streams
		shutdownCh chan struct{}
	}
)

// NewServer creates a Server and registers its routes. m may be nil.
func NewServer(logger *zap.Logger, cfg *config.CollabServerConfig, collab Collab, b bus.Bus, m *metrics.Metrics) *Server {
	stream := cfg.Collab
	if stream.StreamTimeout <= 0 {
		stream.StreamTimeout = config.DefaultStreamTimeout
	}
	s := &Server{
		logger:     logger.Named("server"),
		port:       cfg.Port,
		router:     gin.New(),
		collab:     collab,
		bus:        b,
		auth:       cfg.Auth,
		stream:     stream,
		shutdownCh: make(chan struct{}),
	}

	s.router.Use(s.recoveryMiddleware())
	s.router.Use(s.loggerMiddleware())
	if cfg.Tracing.Enabled {
		s.router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	if m != nil {
		s.router.Use(m.Middleware())
		if cfg.Metrics.Enabled {
			s.router.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
		}
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health_check", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Health check passed.",
		})
	})

	api := s.router.Group("/api/collab")
	// browsers send beacons while unloading the page, they carry no credentials
	api.POST("/beacon", s.handleBeacon)
	api.POST("/events", s.handleEvents)

	user := api.Group("", s.identityMiddleware())
	user.POST("/lease", s.handleLease)
	user.GET("/sse", s.handleSSE)
	user.POST("/sse", s.handleSSE)
}

// Handler returns the http.Handler serving the routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port in the background
func (s *Server) Start() {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("starting server", zap.Int("port", s.port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("failed to start server", zap.Error(err))
		}
	}()
}

// Shutdown ends the open event streams and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
