package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"venue-gateway/internal/engine"
	"venue-gateway/internal/session"
)

// Server wires HTTP endpoints around the gateway engine.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	WS        *session.Handler
	Metrics   http.Handler
	JWTSecret string

	http *http.Server
	log  *zap.Logger
}

// Options configures NewServer. WS and Metrics are optional; their routes are
// left out when nil.
type Options struct {
	Engine    engine.Service
	WS        *session.Handler
	Metrics   http.Handler
	JWTSecret string
	RateLimit float64
	Burst     int
	Logger    *zap.Logger
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger(log))    // Request logging (after ID is set)
	if opts.RateLimit > 0 {
		r.Use(RateLimitMiddleware(opts.RateLimit, opts.Burst, log))
	}
	r.Use(CORSMiddleware()) // CORS (last before routes)

	s := &Server{
		Router:    r,
		Engine:    opts.Engine,
		WS:        opts.WS,
		Metrics:   opts.Metrics,
		JWTSecret: opts.JWTSecret,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics))
	}
	if s.WS != nil {
		s.Router.GET("/ws", s.websocket)
	}

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/gateway/status", s.getGatewayStatus)
			protected.POST("/gateway/connect", s.connectGateway)
			protected.POST("/gateway/disconnect", s.disconnectGateway)
			protected.POST("/gateway/reconnect", s.reconnectGateway)

			protected.POST("/orders", s.submitOrder)
			protected.DELETE("/orders/:ref", s.cancelOrder)
			protected.GET("/orders", s.getOrders)
			protected.GET("/trades", s.getTrades)
			protected.GET("/positions", s.getPositions)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
