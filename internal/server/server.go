// Package server exposes the gateway over WebSocket and REST.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hefeijay/japan-aquaculture-project/internal/config"
	"github.com/hefeijay/japan-aquaculture-project/internal/history"
	"github.com/hefeijay/japan-aquaculture-project/internal/logger"
	"github.com/hefeijay/japan-aquaculture-project/internal/pipeline"
	"github.com/hefeijay/japan-aquaculture-project/internal/session"
)

// Server wires the session manager, history store, and orchestrator behind
// the public endpoints.
type Server struct {
	sessions *session.Manager
	history  history.Store
	orch     *pipeline.Orchestrator
	cfg      *config.Config
	logger   *logger.Logger
}

// New creates a server.
func New(sessions *session.Manager, hist history.Store, orch *pipeline.Orchestrator, cfg *config.Config, log *logger.Logger) *Server {
	return &Server{
		sessions: sessions,
		history:  hist,
		orch:     orch,
		cfg:      cfg,
		logger:   log.WithComponent("server"),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(s.cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", s.HandleWebSocket)

	api := router.Group("/api")
	{
		api.POST("/chat", s.handleChat)
		api.GET("/history/:session_id", s.handleGetHistory)
		api.DELETE("/history/:session_id", s.handleClearHistory)
	}

	return router
}

func (s *Server) writeTimeout() time.Duration {
	return time.Duration(s.cfg.WriteTimeoutSeconds) * time.Second
}

func (s *Server) initTimeout() time.Duration {
	return time.Duration(s.cfg.InitTimeout) * time.Second
}
