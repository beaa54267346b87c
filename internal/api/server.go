// Package api exposes the matching core over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/trial-match-server/internal/domain"
	"github.com/trial-match-server/internal/feedback"
	"github.com/trial-match-server/internal/middleware"
)

// Deps are the services the HTTP layer exposes. Repository and feedback may
// be nil; their routes then return 503.
type Deps struct {
	Ranker     domain.Ranker
	Parser     domain.CriteriaParser
	Scorer     domain.Scorer
	Lexical    domain.LexicalSearcher
	Dense      domain.DenseSearcher
	Repository domain.TrialRepository
	Feedback   feedback.Store
}

// Server is the HTTP server over the matching core.
type Server struct {
	cfg    *domain.Config
	deps   Deps
	router *gin.Engine
	server *http.Server
	log    *logrus.Logger
}

// NewServer creates an HTTP server instance.
func NewServer(cfg *domain.Config, deps Deps, logger *logrus.Logger) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.AuditLogger())
	if cfg.Server.RateLimitRPS > 0 {
		router.Use(middleware.RateLimit(cfg.Server.RateLimitRPS))
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: router,
		log:    logger,
	}
	s.setupRoutes()
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/rank", s.handleRank)
		v1.GET("/search", s.handleSearch)
		v1.GET("/trials/:nct_id", s.handleTrialDetail)
		v1.POST("/criteria/parse", s.handleParseCriteria)
		v1.POST("/feasibility/score", s.handleScoreFeasibility)
		v1.POST("/feedback", s.handleSaveFeedback)
		v1.GET("/feedback", s.handleListFeedback)
	}
}
