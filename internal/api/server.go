// Package api serves the operator status interface: health, account
// and worker state, recent signals, the Prometheus scrape endpoint,
// and manual worker re-enable.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/engine"
	"pattern-trading-engine/internal/metrics"
	"pattern-trading-engine/internal/risk"
	"pattern-trading-engine/internal/store"
)

// Server is the status HTTP server. It is strictly read-only except
// for the worker re-enable endpoint.
type Server struct {
	cfg     config.ServerConfig
	engine  *engine.Engine
	riskMgr *risk.Manager
	journal *store.Journal
	checkpt *store.CheckpointStore
	log     zerolog.Logger

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer builds the router. journal may be nil when Postgres is
// disabled; the signals endpoint then returns 404.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, rm *risk.Manager, journal *store.Journal, checkpt *store.CheckpointStore, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       cfg,
		engine:    eng,
		riskMgr:   rm,
		journal:   journal,
		checkpt:   checkpt,
		log:       log.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}
	s.routes(router)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/accounts", s.handleAccounts)
	router.GET("/workers", s.handleWorkers)
	router.POST("/workers/:symbol/:timeframe/enable", s.handleEnableWorker)
	router.GET("/signals", s.handleSignals)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("status server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime":          time.Since(s.startedAt).Round(time.Second).String(),
		"workers":         s.engine.Workers(),
		"accounts":        s.riskMgr.AccountIDs(),
		"redis_available": s.checkpt != nil && s.checkpt.Available(),
		"journal_enabled": s.journal != nil,
	})
}

func (s *Server) handleAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, s.riskMgr.Snapshots())
}

func (s *Server) handleWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Workers())
}

// handleEnableWorker clears a disabled worker. Disablement requires a
// human decision to undo; this is that decision's entry point.
func (s *Server) handleEnableWorker(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	timeframe := c.Param("timeframe")
	if err := s.engine.Enable(symbol, timeframe); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("symbol", symbol).Str("timeframe", timeframe).Msg("worker re-enabled via api")
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

func (s *Server) handleSignals(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "signal journal is not enabled"})
		return
	}
	records, err := s.journal.RecentSignals(c.Request.Context(), 100)
	if err != nil {
		s.log.Error().Err(err).Msg("signal query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signal query failed"})
		return
	}
	c.JSON(http.StatusOK, records)
}
