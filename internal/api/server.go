// Package api provides the HTTP API server for the gateway. It includes the
// main server struct, routing setup, middleware for CORS, authentication and
// rate limiting, and the OpenAI-compatible request handlers backed by the
// Claude CLI. The server supports hot-reloading of configuration.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/claude-code-gateway/gateway/internal/api/middleware"
	"github.com/claude-code-gateway/gateway/internal/auth"
	"github.com/claude-code-gateway/gateway/internal/claude"
	"github.com/claude-code-gateway/gateway/internal/config"
	"github.com/claude-code-gateway/gateway/internal/logging"
	"github.com/claude-code-gateway/gateway/internal/service"
	"github.com/claude-code-gateway/gateway/internal/session"
	"github.com/claude-code-gateway/gateway/internal/streaming"
	"github.com/claude-code-gateway/gateway/internal/util"
)

// Server represents the main API server.
// It encapsulates the Gin engine, HTTP server, handlers, and configuration.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// svc runs completions against the Claude CLI.
	svc *service.Service

	// store is the conversation session store.
	store *session.Store

	// cli resolves and verifies the Claude CLI binary.
	cli *claude.Client

	// provider reports the Claude authentication method in effect.
	provider auth.Provider

	// streams tracks live SSE responses for shutdown draining.
	streams *streaming.Manager

	// payloads is the verbose request payload logger.
	payloads *logging.PayloadLogger

	// limiter is the optional per-IP rate limiter; nil when disabled.
	limiter *middleware.RateLimiter

	// cfgMu guards cfg for hot reload.
	cfgMu sync.RWMutex
	cfg   *config.Config
}

// Deps bundles the collaborators a server needs.
type Deps struct {
	Service  *service.Service
	Store    *session.Store
	CLI      *claude.Client
	Provider auth.Provider
	Streams  *streaming.Manager
}

// NewServer creates and initializes a new API server instance.
// It sets up the Gin engine, middleware, routes, and handlers.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())

	s := &Server{
		engine:   engine,
		svc:      deps.Service,
		store:    deps.Store,
		cli:      deps.CLI,
		provider: deps.Provider,
		streams:  deps.Streams,
		payloads: logging.NewPayloadLogger(cfg.Verbose),
		cfg:      cfg,
	}

	engine.Use(s.corsMiddleware())
	engine.Use(s.payloads.Middleware())
	if cfg.RateLimit.RPS > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		engine.Use(s.limiter.Middleware())
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes configures the API routes for the server.
// It defines the endpoints and associates them with their respective handlers.
func (s *Server) setupRoutes() {
	s.engine.GET("/", s.Root)
	s.engine.GET("/health", s.Health)
	s.engine.GET("/health/claude", s.HealthClaude)

	v1 := s.engine.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.POST("/chat/completions", s.ChatCompletions)
		v1.GET("/models", s.Models)

		v1.GET("/sessions", s.ListSessions)
		v1.POST("/sessions", s.CreateSession)
		v1.GET("/sessions/stats", s.SessionStats)
		v1.GET("/sessions/:id", s.GetSession)
		v1.PATCH("/sessions/:id", s.PatchSession)
		v1.DELETE("/sessions/:id", s.DeleteSession)

		v1.GET("/auth/status", s.AuthStatus)
		v1.GET("/compatibility", s.Compatibility)
		v1.POST("/compatibility", s.CompatibilityCheck)
		v1.POST("/debug/request", s.DebugRequest)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, service.KindNotFound,
			fmt.Sprintf("unknown endpoint: %s %s", c.Request.Method, c.Request.URL.Path))
	})
}

// Start begins listening for and serving HTTP requests.
// It's a blocking call and will only return on an unrecoverable error.
func (s *Server) Start() error {
	log.Debugf("starting API server on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the API server: it stops accepting
// connections, then waits for live SSE streams to drain within ctx.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	if err := s.streams.Drain(ctx); err != nil {
		log.Warnf("shutdown with %d stream(s) still live: %v", s.streams.ActiveCount(), err)
	}
	if s.limiter != nil {
		s.limiter.Close()
	}

	log.Debug("API server stopped")
	return nil
}

// UpdateConfig applies a reloaded configuration. Only the runtime-tunable
// settings take effect; port changes require a restart.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.cfgMu.Unlock()

	if old.Debug != cfg.Debug {
		util.SetLogLevel(cfg)
		log.Debugf("debug mode updated from %t to %t", old.Debug, cfg.Debug)
	}
	if old.Verbose != cfg.Verbose {
		s.payloads.SetEnabled(cfg.Verbose)
	}
	s.svc.SetMaxTimeout(cfg.MaxTimeout)
	if old.Port != cfg.Port {
		log.Warnf("port change from %d to %d requires a restart", old.Port, cfg.Port)
	}
	log.Info("server configuration updated")
}

func (s *Server) currentConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// corsMiddleware returns a Gin middleware handler that adds CORS headers to
// every response. With no configured origins any origin is allowed.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origins := s.currentConfig().CORSOrigins
		origin := c.GetHeader("Origin")

		switch {
		case len(origins) == 0:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && originAllowed(origin, origins):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Claude-Max-Turns, X-Claude-Permission-Mode, X-Claude-Max-Thinking-Tokens")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// authMiddleware authenticates requests with a bearer API key. If no keys
// are configured, all requests are allowed. Comparison is constant-time.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := s.currentConfig().APIKeys
		if len(keys) == 0 {
			c.Next()
			return
		}

		presented := bearerToken(c)
		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				c.Next()
				return
			}
		}

		writeError(c, http.StatusUnauthorized, service.KindAuthentication, "invalid or missing API key")
		c.Abort()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	// OpenAI SDKs occasionally send the key bare in x-api-key.
	return c.GetHeader("x-api-key")
}
