// Package api assembles the HTTP server: the OpenAI and Anthropic chat
// surfaces, the admin management surface, health, and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/QProxyAPI/internal/api/handlers"
	"github.com/router-for-me/QProxyAPI/internal/api/middleware"
	"github.com/router-for-me/QProxyAPI/internal/logging"
)

// Server owns the gin engine and its http.Server.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	deps   *handlers.Deps
}

// New builds the server and registers all routes.
func New(deps *handlers.Deps) *Server {
	cfg := deps.Cfg.Get()
	if !cfg.RequestLog {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())

	middleware.SetMetricsEnabled(cfg.Metrics)
	engine.Use(middleware.PrometheusMiddleware())

	s := &Server{
		engine: engine,
		deps:   deps,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 30 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	d := s.deps

	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		middleware.MetricsHandler()(c)
	})

	// The model catalogue is public; some SDKs probe it before auth.
	s.engine.GET("/v1/models", d.ListModels)

	v1 := s.engine.Group("/v1", middleware.APIKeyAuth(d.Keys))
	{
		v1.POST("/chat/completions", d.ChatCompletions)
		v1.POST("/messages", d.Messages)
		v1.POST("/messages/count_tokens", d.CountTokens)
	}

	// Root-level mirrors for clients that omit the /v1 prefix.
	root := s.engine.Group("", middleware.APIKeyAuth(d.Keys))
	{
		root.POST("/chat/completions", d.ChatCompletions)
		root.POST("/messages", d.Messages)
	}

	admin := s.engine.Group("/admin", middleware.AdminAuth(d.Cfg))
	{
		admin.GET("/accounts", d.ListAccounts)
		admin.POST("/accounts", d.CreateAccount)
		admin.GET("/accounts/:id", d.GetAccount)
		admin.PATCH("/accounts/:id", d.UpdateAccount)
		admin.DELETE("/accounts/:id", d.DeleteAccount)
		admin.POST("/accounts/:id/enable", d.EnableAccount)
		admin.POST("/accounts/:id/disable", d.DisableAccount)
		admin.POST("/accounts/:id/refresh", d.RefreshAccount)

		admin.POST("/auth/start", d.StartAuth)
		admin.GET("/auth/status/:authId", d.AuthStatus)
		admin.POST("/auth/claim/:authId", d.ClaimAuth)
		admin.POST("/auth/import-tokens", d.ImportTokens)
		admin.POST("/auth/import-credentials", d.ImportCredentials)

		admin.GET("/quota", d.QuotaStats)
		admin.GET("/quota/alerts", d.QuotaAlerts)
		admin.GET("/quota/:accountId", d.AccountQuota)

		admin.GET("/keys", d.ListKeys)
		admin.POST("/keys", d.GenerateKey)
		admin.POST("/keys/:id/revoke", d.RevokeKey)
		admin.POST("/keys/:id/rotate", d.RotateKey)
		admin.DELETE("/keys/:id", d.DeleteKey)
	}
}

func (s *Server) health(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"enabled_accounts": s.deps.Accounts.CountEnabled(c.Request.Context()),
	})
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Infof("listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
