// Package api wires the HTTP presentation layer: the gin engine, its
// middleware and the REST handlers.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/denis-savelyev/FaceAttend/config"
	"github.com/denis-savelyev/FaceAttend/internal/api/handlers"
	"github.com/denis-savelyev/FaceAttend/internal/api/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const sessionName = "faceattend_session"

// RouterOptions configures NewRouter
type RouterOptions struct {
	Server     config.ServerConfig
	Translator middleware.LanguageMatcher
	// Metrics is mounted at MetricsPath when not nil
	Metrics     http.Handler
	MetricsPath string
}

// NewRouter builds the gin engine serving the API below /api
func NewRouter(h *handlers.Handler, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())

	corsConfig := cors.DefaultConfig()
	if len(opts.Server.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = opts.Server.AllowOrigins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	secret := opts.Server.SessionSecret
	if secret == "" {
		log.Warn("No session secret configured, language sessions use an insecure default")
		secret = "faceattend-insecure-session-secret"
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 30 * 24 * 3600, HttpOnly: true})
	router.Use(sessions.Sessions(sessionName, store))

	apiGroup := router.Group("/api")
	apiGroup.Use(middleware.I18n(opts.Translator))
	h.RegisterRoutes(apiGroup)

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(opts.Metrics))
		log.Infof("Prometheus metrics served at %s", path)
	}

	return router
}

// Server runs the HTTP server
type Server struct {
	httpServer *http.Server
}

// NewServer creates a server listening on the configured address
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	log.Infof("Starting server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
// Streaming requests are cut off when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return s.httpServer.Close()
		}
		return err
	}
	return nil
}
