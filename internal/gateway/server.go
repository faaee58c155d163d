// Package gateway is the Request Proxy and Admin/Status surface: it
// translates external /execute and /release calls into Pool operations,
// forwards request bodies to the chosen sandbox, and exposes a read-only
// snapshot of pool counters.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/agentcube/code-interpreter-gateway/internal/config"
	"github.com/agentcube/code-interpreter-gateway/internal/pool"
)

// Server is the gateway's HTTP front door, grounded on
// pkg/router/server.go's Server/NewServer and
// pkg/workloadmanager/server.go's loggingMiddleware/graceful-shutdown
// shape.
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	pool       *pool.Pool
	forwarder  *forwarder
	signer     *RequestSigner
}

// NewServer wires a gateway Server around an already-started Pool.
func NewServer(cfg *config.Config, p *pool.Pool) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("gateway: config cannot be nil")
	}
	if p == nil {
		return nil, fmt.Errorf("gateway: pool cannot be nil")
	}

	signer, err := NewRequestSigner()
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to create request signer: %w", err)
	}

	token, err := loadOrGenerateAuthToken(cfg.AuthToken, cfg.AuthTokenFile)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to obtain auth token: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		pool:      p,
		forwarder: newForwarder(signer),
		signer:    signer,
	}

	gin.SetMode(gin.ReleaseMode)
	s.setupRoutes(token)

	return s, nil
}

// loggingMiddleware logs method, path, status, and latency through
// klog, grounded verbatim on pkg/workloadmanager/server.go's
// loggingMiddleware.
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		klog.Infof("%s %s %d %s", c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// recoveryMiddleware converts a panic into an InternalError response and
// destroys the bound sandbox if a session id was in play, the catch-all
// of the recovery policy.
func recoveryMiddleware(p *pool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				klog.Errorf("gateway: recovered from panic: %v", r)
				if sessionID := c.GetString("user_uuid"); sessionID != "" {
					p.RecordFailure(sessionID)
				}
				writeTypedError(c, errInternal("internal server error"))
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) setupRoutes(token string) {
	s.engine = gin.New()
	s.engine.Use(loggingMiddleware())
	s.engine.Use(recoveryMiddleware(s.pool))

	// Unauthenticated ambient surface: liveness/readiness probes.
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/readyz", s.handleReadyz)

	api := s.engine.Group("/")
	api.Use(authMiddleware(token))
	api.POST("/execute", s.handleExecute)
	api.POST("/release", s.handleRelease)
	api.GET("/status", s.handleStatus)
}

// Start runs the HTTP server until ctx is canceled, then gracefully
// shuts down, grounded on pkg/router/server.go's Start.
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.cfg.Port
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ProxyTimeout + 10*time.Second,
		WriteTimeout: s.cfg.ProxyTimeout + 10*time.Second,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		klog.Info("gateway: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("gateway: shutdown error: %v", err)
		}
	}()

	klog.Infof("gateway: listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
