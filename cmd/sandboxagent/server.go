package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/agentcube/code-interpreter-gateway/cmd/sandboxagent/internal/auth"
	"github.com/agentcube/code-interpreter-gateway/cmd/sandboxagent/internal/kernel"
)

// server is the Sandbox Agent reference binary's HTTP surface, grounded
// on pkg/picod/server.go's gin engine wiring (gin.New + explicit
// middleware stack rather than gin.Default, same route-group shape).
type server struct {
	cfg        config
	engine     *gin.Engine
	httpServer *http.Server
	agent      *agentServer
}

func newServer(cfg config, k *kernel.Kernel) (*server, error) {
	verifier, err := auth.NewVerifier(cfg.GatewayPublicKey)
	if err != nil {
		return nil, fmt.Errorf("sandboxagent: build auth verifier: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(loggingMiddleware())
	engine.Use(gin.Recovery())

	agent := &agentServer{k: k, executionTimeout: cfg.ExecutionTimeout, lastPingOK: true}

	engine.GET("/health", agent.handleHealth)

	authed := engine.Group("/")
	authed.Use(verifier.Middleware())
	authed.POST("/execute", agent.handleExecute)
	authed.POST("/reset", agent.handleReset)

	return &server{
		cfg:    cfg,
		engine: engine,
		agent:  agent,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: engine,
		},
	}, nil
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		klog.Infof("sandboxagent: %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *server) start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("sandboxagent: graceful shutdown failed: %v", err)
		}
	}()

	klog.Infof("sandboxagent: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
