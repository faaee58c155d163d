package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/agentcube/code-interpreter-gateway/cmd/sandboxagent/internal/kernel"
)

func main() {
	klog.InitFlags(nil)

	cfg, err := loadConfig()
	if err != nil {
		klog.Fatalf("sandboxagent: failed to load configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	k := kernel.New(cfg.WorkspaceDir)
	if err := k.Start(ctx); err != nil {
		klog.Fatalf("sandboxagent: failed to start kernel: %v", err)
	}
	defer k.Shutdown()

	srv, err := newServer(cfg, k)
	if err != nil {
		klog.Fatalf("sandboxagent: failed to create server: %v", err)
	}

	if err := srv.start(ctx); err != nil {
		klog.Fatalf("sandboxagent: server error: %v", err)
	}

	klog.Info("sandboxagent: stopped")
}
