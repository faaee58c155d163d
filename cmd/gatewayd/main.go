/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/agentcube/code-interpreter-gateway/internal/config"
	"github.com/agentcube/code-interpreter-gateway/internal/containerdriver/dockerdriver"
	"github.com/agentcube/code-interpreter-gateway/internal/gateway"
	"github.com/agentcube/code-interpreter-gateway/internal/pool"
)

func main() {
	klog.InitFlags(nil)

	cfg, err := config.Load()
	if err != nil {
		klog.Fatalf("gatewayd: failed to load configuration: %v", err)
	}

	driver, err := dockerdriver.New()
	if err != nil {
		klog.Fatalf("gatewayd: failed to build container driver: %v", err)
	}

	p := pool.New(driver, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Pool.Start destroys any sandboxes surviving a prior process before
	// the first pre-warm pass and the recycler background loop.
	if err := p.Start(ctx); err != nil {
		klog.Fatalf("gatewayd: failed to start pool: %v", err)
	}
	defer p.Stop()

	server, err := gateway.NewServer(cfg, p)
	if err != nil {
		klog.Fatalf("gatewayd: failed to create server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("gatewayd: starting on port %s", cfg.Port)
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		klog.Info("gatewayd: received shutdown signal, shutting down gracefully...")
		<-errCh
	case err := <-errCh:
		if err != nil {
			klog.Fatalf("gatewayd: server error: %v", err)
		}
	}

	klog.Info("gatewayd: stopped")
}
