package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// config holds the sandbox agent's own bootstrap settings. It is
// deliberately small relative to internal/config.Config: the agent runs
// inside the sandbox container, one per session, and never learns the
// pool's sizing knobs — only what it needs to serve one session's calls,
// grounded on pkg/picod/main.go's flat env-var bootstrap.
type config struct {
	Port             int
	WorkspaceDir     string
	ExecutionTimeout time.Duration
	GatewayPublicKey []byte // PEM, decoded from SANDBOXAGENT_GATEWAY_PUBLIC_KEY
}

func loadConfig() (config, error) {
	cfg := config{
		Port:             getEnvInt("SANDBOXAGENT_PORT", 8090),
		WorkspaceDir:     getEnv("SANDBOXAGENT_WORKSPACE_DIR", "/workspace"),
		ExecutionTimeout: getEnvDuration("EXECUTION_TIMEOUT", 10*time.Second),
	}

	keyB64 := os.Getenv("SANDBOXAGENT_GATEWAY_PUBLIC_KEY")
	if keyB64 == "" {
		return config{}, fmt.Errorf("config: SANDBOXAGENT_GATEWAY_PUBLIC_KEY is not set")
	}
	keyPEM, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return config{}, fmt.Errorf("config: decode SANDBOXAGENT_GATEWAY_PUBLIC_KEY: %w", err)
	}
	cfg.GatewayPublicKey = keyPEM

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
