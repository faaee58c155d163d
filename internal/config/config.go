// Package config loads gateway settings from the environment.
//
// The teacher never reaches for a configuration framework in any of its
// cmd/* entrypoints (see cmd/router/main.go, cmd/workload-manager/main.go);
// this package follows the same plain-struct-plus-os.Getenv idiom rather
// than introducing viper/toml for a handful of scalar settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ManagementLabel is the fixed marker applied to every container the pool
// creates, so stale containers from a previous process can be enumerated
// and destroyed at boot. It MUST stay stable across versions.
const ManagementLabel = "managed-by=code-interpreter-gateway"

// Config holds every tunable the gateway reads from its environment.
type Config struct {
	// Port is the gateway's HTTP listen port.
	Port string

	// MinIdleWorkers is the pre-warm target idle pool size.
	MinIdleWorkers int
	// MaxTotalWorkers is the absolute ceiling on registry size.
	MaxTotalWorkers int
	// WorkerIdleTimeout is the busy-to-destroy threshold.
	WorkerIdleTimeout time.Duration
	// RecyclingInterval is the idle-recycler scan period.
	RecyclingInterval time.Duration
	// ExecutionTimeout is the hard per-request budget enforced inside the sandbox.
	ExecutionTimeout time.Duration
	// ProxyTimeout is the gateway's end-to-end deadline for a forwarded call.
	ProxyTimeout time.Duration
	// HealthTimeout bounds how long the health prober waits for readiness.
	HealthTimeout time.Duration
	// ProbeInterval is the health prober's polling period.
	ProbeInterval time.Duration

	// WorkerImage is the container image used for every sandbox.
	WorkerImage string
	// InternalNetworkName is the Docker network sandboxes are attached to.
	InternalNetworkName string
	// WorkerCPUShares is the per-container CPU share weight.
	WorkerCPUShares int64
	// WorkerMemoryBytes is the per-container memory cap.
	WorkerMemoryBytes int64
	// WorkerDiskBytes is the per-container tmpfs/virtual-disk size cap.
	WorkerDiskBytes int64

	// NCreateRetries bounds retryable container-creation attempts.
	NCreateRetries int
	// CreateRetryDelay is the base backoff between creation retries.
	CreateRetryDelay time.Duration

	// AuthToken authenticates external callers via X-Auth-Token.
	AuthToken string
	// AuthTokenFile is where an auto-generated token is persisted.
	AuthTokenFile string

	// SandboxPort is the port the sandbox agent listens on inside its container.
	SandboxPort int
}

// Load populates a Config from the environment, applying sensible
// defaults for anything unset.
func Load() (*Config, error) {
	c := &Config{
		Port:                getEnv("GATEWAY_PORT", "8080"),
		MinIdleWorkers:      getEnvInt("MIN_IDLE_WORKERS", 5),
		MaxTotalWorkers:     getEnvInt("MAX_TOTAL_WORKERS", 30),
		WorkerIdleTimeout:   getEnvDuration("WORKER_IDLE_TIMEOUT", 3600*time.Second),
		RecyclingInterval:   getEnvDuration("RECYCLING_INTERVAL", 300*time.Second),
		ExecutionTimeout:    getEnvDuration("EXECUTION_TIMEOUT", 10*time.Second),
		ProxyTimeout:        getEnvDuration("PROXY_TIMEOUT", 30*time.Second),
		HealthTimeout:       getEnvDuration("HEALTH_TIMEOUT", 30*time.Second),
		ProbeInterval:       getEnvDuration("PROBE_INTERVAL", 500*time.Millisecond),
		WorkerImage:         getEnv("WORKER_IMAGE", "code-interpreter-sandbox:latest"),
		InternalNetworkName: getEnv("INTERNAL_NETWORK_NAME", "code-interpreter-net"),
		WorkerCPUShares:     getEnvInt64("WORKER_CPU_SHARES", 1024),
		WorkerMemoryBytes:   getEnvInt64("WORKER_MEMORY_BYTES", 1<<30),
		WorkerDiskBytes:     getEnvInt64("WORKER_DISK_BYTES", 1<<30),
		NCreateRetries:      getEnvInt("N_CREATE_RETRIES", 3),
		CreateRetryDelay:    getEnvDuration("CREATE_RETRY_DELAY", 1*time.Second),
		AuthToken:           os.Getenv("GATEWAY_AUTH_TOKEN"),
		AuthTokenFile:       getEnv("GATEWAY_AUTH_TOKEN_FILE", "/var/run/code-interpreter-gateway/auth-token"),
		SandboxPort:         getEnvInt("SANDBOX_PORT", 8090),
	}

	if c.MaxTotalWorkers <= 0 {
		return nil, fmt.Errorf("config: MAX_TOTAL_WORKERS must be positive, got %d", c.MaxTotalWorkers)
	}
	if c.MinIdleWorkers > c.MaxTotalWorkers {
		return nil, fmt.Errorf("config: MIN_IDLE_WORKERS (%d) exceeds MAX_TOTAL_WORKERS (%d)", c.MinIdleWorkers, c.MaxTotalWorkers)
	}
	if c.ProxyTimeout < c.ExecutionTimeout {
		return nil, fmt.Errorf("config: PROXY_TIMEOUT (%s) must be >= EXECUTION_TIMEOUT (%s)", c.ProxyTimeout, c.ExecutionTimeout)
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
