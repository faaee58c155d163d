// Package containerdriver defines the narrow port the Worker Pool
// Controller uses to manage sandbox containers, independent of whichever
// container engine backs it.
package containerdriver

import "context"

// ResourceLimits bounds what a single sandbox container may consume.
type ResourceLimits struct {
	MemoryBytes int64
	CPUShares   int64
	DiskBytes   int64
}

// CreateSpec describes a container to create.
type CreateSpec struct {
	Image   string
	Name    string
	Network string
	Labels  map[string]string
	Limits  ResourceLimits
}

// Container is the minimal view of a created container the pool needs.
type Container struct {
	ID      string
	Name    string
	Address string // host (IP) the gateway can dial; the pool appends cfg.SandboxPort
}

// CreateErrorKind classifies why Create failed, so the pool's retry loop
// can tell a transient engine hiccup from a fatal misconfiguration.
type CreateErrorKind int

const (
	// CreateErrorRetryable indicates a transient engine-side failure.
	CreateErrorRetryable CreateErrorKind = iota
	// CreateErrorFatal indicates a non-retryable failure (bad image, quota).
	CreateErrorFatal
)

// CreateError wraps a Create failure with its retry classification.
type CreateError struct {
	Kind CreateErrorKind
	Err  error
}

func (e *CreateError) Error() string { return e.Err.Error() }
func (e *CreateError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying with backoff.
func (e *CreateError) Retryable() bool { return e.Kind == CreateErrorRetryable }

// Driver is the port a Container Driver implementation exposes to the pool.
type Driver interface {
	// Create brings up a new, running container and returns its identity.
	// On failure the error is always a *CreateError.
	Create(ctx context.Context, spec CreateSpec) (Container, error)
	// Stop stops a running container. Not an error if already stopped.
	Stop(ctx context.Context, id string) error
	// Delete removes a container. Deleting a non-existent container is not an error.
	Delete(ctx context.Context, id string) error
	// ListManaged returns every container bearing the management label.
	ListManaged(ctx context.Context) ([]Container, error)
	// Exec runs a command inside a running container and returns its stdout and stderr separately.
	Exec(ctx context.Context, id string, cmd []string) (stdout []byte, stderr []byte, err error)
}
