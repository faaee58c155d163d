package pool

import "errors"

// Sentinel errors returned by Pool operations. internal/gateway maps these
// to its HTTP-facing typed error taxonomy; the pool itself stays free of
// any HTTP concern, mirroring how pkg/workloadmanager/errors.go keeps
// plain errors.New sentinels separate from pkg/router/errors.go's
// apierrors-backed HTTP mapping.
var (
	// ErrInitializing is returned by Acquire while the pool has not yet
	// completed its first pre-warm pass.
	ErrInitializing = errors.New("pool: still initializing")

	// ErrNoCapacity is returned by Acquire when the registry is at
	// MaxTotalWorkers and no Idle sandbox is available.
	ErrNoCapacity = errors.New("pool: no capacity")

	// ErrCreationFailed is returned by Acquire when a just-in-time
	// creation exhausts its retries.
	ErrCreationFailed = errors.New("pool: sandbox creation failed")
)
