// Package pool implements the Worker Pool Controller: the component that
// owns the lifecycle of every sandbox container, the session-to-sandbox
// binding, pre-warm and idle-recycling background loops, and the
// "cattle, not pets" failure-recovery policy. This is new core code — no
// single source file plays this role elsewhere, since a Kubernetes
// reconciler handles pool semantics there — built following the
// mutex+map shape of pkg/workloadmanager/client_cache.go and the
// ticker-loop shape of pkg/workloadmanager/garbage_collection.go.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/agentcube/code-interpreter-gateway/internal/config"
	"github.com/agentcube/code-interpreter-gateway/internal/containerdriver"
	"github.com/agentcube/code-interpreter-gateway/internal/healthprobe"
)

// Pool is the Worker Pool Controller. One coarse mutex guards the three
// indexes and the initializing/replenishing flags; all I/O happens
// outside the lock.
type Pool struct {
	cfg    *config.Config
	driver containerdriver.Driver

	mu       sync.Mutex
	registry map[string]*Sandbox // container-id -> Sandbox
	sessions map[string]binding  // session-id -> SessionBinding
	idle     map[string]struct{} // container-id set, NOT a queue
	initializing bool
	replenishing bool

	// creationSem holds one lifetime credit per live sandbox, sized
	// MaxTotalWorkers. A credit is acquired once in createAndHealthCheck
	// before a container exists and is released exactly once, in
	// destroyBySession, when that sandbox leaves the registry. This makes
	// total outstanding creations+registrations the single race-free gate
	// on capacity, shared by both the JIT path in Acquire and the
	// background replenisher, mirroring how original_source's
	// _creation_semaphore is acquired in _create_new_worker and released
	// only in _destroy_worker/_safe_delete_container.
	creationSem chan struct{}

	// healthCheck defaults to healthprobe.Probe; tests substitute a fake
	// so sandbox creation doesn't depend on a real HTTP server.
	healthCheck func(ctx context.Context, url string, interval, timeout time.Duration) error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pool. It does not start background loops or contact
// the container engine; call Start for that.
func New(driver containerdriver.Driver, cfg *config.Config) *Pool {
	return &Pool{
		cfg:          cfg,
		driver:       driver,
		registry:     make(map[string]*Sandbox),
		sessions:     make(map[string]binding),
		idle:         make(map[string]struct{}),
		initializing: true,
		creationSem:  make(chan struct{}, cfg.MaxTotalWorkers),
		healthCheck:  healthprobe.Probe,
		stopCh:       make(chan struct{}),
	}
}

// Start runs boot-time stale cleanup, performs the first pre-warm pass,
// and launches the recycler background loop, which triggers a replenisher
// pass after every scan. It returns once
// the initial pre-warm pass has completed, at which point is_initializing
// flips false.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.cleanupStale(ctx); err != nil {
		klog.Errorf("pool: stale cleanup encountered errors: %v", err)
	}

	p.replenish(ctx)

	p.mu.Lock()
	p.initializing = false
	idleCount := len(p.idle)
	p.mu.Unlock()
	klog.Infof("pool: initialization complete, idle=%d", idleCount)

	p.wg.Add(1)
	go p.recycleLoop()

	return nil
}

// Stop signals background loops to exit and waits for them.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// cleanupStale lists and deletes every container bearing the management
// label before the pool accepts traffic.
func (p *Pool) cleanupStale(ctx context.Context) error {
	stale, err := p.driver.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("pool: list managed containers: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	klog.Warningf("pool: found %d stale containers from a previous run, destroying", len(stale))

	var wg sync.WaitGroup
	for _, c := range stale {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := p.driver.Delete(ctx, id); err != nil {
				klog.Errorf("pool: failed to delete stale container %s: %v", id, err)
			}
		}(c.ID)
	}
	wg.Wait()
	return nil
}

// Acquire returns a Sandbox bound to sessionID. It either returns an
// existing binding (refreshing last-activity), reuses an Idle sandbox, or
// creates a new one if capacity allows.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*Sandbox, error) {
	p.mu.Lock()
	if p.initializing {
		p.mu.Unlock()
		return nil, ErrInitializing
	}

	if b, ok := p.sessions[sessionID]; ok {
		sb := p.registry[b.SandboxID]
		sb.LastActivity = time.Now()
		snapshot := *sb
		p.mu.Unlock()
		return &snapshot, nil
	}

	if cid, ok := p.popAnyIdle(); ok {
		sb := p.registry[cid]
		sb.State = Busy
		sb.SessionID = sessionID
		sb.LastActivity = time.Now()
		p.sessions[sessionID] = binding{SandboxID: cid, FirstBound: sb.LastActivity}
		snapshot := *sb
		p.mu.Unlock()
		p.triggerReplenish(ctx)
		return &snapshot, nil
	}

	p.mu.Unlock()

	sb, err := p.createAndHealthCheck(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCapacity) {
			return nil, ErrNoCapacity
		}
		return nil, ErrCreationFailed
	}

	p.mu.Lock()
	sb.State = Busy
	sb.SessionID = sessionID
	sb.LastActivity = time.Now()
	p.registry[sb.ID] = sb
	p.sessions[sessionID] = binding{SandboxID: sb.ID, FirstBound: sb.LastActivity}
	snapshot := *sb
	p.mu.Unlock()

	return &snapshot, nil
}

// popAnyIdle removes and returns an arbitrary container-id from the idle
// set, atomically with the caller's subsequent session-map insertion
// (both happen while mu is held). Must be called with mu held.
func (p *Pool) popAnyIdle() (string, bool) {
	for cid := range p.idle {
		delete(p.idle, cid)
		return cid, true
	}
	return "", false
}

// Release unbinds sessionID and destroys its sandbox. Idempotent:
// releasing an unknown session is a no-op.
func (p *Pool) Release(sessionID string) {
	p.destroyBySession(sessionID)
}

// RecordFailure marks the sandbox bound to sessionID as contaminated.
// Semantically identical to Release under the "cattle, not pets" model —
// there is no separate "contaminated" state to track.
func (p *Pool) RecordFailure(sessionID string) {
	p.destroyBySession(sessionID)
}

func (p *Pool) destroyBySession(sessionID string) {
	p.mu.Lock()
	b, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	cid := b.SandboxID
	delete(p.sessions, sessionID)
	delete(p.idle, cid)
	if sb, exists := p.registry[cid]; exists {
		sb.State = Destroying
	}
	delete(p.registry, cid)
	p.mu.Unlock()

	// Destruction happens outside the registry lock, concurrently across
	// victims. The creation credit acquired for cid in createAndHealthCheck
	// is released here, once the sandbox is gone from the registry, so a
	// replacement can be created without exceeding MaxTotalWorkers.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.driver.Delete(ctx, cid); err != nil {
			klog.Errorf("pool: failed to delete sandbox %s for session %s: %v", cid, sessionID, err)
		}
		<-p.creationSem
	}()
}

// Snapshot returns a weakly-consistent view of pool counters.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:        len(p.registry),
		Busy:         len(p.sessions),
		Idle:         len(p.idle),
		Initializing: p.initializing,
	}
}

// createAndHealthCheck reserves one lifetime creation credit, creates a
// container via the driver, waits for it to pass the Health Prober, and
// returns the resulting Sandbox value (not yet inserted into the registry
// — the caller decides its initial state). The credit is acquired
// non-blockingly up front: if the pool is already at MaxTotalWorkers
// outstanding creations, this returns ErrNoCapacity immediately instead of
// racing the registry-size check a caller might otherwise perform under a
// lock that gets released before the insert. On any return other than a
// successfully created Sandbox, the credit is released here; on success
// the credit transfers to the sandbox's lifetime and is released later by
// destroyBySession. Retries up to cfg.NCreateRetries times on retryable
// engine failures, grounded on original_source/gateway/worker_manager.py's
// MAX_CREATION_RETRIES/CREATION_RETRY_DELAY constants.
func (p *Pool) createAndHealthCheck(ctx context.Context) (*Sandbox, error) {
	select {
	case p.creationSem <- struct{}{}:
	default:
		return nil, ErrNoCapacity
	}

	sb, err := p.createWithRetries(ctx)
	if err != nil {
		<-p.creationSem
		return nil, err
	}
	return sb, nil
}

func (p *Pool) createWithRetries(ctx context.Context) (*Sandbox, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.NCreateRetries; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.CreateRetryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		sb, err := p.createOnce(ctx)
		if err == nil {
			return sb, nil
		}
		lastErr = err

		var createErr *containerdriver.CreateError
		if ce, ok := err.(*containerdriver.CreateError); ok {
			createErr = ce
		}
		if createErr != nil && !createErr.Retryable() {
			break
		}
	}
	return nil, fmt.Errorf("pool: creation failed after retries: %w", lastErr)
}

func (p *Pool) createOnce(ctx context.Context) (*Sandbox, error) {
	name := fmt.Sprintf("sandbox-%s", uuid.New().String())
	spec := containerdriver.CreateSpec{
		Image:   p.cfg.WorkerImage,
		Name:    name,
		Network: p.cfg.InternalNetworkName,
		Limits: containerdriver.ResourceLimits{
			MemoryBytes: p.cfg.WorkerMemoryBytes,
			CPUShares:   p.cfg.WorkerCPUShares,
			DiskBytes:   p.cfg.WorkerDiskBytes,
		},
	}

	c, err := p.driver.Create(ctx, spec)
	if err != nil {
		return nil, err
	}

	sandboxURL := fmt.Sprintf("http://%s:%d", c.Address, p.cfg.SandboxPort)
	if err := p.healthCheck(ctx, sandboxURL, p.cfg.ProbeInterval, p.cfg.HealthTimeout); err != nil {
		// The sandbox never became healthy; it will never be inserted
		// into the registry as Idle. Best-effort cleanup.
		delCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = p.driver.Delete(delCtx, c.ID)
		return nil, &containerdriver.CreateError{Kind: containerdriver.CreateErrorRetryable, Err: err}
	}

	now := time.Now()
	return &Sandbox{
		ID:           c.ID,
		Address:      sandboxURL,
		State:        Idle,
		Image:        p.cfg.WorkerImage,
		Labels:       spec.Labels,
		CreatedAt:    now,
		LastActivity: now,
	}, nil
}
