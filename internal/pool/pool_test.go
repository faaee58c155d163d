package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcube/code-interpreter-gateway/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		MinIdleWorkers:    2,
		MaxTotalWorkers:   5,
		WorkerIdleTimeout: time.Hour,
		RecyclingInterval: time.Hour,
		ExecutionTimeout:  10 * time.Second,
		ProxyTimeout:      30 * time.Second,
		HealthTimeout:     time.Second,
		ProbeInterval:     10 * time.Millisecond,
		WorkerImage:       "sandbox:test",
		SandboxPort:       8090,
		NCreateRetries:    2,
		CreateRetryDelay:  time.Millisecond,
	}
}

func newTestPool(t *testing.T, cfg *config.Config) (*Pool, *fakeDriver) {
	t.Helper()
	driver := newFakeDriver()
	p := New(driver, cfg)
	p.healthCheck = func(ctx context.Context, url string, interval, timeout time.Duration) error {
		return nil
	}
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p, driver
}

// Pre-warm floor: after initialization, idle count reaches MinIdleWorkers.
func TestStart_PreWarmsToMinIdle(t *testing.T) {
	cfg := testConfig()
	p, _ := newTestPool(t, cfg)

	stats := p.Snapshot()
	assert.Equal(t, cfg.MinIdleWorkers, stats.Idle)
	assert.False(t, stats.Initializing)
}

// Uniqueness: repeated acquires for the same session return the same sandbox.
func TestAcquire_SameSessionReturnsSameSandbox(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	first, err := p.Acquire(ctx, "session-a")
	require.NoError(t, err)

	second, err := p.Acquire(ctx, "session-a")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

// Concurrent acquires for distinct sessions never collide.
func TestAcquire_ConcurrentDistinctSessionsNeverCollide(t *testing.T) {
	cfg := testConfig()
	cfg.MinIdleWorkers = 0
	cfg.MaxTotalWorkers = 20
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	const n = 10
	results := make([]*Sandbox, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sb, err := p.Acquire(ctx, fmt.Sprintf("session-%d", i))
			require.NoError(t, err)
			results[i] = sb
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, sb := range results {
		require.NotNil(t, sb)
		assert.False(t, seen[sb.ID], "sandbox %s assigned to more than one session", sb.ID)
		seen[sb.ID] = true
	}
}

// Capacity: registry never exceeds MaxTotalWorkers.
func TestAcquire_RespectsMaxTotalWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.MinIdleWorkers = 0
	cfg.MaxTotalWorkers = 2
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	_, err := p.Acquire(ctx, "s1")
	require.NoError(t, err)
	_, err = p.Acquire(ctx, "s2")
	require.NoError(t, err)

	_, err = p.Acquire(ctx, "s3")
	assert.ErrorIs(t, err, ErrNoCapacity)

	stats := p.Snapshot()
	assert.LessOrEqual(t, stats.Total, cfg.MaxTotalWorkers)
}

// Capacity under concurrency: many goroutines racing to create distinct
// sandboxes at once must never push the registry past MaxTotalWorkers, and
// the overflow callers must see ErrNoCapacity rather than a successful
// sandbox that pushes the count over the ceiling.
func TestAcquire_ConcurrentNeverExceedsMaxTotalWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.MinIdleWorkers = 0
	cfg.MaxTotalWorkers = 3
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	const n = 15
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Acquire(ctx, fmt.Sprintf("session-%d", i))
			errs[i] = err
		}(i)
	}
	wg.Wait()

	var succeeded, noCapacity int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case err == ErrNoCapacity:
			noCapacity++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, cfg.MaxTotalWorkers, succeeded)
	assert.Equal(t, n-cfg.MaxTotalWorkers, noCapacity)

	stats := p.Snapshot()
	assert.LessOrEqual(t, stats.Total, cfg.MaxTotalWorkers)
}

// Cattle recovery: RecordFailure unbinds the session and destroys the sandbox.
func TestRecordFailure_UnbindsAndDestroys(t *testing.T) {
	p, driver := newTestPool(t, testConfig())
	ctx := context.Background()

	sb, err := p.Acquire(ctx, "doomed")
	require.NoError(t, err)

	p.RecordFailure("doomed")

	// Deletion happens asynchronously outside the lock; poll briefly.
	require.Eventually(t, func() bool {
		driver.mu.Lock()
		_, stillThere := driver.created[sb.ID]
		driver.mu.Unlock()
		return !stillThere
	}, time.Second, 5*time.Millisecond)

	next, err := p.Acquire(ctx, "doomed")
	require.NoError(t, err)
	assert.NotEqual(t, sb.ID, next.ID, "a new acquire after record_failure must not reuse the destroyed sandbox")
}

// No resurrection: a destroyed container-id never reappears in the registry.
func TestRelease_ContainerNeverReappears(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	sb, err := p.Acquire(ctx, "s1")
	require.NoError(t, err)
	p.Release("s1")

	require.Eventually(t, func() bool {
		stats := p.Snapshot()
		return stats.Total <= testConfig().MaxTotalWorkers
	}, time.Second, 5*time.Millisecond)

	p.mu.Lock()
	_, inRegistry := p.registry[sb.ID]
	_, inIdle := p.idle[sb.ID]
	p.mu.Unlock()
	assert.False(t, inRegistry)
	assert.False(t, inIdle)
}

func TestRelease_UnknownSessionIsNoOp(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	assert.NotPanics(t, func() { p.Release("never-existed") })
}

// Idle-timed-out busy sandboxes are destroyed.
func TestRecycleOnce_DestroysTimedOutSandboxes(t *testing.T) {
	cfg := testConfig()
	p, driver := newTestPool(t, cfg)
	ctx := context.Background()

	sb, err := p.Acquire(ctx, "stale-session")
	require.NoError(t, err)

	// Patch time.Now so the sandbox's LastActivity appears to be long in
	// the past, deterministically, instead of sleeping for real — the
	// same clock-patching idiom pkg/workloadmanager/handlers_test.go uses
	// via gomonkey.
	future := time.Now().Add(2 * time.Hour)
	patch := gomonkey.ApplyFunc(time.Now, func() time.Time { return future })
	defer patch.Reset()

	p.recycleOnce()

	require.Eventually(t, func() bool {
		driver.mu.Lock()
		_, stillThere := driver.created[sb.ID]
		driver.mu.Unlock()
		return !stillThere
	}, time.Second, 5*time.Millisecond)
}

func TestSnapshot_ReflectsCounters(t *testing.T) {
	cfg := testConfig()
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	_, err := p.Acquire(ctx, "s1")
	require.NoError(t, err)

	stats := p.Snapshot()
	assert.Equal(t, 1, stats.Busy)
	assert.False(t, stats.Initializing)
}

func TestAcquire_CreationFailureSurfacesTypedError(t *testing.T) {
	cfg := testConfig()
	cfg.MinIdleWorkers = 0
	cfg.NCreateRetries = 1
	driver := newFakeDriver()
	p := New(driver, cfg)
	p.healthCheck = func(ctx context.Context, url string, interval, timeout time.Duration) error { return nil }
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	driver.setFailNext(10)

	_, err := p.Acquire(context.Background(), "doomed-creation")
	assert.ErrorIs(t, err, ErrCreationFailed)
}
