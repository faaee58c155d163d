package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// triggerReplenish schedules a replenisher pass in the background if one
// is not already running. A single replenishing flag prevents overlapping
// invocations while remaining non-blockingly re-triggerable once the
// current pass completes.
func (p *Pool) triggerReplenish(ctx context.Context) {
	p.mu.Lock()
	if p.replenishing {
		p.mu.Unlock()
		return
	}
	p.replenishing = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.replenishing = false
			p.mu.Unlock()
		}()
		p.replenish(ctx)
	}()
}

// replenish computes need = MinIdleWorkers - |idle| and room =
// MaxTotalWorkers - |registry| as a soft estimate of how many goroutines
// to spawn, then fans out up to min(need, room) concurrent creation
// attempts. room is advisory only: the actual ceiling is enforced by the
// single lifetime-credit semaphore inside createAndHealthCheck, which both
// this loop and Acquire's just-in-time path share, so a goroutine racing
// the JIT path or a sibling replenish goroutine for the last credit simply
// observes ErrNoCapacity and backs off rather than overshooting the
// registry. Newly created sandboxes are inserted into the registry only
// after passing health probing.
func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	need := p.cfg.MinIdleWorkers - len(p.idle)
	room := p.cfg.MaxTotalWorkers - len(p.registry)
	p.mu.Unlock()

	count := need
	if room < count {
		count = room
	}
	if count <= 0 {
		return
	}

	klog.Infof("pool: replenishing up to %d idle sandbox(es)", count)

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sb, err := p.createAndHealthCheck(ctx)
			if err != nil {
				if errors.Is(err, ErrNoCapacity) {
					return
				}
				klog.Errorf("pool: replenish creation failed: %v", err)
				return
			}
			p.mu.Lock()
			p.registry[sb.ID] = sb
			p.idle[sb.ID] = struct{}{}
			p.mu.Unlock()
		}()
	}
	wg.Wait()
}

// recycleLoop is the idle-timeout recycler: every RecyclingInterval it
// scans busy sandboxes and destroys any whose last-activity timestamp
// exceeds WorkerIdleTimeout, exactly as Release does, then triggers the
// replenisher.
func (p *Pool) recycleLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.RecyclingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.recycleOnce()
			p.triggerReplenish(context.Background())
		}
	}
}

func (p *Pool) recycleOnce() {
	cutoff := time.Now().Add(-p.cfg.WorkerIdleTimeout)

	p.mu.Lock()
	var victims []string
	for sessionID, b := range p.sessions {
		sb := p.registry[b.SandboxID]
		if sb != nil && sb.LastActivity.Before(cutoff) {
			victims = append(victims, sessionID)
		}
	}
	p.mu.Unlock()

	for _, sessionID := range victims {
		klog.Infof("pool: recycling idle-timed-out session %s", sessionID)
		p.destroyBySession(sessionID)
	}
}
