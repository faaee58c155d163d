package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentcube/code-interpreter-gateway/internal/containerdriver"
)

// fakeDriver is an in-memory containerdriver.Driver whose Create calls
// all resolve to a single fake sandbox-agent address (an httptest
// server standing in for cmd/sandboxagent), grounded on
// pkg/router/handlers_test.go's preference for hand-rolled fakes over a
// mocking framework.
type fakeDriver struct {
	mu      sync.Mutex
	counter int64
	address string
	created map[string]bool
}

func newFakeDriver(address string) *fakeDriver {
	return &fakeDriver{address: address, created: make(map[string]bool)}
}

func (d *fakeDriver) Create(ctx context.Context, spec containerdriver.CreateSpec) (containerdriver.Container, error) {
	id := fmt.Sprintf("c%d", atomic.AddInt64(&d.counter, 1))
	d.mu.Lock()
	d.created[id] = true
	d.mu.Unlock()
	return containerdriver.Container{ID: id, Name: spec.Name, Address: d.address}, nil
}

func (d *fakeDriver) Stop(ctx context.Context, id string) error { return nil }

func (d *fakeDriver) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.created, id)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) ListManaged(ctx context.Context) ([]containerdriver.Container, error) {
	return nil, nil
}

func (d *fakeDriver) Exec(ctx context.Context, id string, cmd []string) ([]byte, []byte, error) {
	return nil, nil, nil
}

func (d *fakeDriver) stillExists(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[id]
}
