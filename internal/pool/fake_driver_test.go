package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentcube/code-interpreter-gateway/internal/containerdriver"
)

// fakeDriver is an in-memory containerdriver.Driver for pool tests,
// grounded on the preference for hand-rolled fakes over a mocking
// framework shown in pkg/router/handlers_test.go and
// pkg/workloadmanager/handlers_test.go.
type fakeDriver struct {
	mu      sync.Mutex
	counter int64
	created map[string]containerdriver.CreateSpec

	failNext     int32
	managed      []containerdriver.Container
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{created: make(map[string]containerdriver.CreateSpec)}
}

func (d *fakeDriver) Create(ctx context.Context, spec containerdriver.CreateSpec) (containerdriver.Container, error) {
	if atomic.LoadInt32(&d.failNext) > 0 {
		atomic.AddInt32(&d.failNext, -1)
		return containerdriver.Container{}, &containerdriver.CreateError{
			Kind: containerdriver.CreateErrorFatal,
			Err:  fmt.Errorf("fakeDriver: forced failure"),
		}
	}

	id := fmt.Sprintf("c%d", atomic.AddInt64(&d.counter, 1))
	d.mu.Lock()
	d.created[id] = spec
	d.mu.Unlock()
	return containerdriver.Container{ID: id, Name: spec.Name, Address: "127.0.0.1"}, nil
}

func (d *fakeDriver) Stop(ctx context.Context, id string) error { return nil }

func (d *fakeDriver) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.created, id)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) ListManaged(ctx context.Context) ([]containerdriver.Container, error) {
	return d.managed, nil
}

func (d *fakeDriver) Exec(ctx context.Context, id string, cmd []string) ([]byte, []byte, error) {
	return nil, nil, nil
}

func (d *fakeDriver) setFailNext(n int32) { atomic.StoreInt32(&d.failNext, n) }
