package shutdown

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
)

// fakeAdapter is a minimal in-memory runtime.Adapter for drain tests. Execs
// block in Wait until cancelled, so the coordinator's grace window and
// straggler cancellation both get exercised.
type fakeAdapter struct {
	mu         sync.Mutex
	containers map[string]*runtime.ContainerStatus
	nextID     int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{containers: make(map[string]*runtime.ContainerStatus)}
}

func (f *fakeAdapter) CreateContainer(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	runtimeID := fmt.Sprintf("rt_%d", f.nextID)
	f.containers[runtimeID] = &runtime.ContainerStatus{RuntimeID: runtimeID, Labels: cfg.Labels, CreatedAt: time.Now()}
	return runtimeID, nil
}

func (f *fakeAdapter) Start(ctx context.Context, runtimeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[runtimeID]; ok {
		c.Running = true
	}
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context, runtimeID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[runtimeID]; ok {
		c.Running = false
	}
	return nil
}

func (f *fakeAdapter) Remove(ctx context.Context, runtimeID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, runtimeID)
	return nil
}

func (f *fakeAdapter) Inspect(ctx context.Context, runtimeID string) (runtime.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[runtimeID]
	if !ok {
		return runtime.ContainerStatus{}, fmt.Errorf("not found")
	}
	return *c, nil
}

func (f *fakeAdapter) ListByLabel(ctx context.Context, key, value string) ([]runtime.ContainerStatus, error) {
	return nil, nil
}

func (f *fakeAdapter) ExecCreate(ctx context.Context, runtimeID string, argv []string, asRoot bool, env []string, cwd string) (*runtime.ExecHandle, error) {
	return &runtime.ExecHandle{ID: "ex_1", ContainerID: runtimeID}, nil
}

func (f *fakeAdapter) ExecStart(ctx context.Context, handle *runtime.ExecHandle) (*runtime.ExecStreams, error) {
	done := make(chan int, 1)
	stdout := make(chan []byte)
	stderr := make(chan []byte)
	close(stdout)
	close(stderr)
	return &runtime.ExecStreams{
		Stdout: stdout,
		Stderr: stderr,
		Wait: func(ctx context.Context) (int, error) {
			select {
			case code := <-done:
				return code, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
		Cancel: func(force bool) error {
			select {
			case done <- 137:
			default:
			}
			return nil
		},
	}, nil
}

func (f *fakeAdapter) CopyIn(ctx context.Context, runtimeID string, dest string, tarStream io.Reader) error {
	return nil
}

func (f *fakeAdapter) CopyOut(ctx context.Context, runtimeID string, path string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeAdapter) StatsSnapshot(ctx context.Context, runtimeID string) (runtime.Stats, error) {
	return runtime.Stats{SampledAt: time.Now()}, nil
}

func (f *fakeAdapter) Close() error { return nil }
