package execengine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
)

// execFakeAdapter is a minimal in-memory runtime.Adapter used to exercise
// the engine's concurrency, cancellation, and polling logic without a real
// containerd daemon. Each ExecStart call's completion is controlled by the
// test through completeLast, so tests can observe an exec mid-flight before
// deciding whether to let it finish.
type execFakeAdapter struct {
	mu         sync.Mutex
	containers map[string]*runtime.ContainerStatus
	nextID     int
	lastDone   chan int

	failExecStart bool
}

func newExecFakeAdapter() *execFakeAdapter {
	return &execFakeAdapter{containers: make(map[string]*runtime.ContainerStatus)}
}

func (f *execFakeAdapter) CreateContainer(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	runtimeID := fmt.Sprintf("rt_%d", f.nextID)
	f.containers[runtimeID] = &runtime.ContainerStatus{RuntimeID: runtimeID, Labels: cfg.Labels, CreatedAt: time.Now()}
	return runtimeID, nil
}

func (f *execFakeAdapter) Start(ctx context.Context, runtimeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[runtimeID]; ok {
		c.Running = true
	}
	return nil
}

func (f *execFakeAdapter) Stop(ctx context.Context, runtimeID string, timeout time.Duration) error {
	return nil
}

func (f *execFakeAdapter) Remove(ctx context.Context, runtimeID string, force bool) error {
	return nil
}

func (f *execFakeAdapter) Inspect(ctx context.Context, runtimeID string) (runtime.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[runtimeID]
	if !ok {
		return runtime.ContainerStatus{}, fmt.Errorf("not found")
	}
	return *c, nil
}

func (f *execFakeAdapter) ListByLabel(ctx context.Context, key, value string) ([]runtime.ContainerStatus, error) {
	return nil, nil
}

func (f *execFakeAdapter) ExecCreate(ctx context.Context, runtimeID string, argv []string, asRoot bool, env []string, cwd string) (*runtime.ExecHandle, error) {
	return &runtime.ExecHandle{ID: fmt.Sprintf("ex_%d", f.nextID), ContainerID: runtimeID}, nil
}

func (f *execFakeAdapter) ExecStart(ctx context.Context, handle *runtime.ExecHandle) (*runtime.ExecStreams, error) {
	f.mu.Lock()
	if f.failExecStart {
		f.mu.Unlock()
		return nil, fmt.Errorf("simulated daemon failure")
	}
	f.mu.Unlock()

	done := make(chan int, 1)
	f.mu.Lock()
	f.lastDone = done
	f.mu.Unlock()

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
			case done <- 0:
			default:
			}
			return nil
		},
	}, nil
}

// completeLast lets the most recently started exec's Wait return with code.
func (f *execFakeAdapter) completeLast(code int) {
	f.mu.Lock()
	ch := f.lastDone
	f.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- code:
	default:
	}
}

func (f *execFakeAdapter) CopyIn(ctx context.Context, runtimeID string, dest string, tarStream io.Reader) error {
	return nil
}

func (f *execFakeAdapter) CopyOut(ctx context.Context, runtimeID string, path string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *execFakeAdapter) StatsSnapshot(ctx context.Context, runtimeID string) (runtime.Stats, error) {
	return runtime.Stats{SampledAt: time.Now()}, nil
}

func (f *execFakeAdapter) Close() error { return nil }
