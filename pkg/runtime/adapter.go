package runtime

import (
	"context"
	"io"
	"time"
)

// LabelNamespace marks every container this server creates so that
// ListByLabel alone is sufficient to recover ownership across restarts.
const LabelNamespace = "devbench"

// Label keys applied to every created container.
const (
	LabelNamespaceKey = "devbench.namespace"
	LabelIDKey        = "devbench.id"
	LabelWarmKey      = "devbench.warm"
)

// ContainerConfig is the runtime-facing, policy-resolved description of a
// container to create. The container manager is responsible for turning a
// spawn request into one of these; the adapter applies no policy of its
// own beyond translating fields into OCI spec options.
type ContainerConfig struct {
	ID                string
	ImageRef          string
	AsRoot            bool
	CPULimit          float64 // cores
	MemoryBytes       int64
	PidLimit          int64
	Labels            map[string]string
	WorkspaceHostPath string // host directory bind-mounted at /workspace
}

// ContainerStatus is the adapter's view of a single runtime-native
// container's state, independent of what the state store believes.
type ContainerStatus struct {
	RuntimeID string
	Running   bool
	ExitCode  int
	Labels    map[string]string
	CreatedAt time.Time
}

// Stats is a best-effort, point-in-time resource usage snapshot.
type Stats struct {
	CPUNanos    int64
	MemoryBytes int64
	SampledAt   time.Time
}

// ExecHandle identifies a created-but-not-yet-started (or already started)
// runtime exec.
type ExecHandle struct {
	ID          string
	ContainerID string
}

// ExecStreams carries the channels and control functions returned by
// ExecStart: one bounded channel per output stream, a Wait that blocks for
// the exit code, and a Cancel that signals the process.
type ExecStreams struct {
	Stdout <-chan []byte
	Stderr <-chan []byte
	// Wait blocks until the process exits and returns its exit code.
	Wait func(ctx context.Context) (int, error)
	// Cancel sends SIGTERM (first call) or SIGKILL (subsequent calls) to
	// the running process.
	Cancel func(force bool) error
}

// Adapter is the narrow, capability-oriented surface over the container
// daemon. It imposes no policy: callers decide image
// resolution, resource defaults, and security hardening and hand the
// adapter a fully-resolved ContainerConfig.
type Adapter interface {
	CreateContainer(ctx context.Context, cfg ContainerConfig) (runtimeID string, err error)
	Start(ctx context.Context, runtimeID string) error
	Stop(ctx context.Context, runtimeID string, timeout time.Duration) error
	Remove(ctx context.Context, runtimeID string, force bool) error
	Inspect(ctx context.Context, runtimeID string) (ContainerStatus, error)
	ListByLabel(ctx context.Context, key, value string) ([]ContainerStatus, error)

	ExecCreate(ctx context.Context, runtimeID string, argv []string, asRoot bool, env []string, cwd string) (*ExecHandle, error)
	ExecStart(ctx context.Context, handle *ExecHandle) (*ExecStreams, error)

	CopyIn(ctx context.Context, runtimeID string, dest string, tarStream io.Reader) error
	CopyOut(ctx context.Context, runtimeID string, path string) (io.ReadCloser, error)

	StatsSnapshot(ctx context.Context, runtimeID string) (Stats, error)

	Close() error
}
