package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	cgroupstats "github.com/containerd/cgroups/stats/v1"
	typeurl "github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
)

const (
	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultWorkspaceMountPath is where each container's workspace volume
	// is mounted when the configuration does not override it.
	DefaultWorkspaceMountPath = "/workspace"

	nonRootUID = uint32(1000)
	nonRootGID = uint32(1000)
)

// ContainerdAdapter implements Adapter against a containerd daemon. It
// applies hardened OCI defaults (non-root, dropped capabilities, read-only
// rootfs except /workspace, no privileged flag, explicit resource limits)
// whenever CreateContainer is asked to create one, translating daemon
// errors at the boundary into the stable errors.Kind taxonomy.
type ContainerdAdapter struct {
	client    *containerd.Client
	namespace string
	mountPath string
}

// NewContainerdAdapter dials the containerd socket and binds all
// operations to namespace. mountPath is where each container's workspace
// volume is mounted; empty means DefaultWorkspaceMountPath.
func NewContainerdAdapter(socketPath, namespace, mountPath string) (*ContainerdAdapter, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if mountPath == "" {
		mountPath = DefaultWorkspaceMountPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, derrors.Wrap(derrors.KindRuntimeUnavailable, "connect to containerd", err)
	}
	return &ContainerdAdapter{client: client, namespace: namespace, mountPath: mountPath}, nil
}

func (a *ContainerdAdapter) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, a.namespace)
}

func (a *ContainerdAdapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

// CreateContainer pulls cfg.ImageRef if necessary and creates (but does
// not start) a container: non-root UID 1000 unless AsRoot, dropped
// capabilities, read-only rootfs with /workspace as the sole writable bind
// mount, no privileged flag ever, explicit CPU/memory/PID limits, and the
// namespace+id labels that make the container recoverable by ListByLabel
// alone.
func (a *ContainerdAdapter) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	ctx = a.ctx(ctx)

	image, err := a.client.GetImage(ctx, cfg.ImageRef)
	if err != nil {
		image, err = a.client.Pull(ctx, cfg.ImageRef, containerd.WithPullUnpack)
		if err != nil {
			return "", derrors.FromRuntime("pull image "+cfg.ImageRef, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithRootFSReadonly(),
		oci.WithNoNewPrivileges,
	}
	if cfg.AsRoot {
		opts = append(opts, oci.WithUserID(0))
	} else {
		opts = append(opts, oci.WithUIDGID(nonRootUID, nonRootGID))
	}
	opts = append(opts, oci.WithCapabilities(nil))

	if cfg.WorkspaceHostPath != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Source:      cfg.WorkspaceHostPath,
			Destination: a.mountPath,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}))
	}

	if cfg.CPULimit > 0 {
		shares := uint64(cfg.CPULimit * 1024)
		quota := int64(cfg.CPULimit * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if cfg.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(cfg.MemoryBytes)))
	}
	if cfg.PidLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(cfg.PidLimit))
	}

	labels := map[string]string{
		LabelNamespaceKey: LabelNamespace,
		LabelIDKey:        cfg.ID,
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	ctrdContainer, err := a.client.NewContainer(
		ctx,
		cfg.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(cfg.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", derrors.FromRuntime("create container", err)
	}
	return ctrdContainer.ID(), nil
}

func (a *ContainerdAdapter) Start(ctx context.Context, runtimeID string) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, runtimeID)
	if err != nil {
		return derrors.FromRuntime("load container", err)
	}
	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return derrors.FromRuntime("create task", err)
	}
	if err := task.Start(ctx); err != nil {
		return derrors.FromRuntime("start task", err)
	}
	return nil
}

func (a *ContainerdAdapter) Stop(ctx context.Context, runtimeID string, timeout time.Duration) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, runtimeID)
	if err != nil {
		return derrors.FromRuntime("load container", err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil // no task: nothing running to stop
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return derrors.FromRuntime("signal task", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return derrors.FromRuntime("wait on task", err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return derrors.FromRuntime("force kill task", err)
		}
		<-statusC
	}
	if _, err := task.Delete(ctx); err != nil {
		return derrors.FromRuntime("delete task", err)
	}
	return nil
}

func (a *ContainerdAdapter) Remove(ctx context.Context, runtimeID string, force bool) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, runtimeID)
	if err != nil {
		return nil // already gone
	}
	if force {
		_ = a.Stop(ctx, runtimeID, 5*time.Second)
	}
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return derrors.FromRuntime("delete container", err)
	}
	return nil
}

func (a *ContainerdAdapter) Inspect(ctx context.Context, runtimeID string) (ContainerStatus, error) {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, runtimeID)
	if err != nil {
		return ContainerStatus{}, derrors.FromRuntime("load container", err)
	}
	labels, err := c.Labels(ctx)
	if err != nil {
		labels = nil
	}
	status := ContainerStatus{RuntimeID: runtimeID, Labels: labels}
	if info, err := c.Info(ctx); err == nil {
		status.CreatedAt = info.CreatedAt
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return status, nil
	}
	ts, err := task.Status(ctx)
	if err != nil {
		return status, derrors.FromRuntime("task status", err)
	}
	status.Running = ts.Status == containerd.Running
	status.ExitCode = int(ts.ExitStatus)
	return status, nil
}

func (a *ContainerdAdapter) ListByLabel(ctx context.Context, key, value string) ([]ContainerStatus, error) {
	ctx = a.ctx(ctx)
	containers, err := a.client.Containers(ctx, fmt.Sprintf("labels.%q==%q", key, value))
	if err != nil {
		return nil, derrors.FromRuntime("list containers", err)
	}
	out := make([]ContainerStatus, 0, len(containers))
	for _, c := range containers {
		st, err := a.Inspect(ctx, c.ID())
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// ExecCreate builds the OCI process spec for a new exec from the
// container's own spec (so image-default environment and working
// directory carry over) and overrides argv/cwd/env/user per request.
func (a *ContainerdAdapter) ExecCreate(ctx context.Context, runtimeID string, argv []string, asRoot bool, env []string, cwd string) (*ExecHandle, error) {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, runtimeID)
	if err != nil {
		return nil, derrors.FromRuntime("load container", err)
	}
	spec, err := c.Spec(ctx)
	if err != nil {
		return nil, derrors.FromRuntime("load spec", err)
	}

	pspec := *spec.Process
	pspec.Args = argv
	pspec.Env = append(append([]string{}, pspec.Env...), env...)
	if cwd != "" {
		pspec.Cwd = cwd
	}
	if asRoot {
		pspec.User = specs.User{UID: 0, GID: 0}
	} else {
		pspec.User = specs.User{UID: nonRootUID, GID: nonRootGID}
	}
	pspec.Terminal = false

	handle := &ExecHandle{ID: execID(), ContainerID: runtimeID}
	execSpecs.Lock()
	execSpecs.m[handle.ID] = &pspec
	execSpecs.Unlock()
	return handle, nil
}

var execSpecs = struct {
	sync.Mutex
	m map[string]*specs.Process
}{m: map[string]*specs.Process{}}

var execCounter struct {
	sync.Mutex
	n uint64
}

func execID() string {
	execCounter.Lock()
	defer execCounter.Unlock()
	execCounter.n++
	return fmt.Sprintf("devbench-exec-%d", execCounter.n)
}

// ExecStart starts the exec created by ExecCreate, wiring stdout/stderr
// into bounded channels: one reader goroutine per stream, each pushing
// chunks until its pipe is closed.
func (a *ContainerdAdapter) ExecStart(ctx context.Context, handle *ExecHandle) (*ExecStreams, error) {
	return a.execStart(ctx, handle, nil)
}

func (a *ContainerdAdapter) execStart(ctx context.Context, handle *ExecHandle, stdin io.Reader) (*ExecStreams, error) {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, handle.ContainerID)
	if err != nil {
		return nil, derrors.FromRuntime("load container", err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil, derrors.FromRuntime("load task", err)
	}

	execSpecs.Lock()
	pspec := execSpecs.m[handle.ID]
	delete(execSpecs.m, handle.ID)
	execSpecs.Unlock()
	if pspec == nil {
		return nil, derrors.New(derrors.KindInternal, "exec spec not found, was ExecCreate called")
	}

	// The exec outlives the call that started it: exec_start returns once
	// the process is scheduled, and the caller's request context (an RPC
	// deadline, typically) must not tear down the Wait subscription or the
	// process itself. Everything bound to the exec's lifetime runs on a
	// detached context that keeps only the namespace.
	execCtx := context.WithoutCancel(ctx)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	process, err := task.Exec(execCtx, handle.ID, pspec, cio.NewCreator(cio.WithStreams(stdin, stdoutW, stderrW)))
	if err != nil {
		return nil, derrors.FromRuntime("exec create", err)
	}
	if err := process.Start(execCtx); err != nil {
		return nil, derrors.FromRuntime("exec start", err)
	}

	stdoutCh := pump(stdoutR)
	stderrCh := pump(stderrR)

	statusC, err := process.Wait(execCtx)
	if err != nil {
		return nil, derrors.FromRuntime("exec wait", err)
	}

	killed := false
	return &ExecStreams{
		Stdout: stdoutCh,
		Stderr: stderrCh,
		Wait: func(waitCtx context.Context) (int, error) {
			select {
			case st := <-statusC:
				_, _ = process.Delete(execCtx)
				code, _, err := st.Result()
				if err != nil {
					return 0, derrors.Wrap(derrors.KindRuntimeError, "exec wait", err)
				}
				return int(code), nil
			case <-waitCtx.Done():
				return 0, waitCtx.Err()
			}
		},
		Cancel: func(force bool) error {
			sig := syscall.SIGTERM
			if force || killed {
				sig = syscall.SIGKILL
			}
			killed = true
			return process.Kill(execCtx, sig)
		},
	}, nil
}

// pump reads r in chunks until EOF and forwards them on the returned
// channel, closing it when the pipe closes.
func pump(r *io.PipeReader) <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out <- chunk
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// CopyIn streams a tar archive into the container by piping it over stdin
// to `tar -x` run as an exec, since containerd (unlike the Docker API) has
// no native copy-into-container endpoint.
func (a *ContainerdAdapter) CopyIn(ctx context.Context, runtimeID string, dest string, tarStream io.Reader) error {
	handle, err := a.ExecCreate(ctx, runtimeID, []string{"tar", "-xf", "-", "-C", dest}, true, nil, a.mountPath)
	if err != nil {
		return err
	}
	streams, err := a.execStart(ctx, handle, tarStream)
	if err != nil {
		return err
	}
	return drainTarExec(ctx, streams, io.Discard)
}

// CopyOut streams a tar archive of path out of the container via `tar -c`,
// never materializing the whole archive in memory: the returned reader is
// fed by the exec's stdout as it arrives.
func (a *ContainerdAdapter) CopyOut(ctx context.Context, runtimeID string, path string) (io.ReadCloser, error) {
	handle, err := a.ExecCreate(ctx, runtimeID, []string{"tar", "-cf", "-", "-C", path, "."}, true, nil, a.mountPath)
	if err != nil {
		return nil, err
	}
	streams, err := a.ExecStart(ctx, handle)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(drainTarExec(ctx, streams, pw))
	}()
	return pr, nil
}

// drainTarExec copies the exec's stdout into w, discards its stderr, and
// turns a non-zero exit into a runtime_error.
func drainTarExec(ctx context.Context, streams *ExecStreams, w io.Writer) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range streams.Stdout {
			_, _ = w.Write(chunk)
		}
	}()
	for range streams.Stderr {
		// tar stderr is informational only; drained so the exec can exit.
	}
	<-done
	code, err := streams.Wait(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return derrors.New(derrors.KindRuntimeError, fmt.Sprintf("tar exited %d", code))
	}
	return nil
}

// StatsSnapshot decodes the task's cgroup metrics. Usage reporting is
// best-effort: an undecodable metrics blob yields a zero-valued Stats
// rather than an error, since no lifecycle decision depends on it.
func (a *ContainerdAdapter) StatsSnapshot(ctx context.Context, runtimeID string) (Stats, error) {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, runtimeID)
	if err != nil {
		return Stats{}, derrors.FromRuntime("load container", err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return Stats{}, nil
	}
	metric, err := task.Metrics(ctx)
	if err != nil {
		return Stats{SampledAt: time.Now()}, nil
	}
	out := Stats{SampledAt: time.Now()}
	v, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return out, nil
	}
	if m, ok := v.(*cgroupstats.Metrics); ok {
		if m.CPU != nil && m.CPU.Usage != nil {
			out.CPUNanos = int64(m.CPU.Usage.Total)
		}
		if m.Memory != nil && m.Memory.Usage != nil {
			out.MemoryBytes = int64(m.Memory.Usage.Usage)
		}
	}
	return out, nil
}
