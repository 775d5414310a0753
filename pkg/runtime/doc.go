/*
Package runtime provides the devbench server's only integration with the
container daemon: a narrow, capability-oriented Adapter interface plus a
containerd-backed implementation. Adapter imposes no policy — it is a
translation layer between Go calls and containerd's client API, and
between containerd's errors and the stable errors.Kind taxonomy.

# Hardened defaults

Every container CreateContainer is asked to build gets non-root UID 1000
(unless the caller explicitly asked for root), an empty capability set, a
read-only root filesystem with /workspace as the sole writable bind mount,
no privileged flag, and explicit CPU/memory/PID limits. There is no
unhardened code path.

# Exec streaming

containerd has no single "attach and stream" call the way the Docker API
does; ExecCreate builds an OCI process spec cloned from the container's own
spec, and ExecStart wires the resulting task's stdout/stderr pipes into
per-stream reader goroutines that push chunks onto buffered channels until
the pipe closes. The execution engine pulls from those channels into its
ring buffer.

# Copy in/out

containerd also has no copy-into-container endpoint; CopyIn/CopyOut run
`tar` as an exec with the archive piped over stdin/stdout, the same
approach kubectl cp uses against a CRI runtime.

# Namespacing

All calls are bound to a single containerd namespace (set at construction)
so that a devbench server shares a containerd socket without colliding
with unrelated workloads on the same host.
*/
package runtime
