package types

import "time"

// ContainerState is the lifecycle state of a managed container.
type ContainerState string

const (
	ContainerStateCreating ContainerState = "creating"
	ContainerStateRunning  ContainerState = "running"
	ContainerStateStopping ContainerState = "stopping"
	ContainerStateStopped  ContainerState = "stopped"
	ContainerStateError    ContainerState = "error"
)

// Container is a single containerd-backed workspace container, either
// transient (cleaned up at shutdown) or persistent (preserved across
// restarts until explicitly killed).
type Container struct {
	ID              string
	RuntimeID       string
	Alias           string
	ImageRef        string
	Persistent      bool
	Warm            bool
	CreatedAt       time.Time
	LastSeenAt      time.Time
	TTLSeconds      int64
	WorkspaceVolume string
	Status          ContainerState
	Error           string
}

// Attachment records a client session bound to a container. A container may
// have zero or more open attachments; detaching does not affect the
// container's lifecycle.
type Attachment struct {
	ContainerID string
	ClientName  string
	SessionID   string
	AttachedAt  time.Time
	DetachedAt  *time.Time
}

// ExecStatus is the lifecycle state of a single execution.
type ExecStatus string

const (
	ExecStatusQueued     ExecStatus = "queued"
	ExecStatusRunning    ExecStatus = "running"
	ExecStatusCancelling ExecStatus = "cancelling"
	ExecStatusExited     ExecStatus = "exited"
	ExecStatusTimedOut   ExecStatus = "timed_out"
	ExecStatusCancelled  ExecStatus = "cancelled"
	ExecStatusFailed     ExecStatus = "failed"
)

// Usage is the resource accounting snapshotted atomically with an
// execution's terminal state.
type Usage struct {
	CPUMillis    int64
	MemPeakBytes int64
	WallMillis   int64
	TimedOut     bool
}

// Execution is a single command run inside a container's exec namespace.
// Env is marshaled to the state store like every other field, but is
// deliberately excluded from logging and audit metadata, since it may
// carry secrets.
type Execution struct {
	ExecID         string
	ContainerID    string
	Argv           []string
	Cwd            string
	Env            []string
	AsRoot         bool
	TimeoutSeconds int64
	StartedAt      time.Time
	EndedAt        *time.Time
	ExitCode       *int
	Usage          *Usage
	Status         ExecStatus
	FailureReason  string
	IdempotencyKey string
}

// IdempotencyRecord maps a caller-supplied idempotency key to the exec_id
// or container_id it produced (exactly one is set, depending on whether
// the key was presented to exec_start or spawn), so a retry within the TTL
// returns the original result instead of starting a second one. Records
// are purged 24 hours after creation.
type IdempotencyRecord struct {
	Key         string
	ExecID      string
	ContainerID string
	CreatedAt   time.Time
}

// Stream identifies which channel an output frame belongs to.
type Stream string

const (
	StreamStdout  Stream = "stdout"
	StreamStderr  Stream = "stderr"
	StreamControl Stream = "control"
)

// OutputFrame is a single chunk of execution output as delivered by
// exec_poll. The terminal frame for an execution carries Stream=control
// together with ExitCode and Usage populated; Reason is set on control
// frames that need to say why the execution ended beyond its status, e.g.
// "shutdown" when the server drain cancelled it.
type OutputFrame struct {
	Seq       uint64
	Stream    Stream
	Payload   []byte
	Timestamp time.Time
	ExitCode  *int
	Usage     *Usage
	Reason    string
}

// IsTerminal reports whether the frame is the final frame of an execution.
func (f OutputFrame) IsTerminal() bool {
	return f.Stream == StreamControl && f.ExitCode != nil
}
