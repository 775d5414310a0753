package api

import (
	"context"
	"io"

	"github.com/pvliesdonk/mcp-devbench/pkg/containermgr"
	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
	"github.com/pvliesdonk/mcp-devbench/pkg/execengine"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/reconciler"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
	"github.com/pvliesdonk/mcp-devbench/pkg/workspace"
)

// drainChecker reports whether the process is shutting down. Satisfied by
// *shutdown.Coordinator; kept as a narrow interface to avoid api importing
// shutdown just for one bool.
type drainChecker interface {
	Draining() bool
}

// Server dispatches the tool-RPC surface onto the container manager,
// execution engine, workspace gateway, and reconciler. It carries no state
// of its own beyond a reference to the shutdown coordinator it consults
// before admitting new work.
type Server struct {
	containers *containermgr.Manager
	execs      *execengine.Engine
	workspace  *workspace.Gateway
	reconciler *reconciler.Reconciler
	drain      drainChecker
}

// NewServer constructs a Server wired to a fully-assembled control plane.
// All four collaborators must already be constructed and, for containers
// and execs, cross-wired (containers.SetExecCanceller(execs)).
func NewServer(containers *containermgr.Manager, execs *execengine.Engine, ws *workspace.Gateway, rec *reconciler.Reconciler) *Server {
	return &Server{containers: containers, execs: execs, workspace: ws, reconciler: rec}
}

// SetDrainChecker wires the shutdown coordinator in once it exists, so that
// spawn/attach/exec_start can be rejected once a drain has begun. Must be
// called before the server starts accepting requests.
func (s *Server) SetDrainChecker(d drainChecker) {
	s.drain = d
}

func (s *Server) rejectIfDraining() error {
	if s.drain != nil && s.drain.Draining() {
		return derrors.New(derrors.KindRuntimeUnavailable, "server is shutting down, not accepting new work")
	}
	return nil
}

func instrument(method string) func(err *error) {
	timer := metrics.NewTimer()
	return func(err *error) {
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		status := "success"
		if *err != nil {
			status = "error"
		}
		metrics.APIRequestsTotal.WithLabelValues(method, status).Inc()
	}
}

// SpawnArgs is the input of the spawn tool.
type SpawnArgs struct {
	Image          string
	Persistent     bool
	Alias          string
	TTLSeconds     int64
	IdempotencyKey string
	AsRoot         bool
}

// SpawnResult is the output of the spawn tool.
type SpawnResult struct {
	ContainerID string
	Alias       string
	Status      types.ContainerState
}

// Spawn implements the `spawn` tool.
func (s *Server) Spawn(ctx context.Context, args SpawnArgs) (result *SpawnResult, err error) {
	defer instrument("spawn")(&err)

	if err = s.rejectIfDraining(); err != nil {
		return nil, err
	}

	c, err := s.containers.Spawn(ctx, containermgr.SpawnRequest{
		ImageRef:       args.Image,
		Persistent:     args.Persistent,
		Alias:          args.Alias,
		TTLSeconds:     args.TTLSeconds,
		IdempotencyKey: args.IdempotencyKey,
		AsRoot:         args.AsRoot,
	})
	if err != nil {
		return nil, err
	}
	return &SpawnResult{ContainerID: c.ID, Alias: c.Alias, Status: c.Status}, nil
}

// AttachResult is the output of the attach tool.
type AttachResult struct {
	ContainerID string
	Alias       string
	Roots       []string
}

// Attach implements the `attach` tool.
func (s *Server) Attach(ctx context.Context, target, clientName, sessionID string) (result *AttachResult, err error) {
	defer instrument("attach")(&err)

	if err = s.rejectIfDraining(); err != nil {
		return nil, err
	}

	c, err := s.containers.Attach(ctx, target, clientName, sessionID)
	if err != nil {
		return nil, err
	}
	return &AttachResult{
		ContainerID: c.ID,
		Alias:       c.Alias,
		Roots:       []string{"workspace:" + c.ID},
	}, nil
}

// StatusResult is the output of tools that just report a terminal status.
type StatusResult struct {
	Status string
}

// Kill implements the `kill` tool. Idempotent: killing an already-stopped
// or unknown container returns {status: stopped} with no error.
func (s *Server) Kill(ctx context.Context, containerID string, force bool) (result *StatusResult, err error) {
	defer instrument("kill")(&err)

	if err = s.containers.Kill(ctx, containerID, force); err != nil {
		return nil, err
	}
	return &StatusResult{Status: string(types.ContainerStateStopped)}, nil
}

// ExecStartArgs is the input of the exec_start tool.
type ExecStartArgs struct {
	ContainerID    string
	Cmd            []string
	Cwd            string
	Env            []string
	AsRoot         bool
	TimeoutSeconds int64
	IdempotencyKey string
}

// ExecStartResult is the output of the exec_start tool.
type ExecStartResult struct {
	ExecID string
	Status types.ExecStatus
}

// ExecStart implements the `exec_start` tool. It returns once the
// execution is persisted and scheduled, not once it completes.
func (s *Server) ExecStart(ctx context.Context, args ExecStartArgs) (result *ExecStartResult, err error) {
	defer instrument("exec_start")(&err)

	if err = s.rejectIfDraining(); err != nil {
		return nil, err
	}

	e, err := s.execs.ExecStart(ctx, execengine.StartRequest{
		ContainerID:    args.ContainerID,
		Argv:           args.Cmd,
		Cwd:            args.Cwd,
		Env:            args.Env,
		AsRoot:         args.AsRoot,
		TimeoutSeconds: args.TimeoutSeconds,
		IdempotencyKey: args.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return &ExecStartResult{ExecID: e.ExecID, Status: e.Status}, nil
}

// ExecCancelResult is the output of the exec_cancel tool.
type ExecCancelResult struct {
	ExecID string
	Status types.ExecStatus
}

// ExecCancel implements the `exec_cancel` tool. Idempotent: a second call
// against an already-terminal execution is a no-op.
func (s *Server) ExecCancel(ctx context.Context, execID string) (result *ExecCancelResult, err error) {
	defer instrument("exec_cancel")(&err)

	e, err := s.execs.ExecCancel(ctx, execID)
	if err != nil {
		return nil, err
	}
	return &ExecCancelResult{ExecID: e.ExecID, Status: e.Status}, nil
}

// OutputMessage is one entry of an exec_poll response's messages list.
type OutputMessage struct {
	Seq      uint64
	Stream   types.Stream
	Data     []byte
	Ts       int64
	ExitCode *int
	Usage    *types.Usage
	Reason   string
}

// ExecPollResult is the output of the exec_poll tool.
type ExecPollResult struct {
	Messages   []OutputMessage
	Complete   bool
	GapFromSeq uint64
	HasGap     bool
}

// ExecPoll implements the `exec_poll` tool: all frames with seq strictly
// greater than afterSeq, a completion flag, and a gap marker when frames
// were evicted before the requester caught up.
func (s *Server) ExecPoll(ctx context.Context, execID string, afterSeq uint64) (result *ExecPollResult, err error) {
	defer instrument("exec_poll")(&err)

	r, err := s.execs.ExecPoll(ctx, execID, afterSeq)
	if err != nil {
		return nil, err
	}
	out := &ExecPollResult{Complete: r.Complete, GapFromSeq: r.GapFromSeq, HasGap: r.HasGap}
	for _, f := range r.Messages {
		out.Messages = append(out.Messages, OutputMessage{
			Seq:      f.Seq,
			Stream:   f.Stream,
			Data:     f.Payload,
			Ts:       f.Timestamp.UnixMilli(),
			ExitCode: f.ExitCode,
			Usage:    f.Usage,
			Reason:   f.Reason,
		})
	}
	return out, nil
}

// FsReadResult is the output of the fs_read tool.
type FsReadResult struct {
	Content  []byte
	Size     int64
	ETag     string
	MTime    int64
	MimeType string
}

// FsRead implements the `fs_read` tool.
func (s *Server) FsRead(ctx context.Context, containerID, path string) (result *FsReadResult, err error) {
	defer instrument("fs_read")(&err)

	r, err := s.workspace.Read(ctx, containerID, path)
	if err != nil {
		return nil, err
	}
	return &FsReadResult{Content: r.Content, Size: r.Size, ETag: r.ETag, MTime: r.MTime.UnixMilli(), MimeType: r.MimeType}, nil
}

// FsWriteResult is the output of the fs_write tool.
type FsWriteResult struct {
	ETag string
	Size int64
}

// FsWrite implements the `fs_write` tool. if_match_etag is mandatory for
// conflict detection when the caller is updating an existing file; an
// empty value always succeeds (creating or overwriting unconditionally).
func (s *Server) FsWrite(ctx context.Context, containerID, path string, content []byte, ifMatchETag string) (result *FsWriteResult, err error) {
	defer instrument("fs_write")(&err)

	r, err := s.workspace.Write(ctx, containerID, path, content, ifMatchETag)
	if err != nil {
		return nil, err
	}
	return &FsWriteResult{ETag: r.ETag, Size: r.Size}, nil
}

// FsDelete implements the `fs_delete` tool. Directory deletion requires
// recursive=true.
func (s *Server) FsDelete(ctx context.Context, containerID, path string, recursive bool) (result *StatusResult, err error) {
	defer instrument("fs_delete")(&err)

	if !recursive {
		if st, statErr := s.workspace.Stat(ctx, containerID, path); statErr == nil && st.IsDir {
			return nil, derrors.New(derrors.KindPathViolation, "directory deletion requires recursive=true")
		}
	}
	if err = s.workspace.Delete(ctx, containerID, path); err != nil {
		return nil, err
	}
	return &StatusResult{Status: "deleted"}, nil
}

// FsStatResult is the output of the fs_stat tool and each entry of fs_list.
type FsStatResult struct {
	Path  string
	Size  int64
	ETag  string
	MTime int64
	IsDir bool
}

// FsStat implements the `fs_stat` tool.
func (s *Server) FsStat(ctx context.Context, containerID, path string) (result *FsStatResult, err error) {
	defer instrument("fs_stat")(&err)

	st, err := s.workspace.Stat(ctx, containerID, path)
	if err != nil {
		return nil, err
	}
	return &FsStatResult{Path: st.Path, Size: st.Size, ETag: st.ETag, MTime: st.MTime.UnixMilli(), IsDir: st.IsDir}, nil
}

// FsList implements the `fs_list` tool.
func (s *Server) FsList(ctx context.Context, containerID, path string) (result []FsStatResult, err error) {
	defer instrument("fs_list")(&err)

	entries, err := s.workspace.List(ctx, containerID, path)
	if err != nil {
		return nil, err
	}
	out := make([]FsStatResult, 0, len(entries))
	for _, e := range entries {
		out = append(out, FsStatResult{Path: e.Path, Size: e.Size, ETag: e.ETag, MTime: e.MTime.UnixMilli(), IsDir: e.IsDir})
	}
	return out, nil
}

// FsBatchResult is the output of the fs_batch tool.
type FsBatchResult struct {
	Applied int
}

// FsBatch implements the `fs_batch` tool: grouped writes/deletes whose
// ETags are all validated before any entry mutates the workspace.
func (s *Server) FsBatch(ctx context.Context, containerID string, ops []workspace.BatchOp) (result *FsBatchResult, err error) {
	defer instrument("fs_batch")(&err)

	if err = s.rejectIfDraining(); err != nil {
		return nil, err
	}
	r, err := s.workspace.Batch(ctx, containerID, ops)
	if err != nil {
		return nil, err
	}
	return &FsBatchResult{Applied: r.Applied}, nil
}

// FsExport implements the `fs_export` tool: a tar archive of path,
// filtered server-side by the include/exclude globs, streamed back in
// chunks by the transport.
func (s *Server) FsExport(ctx context.Context, containerID, path string, includeGlobs, excludeGlobs []string) (result io.ReadCloser, err error) {
	defer instrument("fs_export")(&err)

	return s.workspace.TarExport(ctx, containerID, path, includeGlobs, excludeGlobs)
}

// FsImportResult is the output of the fs_import tool.
type FsImportResult struct {
	FilesWritten int
	BytesWritten int64
}

// FsImport implements the `fs_import` tool: stream is unpacked under dest
// all-or-nothing; a failed entry rolls the whole batch back.
func (s *Server) FsImport(ctx context.Context, containerID, dest string, stream io.Reader) (result *FsImportResult, err error) {
	defer instrument("fs_import")(&err)

	if err = s.rejectIfDraining(); err != nil {
		return nil, err
	}
	summary, err := s.workspace.TarImport(ctx, containerID, dest, stream)
	if err != nil {
		return nil, err
	}
	return &FsImportResult{FilesWritten: summary.FilesWritten, BytesWritten: summary.BytesWritten}, nil
}

// Reconcile implements the admin `reconcile` tool: an on-demand run of the
// runtime/store drift pass outside the periodic ticker.
func (s *Server) Reconcile(ctx context.Context) (result *StatusResult, err error) {
	defer instrument("reconcile")(&err)

	if err = s.reconciler.Reconcile(ctx); err != nil {
		return nil, err
	}
	return &StatusResult{Status: "reconciled"}, nil
}

// GC implements the admin `gc` tool: an on-demand maintenance cycle
// (transient container GC, execution retention, idempotency key expiry).
func (s *Server) GC(ctx context.Context) (result *StatusResult, err error) {
	defer instrument("gc")(&err)

	if err = s.reconciler.GC(ctx); err != nil {
		return nil, err
	}
	return &StatusResult{Status: "gc_complete"}, nil
}

// ListContainers implements the admin `list_containers` tool.
func (s *Server) ListContainers(ctx context.Context) (result []*types.Container, err error) {
	defer instrument("list_containers")(&err)

	return s.containers.Store().ListContainers(ctx)
}

// ListExecs implements the admin `list_execs` tool. An empty containerID
// lists executions across every container.
func (s *Server) ListExecs(ctx context.Context, containerID string) (result []*types.Execution, err error) {
	defer instrument("list_execs")(&err)

	return s.containers.Store().ListExecs(ctx, containerID)
}

// StatusSummary is the output of the admin `status` tool.
type StatusSummary struct {
	ContainersByStatus map[types.ContainerState]int
	ExecsByStatus      map[types.ExecStatus]int
	WarmPoolSize       int
}

// Status implements the admin `status` tool: a point-in-time count of
// containers and executions by status, for diagnostics.
func (s *Server) Status(ctx context.Context) (result *StatusSummary, err error) {
	defer instrument("status")(&err)

	containers, err := s.containers.Store().ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	execs, err := s.containers.Store().ListExecs(ctx, "")
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{
		ContainersByStatus: make(map[types.ContainerState]int),
		ExecsByStatus:      make(map[types.ExecStatus]int),
	}
	for _, c := range containers {
		summary.ContainersByStatus[c.Status]++
		if c.Warm && c.Status == types.ContainerStateRunning {
			summary.WarmPoolSize++
		}
	}
	for _, e := range execs {
		summary.ExecsByStatus[e.Status]++
	}
	return summary, nil
}
