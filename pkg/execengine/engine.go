// Package execengine runs commands inside containers asynchronously,
// streaming their output through bounded, cursor-addressable ring buffers
// instead of holding a long-lived connection open for the duration of the
// command. A per-container counting semaphore caps concurrency; idempotency
// keys dedupe retried exec_start calls; cancellation and timeout both route
// through the same adapter-level signal escalation.
package execengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pvliesdonk/mcp-devbench/pkg/containermgr"
	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
	"github.com/pvliesdonk/mcp-devbench/pkg/events"
	"github.com/pvliesdonk/mcp-devbench/pkg/idempotency"
	"github.com/pvliesdonk/mcp-devbench/pkg/log"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// killGrace is how long a signaled process gets to exit on its own before
// the engine escalates to a forced kill, both on timeout and on cancel.
const killGrace = 5 * time.Second

// liveExec is the in-memory handle for a running or recently-finished
// execution; it does not survive a process restart, which is why exec_poll
// against a pre-restart exec_id returns not_found (documented limitation).
type liveExec struct {
	buffer      *ringBuffer
	cancel      func(force bool) error
	containerID string
	finishedAt  *time.Time
	cancelled   atomic.Bool
}

// Engine implements exec_start / exec_cancel / exec_poll.
type Engine struct {
	store      storage.Store
	adapter    runtime.Adapter
	containers *containermgr.Manager
	idem       *idempotency.Manager
	events     *events.Broker

	// draining is set by the shutdown coordinator; executions it cancels
	// get a terminal control frame marked "shutdown" so streaming clients
	// can tell a drain from an ordinary cancel.
	draining atomic.Bool

	concurrencyPerContainer int
	outputBudgetBytes       int64
	defaultTimeout          time.Duration

	mu    sync.Mutex
	sems  map[string]chan struct{}
	execs map[string]*liveExec
}

// Config bundles the knobs execengine needs out of pkg/config without
// importing the whole Config struct, keeping the package testable in
// isolation.
type Config struct {
	ConcurrentExecsPerContainer int
	ExecOutputBudgetBytes       int64
	DefaultExecTimeoutSeconds   int
}

// New constructs an Engine.
func New(store storage.Store, adapter runtime.Adapter, containers *containermgr.Manager, idem *idempotency.Manager, broker *events.Broker, cfg Config) *Engine {
	concurrency := cfg.ConcurrentExecsPerContainer
	if concurrency <= 0 {
		concurrency = 4
	}
	budget := cfg.ExecOutputBudgetBytes
	if budget <= 0 {
		budget = 64 << 20
	}
	timeout := time.Duration(cfg.DefaultExecTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Engine{
		store:                   store,
		adapter:                 adapter,
		containers:              containers,
		idem:                    idem,
		events:                  broker,
		concurrencyPerContainer: concurrency,
		outputBudgetBytes:       budget,
		defaultTimeout:          timeout,
		sems:                    make(map[string]chan struct{}),
		execs:                   make(map[string]*liveExec),
	}
}

// StartRequest is the parameters of a single exec_start call.
type StartRequest struct {
	ContainerID    string
	Argv           []string
	Cwd            string
	Env            []string
	AsRoot         bool
	TimeoutSeconds int64
	IdempotencyKey string
}

// ExecStart validates the target container, acquires a concurrency slot,
// and schedules the command; it returns as soon as the execution is
// persisted, not when it completes.
func (e *Engine) ExecStart(ctx context.Context, req StartRequest) (*types.Execution, error) {
	if req.IdempotencyKey != "" {
		if existingID, ok, err := e.idem.LookupExec(ctx, req.IdempotencyKey); err != nil {
			return nil, err
		} else if ok {
			if existing, err := e.store.GetExec(ctx, existingID); err == nil {
				return existing, nil
			} else if !storage.IsNotFound(err) {
				return nil, err
			}
		}
	}

	container, err := e.containers.Resolve(ctx, req.ContainerID)
	if err != nil {
		return nil, err
	}
	if container.Status != types.ContainerStateRunning {
		return nil, derrors.New(derrors.KindNotFound, "container is not running")
	}

	sem := e.semFor(container.ID)
	select {
	case sem <- struct{}{}:
	default:
		metrics.ExecConcurrencyLimitedTotal.Inc()
		return nil, derrors.New(derrors.KindConcurrencyLimit, "per-container execution concurrency limit reached")
	}
	metrics.ExecConcurrency.WithLabelValues(container.ID).Inc()
	release := func() {
		<-sem
		metrics.ExecConcurrency.WithLabelValues(container.ID).Dec()
	}

	timeout := e.defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	handle, err := e.adapter.ExecCreate(ctx, container.RuntimeID, req.Argv, req.AsRoot, req.Env, req.Cwd)
	if err != nil {
		release()
		return nil, err
	}

	// The runtime exec is started before the row is written: a daemon
	// failure here must leave neither an orphan runtime exec nor a
	// persisted execution row behind. The context is detached because the
	// exec outlives this request; only timeout_seconds (enforced in run)
	// bounds its lifetime.
	streams, err := e.adapter.ExecStart(context.WithoutCancel(ctx), handle)
	if err != nil {
		release()
		return nil, err
	}

	execID := "e_" + uuid.NewString()
	row := &types.Execution{
		ExecID:         execID,
		ContainerID:    container.ID,
		Argv:           req.Argv,
		Cwd:            req.Cwd,
		Env:            req.Env,
		AsRoot:         req.AsRoot,
		TimeoutSeconds: int64(timeout / time.Second),
		StartedAt:      time.Now(),
		Status:         types.ExecStatusRunning,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := e.store.CreateExec(ctx, row); err != nil {
		_ = streams.Cancel(true)
		release()
		return nil, err
	}

	live := &liveExec{
		buffer:      newRingBuffer(e.outputBudgetBytes, execID),
		cancel:      streams.Cancel,
		containerID: container.ID,
	}
	e.mu.Lock()
	e.execs[execID] = live
	e.mu.Unlock()

	if req.IdempotencyKey != "" {
		if err := e.idem.BindExec(ctx, req.IdempotencyKey, execID); err != nil {
			return nil, err
		}
	}

	metrics.ExecsTotal.WithLabelValues(string(types.ExecStatusRunning)).Inc()
	e.publish(&events.Event{Type: events.EventExecStarted, Message: "execution started", Metadata: map[string]string{"exec_id": execID, "container_id": container.ID}})

	go e.run(context.Background(), row, live, streams, timeout, container.RuntimeID, release)

	return row, nil
}

// run pumps stdout/stderr into the ring buffer until the process exits, is
// cancelled, or times out, then persists the terminal state and appends the
// terminal control frame.
func (e *Engine) run(ctx context.Context, row *types.Execution, live *liveExec, streams *runtime.ExecStreams, timeout time.Duration, runtimeID string, release func()) {
	defer release()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pumpStream(live.buffer, types.StreamStdout, streams.Stdout)
	}()
	go func() {
		defer wg.Done()
		pumpStream(live.buffer, types.StreamStderr, streams.Stderr)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, waitErr := streams.Wait(waitCtx)

	timedOut := waitCtx.Err() == context.DeadlineExceeded
	if timedOut {
		exitCode, _ = e.terminate(streams)
	}

	<-done

	now := time.Now()
	row.EndedAt = &now
	row.ExitCode = &exitCode
	row.Usage = &types.Usage{WallMillis: now.Sub(row.StartedAt).Milliseconds(), TimedOut: timedOut}

	switch {
	case timedOut:
		row.Status = types.ExecStatusTimedOut
		row.FailureReason = "timeout"
	case live.cancelled.Load():
		row.Status = types.ExecStatusCancelled
		row.FailureReason = "cancelled"
	case waitErr != nil:
		row.Status = types.ExecStatusFailed
		row.FailureReason = waitErr.Error()
	default:
		row.Status = types.ExecStatusExited
	}

	statsCtx, cancelStats := context.WithTimeout(context.Background(), 5*time.Second)
	if stats, err := e.adapter.StatsSnapshot(statsCtx, runtimeID); err == nil {
		row.Usage.CPUMillis = stats.CPUNanos / 1_000_000
		row.Usage.MemPeakBytes = stats.MemoryBytes
	}
	cancelStats()

	reason := ""
	if live.cancelled.Load() && e.draining.Load() {
		reason = "shutdown"
	}
	live.buffer.appendControl(row.ExitCode, row.Usage, reason)
	fin := time.Now()
	e.mu.Lock()
	live.finishedAt = &fin
	e.mu.Unlock()

	if err := e.store.UpdateExec(context.Background(), row); err != nil {
		logger := log.WithExecID(row.ExecID)
		logger.Error().Err(err).Msg("persist terminal exec state")
	}

	metrics.ExecsTotal.WithLabelValues(string(row.Status)).Inc()
	metrics.ExecDuration.Observe(time.Since(row.StartedAt).Seconds())
	e.publish(&events.Event{Type: events.EventExecTerminal, Message: fmt.Sprintf("execution %s", row.Status), Metadata: map[string]string{"exec_id": row.ExecID, "container_id": row.ContainerID}})
}

// terminate signals the process, gives it killGrace to exit, then forces a
// kill and waits for the exit status unconditionally.
func (e *Engine) terminate(streams *runtime.ExecStreams) (int, error) {
	_ = streams.Cancel(false)

	graceCtx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()
	if code, err := streams.Wait(graceCtx); err == nil {
		return code, nil
	}

	_ = streams.Cancel(true)
	return streams.Wait(context.Background())
}

func pumpStream(buf *ringBuffer, stream types.Stream, ch <-chan []byte) {
	for chunk := range ch {
		buf.append(stream, chunk)
	}
}

// ExecCancel moves the execution to cancelling and signals the underlying
// process, escalating to a forced kill if it is still running after the
// grace window. It is idempotent: a second call against an already-terminal
// or already-cancelling execution is a no-op that returns the current
// status.
func (e *Engine) ExecCancel(ctx context.Context, execID string) (*types.Execution, error) {
	row, err := e.store.GetExec(ctx, execID)
	if err != nil {
		return nil, err
	}
	if isTerminalExec(row.Status) || row.Status == types.ExecStatusCancelling {
		return row, nil
	}

	e.mu.Lock()
	live, ok := e.execs[execID]
	e.mu.Unlock()

	row.Status = types.ExecStatusCancelling
	if err := e.store.UpdateExec(ctx, row); err != nil {
		return nil, err
	}
	if ok {
		live.cancelled.Store(true)
		if live.cancel != nil {
			logger := log.WithExecID(execID)
			if err := live.cancel(false); err != nil {
				logger.Error().Err(err).Msg("signal exec for cancel")
			}
			time.AfterFunc(killGrace, func() {
				e.mu.Lock()
				running := live.finishedAt == nil
				e.mu.Unlock()
				if running {
					if err := live.cancel(true); err != nil {
						logger.Error().Err(err).Msg("force kill exec after cancel grace")
					}
				}
			})
		}
	}
	e.publish(&events.Event{Type: events.EventExecCancelled, Message: "cancellation requested", Metadata: map[string]string{"exec_id": execID}})
	return row, nil
}

// BeginShutdown marks the engine as draining, so executions cancelled
// from here on carry a "shutdown" marker on their terminal control frame.
func (e *Engine) BeginShutdown() {
	e.draining.Store(true)
}

// CancelAllForContainer implements containermgr.ExecCanceller.
func (e *Engine) CancelAllForContainer(ctx context.Context, containerID string) error {
	e.mu.Lock()
	var ids []string
	for id, live := range e.execs {
		if live.containerID == containerID && live.finishedAt == nil {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		if _, err := e.ExecCancel(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// PollResult is the response shape for exec_poll.
type PollResult struct {
	Messages   []types.OutputFrame
	Complete   bool
	GapFromSeq uint64
	HasGap     bool
}

const defaultPollResponseCapBytes = 4 << 20

// ExecPoll returns every frame with seq greater than afterSeq. Ring buffers
// do not survive a process restart; polling an execution whose buffer is
// gone (because it finished past the retention window, or the process
// restarted) returns not_found.
func (e *Engine) ExecPoll(ctx context.Context, execID string, afterSeq uint64) (*PollResult, error) {
	e.mu.Lock()
	live, ok := e.execs[execID]
	e.mu.Unlock()
	if !ok {
		return nil, derrors.New(derrors.KindNotFound, "execution buffer not available")
	}

	r := live.buffer.poll(afterSeq, defaultPollResponseCapBytes)
	return &PollResult{Messages: r.Messages, Complete: r.Complete, GapFromSeq: r.GapFromSeq, HasGap: r.HasGap}, nil
}

// PurgeFinished drops in-memory buffers for executions that finished more
// than grace ago, bounding the engine's memory use.
func (e *Engine) PurgeFinished(grace time.Duration) int {
	cutoff := time.Now().Add(-grace)
	e.mu.Lock()
	defer e.mu.Unlock()

	purged := 0
	for id, live := range e.execs {
		if live.finishedAt != nil && live.finishedAt.Before(cutoff) {
			delete(e.execs, id)
			metrics.RingBufferBytes.DeleteLabelValues(id)
			metrics.RingBufferEvictionsTotal.DeleteLabelValues(id)
			purged++
		}
	}
	return purged
}

func (e *Engine) publish(ev *events.Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(ev)
}

func (e *Engine) semFor(containerID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.sems[containerID]
	if !ok {
		sem = make(chan struct{}, e.concurrencyPerContainer)
		e.sems[containerID] = sem
	}
	return sem
}

func isTerminalExec(s types.ExecStatus) bool {
	switch s {
	case types.ExecStatusExited, types.ExecStatusTimedOut, types.ExecStatusCancelled, types.ExecStatusFailed:
		return true
	default:
		return false
	}
}
