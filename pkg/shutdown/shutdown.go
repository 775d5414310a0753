// Package shutdown implements the drain coordinator: an ordered teardown
// that stops accepting new work first, gives work already in flight a
// bounded grace window, and only then cancels stragglers and releases the
// runtime and the store.
package shutdown

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/containermgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/events"
	"github.com/pvliesdonk/mcp-devbench/pkg/execengine"
	"github.com/pvliesdonk/mcp-devbench/pkg/log"
	"github.com/pvliesdonk/mcp-devbench/pkg/reconciler"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
	"github.com/rs/zerolog"
)

// pollInterval is how often Drain checks whether in-flight executions have
// finished on their own during the grace window.
const pollInterval = 250 * time.Millisecond

// settleGrace is how long Drain waits, after force-cancelling stragglers,
// for their terminal rows to be committed before the store is closed.
const settleGrace = 10 * time.Second

// Coordinator runs the ordered shutdown sequence: stop accepting new
// spawn/attach/exec_start calls, wait for in-flight executions to finish up
// to a grace period, cancel whatever is still running, stop and remove
// transient containers while leaving persistent ones running, flush the
// store, and release the runtime adapter.
type Coordinator struct {
	containers *containermgr.Manager
	execs      *execengine.Engine
	reconciler *reconciler.Reconciler
	broker     *events.Broker
	store      storage.Store
	drainGrace time.Duration

	draining atomic.Bool
	logger   zerolog.Logger
}

// New constructs a Coordinator. drainGrace is the server's
// drain_grace_seconds configuration value.
func New(containers *containermgr.Manager, execs *execengine.Engine, rec *reconciler.Reconciler, broker *events.Broker, store storage.Store, drainGrace time.Duration) *Coordinator {
	return &Coordinator{
		containers: containers,
		execs:      execs,
		reconciler: rec,
		broker:     broker,
		store:      store,
		drainGrace: drainGrace,
		logger:     log.WithComponent("shutdown"),
	}
}

// Draining reports whether the coordinator has begun shutting down. The
// tool-RPC server consults this before accepting spawn/attach/exec_start
// calls and rejects them with runtime_unavailable once true.
func (c *Coordinator) Draining() bool {
	return c.draining.Load()
}

// Drain runs the full teardown sequence and returns once it is complete.
// Cancelling ctx ends the grace wait and the post-cancellation settle wait
// early; the remaining steps still run.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.draining.Store(true)
	c.execs.BeginShutdown()
	c.logger.Info().Dur("grace", c.drainGrace).Msg("shutdown: no longer accepting new work")

	c.reconciler.Stop()

	c.waitForInFlightExecs(ctx, c.drainGrace)
	c.cancelStragglers(ctx)
	c.waitForInFlightExecs(ctx, settleGrace)

	if err := c.stopTransientContainers(ctx); err != nil {
		c.logger.Error().Err(err).Msg("shutdown: error stopping transient containers")
	}

	if c.broker != nil {
		c.broker.Stop()
	}

	if err := c.containers.Adapter().Close(); err != nil {
		c.logger.Error().Err(err).Msg("shutdown: error closing runtime adapter")
	}

	if err := c.store.Close(); err != nil {
		c.logger.Error().Err(err).Msg("shutdown: error flushing store")
		return err
	}

	c.logger.Info().Msg("shutdown complete")
	return nil
}

// waitForInFlightExecs polls the store for running executions until none
// remain or the window elapses, whichever comes first.
func (c *Coordinator) waitForInFlightExecs(ctx context.Context, window time.Duration) {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		count, err := c.runningExecCount(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("shutdown: count running execs failed")
			return
		}
		if count == 0 {
			return
		}
		if time.Now().After(deadline) {
			c.logger.Warn().Int("still_running", count).Msg("shutdown: drain grace elapsed with executions still running")
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) runningExecCount(ctx context.Context) (int, error) {
	all, err := c.store.ListExecs(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range all {
		if e.Status == types.ExecStatusRunning || e.Status == types.ExecStatusCancelling {
			n++
		}
	}
	return n, nil
}

// cancelStragglers force-cancels every execution still running after the
// grace period, one container at a time so a single stuck container cannot
// block the rest. Because BeginShutdown already ran, each straggler's
// terminal control frame carries the "shutdown" marker.
func (c *Coordinator) cancelStragglers(ctx context.Context) {
	containers, err := c.store.ListContainers(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("shutdown: list containers for cancellation failed")
		return
	}
	for _, container := range containers {
		if err := c.execs.CancelAllForContainer(ctx, container.ID); err != nil {
			c.logger.Error().Err(err).Str("container_id", container.ID).Msg("shutdown: cancel stragglers failed")
		}
	}
}

// stopTransientContainers kills every non-persistent container that is not
// already stopped or in error.
// Persistent containers are left running so they survive a server restart;
// warm containers are pre-provisioned spares with no client attachment and
// are reclaimed the same as any other transient container.
func (c *Coordinator) stopTransientContainers(ctx context.Context) error {
	containers, err := c.store.ListContainers(ctx)
	if err != nil {
		return err
	}
	for _, container := range containers {
		if container.Persistent {
			continue
		}
		if container.Status == types.ContainerStateStopped || container.Status == types.ContainerStateError {
			continue
		}
		if err := c.containers.Kill(ctx, container.ID, false); err != nil {
			c.logger.Error().Err(err).Str("container_id", container.ID).Msg("shutdown: kill transient container failed")
		}
	}
	return nil
}
