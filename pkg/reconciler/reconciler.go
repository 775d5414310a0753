package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/containermgr"
	"github.com/pvliesdonk/mcp-devbench/pkg/events"
	"github.com/pvliesdonk/mcp-devbench/pkg/execengine"
	"github.com/pvliesdonk/mcp-devbench/pkg/health"
	"github.com/pvliesdonk/mcp-devbench/pkg/idempotency"
	"github.com/pvliesdonk/mcp-devbench/pkg/log"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
	"github.com/rs/zerolog"
)

// warmPoolCheckInterval is how often the warm pool is topped up and its
// members health-checked, independent of the main reconciliation interval.
const warmPoolCheckInterval = 60 * time.Second

// warmHealthCommand is the no-op probe run inside a warm container to
// decide whether it is still usable; a warm container has no application
// port to probe, so the probe is simply "can we still exec in it."
var warmHealthCommand = []string{"true"}

// Reconciler keeps the runtime daemon and the state store in agreement and
// owns the warm pool. BootReconcile must complete before the server
// accepts requests; Start then drives periodic maintenance on a ticker.
type Reconciler struct {
	containers *containermgr.Manager
	execs      *execengine.Engine
	idem       *idempotency.Manager
	events     *events.Broker

	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}

	// warmHealth tracks consecutive check results per warm container, so a
	// single flaky exec does not get a perfectly good container replaced.
	// Touched only from the warm-pool ticker goroutine.
	warmHealth map[string]*health.Status
	healthCfg  health.Config
}

// New constructs a Reconciler. interval governs the periodic maintenance
// loop; the warm pool is checked on its own fixed cadence regardless.
func New(containers *containermgr.Manager, execs *execengine.Engine, idem *idempotency.Manager, broker *events.Broker, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		containers: containers,
		execs:      execs,
		idem:       idem,
		events:     broker,
		interval:   interval,
		logger:     log.WithComponent("reconciler"),
		stopCh:     make(chan struct{}),
		warmHealth: make(map[string]*health.Status),
		healthCfg:  health.DefaultConfig(),
	}
}

// BootReconcile runs once, synchronously, before the server accepts
// requests: it reconciles the runtime daemon's view of containers against
// the state store and fails any execution the store still shows as
// running, since no execution could have survived a process restart.
func (r *Reconciler) BootReconcile(ctx context.Context) error {
	r.logger.Info().Msg("boot reconciliation starting")

	if err := r.reconcileContainers(ctx); err != nil {
		return fmt.Errorf("boot reconcile containers: %w", err)
	}

	failed, err := r.containers.Store().MarkRunningExecsFailed(ctx, "server_restart")
	if err != nil {
		return fmt.Errorf("mark running execs failed: %w", err)
	}
	if failed > 0 {
		r.logger.Warn().Int("count", failed).Msg("marked in-flight executions failed after restart")
	}

	// The server process that held every open client session is gone, so
	// each attachment row from the previous run is closed out as detached.
	if err := r.containers.Store().DetachAll(ctx, time.Now()); err != nil {
		return fmt.Errorf("detach all attachments: %w", err)
	}

	r.logger.Info().Msg("boot reconciliation complete")
	return nil
}

// Start begins the periodic maintenance and warm-pool loops. BootReconcile
// must have already been called.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the reconciliation loops.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	warmTicker := time.NewTicker(warmPoolCheckInterval)
	defer warmTicker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.maintain(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("maintenance cycle failed")
			}
		case <-warmTicker.C:
			if r.containers.Config().WarmPoolEnabled {
				if err := r.maintainWarmPool(context.Background()); err != nil {
					r.logger.Error().Err(err).Msg("warm pool maintenance failed")
				}
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// Reconcile runs the runtime/store drift pass on demand, outside the
// periodic ticker, for the admin `reconcile` tool.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileContainers(ctx)
}

// GC runs one maintenance cycle (transient container GC, execution
// retention, idempotency key expiry) on demand, for the admin `gc` tool.
func (r *Reconciler) GC(ctx context.Context) error {
	return r.maintain(ctx)
}

// maintain runs one periodic maintenance cycle: transient container GC,
// execution retention, and idempotency key expiry.
func (r *Reconciler) maintain(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.gcTransientContainers(ctx); err != nil {
		r.logger.Error().Err(err).Msg("transient container GC failed")
	}

	retention := r.containers.Config().TransientGCAge()

	deleted, err := r.containers.Store().DeleteExecsOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		r.logger.Error().Err(err).Msg("delete old executions failed")
	} else if deleted > 0 {
		r.logger.Debug().Int("count", deleted).Msg("deleted retained executions past their window")
	}

	purged, err := r.idem.PurgeExpired(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("purge expired idempotency keys failed")
	} else if purged > 0 {
		r.logger.Debug().Int("count", purged).Msg("purged expired idempotency keys")
	}

	if r.execs != nil {
		r.execs.PurgeFinished(retention)
	}

	r.publish(events.EventReconcileCycle, "maintenance cycle complete")
	return nil
}

// gcTransientContainers stops and removes transient containers that have
// either exceeded their per-request TTL or the server-wide transient GC
// age, whichever comes first.
func (r *Reconciler) gcTransientContainers(ctx context.Context) error {
	containers, err := r.containers.Store().ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	maxAge := r.containers.Config().TransientGCAge()
	now := time.Now()

	for _, c := range containers {
		if c.Persistent || c.Warm {
			continue
		}
		if c.Status == types.ContainerStateStopped || c.Status == types.ContainerStateError {
			continue
		}

		expiredByTTL := c.TTLSeconds > 0 && now.Sub(c.LastSeenAt) > time.Duration(c.TTLSeconds)*time.Second
		expiredByAge := now.Sub(c.CreatedAt) > maxAge

		if !expiredByTTL && !expiredByAge {
			continue
		}

		r.logger.Info().Str("container_id", c.ID).Bool("ttl_expired", expiredByTTL).Bool("age_expired", expiredByAge).Msg("reclaiming transient container")
		if err := r.containers.Kill(ctx, c.ID, false); err != nil {
			r.logger.Error().Err(err).Str("container_id", c.ID).Msg("failed to reclaim transient container")
		}
	}

	return nil
}

// reconcileContainers cross-references the runtime daemon's containers
// (found by namespace label alone, per the recoverability invariant) against
// the state store: runtime containers the store does not know about are
// adopted if they were created recently, or removed outright if they are
// older than the transient GC age; store rows with no matching runtime
// object are marked stopped.
func (r *Reconciler) reconcileContainers(ctx context.Context) error {
	runtimeContainers, err := r.containers.Adapter().ListByLabel(ctx, runtime.LabelNamespaceKey, runtime.LabelNamespace)
	if err != nil {
		return fmt.Errorf("list runtime containers: %w", err)
	}

	storeContainers, err := r.containers.Store().ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("list store containers: %w", err)
	}

	byRuntimeID := make(map[string]bool, len(storeContainers))
	for _, c := range storeContainers {
		if c.RuntimeID != "" {
			byRuntimeID[c.RuntimeID] = true
		}
	}

	maxAge := r.containers.Config().TransientGCAge()
	for _, rc := range runtimeContainers {
		if byRuntimeID[rc.RuntimeID] {
			continue
		}

		id := rc.Labels[runtime.LabelIDKey]
		if id == "" {
			id = rc.RuntimeID
		}

		if time.Since(rc.CreatedAt) > maxAge {
			r.logger.Warn().Str("runtime_id", rc.RuntimeID).Msg("removing orphaned runtime container past transient GC age")
			if err := r.containers.RemoveRuntimeOnly(ctx, rc.RuntimeID); err != nil {
				r.logger.Error().Err(err).Str("runtime_id", rc.RuntimeID).Msg("failed to remove orphaned container")
			}
			continue
		}

		status := types.ContainerStateStopped
		if rc.Running {
			status = types.ContainerStateRunning
		}
		r.logger.Info().Str("runtime_id", rc.RuntimeID).Str("container_id", id).Msg("adopting orphaned runtime container discovered at boot")
		err := r.containers.AdoptContainer(ctx, &types.Container{
			ID:         id,
			RuntimeID:  rc.RuntimeID,
			ImageRef:   "",
			Persistent: true, // unknown provenance: preserve rather than silently reclaim
			CreatedAt:  rc.CreatedAt,
			LastSeenAt: time.Now(),
			Status:     status,
		})
		if err != nil {
			r.logger.Error().Err(err).Str("runtime_id", rc.RuntimeID).Msg("failed to adopt orphaned container")
		}
	}

	runtimeByID := make(map[string]bool, len(runtimeContainers))
	for _, rc := range runtimeContainers {
		runtimeByID[rc.RuntimeID] = true
	}
	for _, c := range storeContainers {
		if c.Status == types.ContainerStateStopped || c.Status == types.ContainerStateError {
			continue
		}
		if c.RuntimeID != "" && runtimeByID[c.RuntimeID] {
			continue
		}
		r.logger.Warn().Str("container_id", c.ID).Msg("store container has no matching runtime object, marking stopped")
		c.Status = types.ContainerStateStopped
		if err := r.containers.Store().UpdateContainer(ctx, c); err != nil {
			r.logger.Error().Err(err).Str("container_id", c.ID).Msg("failed to mark orphaned store row stopped")
		}
	}

	return nil
}

// maintainWarmPool tops up the warm pool to the configured size and
// replaces any member that fails its health check.
func (r *Reconciler) maintainWarmPool(ctx context.Context) error {
	cfg := r.containers.Config()

	all, err := r.containers.Store().ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	var warm []*types.Container
	warmIDs := make(map[string]bool)
	for _, c := range all {
		if c.Warm && c.Status == types.ContainerStateRunning {
			warm = append(warm, c)
			warmIDs[c.ID] = true
		}
	}
	metrics.WarmPoolSize.Set(float64(len(warm)))

	for id := range r.warmHealth {
		if !warmIDs[id] {
			delete(r.warmHealth, id)
		}
	}

	healthy := 0
	for _, c := range warm {
		status, ok := r.warmHealth[c.ID]
		if !ok {
			status = health.NewStatus()
			r.warmHealth[c.ID] = status
		}

		checker := health.NewExecChecker(warmHealthCommand).WithContainer(c.RuntimeID, r.containers.Adapter())
		status.Update(checker.Check(ctx), r.healthCfg)

		if !status.Healthy && !status.InStartPeriod(r.healthCfg) {
			r.logger.Warn().Str("container_id", c.ID).Int("consecutive_failures", status.ConsecutiveFailures).Str("message", status.LastResult.Message).Msg("warm container failed health checks, replacing")
			if err := r.containers.Kill(ctx, c.ID, true); err != nil {
				r.logger.Error().Err(err).Str("container_id", c.ID).Msg("failed to remove unhealthy warm container")
			}
			delete(r.warmHealth, c.ID)
			continue
		}
		healthy++
	}

	for i := healthy; i < cfg.WarmPoolSize; i++ {
		if _, err := r.containers.SpawnWarm(ctx, cfg.WarmPoolImage); err != nil {
			r.logger.Error().Err(err).Msg("failed to top up warm pool")
			break
		}
	}

	return nil
}

func (r *Reconciler) publish(t events.EventType, msg string) {
	if r.events == nil {
		return
	}
	r.events.Publish(&events.Event{Type: t, Message: msg})
}
