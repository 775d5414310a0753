package containermgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pvliesdonk/mcp-devbench/pkg/config"
	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
	"github.com/pvliesdonk/mcp-devbench/pkg/events"
	"github.com/pvliesdonk/mcp-devbench/pkg/idempotency"
	"github.com/pvliesdonk/mcp-devbench/pkg/log"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// ExecCanceller cancels every in-flight execution for a container. It is
// implemented by the execution engine and wired in after construction
// (SetExecCanceller) to avoid a containermgr<->execengine import cycle: kill
// needs to stop running execs, and the execution engine needs to confirm a
// container is live before it will start one.
type ExecCanceller interface {
	CancelAllForContainer(ctx context.Context, containerID string) error
}

// SpawnRequest is the policy-level description of a container to create.
type SpawnRequest struct {
	ImageRef       string
	Persistent     bool
	Alias          string
	TTLSeconds     int64
	IdempotencyKey string
	AsRoot         bool
}

// Manager implements spawn/attach/kill/resolve over a runtime adapter and
// a durable state store.
type Manager struct {
	store     storage.Store
	adapter   runtime.Adapter
	cfg       config.Config
	idem      *idempotency.Manager
	events    *events.Broker
	canceller ExecCanceller
}

// New constructs a Manager. SetExecCanceller must be called once the
// execution engine exists, before the manager accepts Kill calls.
func New(store storage.Store, adapter runtime.Adapter, cfg config.Config, idem *idempotency.Manager, broker *events.Broker) *Manager {
	return &Manager{
		store:   store,
		adapter: adapter,
		cfg:     cfg,
		idem:    idem,
		events:  broker,
	}
}

// SetExecCanceller wires the execution engine into Kill. Must be called
// before the server starts accepting requests.
func (m *Manager) SetExecCanceller(c ExecCanceller) {
	m.canceller = c
}

// Store exposes the underlying state store for the reconciler's boot and
// periodic maintenance passes.
func (m *Manager) Store() storage.Store { return m.store }

// Adapter exposes the underlying runtime adapter for the reconciler's boot
// reconciliation pass.
func (m *Manager) Adapter() runtime.Adapter { return m.adapter }

// Config exposes the resolved configuration for callers (the reconciler,
// the warm pool) that need the same defaults Spawn uses.
func (m *Manager) Config() config.Config { return m.cfg }

// AdoptContainer inserts a row for a runtime container the store does not
// yet know about, discovered during boot reconciliation.
func (m *Manager) AdoptContainer(ctx context.Context, c *types.Container) error {
	if err := m.store.CreateContainer(ctx, c); err != nil {
		return err
	}
	metrics.ContainersTotal.WithLabelValues(string(c.Status)).Inc()
	return nil
}

// RemoveRuntimeOnly force-stops and removes a runtime-native container that
// has no corresponding store row (or is past its transient GC age),
// bypassing the store entirely.
func (m *Manager) RemoveRuntimeOnly(ctx context.Context, runtimeID string) error {
	_ = m.adapter.Stop(ctx, runtimeID, time.Duration(m.cfg.GracefulStopSeconds)*time.Second)
	return m.adapter.Remove(ctx, runtimeID, true)
}

// Spawn validates image policy, checks idempotency, attempts a warm-pool
// claim, and falls back to a cold create through the runtime adapter with
// hardened defaults. A runtime failure never leaves a row claiming the
// container is live: the row moves to error status and the runtime-side
// remnants are removed best-effort.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*types.Container, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerCreateDuration)

	if req.IdempotencyKey != "" {
		if existingID, ok, err := m.idem.LookupContainer(ctx, req.IdempotencyKey); err != nil {
			return nil, err
		} else if ok {
			c, err := m.store.GetContainer(ctx, existingID)
			if err == nil {
				return c, nil
			}
			if !storage.IsNotFound(err) {
				return nil, err
			}
			// Fall through: bound container no longer exists, treat as fresh.
		}
	}

	resolvedImage, err := validateImage(m.cfg, req.ImageRef)
	if err != nil {
		return nil, err
	}

	if req.Alias != "" {
		if existing, err := m.store.GetContainerByAlias(ctx, req.Alias); err == nil {
			return nil, derrors.New(derrors.KindAlreadyExists, fmt.Sprintf("alias %q already in use by container %s", req.Alias, existing.ID))
		} else if !storage.IsNotFound(err) {
			return nil, err
		}
	}

	if m.cfg.WarmPoolEnabled {
		if claimed, err := m.store.ClaimWarmContainer(ctx, req.Alias, req.Persistent); err == nil {
			claimed.TTLSeconds = req.TTLSeconds
			claimed.LastSeenAt = time.Now()
			if err := m.store.UpdateContainer(ctx, claimed); err != nil {
				return nil, err
			}
			metrics.WarmPoolClaimsTotal.Inc()
			m.publish(events.EventWarmPoolClaim, claimed.ID, "claimed warm container")
			return claimed, nil
		} else if !storage.IsNotFound(err) {
			return nil, err
		}
	}

	row, err := m.createCold(ctx, resolvedImage, req.Alias, req.Persistent, req.TTLSeconds, req.AsRoot, false)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if err := m.idem.BindContainer(ctx, req.IdempotencyKey, row.ID); err != nil {
			return nil, err
		}
	}

	m.publish(events.EventContainerSpawned, row.ID, "container running")
	return row, nil
}

// SpawnWarm creates a container the same way Spawn does, but labeled
// warm=true, with no alias, so a later Spawn can atomically claim it via
// storage.ClaimWarmContainer.
func (m *Manager) SpawnWarm(ctx context.Context, imageRef string) (*types.Container, error) {
	resolvedImage, err := validateImage(m.cfg, imageRef)
	if err != nil {
		return nil, err
	}
	row, err := m.createCold(ctx, resolvedImage, "", false, 0, false, true)
	if err != nil {
		return nil, err
	}
	m.publish(events.EventWarmPoolClaim, row.ID, "warm container created")
	return row, nil
}

// createCold persists a new container row and asks the runtime adapter to
// create and start it with hardened defaults, rolling the row back to
// error status (never deleting it) on any runtime failure.
func (m *Manager) createCold(ctx context.Context, imageRef, alias string, persistent bool, ttlSeconds int64, asRoot, warm bool) (*types.Container, error) {
	containerID := "c_" + uuid.NewString()
	hostWorkspace := filepath.Join(m.cfg.WorkspaceHostRoot, containerID)
	if err := os.MkdirAll(hostWorkspace, 0o700); err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "create workspace directory", err)
	}

	row := &types.Container{
		ID:              containerID,
		Alias:           alias,
		ImageRef:        imageRef,
		Persistent:      persistent,
		Warm:            warm,
		CreatedAt:       time.Now(),
		LastSeenAt:      time.Now(),
		TTLSeconds:      ttlSeconds,
		WorkspaceVolume: hostWorkspace,
		Status:          types.ContainerStateCreating,
	}
	if err := m.store.CreateContainer(ctx, row); err != nil {
		return nil, err
	}

	labels := map[string]string{
		runtime.LabelNamespaceKey: runtime.LabelNamespace,
		runtime.LabelIDKey:        containerID,
	}
	if warm {
		labels[runtime.LabelWarmKey] = "true"
	}

	rcfg := runtime.ContainerConfig{
		ID:                containerID,
		ImageRef:          imageRef,
		AsRoot:            asRoot,
		CPULimit:          m.cfg.DefaultCPULimit,
		MemoryBytes:       m.cfg.DefaultMemoryBytes,
		PidLimit:          m.cfg.DefaultPidLimit,
		WorkspaceHostPath: hostWorkspace,
		Labels:            labels,
	}

	runtimeID, err := m.adapter.CreateContainer(ctx, rcfg)
	if err != nil {
		row.Status = types.ContainerStateError
		row.Error = err.Error()
		_ = m.store.UpdateContainer(ctx, row)
		m.publish(events.EventContainerError, containerID, err.Error())
		return nil, err
	}
	row.RuntimeID = runtimeID

	if err := m.adapter.Start(ctx, runtimeID); err != nil {
		row.Status = types.ContainerStateError
		row.Error = err.Error()
		_ = m.store.UpdateContainer(ctx, row)
		_ = m.adapter.Remove(ctx, runtimeID, true)
		m.publish(events.EventContainerError, containerID, err.Error())
		return nil, err
	}

	row.Status = types.ContainerStateRunning
	if err := m.store.UpdateContainer(ctx, row); err != nil {
		return nil, err
	}

	metrics.ContainersTotal.WithLabelValues(string(types.ContainerStateRunning)).Inc()
	return row, nil
}

// Attach resolves target and records a client attachment without modifying
// the container itself.
func (m *Manager) Attach(ctx context.Context, target, clientName, sessionID string) (*types.Container, error) {
	c, err := m.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	att := &types.Attachment{
		ContainerID: c.ID,
		ClientName:  clientName,
		SessionID:   sessionID,
		AttachedAt:  time.Now(),
	}
	if err := m.store.CreateAttachment(ctx, att); err != nil {
		return nil, err
	}
	c.LastSeenAt = time.Now()
	_ = m.store.UpdateContainer(ctx, c)
	return c, nil
}

// Kill stops and removes a container. It is idempotent: killing an
// already-stopped container is a no-op success. force shortens the graceful
// stop window to one second before the runtime container is killed. Persistent
// containers' workspace directories are preserved on disk; transient ones
// are removed.
func (m *Manager) Kill(ctx context.Context, target string, force bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerStopDuration)

	c, err := m.store.GetContainer(ctx, target)
	if storage.IsNotFound(err) {
		if c, err = m.store.GetContainerByAlias(ctx, target); err != nil {
			if storage.IsNotFound(err) {
				return nil
			}
			return err
		}
	} else if err != nil {
		return err
	}

	if c.Status == types.ContainerStateStopped {
		return nil
	}

	logger := log.WithContainerID(c.ID)
	if m.canceller != nil {
		if err := m.canceller.CancelAllForContainer(ctx, c.ID); err != nil {
			logger.Error().Err(err).Msg("cancel in-flight execs for container")
		}
	}

	c.Status = types.ContainerStateStopping
	_ = m.store.UpdateContainer(ctx, c)

	if c.RuntimeID != "" {
		grace := time.Duration(m.cfg.GracefulStopSeconds) * time.Second
		if force {
			grace = time.Second
		}
		if err := m.adapter.Stop(ctx, c.RuntimeID, grace); err != nil {
			logger.Error().Err(err).Msg("stop container")
		}
		if err := m.adapter.Remove(ctx, c.RuntimeID, true); err != nil {
			logger.Error().Err(err).Msg("remove container")
		}
	}

	if !c.Persistent && c.WorkspaceVolume != "" {
		_ = os.RemoveAll(c.WorkspaceVolume)
	}

	c.Status = types.ContainerStateStopped
	if err := m.store.UpdateContainer(ctx, c); err != nil {
		return err
	}

	if err := m.store.DetachAllForContainer(ctx, c.ID, time.Now()); err != nil {
		return err
	}

	metrics.ContainersTotal.WithLabelValues(string(types.ContainerStateStopped)).Inc()
	m.publish(events.EventContainerKilled, c.ID, "container stopped")
	return nil
}

// Resolve turns an alias or id into a live (non-terminal) container.
func (m *Manager) Resolve(ctx context.Context, idOrAlias string) (*types.Container, error) {
	c, err := m.store.GetContainer(ctx, idOrAlias)
	if err == nil {
		if isTerminal(c.Status) {
			return nil, derrors.New(derrors.KindNotFound, "container not found")
		}
		return c, nil
	}
	if !storage.IsNotFound(err) {
		return nil, err
	}

	c, err = m.store.GetContainerByAlias(ctx, idOrAlias)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, derrors.New(derrors.KindNotFound, "container not found")
		}
		return nil, err
	}
	return c, nil
}

func isTerminal(s types.ContainerState) bool {
	return s == types.ContainerStateStopped || s == types.ContainerStateError
}

func (m *Manager) publish(t events.EventType, containerID, msg string) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{
		Type:    t,
		Message: msg,
		Metadata: map[string]string{
			"container_id": containerID,
		},
	})
}

// validateImage checks image against the allow-list configuration and
// returns the reference to use (unchanged; digest pinning is the caller's
// responsibility to supply up front).
func validateImage(cfg config.Config, imageRef string) (string, error) {
	if imageRef == "" {
		return "", derrors.New(derrors.KindImagePolicy, "image reference required")
	}

	if len(cfg.AllowedImages) > 0 {
		for _, allowed := range cfg.AllowedImages {
			if allowed == imageRef {
				return imageRef, nil
			}
		}
		return "", derrors.New(derrors.KindImagePolicy, fmt.Sprintf("image %q is not on the explicit allow-list", imageRef))
	}

	if len(cfg.AllowedRegistries) > 0 {
		registry := registryOf(imageRef)
		for _, allowed := range cfg.AllowedRegistries {
			if registry == allowed {
				return imageRef, nil
			}
		}
		return "", derrors.New(derrors.KindImagePolicy, fmt.Sprintf("registry %q is not in allowed_registries", registry))
	}

	return imageRef, nil
}

// registryOf extracts the registry hostname from an image reference, using
// the same heuristic as containerd's own reference parser: the first path
// segment is a registry host only if it contains a "." or ":" or is
// "localhost"; otherwise the image is assumed to come from the default
// registry.
func registryOf(imageRef string) string {
	const defaultRegistry = "docker.io"

	parts := strings.SplitN(imageRef, "/", 2)
	if len(parts) < 2 {
		return defaultRegistry
	}
	first := parts[0]
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return first
	}
	return defaultRegistry
}
