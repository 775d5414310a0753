// Package idempotency deduplicates spawn/exec_start calls that carry a
// caller-supplied key, persisting the (key, exec_id) mapping through the
// state store rather than an in-memory map, so keys keep deduplicating
// across a restart for the remainder of their 24h TTL.
package idempotency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// TTL is how long an idempotency record is honored after creation.
const TTL = 24 * time.Hour

// Manager resolves idempotency keys against the durable store.
type Manager struct {
	store storage.Store
}

// New creates a Manager backed by store.
func New(store storage.Store) *Manager {
	return &Manager{store: store}
}

// LookupExec returns the exec_id already bound to key, if any unexpired
// record exists. ok is false when the key is new or its record has
// expired.
func (m *Manager) LookupExec(ctx context.Context, key string) (execID string, ok bool, err error) {
	rec, ok, err := m.lookup(ctx, key)
	if !ok || err != nil {
		return "", ok, err
	}
	return rec.ExecID, true, nil
}

// BindExec records that key now maps to execID, for the remainder of the
// TTL.
func (m *Manager) BindExec(ctx context.Context, key, execID string) error {
	if key == "" {
		return nil
	}
	return m.store.PutIdempotencyKey(ctx, &types.IdempotencyRecord{
		Key:       key,
		ExecID:    execID,
		CreatedAt: time.Now(),
	})
}

// LookupContainer returns the container_id already bound to key, if any
// unexpired record exists.
func (m *Manager) LookupContainer(ctx context.Context, key string) (containerID string, ok bool, err error) {
	rec, ok, err := m.lookup(ctx, key)
	if !ok || err != nil {
		return "", ok, err
	}
	return rec.ContainerID, true, nil
}

// BindContainer records that key now maps to containerID, for the
// remainder of the TTL.
func (m *Manager) BindContainer(ctx context.Context, key, containerID string) error {
	if key == "" {
		return nil
	}
	return m.store.PutIdempotencyKey(ctx, &types.IdempotencyRecord{
		Key:         key,
		ContainerID: containerID,
		CreatedAt:   time.Now(),
	})
}

func (m *Manager) lookup(ctx context.Context, key string) (*types.IdempotencyRecord, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	rec, err := m.store.GetIdempotencyKey(ctx, key)
	if storage.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Since(rec.CreatedAt) > TTL {
		return nil, false, nil
	}
	return rec, true, nil
}

// PurgeExpired deletes every record older than TTL and reports how many
// were removed; intended to be called by a ticker-driven background task.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	return m.store.DeleteIdempotencyKeysOlderThan(ctx, time.Now().Add(-TTL))
}

// NewKey generates a fresh random idempotency key, for callers that need
// to mint one themselves (e.g. a CLI wrapper without a natural key); the
// server never calls this for a caller-supplied key.
func NewKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
