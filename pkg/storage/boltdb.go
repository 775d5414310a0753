package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketContainers  = []byte("containers")
	bucketAttachments = []byte("attachments")
	bucketExecs       = []byte("execs")
	bucketIdempotency = []byte("idempotency_keys")
	bucketMeta        = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

const currentSchemaVersion = 1

// BoltStore implements Store on top of a single journaled bbolt file.
// Every entity lives in its own top-level bucket, keyed by its natural id
// and JSON-encoded.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the bbolt file at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", dbPath, err)
	}
	return &BoltStore{db: db}, nil
}

// NewBoltStoreReadOnly opens dbPath without acquiring the writer lock, for
// diagnostic tools (devbenchctl) that inspect a running server's database
// without contending with it. Migrate and all write methods fail against a
// store opened this way; only the Get/List accessors are safe to call.
func NewBoltStoreReadOnly(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open state db %s read-only: %w", dbPath, err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path of the underlying database file.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Migrate creates every bucket this store needs and records the schema
// version; it must run to completion before the server accepts work.
// There is a single schema generation today; this is the hook future
// migrations attach to.
func (s *BoltStore) Migrate(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketContainers, bucketAttachments, bucketExecs, bucketIdempotency, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(keySchemaVersion) == nil {
			buf, err := json.Marshal(currentSchemaVersion)
			if err != nil {
				return err
			}
			return meta.Put(keySchemaVersion, buf)
		}
		return nil
	})
}

// --- Containers ---

func (s *BoltStore) CreateContainer(ctx context.Context, c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		if c.Alias != "" {
			conflict, err := aliasConflict(b, c.Alias, c.ID)
			if err != nil {
				return err
			}
			if conflict {
				return fmt.Errorf("alias %q already in use", c.Alias)
			}
		}
		return putJSON(b, c.ID, c)
	})
}

func aliasConflict(b *bolt.Bucket, alias, excludeID string) (bool, error) {
	conflict := false
	err := b.ForEach(func(_, v []byte) error {
		var existing types.Container
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}
		if existing.ID == excludeID {
			return nil
		}
		if existing.Alias == alias && !isTerminalContainer(existing.Status) {
			conflict = true
		}
		return nil
	})
	return conflict, err
}

func isTerminalContainer(status types.ContainerState) bool {
	return status == types.ContainerStateStopped || status == types.ContainerStateError
}

func (s *BoltStore) GetContainer(ctx context.Context, id string) (*types.Container, error) {
	var c types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketContainers), id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) GetContainerByAlias(ctx context.Context, alias string) (*types.Container, error) {
	var found *types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Alias == alias && !isTerminalContainer(c.Status) {
				cp := c
				found = &cp
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListContainers(ctx context.Context) ([]*types.Container, error) {
	var out []*types.Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(_, v []byte) error {
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateContainer(ctx context.Context, c *types.Container) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		if c.Alias != "" {
			conflict, err := aliasConflict(b, c.Alias, c.ID)
			if err != nil {
				return err
			}
			if conflict {
				return fmt.Errorf("alias %q already in use", c.Alias)
			}
		}
		return putJSON(b, c.ID, c)
	})
}

func (s *BoltStore) DeleteContainer(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(id))
	})
}

// ClaimWarmContainer performs an atomic compare-and-swap: find a
// Warm=true, running container and flip it to claimed in one transaction.
func (s *BoltStore) ClaimWarmContainer(ctx context.Context, alias string, persistent bool) (*types.Container, error) {
	var claimed *types.Container
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		if alias != "" {
			conflict, err := aliasConflict(b, alias, "")
			if err != nil {
				return err
			}
			if conflict {
				return fmt.Errorf("alias %q already in use", alias)
			}
		}
		var candidate *types.Container
		err := b.ForEach(func(_, v []byte) error {
			if candidate != nil {
				return nil
			}
			var c types.Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Warm && c.Status == types.ContainerStateRunning {
				cp := c
				candidate = &cp
			}
			return nil
		})
		if err != nil {
			return err
		}
		if candidate == nil {
			return ErrNotFound
		}
		candidate.Warm = false
		candidate.Alias = alias
		candidate.Persistent = persistent
		if err := putJSON(b, candidate.ID, candidate); err != nil {
			return err
		}
		claimed = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// --- Attachments ---

func attachmentKey(containerID, sessionID string) string {
	return containerID + "/" + sessionID
}

func (s *BoltStore) CreateAttachment(ctx context.Context, a *types.Attachment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAttachments), attachmentKey(a.ContainerID, a.SessionID), a)
	})
}

func (s *BoltStore) ListAttachmentsByContainer(ctx context.Context, containerID string) ([]*types.Attachment, error) {
	var out []*types.Attachment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).ForEach(func(_, v []byte) error {
			var a types.Attachment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ContainerID == containerID {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DetachAllForContainer(ctx context.Context, containerID string, at time.Time) error {
	return s.detachWhere(func(a *types.Attachment) bool { return a.ContainerID == containerID }, at)
}

func (s *BoltStore) DetachAll(ctx context.Context, at time.Time) error {
	return s.detachWhere(func(*types.Attachment) bool { return true }, at)
}

func (s *BoltStore) detachWhere(match func(*types.Attachment) bool, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttachments)
		var keys [][]byte
		var vals []*types.Attachment
		err := b.ForEach(func(k, v []byte) error {
			var a types.Attachment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.DetachedAt == nil && match(&a) {
				keys = append(keys, append([]byte(nil), k...))
				ts := at
				a.DetachedAt = &ts
				vals = append(vals, &a)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i, k := range keys {
			if err := putJSON(b, string(k), vals[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Executions ---

func (s *BoltStore) CreateExec(ctx context.Context, e *types.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketExecs), e.ExecID, e)
	})
}

func (s *BoltStore) GetExec(ctx context.Context, execID string) (*types.Execution, error) {
	var e types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketExecs), execID, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) ListExecs(ctx context.Context, containerID string) ([]*types.Execution, error) {
	var out []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecs).ForEach(func(_, v []byte) error {
			var e types.Execution
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if containerID == "" || e.ContainerID == containerID {
				out = append(out, &e)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateExec(ctx context.Context, e *types.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketExecs), e.ExecID, e)
	})
}

func (s *BoltStore) CountRunningExecs(ctx context.Context, containerID string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecs).ForEach(func(_, v []byte) error {
			var e types.Execution
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.ContainerID == containerID && (e.Status == types.ExecStatusRunning || e.Status == types.ExecStatusCancelling) {
				n++
			}
			return nil
		})
	})
	return n, err
}

func (s *BoltStore) DeleteExecsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecs)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e types.Execution
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.EndedAt != nil && e.EndedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// MarkRunningExecsFailed moves every non-terminal execution to failed
// with the given reason; boot reconciliation uses it for executions that
// were still running when the previous process died.
func (s *BoltStore) MarkRunningExecsFailed(ctx context.Context, reason string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecs)
		var stale []*types.Execution
		err := b.ForEach(func(_, v []byte) error {
			var e types.Execution
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Status == types.ExecStatusRunning || e.Status == types.ExecStatusCancelling || e.Status == types.ExecStatusQueued {
				stale = append(stale, &e)
			}
			return nil
		})
		if err != nil {
			return err
		}
		now := time.Now()
		for _, e := range stale {
			e.Status = types.ExecStatusFailed
			e.FailureReason = reason
			e.EndedAt = &now
			if err := putJSON(b, e.ExecID, e); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// --- Idempotency keys ---

func (s *BoltStore) PutIdempotencyKey(ctx context.Context, rec *types.IdempotencyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketIdempotency), rec.Key, rec)
	})
}

func (s *BoltStore) GetIdempotencyKey(ctx context.Context, key string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketIdempotency), key, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteIdempotencyKeysOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec types.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// --- helpers ---

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v interface{}) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}
