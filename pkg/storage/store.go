// Package storage is the durable system of record for the devbench
// control plane: containers, attachments, executions, and idempotency
// keys. The runtime adapter may disagree with what is stored here after a
// crash or daemon restart; the reconciler is what brings the two back into
// agreement. Store itself makes no such judgment — it only guarantees that
// every mutation it accepts is durable and that unique indexes (alias,
// idempotency key) are enforced.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

// ErrNotFound is returned by Get* methods when no row exists for the given
// key. Callers at the containermgr/execengine layer translate this into
// errors.KindNotFound.
var ErrNotFound = newNotFoundError()

func newNotFoundError() error { return notFoundError{} }

type notFoundError struct{}

func (notFoundError) Error() string { return "storage: not found" }

// Store is the transactional interface over the durable state of every
// container, attachment, execution, and idempotency key the server knows
// about. Implementations must guarantee single-writer-per-row semantics
// (a single underlying transaction per mutating call) and must enforce the
// alias and idempotency-key uniqueness invariants named in the data model.
type Store interface {
	// Migrate brings the schema up to the version this binary expects. It
	// must complete before the server accepts any other call.
	Migrate(ctx context.Context) error
	Close() error

	// Containers.
	CreateContainer(ctx context.Context, c *types.Container) error
	GetContainer(ctx context.Context, id string) (*types.Container, error)
	GetContainerByAlias(ctx context.Context, alias string) (*types.Container, error)
	ListContainers(ctx context.Context) ([]*types.Container, error)
	UpdateContainer(ctx context.Context, c *types.Container) error
	DeleteContainer(ctx context.Context, id string) error

	// ClaimWarmContainer atomically finds a container row with Warm=true
	// and Status=running, flips Warm=false and sets the given alias and
	// persistence, and returns it in the same transaction. It returns
	// ErrNotFound if no warm container is available.
	ClaimWarmContainer(ctx context.Context, alias string, persistent bool) (*types.Container, error)

	// Attachments.
	CreateAttachment(ctx context.Context, a *types.Attachment) error
	ListAttachmentsByContainer(ctx context.Context, containerID string) ([]*types.Attachment, error)
	DetachAllForContainer(ctx context.Context, containerID string, at time.Time) error
	DetachAll(ctx context.Context, at time.Time) error

	// Executions.
	CreateExec(ctx context.Context, e *types.Execution) error
	GetExec(ctx context.Context, execID string) (*types.Execution, error)
	ListExecs(ctx context.Context, containerID string) ([]*types.Execution, error)
	UpdateExec(ctx context.Context, e *types.Execution) error
	CountRunningExecs(ctx context.Context, containerID string) (int, error)
	DeleteExecsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	MarkRunningExecsFailed(ctx context.Context, reason string) (int, error)

	// Idempotency keys.
	PutIdempotencyKey(ctx context.Context, rec *types.IdempotencyRecord) error
	GetIdempotencyKey(ctx context.Context, key string) (*types.IdempotencyRecord, error)
	DeleteIdempotencyKeysOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// IsNotFound reports whether err is (or wraps) storage.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
