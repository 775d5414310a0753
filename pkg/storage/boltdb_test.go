package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "devbench.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestCreateAndGetContainer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := &types.Container{ID: "c_1", Alias: "dev", Status: types.ContainerStateRunning, CreatedAt: time.Now()}
	require.NoError(t, store.CreateContainer(ctx, c))

	got, err := store.GetContainer(ctx, "c_1")
	require.NoError(t, err)
	assert.Equal(t, "dev", got.Alias)
}

func TestGetContainerNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetContainer(context.Background(), "nope")
	assert.True(t, IsNotFound(err))
}

func TestGetContainerByAliasIgnoresTerminalContainers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stopped := &types.Container{ID: "c_old", Alias: "dev", Status: types.ContainerStateStopped}
	require.NoError(t, store.CreateContainer(ctx, stopped))

	live := &types.Container{ID: "c_new", Alias: "dev", Status: types.ContainerStateRunning}
	require.NoError(t, store.CreateContainer(ctx, live))

	got, err := store.GetContainerByAlias(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "c_new", got.ID)
}

func TestCreateContainerRejectsDuplicateAliasAmongLiveContainers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContainer(ctx, &types.Container{ID: "c_1", Alias: "dev", Status: types.ContainerStateRunning}))

	err := store.CreateContainer(ctx, &types.Container{ID: "c_2", Alias: "dev", Status: types.ContainerStateRunning})
	assert.Error(t, err)
}

func TestUpdateContainerAllowsReusingOwnAlias(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := &types.Container{ID: "c_1", Alias: "dev", Status: types.ContainerStateRunning}
	require.NoError(t, store.CreateContainer(ctx, c))

	c.LastSeenAt = time.Now()
	assert.NoError(t, store.UpdateContainer(ctx, c))
}

func TestClaimWarmContainerFlipsWarmFlagAndSetsAlias(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	warm := &types.Container{ID: "c_warm", Warm: true, Status: types.ContainerStateRunning}
	require.NoError(t, store.CreateContainer(ctx, warm))

	claimed, err := store.ClaimWarmContainer(ctx, "my-alias", true)
	require.NoError(t, err)
	assert.Equal(t, "c_warm", claimed.ID)
	assert.False(t, claimed.Warm)
	assert.Equal(t, "my-alias", claimed.Alias)
	assert.True(t, claimed.Persistent)

	got, err := store.GetContainer(ctx, "c_warm")
	require.NoError(t, err)
	assert.False(t, got.Warm)
}

func TestClaimWarmContainerNotFoundWhenPoolEmpty(t *testing.T) {
	store := newTestStore(t)
	_, err := store.ClaimWarmContainer(context.Background(), "alias", false)
	assert.True(t, IsNotFound(err))
}

func TestDetachAllForContainerOnlyAffectsMatchingContainer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateAttachment(ctx, &types.Attachment{ContainerID: "c_1", SessionID: "s1", AttachedAt: time.Now()}))
	require.NoError(t, store.CreateAttachment(ctx, &types.Attachment{ContainerID: "c_2", SessionID: "s2", AttachedAt: time.Now()}))

	require.NoError(t, store.DetachAllForContainer(ctx, "c_1", time.Now()))

	c1Atts, err := store.ListAttachmentsByContainer(ctx, "c_1")
	require.NoError(t, err)
	require.Len(t, c1Atts, 1)
	assert.NotNil(t, c1Atts[0].DetachedAt)

	c2Atts, err := store.ListAttachmentsByContainer(ctx, "c_2")
	require.NoError(t, err)
	require.Len(t, c2Atts, 1)
	assert.Nil(t, c2Atts[0].DetachedAt)
}

func TestListExecsFiltersByContainer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateExec(ctx, &types.Execution{ExecID: "e_1", ContainerID: "c_1", Status: types.ExecStatusRunning}))
	require.NoError(t, store.CreateExec(ctx, &types.Execution{ExecID: "e_2", ContainerID: "c_2", Status: types.ExecStatusRunning}))

	got, err := store.ListExecs(ctx, "c_1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e_1", got[0].ExecID)

	all, err := store.ListExecs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCountRunningExecs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateExec(ctx, &types.Execution{ExecID: "e_1", ContainerID: "c_1", Status: types.ExecStatusRunning}))
	require.NoError(t, store.CreateExec(ctx, &types.Execution{ExecID: "e_2", ContainerID: "c_1", Status: types.ExecStatusExited}))

	n, err := store.CountRunningExecs(ctx, "c_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMarkRunningExecsFailedCoversQueuedRunningAndCancelling(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateExec(ctx, &types.Execution{ExecID: "e_queued", Status: types.ExecStatusQueued}))
	require.NoError(t, store.CreateExec(ctx, &types.Execution{ExecID: "e_run", Status: types.ExecStatusRunning}))
	require.NoError(t, store.CreateExec(ctx, &types.Execution{ExecID: "e_cancel", Status: types.ExecStatusCancelling}))
	require.NoError(t, store.CreateExec(ctx, &types.Execution{ExecID: "e_done", Status: types.ExecStatusExited}))

	n, err := store.MarkRunningExecsFailed(ctx, "server_restart")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	done, err := store.GetExec(ctx, "e_done")
	require.NoError(t, err)
	assert.Equal(t, types.ExecStatusExited, done.Status)

	run, err := store.GetExec(ctx, "e_run")
	require.NoError(t, err)
	assert.Equal(t, types.ExecStatusFailed, run.Status)
	assert.Equal(t, "server_restart", run.FailureReason)
}

func TestDeleteExecsOlderThanOnlyDeletesEndedBeforeCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	require.NoError(t, store.CreateExec(ctx, &types.Execution{ExecID: "e_old", EndedAt: &old}))
	require.NoError(t, store.CreateExec(ctx, &types.Execution{ExecID: "e_recent", EndedAt: &recent}))

	n, err := store.DeleteExecsOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetExec(ctx, "e_old")
	assert.True(t, IsNotFound(err))
	_, err = store.GetExec(ctx, "e_recent")
	assert.NoError(t, err)
}

func TestIdempotencyKeyPutGetAndPurge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := &types.IdempotencyRecord{Key: "k_old", ContainerID: "c_1", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &types.IdempotencyRecord{Key: "k_fresh", ContainerID: "c_2", CreatedAt: time.Now()}
	require.NoError(t, store.PutIdempotencyKey(ctx, old))
	require.NoError(t, store.PutIdempotencyKey(ctx, fresh))

	got, err := store.GetIdempotencyKey(ctx, "k_fresh")
	require.NoError(t, err)
	assert.Equal(t, "c_2", got.ContainerID)

	n, err := store.DeleteIdempotencyKeysOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetIdempotencyKey(ctx, "k_old")
	assert.True(t, IsNotFound(err))
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Migrate(context.Background()))
}
