package workspace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvliesdonk/mcp-devbench/pkg/config"
	"github.com/pvliesdonk/mcp-devbench/pkg/containermgr"
	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
	"github.com/pvliesdonk/mcp-devbench/pkg/idempotency"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
	"github.com/pvliesdonk/mcp-devbench/pkg/types"
)

func newTestGateway(t *testing.T) (*Gateway, *types.Container) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "devbench.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	cfg := config.Default()
	cfg.WorkspaceHostRoot = t.TempDir()

	adapter := newFakeAdapter()
	idem := idempotency.New(store)
	containers := containermgr.New(store, adapter, cfg, idem, nil)

	c, err := containers.Spawn(context.Background(), containermgr.SpawnRequest{ImageRef: "ubuntu:22.04"})
	require.NoError(t, err)

	return New(containers, nil), c
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/notes.txt", []byte("hello"), "")
	require.NoError(t, err)

	got, err := gw.Read(ctx, c.ID, "/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Content)
	assert.Equal(t, "text/plain", got.MimeType)
}

func TestWriteCreatesNestedParentDirectories(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/a/b/c/file.txt", []byte("x"), "")
	require.NoError(t, err)

	got, err := gw.Read(ctx, c.ID, "/a/b/c/file.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Content)
}

func TestWriteRejectsStaleETag(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/notes.txt", []byte("v1"), "")
	require.NoError(t, err)

	_, err = gw.Write(ctx, c.ID, "/notes.txt", []byte("v2"), "stale-etag")
	require.Error(t, err)
	assert.Equal(t, derrors.KindETagConflict, derrors.KindOf(err))
}

func TestWriteAcceptsMatchingETag(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	first, err := gw.Write(ctx, c.ID, "/notes.txt", []byte("v1"), "")
	require.NoError(t, err)

	_, err = gw.Write(ctx, c.ID, "/notes.txt", []byte("v2"), first.ETag)
	require.NoError(t, err)

	got, err := gw.Read(ctx, c.ID, "/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Content)
}

func TestReadMissingFileReturnsNotFound(t *testing.T) {
	gw, c := newTestGateway(t)
	_, err := gw.Read(context.Background(), c.ID, "/missing.txt")
	require.Error(t, err)
	assert.Equal(t, derrors.KindNotFound, derrors.KindOf(err))
}

func TestReadRejectsPathEscapingWorkspace(t *testing.T) {
	gw, c := newTestGateway(t)
	_, err := gw.Read(context.Background(), c.ID, "../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, derrors.KindPathViolation, derrors.KindOf(err))
}

func TestDeleteRemovesFile(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/notes.txt", []byte("v1"), "")
	require.NoError(t, err)
	require.NoError(t, gw.Delete(ctx, c.ID, "/notes.txt"))

	_, err = gw.Read(ctx, c.ID, "/notes.txt")
	assert.Equal(t, derrors.KindNotFound, derrors.KindOf(err))
}

func TestDeleteRejectsWorkspaceRoot(t *testing.T) {
	gw, c := newTestGateway(t)
	err := gw.Delete(context.Background(), c.ID, "/")
	require.Error(t, err)
	assert.Equal(t, derrors.KindPathViolation, derrors.KindOf(err))
}

func TestStatReportsDirectoryAndFile(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/dir/file.txt", []byte("x"), "")
	require.NoError(t, err)

	dirStat, err := gw.Stat(ctx, c.ID, "/dir")
	require.NoError(t, err)
	assert.True(t, dirStat.IsDir)

	fileStat, err := gw.Stat(ctx, c.ID, "/dir/file.txt")
	require.NoError(t, err)
	assert.False(t, fileStat.IsDir)
	assert.NotEmpty(t, fileStat.ETag)
}

func TestListReturnsSortedChildren(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/dir/b.txt", []byte("b"), "")
	require.NoError(t, err)
	_, err = gw.Write(ctx, c.ID, "/dir/a.txt", []byte("a"), "")
	require.NoError(t, err)

	entries, err := gw.List(ctx, c.ID, "/dir")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/dir/a.txt", entries[0].Path)
	assert.Equal(t, "/dir/b.txt", entries[1].Path)
}
