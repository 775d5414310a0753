package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
)

func TestBatchAppliesWritesAndDeletesTogether(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/old.txt", []byte("old"), "")
	require.NoError(t, err)

	result, err := gw.Batch(ctx, c.ID, []BatchOp{
		{Kind: BatchOpWrite, Path: "/a.txt", Content: []byte("a")},
		{Kind: BatchOpWrite, Path: "/dir/b.txt", Content: []byte("b")},
		{Kind: BatchOpDelete, Path: "/old.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)

	got, err := gw.Read(ctx, c.ID, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.Content)

	_, err = gw.Read(ctx, c.ID, "/old.txt")
	assert.Equal(t, derrors.KindNotFound, derrors.KindOf(err))
}

func TestBatchStaleETagFailsBeforeAnyMutation(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/guarded.txt", []byte("v1"), "")
	require.NoError(t, err)

	_, err = gw.Batch(ctx, c.ID, []BatchOp{
		{Kind: BatchOpWrite, Path: "/new.txt", Content: []byte("new")},
		{Kind: BatchOpWrite, Path: "/guarded.txt", Content: []byte("v2"), IfMatchETag: "stale"},
	})
	require.Error(t, err)
	assert.Equal(t, derrors.KindETagConflict, derrors.KindOf(err))

	// The first entry must not have been applied either.
	_, err = gw.Read(ctx, c.ID, "/new.txt")
	assert.Equal(t, derrors.KindNotFound, derrors.KindOf(err))

	got, err := gw.Read(ctx, c.ID, "/guarded.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Content)
}

func TestBatchMatchingETagSucceeds(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	written, err := gw.Write(ctx, c.ID, "/guarded.txt", []byte("v1"), "")
	require.NoError(t, err)

	_, err = gw.Batch(ctx, c.ID, []BatchOp{
		{Kind: BatchOpWrite, Path: "/guarded.txt", Content: []byte("v2"), IfMatchETag: written.ETag},
	})
	require.NoError(t, err)

	got, err := gw.Read(ctx, c.ID, "/guarded.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Content)
}

func TestBatchPathViolationFailsWholeBatch(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Batch(ctx, c.ID, []BatchOp{
		{Kind: BatchOpWrite, Path: "/fine.txt", Content: []byte("x")},
		{Kind: BatchOpWrite, Path: "/workspace/../etc/evil", Content: []byte("x")},
	})
	require.Error(t, err)
	assert.Equal(t, derrors.KindPathViolation, derrors.KindOf(err))

	_, err = gw.Read(ctx, c.ID, "/fine.txt")
	assert.Equal(t, derrors.KindNotFound, derrors.KindOf(err))
}
