package workspace

import (
	"os"
	"path/filepath"
	"testing"

	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveHostPathWithinRoot(t *testing.T) {
	root := t.TempDir()

	hostPath, err := resolveHostPath(root, "/foo/bar.txt", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "foo", "bar.txt"), hostPath)
}

func TestResolveHostPathAcceptsExplicitWorkspacePrefix(t *testing.T) {
	root := t.TempDir()

	hostPath, err := resolveHostPath(root, "/workspace/foo/bar.txt", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "foo", "bar.txt"), hostPath)
}

func TestResolveHostPathRejectsLiteralDotDotEvenWhenContained(t *testing.T) {
	root := t.TempDir()

	// /workspace/a/../b would fold to a contained path, but the literal
	// ".." segment is rejected before normalization.
	_, err := resolveHostPath(root, "/workspace/a/../b", false)
	require.Error(t, err)
	assert.Equal(t, derrors.KindPathViolation, err.(*derrors.Error).Kind)
}

func TestResolveHostPathRejectsWorkspacePrefixedTraversal(t *testing.T) {
	root := t.TempDir()

	_, err := resolveHostPath(root, "/workspace/../etc/passwd", false)
	require.Error(t, err)
	assert.Equal(t, derrors.KindPathViolation, err.(*derrors.Error).Kind)
}

func TestResolveHostPathRejectsTraversal(t *testing.T) {
	root := t.TempDir()

	_, err := resolveHostPath(root, "../../etc/passwd", false)
	require.Error(t, err)
	assert.Equal(t, derrors.KindPathViolation, err.(*derrors.Error).Kind)
}

func TestResolveHostPathRejectsDotDotSegments(t *testing.T) {
	root := t.TempDir()

	_, err := resolveHostPath(root, "/foo/../../bar", false)
	require.Error(t, err)
	assert.Equal(t, derrors.KindPathViolation, err.(*derrors.Error).Kind)
}

func TestResolveHostPathRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	_, err := resolveHostPath(root, "/escape/file.txt", true)
	require.Error(t, err)
	assert.Equal(t, derrors.KindPathViolation, err.(*derrors.Error).Kind)
}

func TestResolveHostPathAllowsMissingTargetForCreate(t *testing.T) {
	root := t.TempDir()

	hostPath, err := resolveParentForCreate(root, "/new/nested/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "new", "nested", "file.txt"), hostPath)
}

func TestIsWithin(t *testing.T) {
	assert.True(t, isWithin("/a/b", "/a/b"))
	assert.True(t, isWithin("/a/b", "/a/b/c"))
	assert.False(t, isWithin("/a/b", "/a/c"))
	assert.False(t, isWithin("/a/b", "/a/bc"))
}
