package workspace

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
)

func TestTarExportImportRoundTripsTree(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/src/main.go", []byte("package main\n"), "")
	require.NoError(t, err)
	_, err = gw.Write(ctx, c.ID, "/src/nested/util.go", []byte("package nested\n"), "")
	require.NoError(t, err)

	stream, err := gw.TarExport(ctx, c.ID, "/src", nil, nil)
	require.NoError(t, err)
	archive, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	_, err = gw.TarImport(ctx, c.ID, "/copy", bytes.NewReader(archive))
	require.NoError(t, err)

	got, err := gw.Read(ctx, c.ID, "/copy/main.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("package main\n"), got.Content)

	got, err = gw.Read(ctx, c.ID, "/copy/nested/util.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("package nested\n"), got.Content)
}

func TestTarExportHonorsGlobs(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/proj/keep.go", []byte("keep"), "")
	require.NoError(t, err)
	_, err = gw.Write(ctx, c.ID, "/proj/skip.log", []byte("skip"), "")
	require.NoError(t, err)

	stream, err := gw.TarExport(ctx, c.ID, "/proj", []string{"*.go"}, nil)
	require.NoError(t, err)
	defer stream.Close()

	names := tarEntryNames(t, stream)
	assert.Contains(t, names, "keep.go")
	assert.NotContains(t, names, "skip.log")
}

func TestTarExportExcludeGlobWinsOverInclude(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/proj/a.go", []byte("a"), "")
	require.NoError(t, err)
	_, err = gw.Write(ctx, c.ID, "/proj/a_test.go", []byte("b"), "")
	require.NoError(t, err)

	stream, err := gw.TarExport(ctx, c.ID, "/proj", []string{"*.go"}, []string{"*_test.go"})
	require.NoError(t, err)
	defer stream.Close()

	names := tarEntryNames(t, stream)
	assert.Contains(t, names, "a.go")
	assert.NotContains(t, names, "a_test.go")
}

func TestTarExportMissingPathReturnsNotFound(t *testing.T) {
	gw, c := newTestGateway(t)
	_, err := gw.TarExport(context.Background(), c.ID, "/nope", nil, nil)
	require.Error(t, err)
	assert.Equal(t, derrors.KindNotFound, derrors.KindOf(err))
}

func TestTarImportRejectsEntryEscapingDest(t *testing.T) {
	gw, c := newTestGateway(t)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: 4, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("boom"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, err = gw.TarImport(context.Background(), c.ID, "/dest", &buf)
	require.Error(t, err)
	assert.Equal(t, derrors.KindPathViolation, derrors.KindOf(err))
}

func TestTarImportRejectsAbsoluteSymlinkTarget(t *testing.T) {
	gw, c := newTestGateway(t)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "evil", Linkname: "/etc/passwd", Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.Close())

	_, err := gw.TarImport(context.Background(), c.ID, "/dest", &buf)
	require.Error(t, err)
	assert.Equal(t, derrors.KindPathViolation, derrors.KindOf(err))
}

func TestTarImportPreservesRelativeSymlink(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "target.txt", Mode: 0o644, Size: 2, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "link", Linkname: "target.txt", Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.Close())

	_, err = gw.TarImport(ctx, c.ID, "/dest", &buf)
	require.NoError(t, err)

	root, err := gw.hostRoot(ctx, c.ID)
	require.NoError(t, err)
	link, err := os.Readlink(filepath.Join(root, "dest", "link"))
	require.NoError(t, err)
	assert.Equal(t, "target.txt", link)
}

func TestTarImportFailureLeavesExistingDestUntouched(t *testing.T) {
	gw, c := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Write(ctx, c.ID, "/dest/original.txt", []byte("original"), "")
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "new.txt", Mode: 0o644, Size: 3, Typeflag: tar.TypeReg}))
	_, err = tw.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "bad", Linkname: "/abs", Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.Close())

	_, err = gw.TarImport(ctx, c.ID, "/dest", &buf)
	require.Error(t, err)

	got, err := gw.Read(ctx, c.ID, "/dest/original.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got.Content)
}

func tarEntryNames(t *testing.T, stream io.Reader) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}
