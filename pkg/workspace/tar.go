package workspace

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
)

// TarExport streams a tar archive of path, filtered by includeGlobs and
// excludeGlobs (evaluated against the path relative to the exported root).
// An empty includeGlobs matches everything. For adopted containers whose
// workspace has no recorded host directory, the archive is pulled through
// the runtime adapter instead; glob filtering is host-side only and is
// rejected for such containers.
func (g *Gateway) TarExport(ctx context.Context, containerID, path string, includeGlobs, excludeGlobs []string) (io.ReadCloser, error) {
	c, err := g.containers.Resolve(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if c.WorkspaceVolume == "" {
		if len(includeGlobs) > 0 || len(excludeGlobs) > 0 {
			return nil, derrors.New(derrors.KindPathViolation, "glob filters are not supported for containers without a host-side workspace")
		}
		contained, err := cleanContainedPath(path)
		if err != nil {
			return nil, err
		}
		return g.containers.Adapter().CopyOut(ctx, c.RuntimeID, contained)
	}

	root := c.WorkspaceVolume
	hostPath, err := resolveHostPath(root, path, true)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(hostPath); err != nil {
		if os.IsNotExist(err) {
			return nil, derrors.New(derrors.KindNotFound, "path not found")
		}
		return nil, derrors.Wrap(derrors.KindInternal, "stat export root", err)
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.Walk(hostPath, func(p string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel, err := filepath.Rel(hostPath, p)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			relSlash := filepath.ToSlash(rel)
			if !globMatch(relSlash, includeGlobs, excludeGlobs) {
				return nil
			}

			link := ""
			if info.Mode()&os.ModeSymlink != 0 {
				link, err = os.Readlink(p)
				if err != nil {
					return err
				}
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = relSlash
			if info.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if info.Mode().IsRegular() {
				f, err := os.Open(p)
				if err != nil {
					return err
				}
				defer f.Close()
				if _, err := io.Copy(tw, f); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			err = tw.Close()
		}
		pw.CloseWithError(err)
	}()

	return pr, nil
}

// globMatch reports whether relPath should be included: it must match at
// least one include glob (or includeGlobs is empty) and no exclude glob.
func globMatch(relPath string, includeGlobs, excludeGlobs []string) bool {
	for _, pattern := range excludeGlobs {
		if ok, _ := filepath.Match(pattern, relPath); ok {
			return false
		}
	}
	if len(includeGlobs) == 0 {
		return true
	}
	for _, pattern := range includeGlobs {
		if ok, _ := filepath.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

// ImportSummary reports the outcome of a tar_import.
type ImportSummary struct {
	FilesWritten int
	BytesWritten int64
}

// TarImport unpacks stream into a staging directory under dest's parent,
// then atomically renames it into place, so a failure partway through
// leaves the existing dest untouched. Entries with an absolute symlink
// target, or any target that would resolve outside dest, are rejected and
// the whole import rolls back. For adopted containers whose workspace has
// no recorded host directory, the stream is piped through the runtime
// adapter into an in-container tar; containment there comes from the
// container's own mount configuration (the rootfs is read-only everywhere
// but /workspace), not from staging.
func (g *Gateway) TarImport(ctx context.Context, containerID, dest string, stream io.Reader) (*ImportSummary, error) {
	c, err := g.containers.Resolve(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if c.WorkspaceVolume == "" {
		contained, err := cleanContainedPath(dest)
		if err != nil {
			return nil, err
		}
		if err := g.containers.Adapter().CopyIn(ctx, c.RuntimeID, contained, stream); err != nil {
			return nil, err
		}
		return &ImportSummary{}, nil
	}

	root := c.WorkspaceVolume
	hostDest, err := resolveParentForCreate(root, dest)
	if err != nil {
		return nil, err
	}

	stagingDir, err := os.MkdirTemp(filepath.Dir(hostDest), ".devbench-import-*")
	if err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "create staging directory", err)
	}
	defer os.RemoveAll(stagingDir)

	summary, err := unpackTar(stream, stagingDir)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(hostDest); err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "clear import destination", err)
	}
	if err := os.Rename(stagingDir, hostDest); err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "commit import", err)
	}

	return summary, nil
}

func unpackTar(stream io.Reader, stagingDir string) (*ImportSummary, error) {
	summary := &ImportSummary{}
	tr := tar.NewReader(stream)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, derrors.Wrap(derrors.KindInternal, "read tar entry", err)
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return nil, derrors.New(derrors.KindPathViolation, "tar entry escapes import destination: "+hdr.Name)
		}
		target := filepath.Join(stagingDir, name)
		if !isWithin(stagingDir, target) {
			return nil, derrors.New(derrors.KindPathViolation, "tar entry escapes import destination: "+hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return nil, derrors.Wrap(derrors.KindInternal, "create directory from tar", err)
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return nil, derrors.New(derrors.KindPathViolation, "tar entry has absolute symlink target: "+hdr.Name)
			}
			linkTarget := filepath.Join(filepath.Dir(target), hdr.Linkname)
			if !isWithin(stagingDir, linkTarget) {
				return nil, derrors.New(derrors.KindPathViolation, "tar symlink escapes import destination: "+hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return nil, derrors.Wrap(derrors.KindInternal, "create parent for symlink", err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return nil, derrors.Wrap(derrors.KindInternal, "create symlink from tar", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return nil, derrors.Wrap(derrors.KindInternal, "create parent for file", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return nil, derrors.Wrap(derrors.KindInternal, "create file from tar", err)
			}
			n, err := io.Copy(f, tr)
			f.Close()
			if err != nil {
				return nil, derrors.Wrap(derrors.KindInternal, "write file from tar", err)
			}
			summary.FilesWritten++
			summary.BytesWritten += n
		default:
			// Skip device files, fifos, etc. — not meaningful inside a
			// workspace volume.
		}
	}

	return summary, nil
}
