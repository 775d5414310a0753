package workspace

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
)

const mountRoot = "/workspace"

// cleanContainedPath resolves a client-supplied path against the
// /workspace root and verifies the result is /workspace or a descendant
// of it. Any literal ".." segment is rejected outright, before
// normalization; paths that do not name /workspace explicitly are taken
// as relative to it. No daemon or filesystem call is made before this
// check.
func cleanContainedPath(requestedPath string) (string, error) {
	for _, segment := range strings.Split(requestedPath, "/") {
		if segment == ".." {
			metrics.WorkspacePathViolationsTotal.Inc()
			return "", derrors.New(derrors.KindPathViolation, "path contains a .. segment")
		}
	}

	p := "/" + strings.TrimPrefix(requestedPath, "/")
	if p != mountRoot && !strings.HasPrefix(p, mountRoot+"/") {
		p = mountRoot + p
	}
	clean := path.Clean(p)
	if clean != mountRoot && !strings.HasPrefix(clean, mountRoot+"/") {
		metrics.WorkspacePathViolationsTotal.Inc()
		return "", derrors.New(derrors.KindPathViolation, "path escapes /workspace")
	}
	return clean, nil
}

// resolveHostPath turns a client-supplied container path into an absolute
// host filesystem path, enforcing containment: the cleaned path must be
// /workspace or a descendant of it, and — when checkSymlinks is true —
// resolving symlinks in the path, or in its nearest existing ancestor when
// the path does not exist yet, must not escape hostRoot either.
func resolveHostPath(hostRoot, requestedPath string, checkSymlinks bool) (string, error) {
	clean, err := cleanContainedPath(requestedPath)
	if err != nil {
		return "", err
	}

	rel := strings.TrimPrefix(clean, mountRoot)
	rel = strings.TrimPrefix(rel, "/")

	hostPath := filepath.Join(hostRoot, filepath.FromSlash(rel))
	if !isWithin(hostRoot, hostPath) {
		metrics.WorkspacePathViolationsTotal.Inc()
		return "", derrors.New(derrors.KindPathViolation, "path escapes /workspace")
	}

	if checkSymlinks {
		existing := hostPath
		resolved, err := filepath.EvalSymlinks(existing)
		for os.IsNotExist(err) && existing != filepath.Clean(hostRoot) {
			existing = filepath.Dir(existing)
			resolved, err = filepath.EvalSymlinks(existing)
		}
		if err == nil && !isWithin(hostRoot, resolved) {
			metrics.WorkspacePathViolationsTotal.Inc()
			return "", derrors.New(derrors.KindPathViolation, "symlink escapes /workspace")
		}
		// A missing target is fine here (e.g. fs_write creating a new file)
		// once its nearest existing ancestor stays inside hostRoot; any other
		// stat error is surfaced by the caller's own os call.
	}

	return hostPath, nil
}

// resolveParentForCreate resolves the host path for a not-yet-existing
// target, checking the nearest existing ancestor directory for a symlink
// escape instead of the target itself.
func resolveParentForCreate(hostRoot, requestedPath string) (string, error) {
	hostPath, err := resolveHostPath(hostRoot, requestedPath, false)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(hostPath)
	resolved, err := filepath.EvalSymlinks(dir)
	for os.IsNotExist(err) && dir != filepath.Clean(hostRoot) {
		dir = filepath.Dir(dir)
		resolved, err = filepath.EvalSymlinks(dir)
	}
	if err == nil && !isWithin(hostRoot, resolved) {
		metrics.WorkspacePathViolationsTotal.Inc()
		return "", derrors.New(derrors.KindPathViolation, "symlink escapes /workspace")
	}
	return hostPath, nil
}

func isWithin(root, candidate string) bool {
	rootClean := filepath.Clean(root)
	rel, err := filepath.Rel(rootClean, filepath.Clean(candidate))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
