package workspace

import (
	"context"
	"os"
	"path/filepath"

	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
	"github.com/pvliesdonk/mcp-devbench/pkg/events"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
)

// BatchOpKind selects what a single batch entry does.
type BatchOpKind string

const (
	BatchOpWrite  BatchOpKind = "write"
	BatchOpDelete BatchOpKind = "delete"
)

// BatchOp is one entry of a grouped filesystem mutation.
type BatchOp struct {
	Kind        BatchOpKind
	Path        string
	Content     []byte
	IfMatchETag string
}

// BatchResult reports how many entries a committed batch applied.
type BatchResult struct {
	Applied int
}

// Batch groups several write/delete operations against one container.
// Every path is resolved and every IfMatchETag validated before anything
// is mutated, and all writes are staged to temporary names first, so a
// batch that fails validation or staging leaves the workspace untouched.
// The commit applies the entries in request order and stops at the first
// error; entries committed before that error are not rolled back.
func (g *Gateway) Batch(ctx context.Context, containerID string, ops []BatchOp) (*BatchResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WorkspaceOpDuration, "batch")

	root, err := g.hostRoot(ctx, containerID)
	if err != nil {
		return nil, err
	}

	type stagedOp struct {
		op       BatchOp
		hostPath string
		tempPath string
	}

	staged := make([]stagedOp, 0, len(ops))
	cleanup := func() {
		for _, s := range staged {
			if s.tempPath != "" {
				_ = os.Remove(s.tempPath)
			}
		}
	}

	// Resolve and validate everything before mutating anything.
	for _, op := range ops {
		var hostPath string
		switch op.Kind {
		case BatchOpWrite:
			hostPath, err = resolveParentForCreate(root, op.Path)
		case BatchOpDelete:
			hostPath, err = resolveHostPath(root, op.Path, true)
		default:
			return nil, derrors.New(derrors.KindInternal, "unknown batch operation kind")
		}
		if err != nil {
			return nil, err
		}
		if op.Kind == BatchOpDelete && hostPath == filepath.Clean(root) {
			return nil, derrors.New(derrors.KindPathViolation, "cannot delete workspace root")
		}

		if op.IfMatchETag != "" {
			info, statErr := os.Stat(hostPath)
			if os.IsNotExist(statErr) {
				return nil, derrors.New(derrors.KindETagConflict, "if_match_etag provided but file does not exist: "+op.Path)
			}
			if statErr != nil || info.IsDir() {
				return nil, derrors.New(derrors.KindETagConflict, "if_match_etag target is not a regular file: "+op.Path)
			}
			existing, readErr := os.ReadFile(hostPath)
			if readErr != nil {
				return nil, derrors.Wrap(derrors.KindInternal, "read file for etag validation", readErr)
			}
			if computeETag(info.Size(), info.ModTime().UnixNano(), existing) != op.IfMatchETag {
				return nil, derrors.New(derrors.KindETagConflict, "if_match_etag does not match current ETag: "+op.Path)
			}
		}
		staged = append(staged, stagedOp{op: op, hostPath: hostPath})
	}

	// Stage every write; any failure here discards the staging files.
	for i := range staged {
		if staged[i].op.Kind != BatchOpWrite {
			continue
		}
		dir := filepath.Dir(staged[i].hostPath)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			cleanup()
			return nil, derrors.Wrap(derrors.KindInternal, "create parent directory", err)
		}
		tmp, err := os.CreateTemp(dir, ".devbench-batch-*")
		if err != nil {
			cleanup()
			return nil, derrors.Wrap(derrors.KindInternal, "stage batch write", err)
		}
		staged[i].tempPath = tmp.Name()
		if _, err := tmp.Write(staged[i].op.Content); err != nil {
			tmp.Close()
			cleanup()
			return nil, derrors.Wrap(derrors.KindInternal, "stage batch write", err)
		}
		if err := tmp.Close(); err != nil {
			cleanup()
			return nil, derrors.Wrap(derrors.KindInternal, "stage batch write", err)
		}
	}

	// Commit in request order: a write is a rename, a delete a removal.
	applied := 0
	for _, s := range staged {
		switch s.op.Kind {
		case BatchOpWrite:
			if err := os.Rename(s.tempPath, s.hostPath); err != nil {
				cleanup()
				return nil, derrors.Wrap(derrors.KindInternal, "commit batch write", err)
			}
			g.publish(events.EventFsWrite, containerID, s.op.Path)
		case BatchOpDelete:
			if err := os.RemoveAll(s.hostPath); err != nil {
				cleanup()
				return nil, derrors.Wrap(derrors.KindInternal, "commit batch delete", err)
			}
			g.publish(events.EventFsDelete, containerID, s.op.Path)
		}
		applied++
	}

	return &BatchResult{Applied: applied}, nil
}
