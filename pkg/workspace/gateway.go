package workspace

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/containermgr"
	derrors "github.com/pvliesdonk/mcp-devbench/pkg/errors"
	"github.com/pvliesdonk/mcp-devbench/pkg/events"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
)

// Gateway implements the fs_* tool operations against each container's
// host-side workspace directory.
type Gateway struct {
	containers *containermgr.Manager
	events     *events.Broker
}

// New constructs a Gateway.
func New(containers *containermgr.Manager, broker *events.Broker) *Gateway {
	return &Gateway{containers: containers, events: broker}
}

// ReadResult is the response shape for fs_read.
type ReadResult struct {
	Content  []byte
	Size     int64
	ETag     string
	MTime    time.Time
	MimeType string
}

// StatResult is the response shape for fs_stat and each entry of fs_list.
type StatResult struct {
	Path  string
	Size  int64
	ETag  string
	MTime time.Time
	IsDir bool
}

// WriteResult is the response shape for fs_write.
type WriteResult struct {
	ETag string
	Size int64
}

func (g *Gateway) hostRoot(ctx context.Context, containerID string) (string, error) {
	c, err := g.containers.Resolve(ctx, containerID)
	if err != nil {
		return "", err
	}
	if c.WorkspaceVolume == "" {
		// Adopted containers have no recorded host-side workspace; only the
		// tar operations, which can stream through the runtime, work there.
		return "", derrors.New(derrors.KindNotFound, "container has no host-side workspace directory")
	}
	return c.WorkspaceVolume, nil
}

// Read returns a file's content, size, ETag, and modification time.
func (g *Gateway) Read(ctx context.Context, containerID, path string) (*ReadResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WorkspaceOpDuration, "read")

	root, err := g.hostRoot(ctx, containerID)
	if err != nil {
		return nil, err
	}
	hostPath, err := resolveHostPath(root, path, true)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if os.IsNotExist(err) {
		return nil, derrors.New(derrors.KindNotFound, "path not found")
	}
	if err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "stat file", err)
	}
	if info.IsDir() {
		return nil, derrors.New(derrors.KindPathViolation, "path is a directory")
	}

	content, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "read file", err)
	}

	return &ReadResult{
		Content:  content,
		Size:     info.Size(),
		ETag:     computeETag(info.Size(), info.ModTime().UnixNano(), content),
		MTime:    info.ModTime(),
		MimeType: detectMimeType(hostPath, content),
	}, nil
}

// Write atomically replaces (or creates) a file: content is written to a
// staged name in the same directory, then renamed into place, so a reader
// never observes a partial write.
func (g *Gateway) Write(ctx context.Context, containerID, path string, content []byte, ifMatchETag string) (*WriteResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WorkspaceOpDuration, "write")

	root, err := g.hostRoot(ctx, containerID)
	if err != nil {
		return nil, err
	}
	hostPath, err := resolveParentForCreate(root, path)
	if err != nil {
		return nil, err
	}

	if ifMatchETag != "" {
		if info, statErr := os.Stat(hostPath); statErr == nil && !info.IsDir() {
			existing, readErr := os.ReadFile(hostPath)
			if readErr == nil {
				currentETag := computeETag(info.Size(), info.ModTime().UnixNano(), existing)
				if currentETag != ifMatchETag {
					return nil, derrors.New(derrors.KindETagConflict, "if_match_etag does not match current ETag")
				}
			}
		} else if os.IsNotExist(statErr) {
			return nil, derrors.New(derrors.KindETagConflict, "if_match_etag provided but file does not exist")
		}
	}

	if err := os.MkdirAll(filepath.Dir(hostPath), 0o700); err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "create parent directory", err)
	}

	if err := atomicWrite(hostPath, content); err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "write file", err)
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "stat written file", err)
	}

	g.publish(events.EventFsWrite, containerID, path)
	return &WriteResult{ETag: computeETag(info.Size(), info.ModTime().UnixNano(), content), Size: info.Size()}, nil
}

// atomicWrite writes content to a temp file in dest's directory and renames
// it over dest, so readers never see a partial write.
func atomicWrite(dest string, content []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".devbench-write-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dest)
}

// Delete removes a file or directory tree.
func (g *Gateway) Delete(ctx context.Context, containerID, path string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WorkspaceOpDuration, "delete")

	root, err := g.hostRoot(ctx, containerID)
	if err != nil {
		return err
	}
	hostPath, err := resolveHostPath(root, path, true)
	if err != nil {
		return err
	}
	if hostPath == filepath.Clean(root) {
		return derrors.New(derrors.KindPathViolation, "cannot delete workspace root")
	}

	if err := os.RemoveAll(hostPath); err != nil {
		return derrors.Wrap(derrors.KindInternal, "delete path", err)
	}
	g.publish(events.EventFsDelete, containerID, path)
	return nil
}

// Stat returns metadata for a single path.
func (g *Gateway) Stat(ctx context.Context, containerID, path string) (*StatResult, error) {
	root, err := g.hostRoot(ctx, containerID)
	if err != nil {
		return nil, err
	}
	hostPath, err := resolveHostPath(root, path, true)
	if err != nil {
		return nil, err
	}
	return statHostPath(path, hostPath)
}

func statHostPath(clientPath, hostPath string) (*StatResult, error) {
	info, err := os.Stat(hostPath)
	if os.IsNotExist(err) {
		return nil, derrors.New(derrors.KindNotFound, "path not found")
	}
	if err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "stat path", err)
	}

	result := &StatResult{Path: clientPath, Size: info.Size(), MTime: info.ModTime(), IsDir: info.IsDir()}
	if !info.IsDir() {
		content, err := os.ReadFile(hostPath)
		if err == nil {
			result.ETag = computeETag(info.Size(), info.ModTime().UnixNano(), content)
		}
	}
	return result, nil
}

// List returns the immediate children of a directory.
func (g *Gateway) List(ctx context.Context, containerID, path string) ([]StatResult, error) {
	root, err := g.hostRoot(ctx, containerID)
	if err != nil {
		return nil, err
	}
	hostPath, err := resolveHostPath(root, path, true)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(hostPath)
	if os.IsNotExist(err) {
		return nil, derrors.New(derrors.KindNotFound, "path not found")
	}
	if err != nil {
		return nil, derrors.Wrap(derrors.KindInternal, "list directory", err)
	}

	clientBase := path
	results := make([]StatResult, 0, len(entries))
	for _, entry := range entries {
		childHost := filepath.Join(hostPath, entry.Name())
		childClient := filepath.ToSlash(filepath.Join(clientBase, entry.Name()))
		st, err := statHostPath(childClient, childHost)
		if err != nil {
			continue
		}
		results = append(results, *st)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

func (g *Gateway) publish(t events.EventType, containerID, path string) {
	if g.events == nil {
		return
	}
	g.events.Publish(&events.Event{
		Type:    t,
		Message: "workspace mutation",
		Metadata: map[string]string{
			"container_id": containerID,
			"path":         path,
		},
	})
}

// detectMimeType gives an advisory MIME type derived from the file's
// extension, falling back to content sniffing via net/http; neither source
// is authoritative.
func detectMimeType(hostPath string, content []byte) string {
	if ext := filepath.Ext(hostPath); ext != "" {
		if mt, ok := suffixMimeTypes[ext]; ok {
			return mt
		}
	}
	n := len(content)
	if n > 512 {
		n = 512
	}
	return http.DetectContentType(content[:n])
}

var suffixMimeTypes = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".sh":   "application/x-sh",
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
}
