package api

import (
	"context"
	"net/http"
	"time"

	"github.com/pvliesdonk/mcp-devbench/pkg/health"
	"github.com/pvliesdonk/mcp-devbench/pkg/metrics"
	"github.com/pvliesdonk/mcp-devbench/pkg/runtime"
	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
)

// HTTPServer exposes the ambient /healthz, /ready, /livez, and /metrics
// endpoints over plain net/http. It is independent of the tool-RPC
// Server: an operator probes it without going through a tool call.
type HTTPServer struct {
	mux *http.ServeMux
}

// NewHTTPServer builds the handler over the given health registry. The
// registry's component states are populated by the caller and by
// WatchStore/WatchRuntime, started once those collaborators exist.
func NewHTTPServer(reg *health.Registry) *HTTPServer {
	mux := http.NewServeMux()
	mux.Handle("/healthz", reg.OverallHandler())
	mux.Handle("/ready", reg.ReadyHandler())
	mux.Handle("/livez", reg.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	return &HTTPServer{mux: mux}
}

// Handler returns the http.Handler to bind a listener to.
func (h *HTTPServer) Handler() http.Handler {
	return h.mux
}

// WatchStore periodically probes the store with a cheap read and reflects
// the result into the registry's "store" component.
func WatchStore(ctx context.Context, reg *health.Registry, store storage.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	probe := func() {
		_, err := store.ListContainers(ctx)
		if err != nil {
			reg.Set("store", false, err.Error())
			return
		}
		reg.Set("store", true, "")
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// WatchRuntime periodically probes the runtime adapter by listing
// devbench-labeled containers and reflects the result into the registry's
// "containerd" component.
func WatchRuntime(ctx context.Context, reg *health.Registry, adapter runtime.Adapter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	probe := func() {
		_, err := adapter.ListByLabel(ctx, runtime.LabelNamespaceKey, runtime.LabelNamespace)
		if err != nil {
			reg.Set("containerd", false, err.Error())
			return
		}
		reg.Set("containerd", true, "")
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
