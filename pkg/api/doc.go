/*
Package api implements the devbench tool-RPC surface: one Go method per
tool (spawn, attach, kill, exec_start, exec_cancel, exec_poll,
fs_read/write/delete/stat/list, fs_export/fs_import, reconcile, gc,
list_containers, list_execs, status), each wired straight through to the
container manager, execution engine, workspace gateway, and reconciler.

# Architecture

Server is a thin, instrumented dispatcher over the control plane; it holds
no state of its own beyond its collaborators:

	┌────────────────────── TOOL-RPC TRANSPORT ───────────────────────┐
	│      (framing/auth/transport: supplied by the embedding host)    │
	└─────────────────────────────┬────────────────────────────────────┘
	                              │ one call per tool
	┌─────────────────────────────▼────────────────────────────────────┐
	│                      api.Server (this package)                   │
	│  - per-method metrics.Timer + devbench_api_requests_total         │
	│  - translates errors.Kind to whatever the transport needs         │
	└───┬─────────────┬───────────────┬───────────────┬────────────────┘
	    │             │               │               │
containermgr.Manager execengine.Engine workspace.Gateway reconciler.Reconciler

# HTTP surface

HTTPServer separately exposes the ambient operational endpoints: /healthz
(aggregate component health), /ready (readiness), /livez (liveness), and /metrics (Prometheus
exposition, pkg/metrics.Handler). These are plain net/http, not part of
the tool-RPC contract — the transport for the tool calls themselves is
supplied by whatever embeds this server.

# Error translation

Every method returns a plain Go error; callers at the transport boundary
extract the stable code via errors.KindOf. No method panics on a
well-formed request — invariant violations surface as errors.KindInternal
so the server keeps running.
*/
package api
