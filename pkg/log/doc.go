/*
Package log wraps zerolog with the devbench server's logging conventions:
a global structured logger configured once at startup via Init, and
component-scoped child loggers (WithComponent, WithContainerID, WithExecID)
handed to each subsystem so every line it emits carries that context without
every call site repeating it.

Output is JSON by default (for ingestion by a log pipeline) or a
human-readable console writer when Config.JSONOutput is false, matching how
the server's CLI flags --log-level/--log-json are wired in cmd/devbenchd.
*/
package log
