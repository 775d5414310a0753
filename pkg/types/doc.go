/*
Package types defines the core data structures used throughout the devbench
server: containers, attachments, executions, idempotency records, and the
output frames streamed back from a running execution.

All types are plain structs intended for JSON persistence in pkg/storage and
for direct use across component boundaries — there is no wire format
conversion layer in this package, since tool-RPC framing is a concern owned
by the collaborator that embeds this server.

Enums follow the typed string-const pattern used throughout this codebase:

	type ExecStatus string
	const (
	    ExecStatusQueued  ExecStatus = "queued"
	    ExecStatusRunning ExecStatus = "running"
	)

Optional fields use pointers (Attachment.DetachedAt, Execution.ExitCode) so a
zero value and "not yet known" remain distinguishable in JSON.
*/
package types
