/*
Package storage provides bbolt-backed persistence for the devbench control
plane: containers, attachments, executions, and idempotency keys. It is the
sole source of truth for which containers belong to the system, independent
of what the runtime currently reports — the reconciler reads both sides and
decides what to do about disagreements, but storage itself never guesses.

# Layout

One top-level bucket per entity, each JSON-encoded and keyed by its natural
id:

	containers        keyed by container id
	attachments        keyed by "<container_id>/<session_id>"
	execs              keyed by exec id
	idempotency_keys   keyed by the caller-supplied key
	meta               schema_version and other process-wide bookkeeping

Every mutating call runs inside a single bbolt read-write transaction, so a
container or exec row is never observed half-written. Alias uniqueness
is enforced by scanning the containers bucket for a live (non-terminal)
row with the same alias inside the same transaction as the write — bbolt
has no secondary indexes, so uniqueness is enforced at the call site rather
than by a separate index structure.

# Migrations

Migrate creates every bucket the binary needs and stamps schema_version if
absent. It must run to completion before the server accepts any tool call;
cmd/devbenchd-migrate exposes this as a standalone, backup-then-migrate CLI
for operators who want to run it ahead of a binary upgrade.
*/
package storage
