/*
Package health covers both sides of the server's health story.

For containers: checker/status primitives used by the warm pool to decide
whether a pre-created container is still usable. Checker is a small
interface (Check, Type) so the warm-pool health loop does not need to know
which kind of check it is running; ExecChecker is the only implementation
this server needs, since a warm container exposes no application port to
probe over HTTP or TCP — its health is "does a no-op command still exit
zero inside it." Status applies hysteresis: a run of Retries consecutive
failures, not a single bad check, flips Healthy to false, so a transient
exec error does not cause the warm pool to replace a container that is
actually fine.

For the process itself: Registry tracks the liveness of the server's own
subsystems (state store, containerd connection, tool surface) and serves
the aggregate over the /healthz, /ready, and /livez HTTP handlers. It is
constructed once at startup and passed explicitly to whoever reports into
it; readiness gates on the critical components named at construction.
*/
package health
