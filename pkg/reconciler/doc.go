/*
Package reconciler keeps the runtime daemon and the state store in
agreement through crashes and planned restarts, and owns the warm pool.
It runs three independent passes; the last two are driven by tickers:

  - Boot reconciliation runs once at startup, before the server accepts
    requests: list runtime containers by namespace label, adopt any the
    store does not know about, mark stopped any store row with no matching
    runtime object, and fail any execution the store still shows as
    running (it could not have survived the restart).
  - Periodic maintenance runs on a fixed interval: transient containers
    past their TTL are stopped and removed, terminated executions past
    their retention window are deleted, and expired idempotency keys are
    purged.
  - Warm pool maintenance tops up the configured pool size with freshly
    spawned warm containers and replaces any that the exec-based health
    check marks unhealthy (after health.DefaultConfig().Retries consecutive
    failures).
*/
package reconciler
