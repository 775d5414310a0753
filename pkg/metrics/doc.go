/*
Package metrics provides Prometheus metrics collection and exposition for the
devbench server.

Metrics cover containers and executions by status, per-container exec
concurrency, ring buffer size/eviction counts, workspace operation latency,
reconciliation cycle duration, and warm pool size/claims. Handler exposes
them for scraping; Timer is a small helper for observing operation duration
into a histogram.
*/
package metrics
