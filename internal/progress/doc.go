// Package progress provides the crawl event primitives, a non-blocking hub,
// and the emitter interface that the orchestrator and its workers use to
// report progress. The hub batches events on a background goroutine and fans
// them out to pluggable sinks such as structured logs, Prometheus collectors,
// or the in-memory snapshot served over HTTP.
package progress
