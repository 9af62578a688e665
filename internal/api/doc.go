// Package api hosts the optional operator HTTP surface that runs alongside a
// crawl. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress and /v1/progress/{crawl_id} for live crawl snapshots.
package api
