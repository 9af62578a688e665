// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, and an in-memory snapshot served by the operator API.
// Each sink satisfies progress.Sink and tolerates repeated Consume calls.
package sinks
