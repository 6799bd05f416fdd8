// Package health provides composable health check probes and HTTP handlers
// for liveness and readiness endpoints.
//
// Probes can be combined with [All] (AND), [Any] (OR), and [Fixed] (static).
// [CheckFunc] adapts a plain function into a [Probe].
//
// [ShutdownGate] coordinates graceful shutdown: once closed, readiness probes
// fail immediately (via atomic.Bool) so load balancers stop sending traffic
// before in-flight requests are drained.
//
// Readiness here is composed from the gate and the relational store ping.
// The kv store is deliberately excluded: its consumers degrade per-request
// (rate limiting denies, caching re-renders), which is preferable to pulling
// the whole instance out of rotation.
package health
