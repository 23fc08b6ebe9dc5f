// Package metrics exposes Prometheus instrumentation for the subscription
// engine: subscription/event-record occupancy gauges (kept current by
// Collector), transaction/RPC/notification/operational duration
// histograms (updated inline via Timer at the call site), and a generic
// HealthChecker used by the admin HTTP surface in pkg/api.
//
// Usage at a call site:
//
//	timer := metrics.NewTimer()
//	defer timer.ObserveDuration(metrics.RPCDispatchDuration)
package metrics
