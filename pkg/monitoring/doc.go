// Package monitoring provides Prometheus metrics and recording helpers for
// the engine. It exposes domain-specific gauges and counters against its
// own registry, so several engines in one test binary do not collide with
// the default registry.
//
// All metrics follow the naming convention miniplane_<component>_<metric>_<unit>.
//
// Usage in controllers:
//
//	monitoring.RecordReconcile("binder", err, elapsed)
//	monitoring.SetStatefulSetReplicas(set.Name, set.Namespace, desired, ready)
package monitoring
