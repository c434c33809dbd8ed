// Package metrics defines the Prometheus metrics of the service. Metrics are
// registered against an injected registerer so tests can use isolated
// registries.
package metrics
