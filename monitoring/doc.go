// Package monitoring provides metrics and observability.
// This package implements:
// - Prometheus metrics for the listener, queue and peer sessions
// - Health and peer status endpoints
package monitoring
