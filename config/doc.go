// Package config loads the relay's cluster configuration.
// This package implements:
// - The line-oriented key=value cluster file (self, port, peer addresses)
// - Environment tunables for the runtime (queue, backoff, metrics, logging)
package config
