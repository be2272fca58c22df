// Package network implements the relay's TCP plumbing.
// This package implements:
// - Length-prefixed framing (4-byte big-endian header, 64 KiB payload cap)
// - An epoll event loop with token registry and cross-goroutine wakeup
// - The inbound listener (Node) and the outbound fan-out (Broadcaster)
// - Relay, which wires the two loops together
package network
