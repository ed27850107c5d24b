// Package server implements the linechat reactor: a single goroutine that
// waits on one readiness mechanism, accepts TCP clients, reads
// newline-delimited messages from each without blocking, and broadcasts every
// message to all other connected clients.
//
// The implementation is organized into specialized files for connections,
// the registry, line framing, broadcasting, accepting, and the event loop,
// with the platform readiness mechanism kept behind the Poller and Transport
// interfaces so the loop can be driven deterministically in tests.
package server
