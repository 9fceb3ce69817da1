// Package mocknet provides an in-process implementation of the transport
// Messenger interface backed by in-memory message queues.
//
// It serves two purposes: protocol tests run entire clusters inside a single
// test binary with zero network setup, and self-managed clusters use the same
// queues to wire coordinator and party goroutines together in production
// single-process deployments.
package mocknet
