// Package transport defines the abstraction that glues the secure inference
// protocol to the underlying network.
//
// The core interface is `Messenger`, a minimal set of primitives used by
// every protocol round:
//
//	MessageSend(ctx, receiver, data)
//	MessageReceive(ctx, sender)
//	MessagesReceive(ctx, senders)
//
// A Messenger delivers opaque byte slices between numbered nodes and knows
// nothing about envelopes, rounds or shares. Deployments can swap transport
// mechanisms without touching any of the share arithmetic.
//
// Out of the box the repository provides two implementations:
//
//   - mocknet: an in-process, fully deterministic transport for tests and
//     for self-managed clusters that run every party in one process
//   - tcpnet: a framed TCP transport, optionally wrapped in TLS, for
//     externally managed clusters where each party is its own process
//
// Custom Messengers (gRPC, message queues) slot in the same way.
package transport
