// Package mpc implements the party runtime and the coordinator driver for
// secret-shared neural network inference.
//
// A model is additively shared across N party servers; each inference request
// walks the layer list as a fixed sequence of protocol rounds, two per layer.
// A round is always the same shape: every party broadcasts one masked vector
// to its peers, sums the N contributions into a public opened value, and
// folds that value into its local share of the next activation. The masks
// come from correlated randomness dealt per request by the coordinator, which
// also owns the plaintext model and therefore acts as the trusted dealer. No
// proper subset of parties ever holds enough to recover weights, inputs or
// activations.
//
// The two sides of the wire:
//
//   - Party: a long-running server loop. It stores this party's weight
//     shares, tracks per-request protocol state and executes rounds against
//     its peers. Faults (malformed peer payloads, round mismatches) latch the
//     party into a refusing state until restart.
//   - Coordinator: the client side used by the serving layer. It loads
//     shares, deals round material, drives steps and collects the partial
//     outputs that the caller reconstructs.
//
// Both sides speak JSON envelopes over a `transport.Messenger`, so the same
// protocol code runs against the in-process mocknet in tests and the framed
// TCP mesh in production. Parties occupy mesh indices 0..n-1, the coordinator
// sits at index n and never accepts connections.
//
// Quick example (three in-process parties answering one request) lives in the
// serving package, which composes Party, Coordinator and the share encoder
// into the user-facing SecureModel.
package mpc
