// Package serving is the user-facing surface of the inference service. A
// SecureModel binds a plaintext model to a running cluster, walks the
// Plain -> Shared -> Serving -> Stopped lifecycle, and answers predictions
// by driving the share protocol through the cluster's coordinator.
//
// The serving process never reassembles the weights: sharing splits them
// once and every later step works on shares. Reconstruction of a prediction
// happens from the parties' partial outputs only.
package serving
