// Package tensor provides the numeric containers used throughout the secure
// serving stack: plaintext float64 tensors and their fixed-point images in
// the ring Z_2^64.
//
// Plaintext values enter the system as a Tensor, are quantized into a
// RingTensor with a configurable number of fraction bits, and from then on
// every arithmetic step (secret sharing, masked opens, local linear algebra)
// happens on int64 values with two's-complement wraparound. The ring
// arithmetic is exact; the only approximation in the whole pipeline is the
// initial quantization and the rescaling after multiplications.
//
// Shapes are row-major. Operations never mutate their receivers; they return
// fresh tensors and report shape mismatches as errors.
package tensor
