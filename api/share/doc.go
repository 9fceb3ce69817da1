// Package share implements additive N-of-N secret sharing over the ring
// Z_2^64, the encoding used to split model weights and inference inputs
// across the serving parties.
//
// A value is quantized into fixed point (see the tensor package) and split
// into N shares: N-1 uniform random masks drawn from a keyed BLAKE2b XOF
// stream, plus one share that makes the ring sum equal the secret. Every
// proper subset of the shares is uniformly distributed and therefore reveals
// nothing about the secret; only the complete set reconstructs it.
//
// The package also provides the Dealer, the randomness source used by the
// coordinator to produce per-request correlated material (masks, products of
// masks, truncation pairs). The dealer knows the plaintext of what it deals;
// the parties only ever see their own share of it.
package share
