// Package model describes the plaintext neural networks the service can
// share and serve: an ordered sequence of layer descriptors with their
// weights.
//
// Three layer kinds are supported. Dense computes W*x + b. ReLU and Square
// are element-wise activations; Square exists because it avoids the small
// sign leak of the interactive ReLU protocol and is the common choice in
// encrypted-inference settings.
//
// A Model is immutable once built. Forward runs the plaintext computation
// and is the reference against which the secret-shared pipeline is checked.
package model
