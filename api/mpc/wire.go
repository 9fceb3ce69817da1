package mpc

import (
	"encoding/json"
	"fmt"

	"github.com/xxtea01/shareserve/api/model"
)

// Kind discriminates the envelope types on the wire.
type Kind string

// Coordinator to party commands, their acks, and the peer round exchange.
// Every command has exactly one ack kind; acks carry an error code when the
// command failed.
const (
	KindLoad      Kind = "load"
	KindLoaded    Kind = "loaded"
	KindDiscard   Kind = "discard"
	KindDiscarded Kind = "discarded"
	KindBegin     Kind = "begin"
	KindBegun     Kind = "begun"
	KindInput     Kind = "input"
	KindInputOK   Kind = "input-ok"
	KindStep      Kind = "step"
	KindStepDone  Kind = "step-done"
	KindAbort     Kind = "abort"
	KindAborted   Kind = "aborted"
	KindPing      Kind = "ping"
	KindPong      Kind = "pong"
	KindStop      Kind = "stop"
	KindStopped   Kind = "stopped"
	KindRound     Kind = "round"
)

// Envelope is the single message shape exchanged between nodes. JSON keeps
// int64 ring elements exact in Go on both ends; unused fields are omitted.
type Envelope struct {
	Kind    Kind   `json:"kind"`
	From    int    `json:"from"`
	Request string `json:"request,omitempty"`
	Round   int    `json:"round,omitempty"`
	Nonce   string `json:"nonce,omitempty"`

	// Ack fields. Code is one of the wire error codes; State is the party
	// lifecycle state reported by pong.
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
	State string `json:"state,omitempty"`

	// Payload fields.
	Model    *ModelSpec      `json:"model,omitempty"`
	Weights  []LayerShares   `json:"weights,omitempty"`
	Material []LayerMaterial `json:"material,omitempty"`
	Data     []int64         `json:"data,omitempty"`
}

// ModelSpec is the weight-free description of a model: the layer kinds and
// dimensions every party needs in order to run rounds over its shares.
type ModelSpec struct {
	Name     string      `json:"name"`
	FracBits int         `json:"fracBits"`
	Layers   []LayerSpec `json:"layers"`
}

// LayerSpec describes one layer. Activation layers carry no dimensions; they
// inherit the width of the preceding layer.
type LayerSpec struct {
	Kind model.LayerKind `json:"kind"`
	In   int             `json:"in,omitempty"`
	Out  int             `json:"out,omitempty"`
}

// LayerShares carries one party's additive share of one layer's parameters in
// ring form. Activation layers have empty entries to keep positions aligned
// with the model's layer list.
type LayerShares struct {
	Weights []int64 `json:"weights,omitempty"`
	Bias    []int64 `json:"bias,omitempty"`
}

// LayerMaterial carries one party's share of the correlated randomness dealt
// for one layer of one request.
//
//   - Dense:  Mask (len in), Product = W·B (len out), TruncMask and
//     TruncShift (len out).
//   - ReLU:   Mask, Product = a∘rpos and Positive = rpos (all layer width).
//   - Square: Mask, Product = a∘a, TruncMask, TruncShift (all layer width).
type LayerMaterial struct {
	Mask       []int64 `json:"mask,omitempty"`
	Product    []int64 `json:"product,omitempty"`
	Positive   []int64 `json:"positive,omitempty"`
	TruncMask  []int64 `json:"truncMask,omitempty"`
	TruncShift []int64 `json:"truncShift,omitempty"`
}

// SpecOf derives the weight-free wire description of a model.
func SpecOf(m *model.Model, fracBits int) ModelSpec {
	spec := ModelSpec{Name: m.Name, FracBits: fracBits, Layers: make([]LayerSpec, len(m.Layers))}
	for i, l := range m.Layers {
		spec.Layers[i] = LayerSpec{Kind: l.Kind, In: l.In, Out: l.Out}
	}
	return spec
}

// widths returns, per layer, the input width of that layer, following the
// dense dimensions through the activation layers. The second value is the
// model's output width.
func (s ModelSpec) widths() ([]int, int, error) {
	if len(s.Layers) == 0 {
		return nil, 0, fmt.Errorf("model spec has no layers")
	}
	in := make([]int, len(s.Layers))
	cur := 0
	for i, l := range s.Layers {
		switch l.Kind {
		case model.Dense:
			if l.In <= 0 || l.Out <= 0 {
				return nil, 0, fmt.Errorf("layer %d: dense dimensions %dx%d invalid", i, l.Out, l.In)
			}
			if i > 0 && cur != l.In {
				return nil, 0, fmt.Errorf("layer %d: input width %d does not chain from %d", i, l.In, cur)
			}
			in[i] = l.In
			cur = l.Out
		case model.ReLU, model.Square:
			if i == 0 {
				return nil, 0, fmt.Errorf("layer 0: model must start with a dense layer")
			}
			in[i] = cur
		default:
			return nil, 0, fmt.Errorf("layer %d: unknown kind %q", i, l.Kind)
		}
	}
	return in, cur, nil
}

// encodeEnvelope marshals an envelope for the wire.
func encodeEnvelope(env Envelope) ([]byte, error) {
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", env.Kind, err)
	}
	return buf, nil
}

// decodeEnvelope unmarshals a wire buffer into an envelope.
func decodeEnvelope(buf []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("envelope without kind")
	}
	return env, nil
}
