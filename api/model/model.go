package model

import (
	"fmt"

	"github.com/xxtea01/shareserve/api/tensor"
)

// LayerKind identifies the computation a layer performs.
type LayerKind string

const (
	// Dense is a fully connected layer: y = W*x + b.
	Dense LayerKind = "dense"
	// ReLU is the element-wise max(0, x) activation.
	ReLU LayerKind = "relu"
	// Square is the element-wise x*x activation.
	Square LayerKind = "square"
)

// Layer is one step of the network. In, Out, Weights and Bias are only
// meaningful for Dense layers.
type Layer struct {
	Kind    LayerKind
	In      int
	Out     int
	Weights tensor.Tensor
	Bias    tensor.Tensor
}

// NewDense builds a dense layer from a weight matrix (out x in) and a bias
// vector (out).
func NewDense(weights, bias tensor.Tensor) (Layer, error) {
	if len(weights.Shape) != 2 {
		return Layer{}, fmt.Errorf("dense weights must be rank 2, got shape %v", weights.Shape)
	}
	out, in := weights.Shape[0], weights.Shape[1]
	if len(bias.Shape) != 1 || bias.Shape[0] != out {
		return Layer{}, fmt.Errorf("dense bias must be a vector of length %d, got shape %v", out, bias.Shape)
	}
	return Layer{Kind: Dense, In: in, Out: out, Weights: weights.Clone(), Bias: bias.Clone()}, nil
}

// NewReLU builds a ReLU activation layer.
func NewReLU() Layer { return Layer{Kind: ReLU} }

// NewSquare builds a Square activation layer.
func NewSquare() Layer { return Layer{Kind: Square} }

// Model is an ordered sequence of layers.
type Model struct {
	Name   string
	Layers []Layer
}

// New builds a model and validates that the layer dimensions chain.
func New(name string, layers ...Layer) (*Model, error) {
	m := &Model{Name: name, Layers: layers}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that the model is non-empty, starts with a dense layer and
// that every dense layer's input width matches the width flowing into it.
func (m *Model) Validate() error {
	if len(m.Layers) == 0 {
		return fmt.Errorf("model %q has no layers", m.Name)
	}
	if m.Layers[0].Kind != Dense {
		return fmt.Errorf("model %q must start with a dense layer to fix the input width", m.Name)
	}
	width := m.Layers[0].In
	for i, l := range m.Layers {
		switch l.Kind {
		case Dense:
			if l.In != width {
				return fmt.Errorf("layer %d: dense input width %d does not match incoming width %d", i, l.In, width)
			}
			if l.Weights.Len() != l.In*l.Out || l.Bias.Len() != l.Out {
				return fmt.Errorf("layer %d: weight/bias sizes do not match declared dims %dx%d", i, l.Out, l.In)
			}
			width = l.Out
		case ReLU, Square:
			// Activations preserve width.
		default:
			return fmt.Errorf("layer %d: unknown kind %q", i, l.Kind)
		}
	}
	return nil
}

// InputDim returns the width of the input vector the model expects.
func (m *Model) InputDim() int { return m.Layers[0].In }

// OutputDim returns the width of the model's output vector.
func (m *Model) OutputDim() int {
	width := m.Layers[0].In
	for _, l := range m.Layers {
		if l.Kind == Dense {
			width = l.Out
		}
	}
	return width
}

// Forward runs the plaintext network on an input vector.
func (m *Model) Forward(x tensor.Tensor) (tensor.Tensor, error) {
	if len(x.Shape) != 1 || x.Shape[0] != m.InputDim() {
		return tensor.Tensor{}, fmt.Errorf("model %q expects an input vector of length %d, got shape %v", m.Name, m.InputDim(), x.Shape)
	}
	cur := x.Clone()
	for i, l := range m.Layers {
		switch l.Kind {
		case Dense:
			next := tensor.Zeros(l.Out)
			for r := 0; r < l.Out; r++ {
				acc := l.Bias.Data[r]
				row := l.Weights.Data[r*l.In : (r+1)*l.In]
				for c := 0; c < l.In; c++ {
					acc += row[c] * cur.Data[c]
				}
				next.Data[r] = acc
			}
			cur = next
		case ReLU:
			for j, v := range cur.Data {
				if v < 0 {
					cur.Data[j] = 0
				}
			}
		case Square:
			for j, v := range cur.Data {
				cur.Data[j] = v * v
			}
		default:
			return tensor.Tensor{}, fmt.Errorf("layer %d: unknown kind %q", i, l.Kind)
		}
	}
	return cur, nil
}
