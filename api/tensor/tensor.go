package tensor

import (
	"fmt"
	"slices"
)

// Tensor is a dense row-major float64 tensor.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New creates a tensor with the given shape and data. The data length must
// match the element count implied by the shape.
func New(shape []int, data []float64) (Tensor, error) {
	n, err := elemCount(shape)
	if err != nil {
		return Tensor{}, err
	}
	if len(data) != n {
		return Tensor{}, fmt.Errorf("tensor data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return Tensor{Shape: slices.Clone(shape), Data: slices.Clone(data)}, nil
}

// Zeros creates a zero-filled tensor with the given shape.
func Zeros(shape ...int) Tensor {
	n, err := elemCount(shape)
	if err != nil {
		panic(err)
	}
	return Tensor{Shape: slices.Clone(shape), Data: make([]float64, n)}
}

// Vector creates a rank-1 tensor from the given values.
func Vector(values ...float64) Tensor {
	return Tensor{Shape: []int{len(values)}, Data: slices.Clone(values)}
}

// Len returns the number of elements.
func (t Tensor) Len() int { return len(t.Data) }

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// SameShape reports whether both tensors have identical shapes.
func (t Tensor) SameShape(other Tensor) bool {
	return slices.Equal(t.Shape, other.Shape)
}

// MaxAbsDiff returns the largest element-wise absolute difference between two
// tensors of the same shape.
func (t Tensor) MaxAbsDiff(other Tensor) (float64, error) {
	if !t.SameShape(other) {
		return 0, fmt.Errorf("shape mismatch: %v vs %v", t.Shape, other.Shape)
	}
	var max float64
	for i := range t.Data {
		d := t.Data[i] - other.Data[i]
		if d < 0 {
			d = -d
		}
		if d > max {
			max = d
		}
	}
	return max, nil
}

func elemCount(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	return n, nil
}
