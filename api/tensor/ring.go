package tensor

import (
	"fmt"
	"math"
	"slices"
)

// DefaultFracBits is the default fixed-point precision: values are scaled by
// 2^16 before rounding into the ring.
const DefaultFracBits = 16

// RingTensor is a dense row-major tensor over the ring Z_2^64, represented as
// int64 values with two's-complement wraparound. Addition, subtraction and
// multiplication are exact ring operations.
type RingTensor struct {
	Shape []int
	Data  []int64
}

// NewRing creates a ring tensor with the given shape and data.
func NewRing(shape []int, data []int64) (RingTensor, error) {
	n, err := elemCount(shape)
	if err != nil {
		return RingTensor{}, err
	}
	if len(data) != n {
		return RingTensor{}, fmt.Errorf("ring data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return RingTensor{Shape: slices.Clone(shape), Data: slices.Clone(data)}, nil
}

// ZerosRing creates a zero-filled ring tensor with the given shape.
func ZerosRing(shape ...int) RingTensor {
	n, err := elemCount(shape)
	if err != nil {
		panic(err)
	}
	return RingTensor{Shape: slices.Clone(shape), Data: make([]int64, n)}
}

// Quantize converts a float tensor into its fixed-point ring image with the
// given number of fraction bits.
func Quantize(t Tensor, fracBits int) RingTensor {
	scale := math.Exp2(float64(fracBits))
	data := make([]int64, len(t.Data))
	for i, v := range t.Data {
		data[i] = int64(math.Round(v * scale))
	}
	return RingTensor{Shape: slices.Clone(t.Shape), Data: data}
}

// Dequantize converts a fixed-point ring tensor back into floats.
func Dequantize(rt RingTensor, fracBits int) Tensor {
	scale := math.Exp2(float64(fracBits))
	data := make([]float64, len(rt.Data))
	for i, v := range rt.Data {
		data[i] = float64(v) / scale
	}
	return Tensor{Shape: slices.Clone(rt.Shape), Data: data}
}

// Len returns the number of elements.
func (rt RingTensor) Len() int { return len(rt.Data) }

// Clone returns a deep copy.
func (rt RingTensor) Clone() RingTensor {
	return RingTensor{Shape: slices.Clone(rt.Shape), Data: slices.Clone(rt.Data)}
}

// SameShape reports whether both ring tensors have identical shapes.
func (rt RingTensor) SameShape(other RingTensor) bool {
	return slices.Equal(rt.Shape, other.Shape)
}

// Add returns the element-wise ring sum.
func (rt RingTensor) Add(other RingTensor) (RingTensor, error) {
	if !rt.SameShape(other) {
		return RingTensor{}, fmt.Errorf("shape mismatch: %v vs %v", rt.Shape, other.Shape)
	}
	out := rt.Clone()
	for i := range out.Data {
		out.Data[i] += other.Data[i]
	}
	return out, nil
}

// Sub returns the element-wise ring difference.
func (rt RingTensor) Sub(other RingTensor) (RingTensor, error) {
	if !rt.SameShape(other) {
		return RingTensor{}, fmt.Errorf("shape mismatch: %v vs %v", rt.Shape, other.Shape)
	}
	out := rt.Clone()
	for i := range out.Data {
		out.Data[i] -= other.Data[i]
	}
	return out, nil
}

// Hadamard returns the element-wise ring product.
func (rt RingTensor) Hadamard(other RingTensor) (RingTensor, error) {
	if !rt.SameShape(other) {
		return RingTensor{}, fmt.Errorf("shape mismatch: %v vs %v", rt.Shape, other.Shape)
	}
	out := rt.Clone()
	for i := range out.Data {
		out.Data[i] *= other.Data[i]
	}
	return out, nil
}

// MatVec multiplies a rank-2 ring tensor (rows x cols) by a rank-1 ring
// tensor of length cols, returning a rank-1 result of length rows.
func (rt RingTensor) MatVec(x RingTensor) (RingTensor, error) {
	if len(rt.Shape) != 2 {
		return RingTensor{}, fmt.Errorf("matvec needs a rank-2 matrix, got shape %v", rt.Shape)
	}
	rows, cols := rt.Shape[0], rt.Shape[1]
	if len(x.Shape) != 1 || x.Shape[0] != cols {
		return RingTensor{}, fmt.Errorf("matvec needs a vector of length %d, got shape %v", cols, x.Shape)
	}
	out := ZerosRing(rows)
	for r := 0; r < rows; r++ {
		var acc int64
		row := rt.Data[r*cols : (r+1)*cols]
		for c := 0; c < cols; c++ {
			acc += row[c] * x.Data[c]
		}
		out.Data[r] = acc
	}
	return out, nil
}

// Scale returns the ring tensor with every element multiplied by k.
func (rt RingTensor) Scale(k int64) RingTensor {
	out := rt.Clone()
	for i := range out.Data {
		out.Data[i] *= k
	}
	return out
}
