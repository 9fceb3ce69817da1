package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		data    []float64
		wantErr bool
	}{
		{"valid vector", []int{3}, []float64{1, 2, 3}, false},
		{"valid matrix", []int{2, 2}, []float64{1, 2, 3, 4}, false},
		{"length mismatch", []int{2, 2}, []float64{1, 2, 3}, true},
		{"empty shape", []int{}, nil, true},
		{"zero dimension", []int{0}, nil, true},
		{"negative dimension", []int{-1, 2}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.shape, tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.shape, got.Shape)
			assert.Equal(t, tt.data, got.Data)
		})
	}
}

func TestNew_CopiesInput(t *testing.T) {
	data := []float64{1, 2, 3}
	got, err := New([]int{3}, data)
	require.NoError(t, err)

	data[0] = 99
	assert.Equal(t, 1.0, got.Data[0], "tensor should own its data")
}

func TestMaxAbsDiff(t *testing.T) {
	a := Vector(1, 2, 3)
	b := Vector(1, 2.5, 2)

	d, err := a.MaxAbsDiff(b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d, 1e-12)

	_, err = a.MaxAbsDiff(Zeros(2))
	assert.Error(t, err)
}

func TestQuantizeDequantize_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		fracBits int
	}{
		{"small positives", []float64{0.5, 1.25, 3.75}, DefaultFracBits},
		{"negatives", []float64{-0.5, -10.125, 0}, DefaultFracBits},
		{"mixed", []float64{3.14159, -2.71828, 0.00001}, DefaultFracBits},
		{"low precision", []float64{1.5, -1.5}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := Vector(tt.values...)
			back := Dequantize(Quantize(orig, tt.fracBits), tt.fracBits)

			// Each element is off by at most half a quantization step.
			step := 1.0 / float64(int64(1)<<tt.fracBits)
			d, err := orig.MaxAbsDiff(back)
			require.NoError(t, err)
			assert.LessOrEqual(t, d, step/2+1e-12)
		})
	}
}

func TestRingAddSub(t *testing.T) {
	a, err := NewRing([]int{3}, []int64{1, 2, 3})
	require.NoError(t, err)
	b, err := NewRing([]int{3}, []int64{10, 20, 30})
	require.NoError(t, err)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 22, 33}, sum.Data)

	diff, err := sum.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, a.Data, diff.Data)

	_, err = a.Add(ZerosRing(2))
	assert.Error(t, err)
}

func TestRingWraparound(t *testing.T) {
	const maxInt64 = int64(^uint64(0) >> 1)
	a, err := NewRing([]int{1}, []int64{maxInt64})
	require.NoError(t, err)
	b, err := NewRing([]int{1}, []int64{1})
	require.NoError(t, err)

	sum, err := a.Add(b)
	require.NoError(t, err)

	// Wraps to the minimum value; subtracting recovers the original.
	back, err := sum.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, maxInt64, back.Data[0])
}

func TestMatVec(t *testing.T) {
	w, err := NewRing([]int{2, 3}, []int64{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	x, err := NewRing([]int{3}, []int64{1, 0, -1})
	require.NoError(t, err)

	y, err := w.MatVec(x)
	require.NoError(t, err)
	assert.Equal(t, []int64{-2, -2}, y.Data)

	_, err = w.MatVec(ZerosRing(2))
	assert.Error(t, err, "wrong vector length")

	_, err = x.MatVec(x)
	assert.Error(t, err, "matrix must be rank 2")
}

func TestHadamardAndScale(t *testing.T) {
	a, err := NewRing([]int{3}, []int64{1, -2, 3})
	require.NoError(t, err)
	b, err := NewRing([]int{3}, []int64{5, 5, 5})
	require.NoError(t, err)

	h, err := a.Hadamard(b)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, -10, 15}, h.Data)

	s := a.Scale(-2)
	assert.Equal(t, []int64{-2, 4, -6}, s.Data)
	assert.Equal(t, []int64{1, -2, 3}, a.Data, "scale must not mutate the receiver")
}
