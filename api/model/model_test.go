package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxtea01/shareserve/api/tensor"
)

func mustDense(t *testing.T, out, in int, weights, bias []float64) Layer {
	t.Helper()
	w, err := tensor.New([]int{out, in}, weights)
	require.NoError(t, err)
	b, err := tensor.New([]int{out}, bias)
	require.NoError(t, err)
	l, err := NewDense(w, b)
	require.NoError(t, err)
	return l
}

func TestNewDense_Validation(t *testing.T) {
	w := tensor.Zeros(2, 3)
	goodBias := tensor.Zeros(2)
	badBias := tensor.Zeros(3)

	_, err := NewDense(w, goodBias)
	assert.NoError(t, err)

	_, err = NewDense(w, badBias)
	assert.Error(t, err, "bias length must match output dim")

	_, err = NewDense(tensor.Zeros(4), goodBias)
	assert.Error(t, err, "weights must be rank 2")
}

func TestModelValidate(t *testing.T) {
	d1 := mustDense(t, 2, 3, []float64{1, 0, 0, 0, 1, 0}, []float64{0, 0})
	d2 := mustDense(t, 1, 2, []float64{1, 1}, []float64{0})
	dBad := mustDense(t, 1, 4, []float64{1, 1, 1, 1}, []float64{0})

	tests := []struct {
		name    string
		layers  []Layer
		wantErr bool
	}{
		{"single dense", []Layer{d1}, false},
		{"dense relu dense", []Layer{d1, NewReLU(), d2}, false},
		{"dense square dense", []Layer{d1, NewSquare(), d2}, false},
		{"empty model", nil, true},
		{"activation first", []Layer{NewReLU(), d1}, true},
		{"width mismatch", []Layer{d1, dBad}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New("m", tt.layers...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, m.Validate())
		})
	}
}

func TestModelDims(t *testing.T) {
	m, err := New("dims",
		mustDense(t, 4, 3, make([]float64, 12), make([]float64, 4)),
		NewReLU(),
		mustDense(t, 2, 4, make([]float64, 8), make([]float64, 2)),
	)
	require.NoError(t, err)

	assert.Equal(t, 3, m.InputDim())
	assert.Equal(t, 2, m.OutputDim())
}

func TestForward(t *testing.T) {
	// y = relu(W1*x + b1), z = W2*y + b2 computed by hand.
	m, err := New("fwd",
		mustDense(t, 2, 2, []float64{1, -1, 2, 0}, []float64{0.5, -3}),
		NewReLU(),
		mustDense(t, 1, 2, []float64{1, 1}, []float64{1}),
	)
	require.NoError(t, err)

	out, err := m.Forward(tensor.Vector(1, 2))
	require.NoError(t, err)

	// W1*x+b1 = (1-2+0.5, 2-3) = (-0.5, -1); relu -> (0, 0); W2*.+b2 = 1.
	require.Equal(t, []int{1}, out.Shape)
	assert.InDelta(t, 1.0, out.Data[0], 1e-12)
}

func TestForward_Square(t *testing.T) {
	m, err := New("sq",
		mustDense(t, 2, 1, []float64{2, -3}, []float64{0, 0}),
		NewSquare(),
	)
	require.NoError(t, err)

	out, err := m.Forward(tensor.Vector(2))
	require.NoError(t, err)
	assert.InDelta(t, 16.0, out.Data[0], 1e-12)
	assert.InDelta(t, 36.0, out.Data[1], 1e-12)
}

func TestForward_InputValidation(t *testing.T) {
	m, err := New("val", mustDense(t, 1, 2, []float64{1, 1}, []float64{0}))
	require.NoError(t, err)

	_, err = m.Forward(tensor.Vector(1, 2, 3))
	assert.Error(t, err)

	_, err = m.Forward(tensor.Zeros(2, 1))
	assert.Error(t, err)
}

func TestWeightsFile_RoundTrip(t *testing.T) {
	orig, err := New("roundtrip",
		mustDense(t, 2, 3, []float64{0.1, -0.2, 0.3, 0.4, 0.5, -0.6}, []float64{1, -1}),
		NewSquare(),
		mustDense(t, 1, 2, []float64{2, 3}, []float64{-0.5}),
	)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "weights.json")
	require.NoError(t, orig.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, orig.Name, loaded.Name)
	require.Len(t, loaded.Layers, 3)
	assert.Equal(t, orig.Layers[0].Weights.Data, loaded.Layers[0].Weights.Data)
	assert.Equal(t, orig.Layers[2].Bias.Data, loaded.Layers[2].Bias.Data)

	// Same plaintext behavior after the round trip.
	x := tensor.Vector(1, 0.5, -1)
	a, err := orig.Forward(x)
	require.NoError(t, err)
	b, err := loaded.Forward(x)
	require.NoError(t, err)
	d, err := a.MaxAbsDiff(b)
	require.NoError(t, err)
	assert.LessOrEqual(t, d, 1e-12)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
