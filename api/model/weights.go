package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxtea01/shareserve/api/tensor"
)

// weightsFile is the on-disk JSON layout for a model with pre-trained
// weights. Dense weights are stored row-major (out x in).
type weightsFile struct {
	Name   string        `json:"name"`
	Layers []weightLayer `json:"layers"`
}

type weightLayer struct {
	Kind    string    `json:"kind"`
	In      int       `json:"in,omitempty"`
	Out     int       `json:"out,omitempty"`
	Weights []float64 `json:"weights,omitempty"`
	Bias    []float64 `json:"bias,omitempty"`
}

// LoadFile reads a model with its weights from a JSON weight file.
func LoadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading weight file: %w", err)
	}
	var wf weightsFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing weight file %s: %w", path, err)
	}

	layers := make([]Layer, 0, len(wf.Layers))
	for i, wl := range wf.Layers {
		switch LayerKind(wl.Kind) {
		case Dense:
			w, err := tensor.New([]int{wl.Out, wl.In}, wl.Weights)
			if err != nil {
				return nil, fmt.Errorf("layer %d weights: %w", i, err)
			}
			b, err := tensor.New([]int{wl.Out}, wl.Bias)
			if err != nil {
				return nil, fmt.Errorf("layer %d bias: %w", i, err)
			}
			l, err := NewDense(w, b)
			if err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
			layers = append(layers, l)
		case ReLU:
			layers = append(layers, NewReLU())
		case Square:
			layers = append(layers, NewSquare())
		default:
			return nil, fmt.Errorf("layer %d: unknown kind %q", i, wl.Kind)
		}
	}
	return New(wf.Name, layers...)
}

// SaveFile writes the model and its weights as a JSON weight file.
func (m *Model) SaveFile(path string) error {
	wf := weightsFile{Name: m.Name, Layers: make([]weightLayer, 0, len(m.Layers))}
	for _, l := range m.Layers {
		wl := weightLayer{Kind: string(l.Kind)}
		if l.Kind == Dense {
			wl.In = l.In
			wl.Out = l.Out
			wl.Weights = l.Weights.Data
			wl.Bias = l.Bias.Data
		}
		wf.Layers = append(wf.Layers, wl)
	}
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding weight file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing weight file: %w", err)
	}
	return nil
}
