package main

import (
	"fmt"

	"github.com/xxtea01/shareserve/api/model"
	"github.com/xxtea01/shareserve/api/tensor"
	"github.com/xxtea01/shareserve/internal/config"
)

// loadModel reads the configured weight file, or falls back to the built-in
// demo network when none is configured.
func loadModel(cfg *config.Config) (*model.Model, error) {
	if cfg.Model.Weights != "" {
		m, err := model.LoadFile(cfg.Model.Weights)
		if err != nil {
			return nil, fmt.Errorf("loading model weights: %w", err)
		}
		return m, nil
	}
	return builtinModel()
}

// builtinModel is a small fixed MLP (4 -> 3 -> 2 with a ReLU in between) so
// the service runs without any weight file.
func builtinModel() (*model.Model, error) {
	w1, err := tensor.New([]int{3, 4}, []float64{
		0.5, -0.25, 0.75, 0.1,
		-0.3, 0.8, 0.2, -0.6,
		0.15, 0.4, -0.5, 0.9,
	})
	if err != nil {
		return nil, err
	}
	b1, err := tensor.New([]int{3}, []float64{0.1, -0.2, 0.05})
	if err != nil {
		return nil, err
	}
	hidden, err := model.NewDense(w1, b1)
	if err != nil {
		return nil, err
	}

	w2, err := tensor.New([]int{2, 3}, []float64{
		1.0, -0.75, 0.5,
		0.25, 0.6, -1.2,
	})
	if err != nil {
		return nil, err
	}
	b2, err := tensor.New([]int{2}, []float64{0.0, 0.3})
	if err != nil {
		return nil, err
	}
	output, err := model.NewDense(w2, b2)
	if err != nil {
		return nil, err
	}

	return model.New("demo-mlp", hidden, model.NewReLU(), output)
}
