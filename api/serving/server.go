package serving

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/xxtea01/shareserve/api/mpc"
	"github.com/xxtea01/shareserve/api/share"
	"github.com/xxtea01/shareserve/api/tensor"
)

// QueueStatus is the request queue's accounting snapshot.
type QueueStatus struct {
	State     State `json:"state"`
	Budget    int   `json:"budget"`
	Admitted  int   `json:"admitted"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	InFlight  int   `json:"in_flight"`
	Exhausted bool  `json:"exhausted"`
}

// Stats returns the queue accounting. Budget is the total admission cap,
// zero for unlimited.
func (s *SecureModel) Stats() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueStatus{
		State:     s.state,
		Budget:    s.budget,
		Admitted:  s.admitted,
		Succeeded: s.succeeded,
		Failed:    s.failed,
		InFlight:  s.inFlight,
		Exhausted: s.exhaustedLocked(),
	}
}

func (s *SecureModel) exhaustedLocked() bool {
	return s.budget > 0 && s.admitted >= s.budget
}

// admit performs the state and budget check for one request. Admission spends
// budget whether or not the request later succeeds.
func (s *SecureModel) admit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateServing {
		return fmt.Errorf("predict while %q: %w", s.state, mpc.ErrInvalidState)
	}
	if s.exhaustedLocked() {
		return fmt.Errorf("request budget %d spent: %w", s.budget, mpc.ErrBudgetExhausted)
	}
	s.admitted++
	s.inFlight++
	return nil
}

func (s *SecureModel) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if err != nil {
		s.failed++
	} else {
		s.succeeded++
	}
}

// watchStop derives a context that also ends when the model is stopped.
func (s *SecureModel) watchStop(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(s.stopCtx, cancel)
	return ctx, func() {
		unhook()
		cancel()
	}
}

// Predict answers one inference request and reconstructs the prediction from
// the parties' partial outputs.
func (s *SecureModel) Predict(ctx context.Context, input tensor.Tensor) (tensor.Tensor, error) {
	shares, err := s.PredictShares(ctx, input)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return s.enc.Reconstruct(shares)
}

// Reconstruct assembles a prediction from the parties' output shares.
func (s *SecureModel) Reconstruct(shares []share.Share) (tensor.Tensor, error) {
	return s.enc.Reconstruct(shares)
}

// PredictShares answers one inference request and returns the parties'
// output shares for caller-side reconstruction.
func (s *SecureModel) PredictShares(ctx context.Context, input tensor.Tensor) ([]share.Share, error) {
	if len(input.Shape) != 1 || input.Shape[0] != s.model.InputDim() {
		return nil, fmt.Errorf("model %q takes an input vector of length %d, got shape %v",
			s.model.Name, s.model.InputDim(), input.Shape)
	}
	if err := s.admit(); err != nil {
		return nil, err
	}
	shares, err := s.predict(ctx, input)
	s.finish(err)
	if err != nil {
		s.logger.Printf("serving: request failed: %v", err)
		return nil, err
	}
	return shares, nil
}

// predict drives one admitted request through the protocol.
func (s *SecureModel) predict(ctx context.Context, input tensor.Tensor) ([]share.Share, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	coord := s.cluster.Coordinator()
	if coord == nil {
		return nil, mpc.ErrClusterNotReady
	}

	ctx, cancel := s.watchStop(ctx)
	defer cancel()

	id := uuid.NewString()
	material, err := mpc.DealRequest(s.enc, s.model)
	if err != nil {
		return nil, fmt.Errorf("request %s: dealing material: %w", id, err)
	}
	if err := coord.BeginRequest(ctx, id, material); err != nil {
		s.abort(coord, id)
		return nil, err
	}

	inSet, err := s.enc.Encode(input)
	if err != nil {
		s.abort(coord, id)
		return nil, err
	}
	inputs := make([][]int64, s.enc.Parties())
	for p := range inputs {
		inputs[p] = inSet.Shares[p].Values.Data
	}
	if err := coord.SendInput(ctx, id, inputs); err != nil {
		s.abort(coord, id)
		return nil, err
	}

	total := mpc.SpecOf(s.model, s.enc.FracBits()).TotalRounds()
	var outputs [][]int64
	for round := 0; round < total; round++ {
		if outputs, err = coord.Step(ctx, id, round); err != nil {
			s.abort(coord, id)
			return nil, err
		}
	}

	out := make([]share.Share, len(outputs))
	for p, data := range outputs {
		out[p] = share.Share{Party: p, Values: tensor.RingTensor{Shape: []int{len(data)}, Data: data}}
	}
	return out, nil
}

// abort clears a failed request on every party so nothing is left half
// processed. It runs under its own deadline: the failure that got us here may
// have cancelled the request context.
func (s *SecureModel) abort(coord *mpc.Coordinator, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := coord.AbortRequest(ctx, id); err != nil {
		s.logger.Printf("serving: aborting request %s: %v", id, err)
	}
}
