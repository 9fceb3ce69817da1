package serving

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xxtea01/shareserve/api/cluster"
	"github.com/xxtea01/shareserve/api/model"
	"github.com/xxtea01/shareserve/api/mpc"
	"github.com/xxtea01/shareserve/api/share"
	"github.com/xxtea01/shareserve/api/tensor"
)

// State is the secure model lifecycle state.
type State string

const (
	StatePlain   State = "plain"
	StateShared  State = "shared"
	StateServing State = "serving"
	StateStopped State = "stopped"

	// stateSharing marks a Share call in progress so a concurrent second
	// Share fails deterministically.
	stateSharing State = "sharing"
)

// drainTimeout bounds how long Stop waits for in-flight requests to unwind.
const drainTimeout = 5 * time.Second

// Options tunes a secure model. The zero value is ready for use.
type Options struct {
	// FracBits is the fixed-point precision; zero means
	// tensor.DefaultFracBits.
	FracBits int

	// MaxConcurrent bounds concurrently served requests; zero means 1.
	MaxConcurrent int64

	// Logger receives serving events; nil discards them.
	Logger *log.Logger
}

// SecureModel serves a model whose weights live only as shares on the
// cluster's parties.
type SecureModel struct {
	model   *model.Model
	cluster *cluster.Cluster
	enc     *share.Encoder
	sem     *semaphore.Weighted
	maxConc int64
	logger  *log.Logger

	stopCtx    context.Context
	stopCancel context.CancelFunc

	mu        sync.Mutex
	state     State
	budget    int // admission cap; 0 means unlimited
	admitted  int
	succeeded int
	failed    int
	inFlight  int
}

// NewSecureModel binds a validated model to a cluster. The model stays plain
// until Share is called.
func NewSecureModel(m *model.Model, cl *cluster.Cluster, opts Options) (*SecureModel, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fracBits := opts.FracBits
	if fracBits == 0 {
		fracBits = tensor.DefaultFracBits
	}
	enc, err := share.NewEncoder(cl.Parties(), fracBits)
	if err != nil {
		return nil, err
	}
	maxConc := opts.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &SecureModel{
		model:      m,
		cluster:    cl,
		enc:        enc,
		sem:        semaphore.NewWeighted(maxConc),
		maxConc:    maxConc,
		logger:     logger,
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		state:      StatePlain,
	}, nil
}

// Model returns the underlying model descriptor.
func (s *SecureModel) Model() *model.Model { return s.model }

// State reports the lifecycle state.
func (s *SecureModel) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Share quantizes the weights, splits them into per-party shares and installs
// each party's slice. It only runs from Plain; a second call fails. On any
// failure a discard is broadcast so no partial secret distribution survives,
// and the model returns to Plain.
func (s *SecureModel) Share(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePlain {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("share from state %q: %w", state, mpc.ErrInvalidState)
	}
	s.state = stateSharing
	s.mu.Unlock()

	err := s.distribute(ctx)
	s.mu.Lock()
	if err != nil {
		s.state = StatePlain
	} else {
		s.state = StateShared
	}
	s.mu.Unlock()
	return err
}

func (s *SecureModel) distribute(ctx context.Context) error {
	coord := s.cluster.Coordinator()
	if coord == nil {
		return fmt.Errorf("sharing %q: %w", s.model.Name, mpc.ErrClusterNotReady)
	}
	weights, err := mpc.DealWeights(s.enc, s.model)
	if err != nil {
		return fmt.Errorf("sharing %q: %w", s.model.Name, err)
	}
	spec := mpc.SpecOf(s.model, s.enc.FracBits())
	if err := coord.LoadModel(ctx, spec, weights); err != nil {
		s.discard(coord)
		return fmt.Errorf("sharing %q: %w", s.model.Name, err)
	}
	s.logger.Printf("serving: %q shared across %d parties", s.model.Name, s.cluster.Parties())
	return nil
}

// discard broadcasts a share drop, best effort, so a failed distribution
// never leaves some parties holding shares.
func (s *SecureModel) discard(coord *mpc.Coordinator) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := coord.DiscardModel(ctx); err != nil {
		s.logger.Printf("serving: discard after failed share: %v", err)
	}
}

// Serve opens the request queue. A budget above zero admits exactly that many
// requests counted from this call; zero serves until Stop. Re-entry while
// serving may set a budget only when none is active.
func (s *SecureModel) Serve(budget int) error {
	if budget < 0 {
		return fmt.Errorf("negative request budget %d", budget)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateShared:
		s.state = StateServing
		if budget > 0 {
			s.budget = s.admitted + budget
		}
		s.logger.Printf("serving: %q open, budget %s", s.model.Name, budgetLabel(budget))
		return nil
	case StateServing:
		if budget == 0 {
			return nil
		}
		if s.budget != 0 {
			return fmt.Errorf("request budget already set: %w", mpc.ErrInvalidState)
		}
		s.budget = s.admitted + budget
		s.logger.Printf("serving: %q budget set to %d", s.model.Name, budget)
		return nil
	default:
		return fmt.Errorf("serve from state %q: %w", s.state, mpc.ErrInvalidState)
	}
}

func budgetLabel(budget int) string {
	if budget == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", budget)
}

// Stop closes the queue, cancels in-flight requests and waits briefly for
// them to unwind. The parties keep their shares; only serving ends. Stop is
// idempotent.
func (s *SecureModel) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.mu.Unlock()

	s.stopCancel()

	// Holding every semaphore slot means no request is still in flight.
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.sem.Acquire(drainCtx, s.maxConc); err != nil {
		s.logger.Printf("serving: stopped with requests still unwinding")
		return nil
	}
	s.sem.Release(s.maxConc)
	s.logger.Printf("serving: %q stopped", s.model.Name)
	return nil
}
