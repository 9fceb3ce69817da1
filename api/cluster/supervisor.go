package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/xxtea01/shareserve/api/mpc"
	"github.com/xxtea01/shareserve/api/transport/mocknet"
)

// supervisor owns the in-process party workers of a self-managed cluster.
// The workers and the coordinator share one in-memory mesh; the last mesh
// index is the coordinator endpoint.
type supervisor struct {
	parties []*mpc.Party
	mesh    []*mocknet.Messenger
	logger  *log.Logger
	cancel  context.CancelFunc
}

func newSupervisor(n int, roundTimeout time.Duration, logger *log.Logger) (*supervisor, error) {
	s := &supervisor{
		mesh:   mocknet.NewNetwork(n + 1),
		logger: logger,
	}
	for i := 0; i < n; i++ {
		p, err := mpc.NewParty(i, n, mpc.PartyOptions{RoundTimeout: roundTimeout, Logger: logger})
		if err != nil {
			return nil, err
		}
		s.parties = append(s.parties, p)
	}
	return s, nil
}

// start launches every worker. The workers run until stop or until the given
// context ends.
func (s *supervisor) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i, p := range s.parties {
		msgr := s.mesh[i]
		go func() {
			if err := p.Run(runCtx, msgr); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Printf("cluster: worker %d ended: %v", p.Index(), err)
			}
		}()
	}
}

// coordinatorMessenger returns the coordinator's side of the mesh.
func (s *supervisor) coordinatorMessenger() *mocknet.Messenger {
	return s.mesh[len(s.parties)]
}

// stop ends every worker and waits for them to unwind.
func (s *supervisor) stop() error {
	var errs []error
	for _, p := range s.parties {
		if err := p.Stop(); err != nil && !errors.Is(err, mpc.ErrAlreadyStopped) {
			errs = append(errs, err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	for _, m := range s.mesh {
		m.Abort()
	}
	for _, p := range s.parties {
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			errs = append(errs, fmt.Errorf("worker %d did not unwind", p.Index()))
		}
	}
	return errors.Join(errs...)
}
