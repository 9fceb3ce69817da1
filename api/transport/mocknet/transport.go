package mocknet

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xxtea01/shareserve/api/transport"
)

// ErrAborted is returned by receive calls after Abort has been invoked on the
// messenger, typically because a sibling node failed or was killed.
var ErrAborted = errors.New("mocknet: messenger aborted")

// Messenger is an in-memory implementation of transport.Messenger. Each
// instance owns one inbound queue per sender; sends push onto the receiver's
// queue and receives block on a condition variable until a message arrives,
// the context is done, or the messenger is aborted.
type Messenger struct {
	selfIndex int
	peers     []*Messenger
	mutex     sync.Mutex
	cond      *sync.Cond
	queues    []list.List
	aborted   bool
}

var _ transport.Messenger = (*Messenger)(nil)

// NewMessenger creates an unwired messenger for the given node index. Callers
// normally use NewNetwork instead, which wires a full mesh in one call.
func NewMessenger(selfIndex int) *Messenger {
	m := &Messenger{selfIndex: selfIndex}
	m.cond = sync.NewCond(&m.mutex)
	return m
}

// wire connects this messenger to the full set of mesh members. The slice
// must include the messenger itself at its own index.
func (m *Messenger) wire(peers []*Messenger) {
	m.peers = peers
	m.queues = make([]list.List, len(peers))
}

// Index returns the node index this messenger was created for.
func (m *Messenger) Index() int {
	return m.selfIndex
}

// MessageSend delivers a message to the specified receiver node.
func (m *Messenger) MessageSend(_ context.Context, receiver int, buffer []byte) error {
	if receiver == m.selfIndex {
		return errors.New("mocknet: cannot send to self")
	}
	if receiver < 0 || receiver >= len(m.peers) {
		return fmt.Errorf("mocknet: receiver index %d out of range", receiver)
	}

	peer := m.peers[receiver]
	peer.mutex.Lock()
	if peer.aborted {
		peer.mutex.Unlock()
		return ErrAborted
	}
	peer.queues[m.selfIndex].PushBack(buffer)
	peer.mutex.Unlock()
	peer.cond.Broadcast()

	return nil
}

// MessageReceive blocks until a message from the specified sender is
// available. It honors context cancellation and Abort.
func (m *Messenger) MessageReceive(ctx context.Context, sender int) ([]byte, error) {
	if sender == m.selfIndex {
		return nil, errors.New("mocknet: cannot receive from self")
	}
	if sender < 0 || sender >= len(m.peers) {
		return nil, fmt.Errorf("mocknet: sender index %d out of range", sender)
	}

	// Wake the condition variable when the context fires so the wait loop
	// below can observe ctx.Err. Acquiring the mutex first guarantees the
	// broadcast cannot land between the error check and the Wait call.
	stop := context.AfterFunc(ctx, func() {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		m.cond.Broadcast()
	})
	defer stop()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	queue := &m.queues[sender]
	for {
		if m.aborted {
			return nil, ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if queue.Len() > 0 {
			front := queue.Front()
			queue.Remove(front)
			return front.Value.([]byte), nil
		}
		m.cond.Wait()
	}
}

// MessagesReceive receives one message from each listed sender concurrently
// and returns them in sender order.
func (m *Messenger) MessagesReceive(ctx context.Context, senders []int) ([][]byte, error) {
	received := make([][]byte, len(senders))

	eg, ctx := errgroup.WithContext(ctx)
	for i, sender := range senders {
		eg.Go(func() error {
			msg, err := m.MessageReceive(ctx, sender)
			if err != nil {
				return fmt.Errorf("receiving message from %d: %w", sender, err)
			}
			received[i] = msg
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return received, nil
}

// Abort wakes all pending receives on this messenger and makes every future
// send or receive involving it fail with ErrAborted. Tests use it to simulate
// a killed party.
func (m *Messenger) Abort() {
	m.mutex.Lock()
	m.aborted = true
	m.mutex.Unlock()
	m.cond.Broadcast()
}

// Reset clears the abort flag and drops any queued messages, returning the
// messenger to a fresh state.
func (m *Messenger) Reset() {
	m.mutex.Lock()
	m.aborted = false
	for i := range m.queues {
		m.queues[i].Init()
	}
	m.mutex.Unlock()
}

// NewNetwork creates a complete in-process mesh with the specified number of
// nodes. It returns one Messenger per node, already wired together.
func NewNetwork(nodes int) []*Messenger {
	messengers := make([]*Messenger, nodes)
	for i := 0; i < nodes; i++ {
		messengers[i] = NewMessenger(i)
	}
	for i := 0; i < nodes; i++ {
		messengers[i].wire(messengers)
	}
	return messengers
}
