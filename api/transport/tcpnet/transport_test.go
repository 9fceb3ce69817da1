package tcpnet

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"golang.org/x/sync/errgroup"
)

// newLoopbackMesh binds one loopback listener per listening node, then forms
// the full mesh concurrently and returns one messenger per node.
func newLoopbackMesh(t *testing.T, nodes int) []*Messenger {
	t.Helper()

	addrs := make(map[int]string, nodes-1)
	listeners := make(map[int]net.Listener, nodes-1)
	for i := 0; i < nodes-1; i++ {
		ln, err := Listen("127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = ln.Addr().String()
		listeners[i] = ln
	}

	messengers := make([]*Messenger, nodes)
	eg, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < nodes; i++ {
		eg.Go(func() error {
			m, err := NewMessenger(ctx, Config{
				Nodes:       nodes,
				SelfIndex:   i,
				Addrs:       addrs,
				Listener:    listeners[i],
				DialTimeout: 10 * time.Second,
			})
			if err != nil {
				return fmt.Errorf("node %d: %w", i, err)
			}
			messengers[i] = m
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	t.Cleanup(func() {
		for _, m := range messengers {
			if m != nil {
				m.Close()
			}
		}
	})
	return messengers
}

func TestMeshExchange(t *testing.T) {
	const nodes = 3
	mesh := newLoopbackMesh(t, nodes)
	ctx := context.Background()

	// Every ordered pair exchanges one message.
	for from := 0; from < nodes; from++ {
		for to := 0; to < nodes; to++ {
			if from == to {
				continue
			}
			payload := []byte(fmt.Sprintf("%d->%d", from, to))
			require.NoError(t, mesh[from].MessageSend(ctx, to, payload))
		}
	}
	for to := 0; to < nodes; to++ {
		for from := 0; from < nodes; from++ {
			if from == to {
				continue
			}
			msg, err := mesh[to].MessageReceive(ctx, from)
			require.NoError(t, err)
			require.Equal(t, fmt.Sprintf("%d->%d", from, to), string(msg))
		}
	}
}

func TestMessagesReceiveAcrossMesh(t *testing.T) {
	mesh := newLoopbackMesh(t, 3)
	ctx := context.Background()

	require.NoError(t, mesh[1].MessageSend(ctx, 0, []byte{1}))
	require.NoError(t, mesh[2].MessageSend(ctx, 0, []byte{2}))

	msgs, err := mesh[0].MessagesReceive(ctx, []int{2, 1})
	require.NoError(t, err)
	require.Equal(t, [][]byte{{2}, {1}}, msgs)
}

func TestFrameOrderPreserved(t *testing.T) {
	mesh := newLoopbackMesh(t, 2)
	ctx := context.Background()

	for i := 0; i < 32; i++ {
		require.NoError(t, mesh[1].MessageSend(ctx, 0, []byte{byte(i)}))
	}
	for i := 0; i < 32; i++ {
		msg, err := mesh[0].MessageReceive(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, msg)
	}
}

func TestReceiveDeadline(t *testing.T) {
	mesh := newLoopbackMesh(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := mesh[0].MessageReceive(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestReceiveCancel(t *testing.T) {
	mesh := newLoopbackMesh(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := mesh[0].MessageReceive(ctx, 1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not unblock on cancel")
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	mesh := newLoopbackMesh(t, 2)

	errCh := make(chan error, 1)
	go func() {
		_, err := mesh[0].MessageReceive(context.Background(), 1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, mesh[0].Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not unblock on close")
	}

	// Second close is a no-op.
	require.NoError(t, mesh[0].Close())
}

func TestListenBindConflict(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(ln.Addr().String())
	require.ErrorIs(t, err, ErrBind)
}

func TestDialUnreachableTimesOut(t *testing.T) {
	// Reserve a port and close it again so nothing is listening there.
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewMessenger(context.Background(), Config{
		Nodes:       2,
		SelfIndex:   1,
		Addrs:       map[int]string{0: addr},
		DialTimeout: 300 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewMessenger(context.Background(), Config{Nodes: 1, SelfIndex: 0})
	require.Error(t, err)

	_, err = NewMessenger(context.Background(), Config{Nodes: 3, SelfIndex: 5})
	require.Error(t, err)
}
