package mocknet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxtea01/shareserve/api/transport"
)

func TestSendReceiveOrder(t *testing.T) {
	net := NewNetwork(2)
	ctx := context.Background()

	require.NoError(t, net[0].MessageSend(ctx, 1, []byte("first")))
	require.NoError(t, net[0].MessageSend(ctx, 1, []byte("second")))

	msg, err := net[1].MessageReceive(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), msg)

	msg, err = net[1].MessageReceive(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), msg)
}

func TestSelfTrafficRejected(t *testing.T) {
	net := NewNetwork(2)
	ctx := context.Background()

	require.Error(t, net[0].MessageSend(ctx, 0, []byte("loop")))
	_, err := net[0].MessageReceive(ctx, 0)
	require.Error(t, err)
}

func TestMessagesReceiveOrder(t *testing.T) {
	net := NewNetwork(4)
	ctx := context.Background()

	for i := 1; i < 4; i++ {
		require.NoError(t, net[i].MessageSend(ctx, 0, []byte{byte(i)}))
	}

	msgs, err := net[0].MessagesReceive(ctx, []int{3, 1, 2})
	require.NoError(t, err)
	require.Equal(t, [][]byte{{3}, {1}, {2}}, msgs)
}

func TestReceiveHonorsContext(t *testing.T) {
	net := NewNetwork(2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := net[0].MessageReceive(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAbortUnblocksReceive(t *testing.T) {
	net := NewNetwork(2)

	errCh := make(chan error, 1)
	go func() {
		_, err := net[0].MessageReceive(context.Background(), 1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	net[0].Abort()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock after abort")
	}

	// Sends towards an aborted messenger fail as well.
	require.ErrorIs(t, net[1].MessageSend(context.Background(), 0, []byte("late")), ErrAborted)
}

func TestResetClearsAbortAndQueues(t *testing.T) {
	net := NewNetwork(2)
	ctx := context.Background()

	require.NoError(t, net[1].MessageSend(ctx, 0, []byte("stale")))
	net[0].Abort()
	net[0].Reset()

	require.NoError(t, net[1].MessageSend(ctx, 0, []byte("fresh")))
	msg, err := net[0].MessageReceive(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), msg)
}

func TestRunnerRingExchange(t *testing.T) {
	const nodes = 3
	r := NewRunner(nodes)

	outputs := make([]string, nodes)
	fns := make([]NodeFunc, nodes)
	for i := 0; i < nodes; i++ {
		fns[i] = func(ctx context.Context, self int, msgr transport.Messenger) error {
			next := (self + 1) % nodes
			prev := (self + nodes - 1) % nodes
			if err := msgr.MessageSend(ctx, next, []byte(fmt.Sprintf("from-%d", self))); err != nil {
				return err
			}
			msg, err := msgr.MessageReceive(ctx, prev)
			if err != nil {
				return err
			}
			outputs[self] = string(msg)
			return nil
		}
	}

	require.NoError(t, r.Run(context.Background(), fns))
	for i := 0; i < nodes; i++ {
		prev := (i + nodes - 1) % nodes
		require.Equal(t, fmt.Sprintf("from-%d", prev), outputs[i])
	}
}

func TestRunnerErrorCancelsPeers(t *testing.T) {
	r := NewRunner(2)
	boom := errors.New("boom")

	fns := []NodeFunc{
		func(ctx context.Context, self int, msgr transport.Messenger) error {
			// Blocks forever unless the runner cancels the shared context.
			_, err := msgr.MessageReceive(ctx, 1)
			return err
		},
		func(ctx context.Context, self int, msgr transport.Messenger) error {
			return boom
		},
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), fns) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not unwind after node failure")
	}
}

func TestTransportCloseHelper(t *testing.T) {
	net := NewNetwork(2)
	// mocknet messengers hold no OS resources, the helper is a no-op for them.
	require.NoError(t, transport.Close(net[0]))
}
