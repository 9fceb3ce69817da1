package transport

import (
	"context"
	"io"
)

// Messenger defines the interface for data transport between the nodes of a
// secure inference cluster. Nodes are addressed by index: parties occupy
// 0..n-1 and the coordinator sits at the highest index.
type Messenger interface {
	// MessageSend sends a message buffer to the specified receiver node.
	MessageSend(ctx context.Context, receiver int, buffer []byte) error

	// MessageReceive receives a message from the specified sender node.
	MessageReceive(ctx context.Context, sender int) ([]byte, error)

	// MessagesReceive receives messages from multiple sender nodes. It waits
	// until all messages are ready and returns them in the same order as the
	// provided senders slice.
	MessagesReceive(ctx context.Context, senders []int) ([][]byte, error)
}

// Close releases the resources held by a Messenger when its concrete type
// supports closing. Implementations that hold sockets (such as tcpnet)
// implement io.Closer; the in-process mock does not need to.
func Close(m Messenger) error {
	if c, ok := m.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
