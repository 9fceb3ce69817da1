// Package tcpnet provides a TCP implementation of the Messenger interface
// with length-prefixed framing and optional TLS. It is the transport used by
// externally managed clusters, where every party runs as its own process.
//
// Mesh formation follows a deterministic rule: each node accepts connections
// from higher-indexed nodes and dials lower-indexed ones. Parties occupy
// indices 0..n-1 and the coordinator sits at index n, so the coordinator is a
// pure client and never needs a listening address of its own.
package tcpnet

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xxtea01/shareserve/api/transport"
)

const (
	// maxFrameSize bounds a single message on the wire. Share vectors for
	// wide layers are large but nowhere near this.
	maxFrameSize = 64 << 20

	defaultDialTimeout = 30 * time.Second
)

// ErrBind is wrapped by Listen when the requested endpoint cannot be bound,
// typically because the port is already in use.
var ErrBind = errors.New("tcpnet: endpoint unavailable")

// Config describes one node's view of the cluster mesh.
type Config struct {
	// Nodes is the total mesh size including the coordinator.
	Nodes int

	// SelfIndex is this node's position in the mesh.
	SelfIndex int

	// Addrs maps node index to listen address. Entries are required for
	// every node a lower-indexed node will dial; the highest index needs
	// none.
	Addrs map[int]string

	// Listener optionally supplies a pre-bound listener for this node,
	// letting callers bind early and surface address conflicts before the
	// mesh forms. When nil, NewMessenger listens on Addrs[SelfIndex].
	Listener net.Listener

	// TLS, when set, wraps every connection. The same config is used for
	// both the listening and the dialing side, so it must carry a
	// certificate and the peer CA pool.
	TLS *tls.Config

	// DialTimeout bounds the whole mesh formation. Zero means 30s.
	DialTimeout time.Duration
}

// peerConn serializes writers and readers per connection. The protocol layer
// runs one reader goroutine per sender, the mutexes keep misuse from
// corrupting frame boundaries.
type peerConn struct {
	conn   net.Conn
	sendMu sync.Mutex
	recvMu sync.Mutex
}

// Messenger implements transport.Messenger over a fully formed TCP mesh.
type Messenger struct {
	selfIndex int
	conns     map[int]*peerConn
	listener  net.Listener
	mu        sync.RWMutex
	closed    bool
}

var _ transport.Messenger = (*Messenger)(nil)

// Listen binds a TCP endpoint for a node. Failures are wrapped with ErrBind
// so callers can distinguish an occupied port from later mesh errors.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	return ln, nil
}

// NewMessenger forms the mesh for one node: it accepts one connection from
// every higher-indexed node and dials every lower-indexed one, retrying with
// backoff until the deadline. It returns only once the mesh is complete.
func NewMessenger(ctx context.Context, config Config) (*Messenger, error) {
	if config.Nodes < 2 {
		return nil, fmt.Errorf("tcpnet: mesh needs at least 2 nodes, got %d", config.Nodes)
	}
	if config.SelfIndex < 0 || config.SelfIndex >= config.Nodes {
		return nil, fmt.Errorf("tcpnet: self index %d out of range for %d nodes", config.SelfIndex, config.Nodes)
	}

	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	incoming := config.Nodes - 1 - config.SelfIndex
	outgoing := config.SelfIndex

	m := &Messenger{
		selfIndex: config.SelfIndex,
		conns:     make(map[int]*peerConn, config.Nodes-1),
	}

	if incoming > 0 {
		ln := config.Listener
		if ln == nil {
			addr, ok := config.Addrs[config.SelfIndex]
			if !ok {
				return nil, fmt.Errorf("tcpnet: no listen address configured for node %d", config.SelfIndex)
			}
			var err error
			ln, err = Listen(addr)
			if err != nil {
				return nil, err
			}
		}
		if config.TLS != nil {
			ln = tls.NewListener(ln, config.TLS)
		}
		m.listener = ln
	}

	eg, ctx := errgroup.WithContext(ctx)

	if incoming > 0 {
		// Unblock Accept when the context fires.
		ln := m.listener
		stop := context.AfterFunc(ctx, func() { ln.Close() })
		defer stop()

		eg.Go(func() error {
			for i := 0; i < incoming; i++ {
				conn, err := m.listener.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return fmt.Errorf("tcpnet: mesh formation interrupted: %w", ctx.Err())
					}
					return fmt.Errorf("tcpnet: accepting peer connection: %w", err)
				}
				peer, err := m.acceptPeer(ctx, conn)
				if err != nil {
					conn.Close()
					return err
				}
				m.mu.Lock()
				_, dup := m.conns[peer]
				if !dup {
					m.conns[peer] = &peerConn{conn: conn}
				}
				m.mu.Unlock()
				if dup {
					conn.Close()
					return fmt.Errorf("tcpnet: duplicate connection from node %d", peer)
				}
			}
			return nil
		})
	}

	for i := 0; i < outgoing; i++ {
		eg.Go(func() error {
			conn, err := m.dialPeer(ctx, config, i)
			if err != nil {
				return err
			}
			m.mu.Lock()
			m.conns[i] = &peerConn{conn: conn}
			m.mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// acceptPeer completes the handshake on an inbound connection and returns the
// peer's node index taken from its hello frame.
func (m *Messenger) acceptPeer(ctx context.Context, conn net.Conn) (int, error) {
	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			return 0, fmt.Errorf("tcpnet: TLS handshake: %w", err)
		}
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}
	hello, err := readFrame(conn)
	if err != nil {
		return 0, fmt.Errorf("tcpnet: reading hello frame: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if len(hello) != 4 {
		return 0, fmt.Errorf("tcpnet: malformed hello frame of %d bytes", len(hello))
	}
	peer := int(int32(binary.BigEndian.Uint32(hello)))
	if peer <= m.selfIndex {
		return 0, fmt.Errorf("tcpnet: unexpected hello from node %d, wanted a higher index than %d", peer, m.selfIndex)
	}
	return peer, nil
}

// dialPeer connects to a lower-indexed node, retrying with exponential
// backoff until the context deadline, then announces itself with a hello
// frame.
func (m *Messenger) dialPeer(ctx context.Context, config Config, peer int) (net.Conn, error) {
	addr, ok := config.Addrs[peer]
	if !ok {
		return nil, fmt.Errorf("tcpnet: no address configured for node %d", peer)
	}

	var (
		dialer  net.Dialer
		conn    net.Conn
		lastErr error
	)
	backoff := 100 * time.Millisecond
	for {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn = c
			break
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("tcpnet: dialing node %d at %s: %w (last error: %v)", peer, addr, ctx.Err(), lastErr)
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	if config.TLS != nil {
		tc := tls.Client(conn, config.TLS)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tcpnet: TLS handshake with node %d: %w", peer, err)
		}
		conn = tc
	}

	hello := make([]byte, 4)
	binary.BigEndian.PutUint32(hello, uint32(m.selfIndex))
	if err := writeFrame(conn, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tcpnet: sending hello to node %d: %w", peer, err)
	}
	return conn, nil
}

func (m *Messenger) peer(index int) (*peerConn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errors.New("tcpnet: messenger closed")
	}
	pc, ok := m.conns[index]
	if !ok {
		return nil, fmt.Errorf("tcpnet: no connection for node %d", index)
	}
	return pc, nil
}

// MessageSend writes one length-prefixed frame to the receiver node.
func (m *Messenger) MessageSend(ctx context.Context, receiver int, buffer []byte) error {
	pc, err := m.peer(receiver)
	if err != nil {
		return err
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		pc.conn.SetWriteDeadline(dl)
	} else {
		pc.conn.SetWriteDeadline(time.Time{})
	}
	if err := writeFrame(pc.conn, buffer); err != nil {
		return fmt.Errorf("tcpnet: sending to node %d: %w", receiver, ctxError(ctx, err))
	}
	return nil
}

// MessageReceive reads one length-prefixed frame from the sender node. It
// honors both context deadlines and cancellation.
func (m *Messenger) MessageReceive(ctx context.Context, sender int) ([]byte, error) {
	pc, err := m.peer(sender)
	if err != nil {
		return nil, err
	}

	pc.recvMu.Lock()
	defer pc.recvMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		pc.conn.SetReadDeadline(dl)
	} else {
		pc.conn.SetReadDeadline(time.Time{})
	}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			pc.conn.SetReadDeadline(time.Unix(1, 0))
		})
		defer stop()
	}

	buf, err := readFrame(pc.conn)
	if err != nil {
		return nil, fmt.Errorf("tcpnet: receiving from node %d: %w", sender, ctxError(ctx, err))
	}
	return buf, nil
}

// ctxError maps connection deadline errors back to their context cause.
// Connection deadlines are only ever derived from the context, so a deadline
// miss on the socket is the context's deadline even when the socket timer
// fires first.
func ctxError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline && errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}

// MessagesReceive receives one frame from each listed sender concurrently and
// returns them in sender order.
func (m *Messenger) MessagesReceive(ctx context.Context, senders []int) ([][]byte, error) {
	received := make([][]byte, len(senders))

	eg, ctx := errgroup.WithContext(ctx)
	for i, sender := range senders {
		eg.Go(func() error {
			msg, err := m.MessageReceive(ctx, sender)
			if err != nil {
				return err
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

// Addr returns the listener address, or nil for nodes that only dial. Tests
// bind port 0 and read the effective address back through this.
func (m *Messenger) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Close tears down every connection and the listener. It is safe to call more
// than once; later calls are no-ops.
func (m *Messenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for idx, pc := range m.conns {
		if err := pc.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connection to node %d: %w", idx, err))
		}
	}
	m.conns = nil
	if m.listener != nil {
		if err := m.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing listener: %w", err))
		}
		m.listener = nil
	}
	return errors.Join(errs...)
}

// writeFrame sends a 4-byte big-endian length prefix followed by the payload.
func writeFrame(conn net.Conn, buffer []byte) error {
	if len(buffer) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(buffer))
	}
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(buffer)))
	if _, err := conn.Write(length); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := conn.Write(buffer); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame, rejecting frames over the size
// cap before allocating for them.
func readFrame(conn net.Conn) ([]byte, error) {
	length := make([]byte, 4)
	if _, err := io.ReadFull(conn, length); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	size := binary.BigEndian.Uint32(length)
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", size)
	}
	buffer := make([]byte, size)
	if _, err := io.ReadFull(conn, buffer); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return buffer, nil
}
