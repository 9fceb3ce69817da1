package mpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xxtea01/shareserve/api/transport"
)

// CoordinatorOptions tunes the coordinator driver. The zero value is ready
// for use.
type CoordinatorOptions struct {
	// AckTimeout bounds each command acknowledgement wait; steps get twice
	// this, covering the party-side round timeout. Zero means
	// DefaultRoundTimeout.
	AckTimeout time.Duration

	// Logger receives driver events; nil discards them.
	Logger *log.Logger
}

// Coordinator is the client side of the party protocol: it loads shares,
// deals request material, drives rounds and collects partial outputs. One
// reader goroutine per party demultiplexes acknowledgements so health pings
// and request driving can overlap freely.
type Coordinator struct {
	parties int
	msgr    transport.Messenger
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	waiters map[waiterKey]chan Envelope
	closed  bool
	cancel  context.CancelFunc
}

// waiterKey correlates an acknowledgement with its pending command.
type waiterKey struct {
	party   int
	kind    Kind
	request string
	round   int
	nonce   string
}

// NewCoordinator creates the driver over a ready messenger and starts its
// reader loops. The messenger must sit at mesh index parties.
func NewCoordinator(parties int, msgr transport.Messenger, opts CoordinatorOptions) *Coordinator {
	timeout := opts.AckTimeout
	if timeout <= 0 {
		timeout = DefaultRoundTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		parties: parties,
		msgr:    msgr,
		timeout: timeout,
		logger:  logger,
		waiters: make(map[waiterKey]chan Envelope),
		cancel:  cancel,
	}
	for party := 0; party < parties; party++ {
		go c.readParty(ctx, party)
	}
	return c
}

// Close stops the reader loops. The messenger itself belongs to the cluster
// and is closed there.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return nil
}

// readParty drains one party connection, handing acknowledgements to their
// registered waiters. Unclaimed envelopes (for example a late step ack after
// the driver timed out) are dropped.
func (c *Coordinator) readParty(ctx context.Context, party int) {
	for {
		buf, err := c.msgr.MessageReceive(ctx, party)
		if err != nil {
			return
		}
		env, err := decodeEnvelope(buf)
		if err != nil {
			c.logger.Printf("coordinator: dropping malformed envelope from party %d: %v", party, err)
			continue
		}

		key := waiterKey{party: party, kind: env.Kind, request: env.Request, round: env.Round, nonce: env.Nonce}
		c.mu.Lock()
		ch, ok := c.waiters[key]
		if ok {
			delete(c.waiters, key)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Printf("coordinator: dropping unclaimed %s from party %d", env.Kind, party)
			continue
		}
		ch <- env
	}
}

// register installs a waiter for one expected acknowledgement.
func (c *Coordinator) register(key waiterKey) (chan Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("coordinator closed: %w", ErrInvalidState)
	}
	if _, dup := c.waiters[key]; dup {
		return nil, fmt.Errorf("duplicate in-flight %s command for party %d", key.kind, key.party)
	}
	ch := make(chan Envelope, 1)
	c.waiters[key] = ch
	return ch, nil
}

func (c *Coordinator) unregister(key waiterKey) {
	c.mu.Lock()
	delete(c.waiters, key)
	c.mu.Unlock()
}

// send delivers one envelope to a party.
func (c *Coordinator) send(ctx context.Context, party int, env Envelope) error {
	env.From = c.parties
	buf, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := c.msgr.MessageSend(ctx, party, buf); err != nil {
		return fmt.Errorf("sending %s to party %d: %w", env.Kind, party, err)
	}
	return nil
}

// ackError converts a party acknowledgement into an error when it carries a
// failure code.
func ackError(party int, env Envelope) error {
	if env.Code == "" {
		return nil
	}
	return fmt.Errorf("party %d: %w", party, codeError(env.Code, env.Error))
}

// roundTrip sends one command to one party and waits for its ack.
func (c *Coordinator) roundTrip(ctx context.Context, party int, env Envelope, ackKind Kind, timeout time.Duration) (Envelope, error) {
	key := waiterKey{party: party, kind: ackKind, request: env.Request, round: env.Round, nonce: env.Nonce}
	ch, err := c.register(key)
	if err != nil {
		return Envelope{}, err
	}
	defer c.unregister(key)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.send(ctx, party, env); err != nil {
		return Envelope{}, err
	}
	select {
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("party %d: awaiting %s: %w", party, ackKind, ErrProtocolTimeout)
	case ack := <-ch:
		if err := ackError(party, ack); err != nil {
			return Envelope{}, err
		}
		return ack, nil
	}
}

// fanout sends one command per party and waits for every ack, collecting
// failures into a joined error. Acks are returned indexed by party.
func (c *Coordinator) fanout(ctx context.Context, envFor func(party int) Envelope, ackKind Kind, timeout time.Duration) ([]Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Register every waiter before the first send so no ack can race past
	// its waiter.
	keys := make([]waiterKey, c.parties)
	chans := make([]chan Envelope, c.parties)
	for party := 0; party < c.parties; party++ {
		env := envFor(party)
		keys[party] = waiterKey{party: party, kind: ackKind, request: env.Request, round: env.Round, nonce: env.Nonce}
		ch, err := c.register(keys[party])
		if err != nil {
			for cleanup := 0; cleanup < party; cleanup++ {
				c.unregister(keys[cleanup])
			}
			return nil, err
		}
		chans[party] = ch
	}
	defer func() {
		for _, key := range keys {
			c.unregister(key)
		}
	}()

	var errs []error
	for party := 0; party < c.parties; party++ {
		if err := c.send(ctx, party, envFor(party)); err != nil {
			errs = append(errs, err)
		}
	}

	acks := make([]Envelope, c.parties)
	for party := 0; party < c.parties; party++ {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("party %d: awaiting %s: %w", party, ackKind, ErrProtocolTimeout))
		case ack := <-chans[party]:
			acks[party] = ack
			if err := ackError(party, ack); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return acks, errors.Join(errs...)
}

// LoadModel distributes the model spec and each party's weight shares and
// waits for every party to confirm. weights is indexed [party][layer].
func (c *Coordinator) LoadModel(ctx context.Context, spec ModelSpec, weights [][]LayerShares) error {
	if len(weights) != c.parties {
		return fmt.Errorf("got weight shares for %d parties, cluster has %d", len(weights), c.parties)
	}
	_, err := c.fanout(ctx, func(party int) Envelope {
		return Envelope{Kind: KindLoad, Model: &spec, Weights: weights[party]}
	}, KindLoaded, c.timeout)
	if err != nil {
		return fmt.Errorf("loading shares: %w", err)
	}
	return nil
}

// DiscardModel tells every party to drop its installed shares. Used to keep
// share distribution all-or-nothing when a load partially fails.
func (c *Coordinator) DiscardModel(ctx context.Context) error {
	_, err := c.fanout(ctx, func(int) Envelope {
		return Envelope{Kind: KindDiscard}
	}, KindDiscarded, c.timeout)
	if err != nil {
		return fmt.Errorf("discarding shares: %w", err)
	}
	return nil
}

// BeginRequest registers a request and hands each party its slice of the
// dealt round material. material is indexed [party][layer].
func (c *Coordinator) BeginRequest(ctx context.Context, id string, material [][]LayerMaterial) error {
	if len(material) != c.parties {
		return fmt.Errorf("got material for %d parties, cluster has %d", len(material), c.parties)
	}
	_, err := c.fanout(ctx, func(party int) Envelope {
		return Envelope{Kind: KindBegin, Request: id, Material: material[party]}
	}, KindBegun, c.timeout)
	if err != nil {
		return fmt.Errorf("beginning request %s: %w", id, err)
	}
	return nil
}

// SendInput hands each party its share of the request input.
func (c *Coordinator) SendInput(ctx context.Context, id string, inputs [][]int64) error {
	if len(inputs) != c.parties {
		return fmt.Errorf("got input shares for %d parties, cluster has %d", len(inputs), c.parties)
	}
	_, err := c.fanout(ctx, func(party int) Envelope {
		return Envelope{Kind: KindInput, Request: id, Data: inputs[party]}
	}, KindInputOK, c.timeout)
	if err != nil {
		return fmt.Errorf("sending input for request %s: %w", id, err)
	}
	return nil
}

// Step drives one protocol round on every party. On the final round the
// returned slices carry each party's output share, indexed by party.
func (c *Coordinator) Step(ctx context.Context, id string, round int) ([][]int64, error) {
	// Parties wait up to their round timeout for peers, so the ack window
	// must outlast it.
	acks, err := c.fanout(ctx, func(int) Envelope {
		return Envelope{Kind: KindStep, Request: id, Round: round}
	}, KindStepDone, 2*c.timeout)
	if err != nil {
		return nil, fmt.Errorf("request %s round %d: %w", id, round, err)
	}
	outputs := make([][]int64, c.parties)
	for party, ack := range acks {
		outputs[party] = ack.Data
	}
	return outputs, nil
}

// AbortRequest clears a request on every party, best effort. Parties that
// already dropped the request acknowledge success.
func (c *Coordinator) AbortRequest(ctx context.Context, id string) error {
	_, err := c.fanout(ctx, func(int) Envelope {
		return Envelope{Kind: KindAbort, Request: id}
	}, KindAborted, c.timeout)
	if err != nil {
		return fmt.Errorf("aborting request %s: %w", id, err)
	}
	return nil
}

// Ping measures one party's round trip and reports its lifecycle state.
func (c *Coordinator) Ping(ctx context.Context, party int) (State, time.Duration, error) {
	if party < 0 || party >= c.parties {
		return "", 0, fmt.Errorf("party %d out of range [0,%d)", party, c.parties)
	}
	start := time.Now()
	ack, err := c.roundTrip(ctx, party, Envelope{Kind: KindPing, Nonce: uuid.NewString()}, KindPong, c.timeout)
	if err != nil {
		return "", 0, err
	}
	return State(ack.State), time.Since(start), nil
}

// StopParty asks one party to shut down and waits for its confirmation.
func (c *Coordinator) StopParty(ctx context.Context, party int) error {
	if party < 0 || party >= c.parties {
		return fmt.Errorf("party %d out of range [0,%d)", party, c.parties)
	}
	if _, err := c.roundTrip(ctx, party, Envelope{Kind: KindStop}, KindStopped, c.timeout); err != nil {
		return fmt.Errorf("stopping party %d: %w", party, err)
	}
	return nil
}
