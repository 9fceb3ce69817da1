package mpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/xxtea01/shareserve/api/transport"
	"github.com/xxtea01/shareserve/api/transport/tcpnet"
)

// State is a party's lifecycle state as reported by pong and status surfaces.
type State string

const (
	StateIdle    State = "idle"
	StateReady   State = "ready"
	StateServing State = "serving"
	StateStopped State = "stopped"
	StateFaulted State = "faulted"
)

// DefaultRoundTimeout bounds how long a party waits for its peers inside one
// protocol round.
const DefaultRoundTimeout = 5 * time.Second

// PartyOptions tunes a party runtime. The zero value is ready for use.
type PartyOptions struct {
	// RoundTimeout bounds peer waits per round; zero means
	// DefaultRoundTimeout.
	RoundTimeout time.Duration

	// Logger receives runtime events; nil discards them.
	Logger *log.Logger
}

// Party is one party server of the cluster. It holds this party's weight
// shares, runs the control loop against the coordinator and executes protocol
// rounds against its peers. A Party serves many requests over its lifetime
// but runs at most once.
type Party struct {
	index        int
	parties      int
	roundTimeout time.Duration
	logger       *log.Logger

	mu         sync.Mutex
	msgr       transport.Messenger
	spec       *ModelSpec
	weights    []layerWeights
	requests   map[string]*partyRequest
	everServed bool
	stopped    bool
	faulted    bool
	runCancel  context.CancelFunc

	doneOnce sync.Once
	done     chan struct{}
}

// partyRequest is the runtime state of one in-flight request on this party.
type partyRequest struct {
	id    string
	state *roundState

	// cmds carries this request's control envelopes from the coordinator
	// reader to the request worker, in arrival order.
	cmds chan Envelope

	// inbox buffers peer round payloads, one channel per peer, sized so a
	// conforming peer can never block its reader.
	inbox map[int]chan peerRound

	haveInput bool
	nextRound int
}

type peerRound struct {
	round int
	data  []int64
}

// NewParty creates a party runtime for the given mesh position.
func NewParty(index, parties int, opts PartyOptions) (*Party, error) {
	if parties < 2 {
		return nil, fmt.Errorf("party runtime needs at least 2 parties, got %d", parties)
	}
	if index < 0 || index >= parties {
		return nil, fmt.Errorf("party index %d out of range [0,%d)", index, parties)
	}
	timeout := opts.RoundTimeout
	if timeout <= 0 {
		timeout = DefaultRoundTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Party{
		index:        index,
		parties:      parties,
		roundTimeout: timeout,
		logger:       logger,
		requests:     make(map[string]*partyRequest),
		done:         make(chan struct{}),
	}, nil
}

// Index returns this party's mesh position.
func (p *Party) Index() int { return p.index }

// coordIndex is the coordinator's mesh position: one past the parties.
func (p *Party) coordIndex() int { return p.parties }

// State reports the party lifecycle state.
func (p *Party) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Party) stateLocked() State {
	switch {
	case p.stopped:
		return StateStopped
	case p.faulted:
		return StateFaulted
	case p.everServed:
		return StateServing
	case p.spec != nil:
		return StateReady
	default:
		return StateIdle
	}
}

// Done is closed once the party has fully shut down (or failed to start).
func (p *Party) Done() <-chan struct{} { return p.done }

// Start binds the party's endpoint and launches the control loop for
// externally managed deployments. The bind happens synchronously so an
// occupied port surfaces immediately as ErrBind; mesh formation and serving
// then proceed in the background until ctx ends or Stop is called.
func (p *Party) Start(ctx context.Context, cfg tcpnet.Config) error {
	cfg.SelfIndex = p.index
	cfg.Nodes = p.parties + 1

	incoming := cfg.Nodes - 1 - cfg.SelfIndex
	if incoming > 0 && cfg.Listener == nil {
		addr, ok := cfg.Addrs[p.index]
		if !ok {
			return fmt.Errorf("party %d: no listen address configured", p.index)
		}
		ln, err := tcpnet.Listen(addr)
		if err != nil {
			return fmt.Errorf("party %d: %w (%v)", p.index, ErrBind, err)
		}
		cfg.Listener = ln
	}

	go func() {
		msgr, err := tcpnet.NewMessenger(ctx, cfg)
		if err != nil {
			p.logger.Printf("party %d: mesh formation failed: %v", p.index, err)
			if cfg.Listener != nil {
				cfg.Listener.Close()
			}
			p.doneOnce.Do(func() { close(p.done) })
			return
		}
		if err := p.Run(ctx, msgr); err != nil {
			transport.Close(msgr)
			if !errors.Is(err, context.Canceled) {
				p.logger.Printf("party %d: run ended: %v", p.index, err)
			}
		}
	}()
	return nil
}

// Run executes the control loop over a ready messenger until the context
// ends or a Stop arrives. Self-managed clusters call Run directly with their
// in-memory messengers.
func (p *Party) Run(ctx context.Context, msgr transport.Messenger) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrAlreadyStopped
	}
	if p.msgr != nil {
		p.mu.Unlock()
		return fmt.Errorf("party %d: %w: already running", p.index, ErrInvalidState)
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.msgr = msgr
	p.runCancel = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		transport.Close(msgr)
		p.doneOnce.Do(func() { close(p.done) })
	}()

	var readers sync.WaitGroup
	for peer := 0; peer < p.parties; peer++ {
		if peer == p.index {
			continue
		}
		readers.Add(1)
		go func() {
			defer readers.Done()
			p.readPeer(runCtx, peer)
		}()
	}
	defer readers.Wait()

	for {
		buf, err := msgr.MessageReceive(runCtx, p.coordIndex())
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("party %d: coordinator link lost: %w", p.index, err)
		}
		env, err := decodeEnvelope(buf)
		if err != nil {
			p.fault(fmt.Sprintf("malformed coordinator envelope: %v", err))
			continue
		}
		p.handleControl(runCtx, env)
	}
}

// Stop refuses further work and unwinds the control loop. The second call
// reports ErrAlreadyStopped.
func (p *Party) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrAlreadyStopped
	}
	p.stopped = true
	if p.runCancel != nil {
		p.runCancel()
	} else {
		// Never ran; nothing will close done for us.
		p.doneOnce.Do(func() { close(p.done) })
	}
	return nil
}

// fault latches the party into the refusing state. Held shares stay in
// memory but every subsequent request is refused until the process restarts.
func (p *Party) fault(reason string) {
	p.mu.Lock()
	already := p.faulted
	p.faulted = true
	p.mu.Unlock()
	if !already {
		p.logger.Printf("party %d: faulted: %s", p.index, reason)
	}
}

func (p *Party) isFaulted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.faulted
}

// send marshals and delivers one envelope, logging delivery failures.
func (p *Party) send(ctx context.Context, to int, env Envelope) error {
	env.From = p.index
	buf, err := encodeEnvelope(env)
	if err != nil {
		p.logger.Printf("party %d: %v", p.index, err)
		return err
	}
	if err := p.msgr.MessageSend(ctx, to, buf); err != nil {
		p.logger.Printf("party %d: sending %s to %d: %v", p.index, env.Kind, to, err)
		return err
	}
	return nil
}

// ack replies to a coordinator command. A non-nil err is reported through the
// wire error code so the coordinator can map it back to a sentinel.
func (p *Party) ack(ctx context.Context, env Envelope, err error) {
	if err != nil {
		env.Code = errorCode(err)
		env.Error = err.Error()
	}
	p.send(ctx, p.coordIndex(), env)
}

// handleControl dispatches one coordinator envelope. Request-scoped commands
// are routed to the request worker; everything else is handled inline so the
// coordinator stream stays ordered.
func (p *Party) handleControl(ctx context.Context, env Envelope) {
	switch env.Kind {
	case KindPing:
		p.ack(ctx, Envelope{Kind: KindPong, Nonce: env.Nonce, State: string(p.State())}, nil)

	case KindLoad:
		p.ack(ctx, Envelope{Kind: KindLoaded}, p.handleLoad(env))

	case KindDiscard:
		p.handleDiscard()
		p.ack(ctx, Envelope{Kind: KindDiscarded}, nil)

	case KindBegin:
		p.ack(ctx, Envelope{Kind: KindBegun, Request: env.Request}, p.beginRequest(ctx, env))

	case KindInput, KindStep:
		if !p.routeToRequest(env) {
			ackKind := KindInputOK
			if env.Kind == KindStep {
				ackKind = KindStepDone
			}
			p.ack(ctx, Envelope{Kind: ackKind, Request: env.Request, Round: env.Round},
				fmt.Errorf("request %q: %w", env.Request, ErrUnknownRequest))
		}

	case KindAbort:
		if !p.routeToRequest(env) {
			// Aborting a request that is already gone succeeds.
			p.ack(ctx, Envelope{Kind: KindAborted, Request: env.Request}, nil)
		}

	case KindStop:
		p.ack(ctx, Envelope{Kind: KindStopped}, nil)
		if err := p.Stop(); err != nil {
			p.logger.Printf("party %d: stop: %v", p.index, err)
		}

	default:
		p.fault(fmt.Sprintf("unexpected coordinator envelope kind %q", env.Kind))
	}
}

// handleLoad installs the model spec and this party's weight shares.
func (p *Party) handleLoad(env Envelope) error {
	if env.Model == nil {
		return fmt.Errorf("load without a model spec: %w", ErrInvalidState)
	}
	weights, err := parseWeights(*env.Model, env.Weights)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.faulted {
		return ErrPartyFaulted
	}
	if len(p.requests) > 0 {
		return fmt.Errorf("cannot load shares with %d requests in flight: %w", len(p.requests), ErrInvalidState)
	}
	p.spec = env.Model
	p.weights = weights
	return nil
}

// handleDiscard drops the installed shares, returning the party to idle.
func (p *Party) handleDiscard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec = nil
	p.weights = nil
}

// beginRequest registers a request and spawns its worker.
func (p *Party) beginRequest(ctx context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.faulted {
		return ErrPartyFaulted
	}
	if p.spec == nil {
		return fmt.Errorf("no shares loaded: %w", ErrInvalidState)
	}
	if env.Request == "" {
		return fmt.Errorf("begin without request id: %w", ErrInvalidState)
	}
	if _, dup := p.requests[env.Request]; dup {
		return fmt.Errorf("request %q already begun: %w", env.Request, ErrInvalidState)
	}

	state, err := newRoundState(*p.spec, p.weights, env.Material, p.index == leadParty)
	if err != nil {
		return err
	}

	total := p.spec.TotalRounds()
	req := &partyRequest{
		id:    env.Request,
		state: state,
		cmds:  make(chan Envelope, total+2),
		inbox: make(map[int]chan peerRound, p.parties-1),
	}
	for peer := 0; peer < p.parties; peer++ {
		if peer != p.index {
			req.inbox[peer] = make(chan peerRound, total)
		}
	}
	p.requests[env.Request] = req
	p.everServed = true

	go p.serveRequest(ctx, req)
	return nil
}

// routeToRequest forwards a request-scoped envelope to its worker. It
// reports false when the request is unknown or its command buffer is full.
func (p *Party) routeToRequest(env Envelope) bool {
	p.mu.Lock()
	req, ok := p.requests[env.Request]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case req.cmds <- env:
		return true
	default:
		return false
	}
}

// dropRequest removes a finished request.
func (p *Party) dropRequest(id string) {
	p.mu.Lock()
	delete(p.requests, id)
	p.mu.Unlock()
}

// serveRequest is the per-request worker: it consumes this request's
// commands in order and keeps its rounds strictly sequential.
func (p *Party) serveRequest(ctx context.Context, req *partyRequest) {
	defer func() {
		// Unregister first so no new commands can be routed here, then
		// answer anything that raced in while this worker was finishing.
		p.dropRequest(req.id)
		for {
			select {
			case env := <-req.cmds:
				if env.Kind == KindAbort {
					p.ack(ctx, Envelope{Kind: KindAborted, Request: req.id}, nil)
				} else {
					p.ack(ctx, Envelope{Kind: ackKindFor(env.Kind), Request: req.id, Round: env.Round},
						fmt.Errorf("request %q: %w", req.id, ErrUnknownRequest))
				}
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-req.cmds:
			if p.isFaulted() {
				p.ack(ctx, Envelope{Kind: ackKindFor(env.Kind), Request: req.id, Round: env.Round}, ErrPartyFaulted)
				return
			}
			switch env.Kind {
			case KindInput:
				if err := p.attachInput(req, env); err != nil {
					p.ack(ctx, Envelope{Kind: KindInputOK, Request: req.id}, err)
					return
				}
				p.ack(ctx, Envelope{Kind: KindInputOK, Request: req.id}, nil)

			case KindStep:
				done := p.runStep(ctx, req, env)
				if done {
					return
				}

			case KindAbort:
				p.ack(ctx, Envelope{Kind: KindAborted, Request: req.id}, nil)
				return
			}
		}
	}
}

func ackKindFor(cmd Kind) Kind {
	switch cmd {
	case KindInput:
		return KindInputOK
	case KindStep:
		return KindStepDone
	case KindAbort:
		return KindAborted
	default:
		return cmd
	}
}

func (p *Party) attachInput(req *partyRequest, env Envelope) error {
	if req.haveInput {
		return fmt.Errorf("request %q already has its input: %w", req.id, ErrInvalidState)
	}
	if err := req.state.setInput(env.Data); err != nil {
		return err
	}
	req.haveInput = true
	return nil
}

// runStep executes one protocol round: broadcast this party's contribution,
// gather the peers', apply the opened sum. It reports true when the request
// is finished, successfully or not.
func (p *Party) runStep(ctx context.Context, req *partyRequest, env Envelope) bool {
	round := env.Round
	ackEnv := Envelope{Kind: KindStepDone, Request: req.id, Round: round}

	if !req.haveInput {
		p.ack(ctx, ackEnv, fmt.Errorf("step before input share: %w", ErrInvalidState))
		return true
	}
	if round != req.nextRound {
		p.ack(ctx, ackEnv, fmt.Errorf("step %d out of order, expected %d: %w", round, req.nextRound, ErrInvalidState))
		return true
	}

	contribution, err := req.state.contribution(round)
	if err != nil {
		p.ack(ctx, ackEnv, err)
		return true
	}

	opened, err := p.exchange(ctx, req, round, contribution)
	if err != nil {
		p.ack(ctx, ackEnv, err)
		return true
	}

	if err := req.state.apply(round, opened); err != nil {
		p.fault(fmt.Sprintf("request %s round %d: %v", req.id, round, err))
		p.ack(ctx, ackEnv, ErrPartyFaulted)
		return true
	}

	req.nextRound++
	if req.nextRound == req.state.spec.TotalRounds() {
		ackEnv.Data = req.state.output()
		p.ack(ctx, ackEnv, nil)
		return true
	}
	p.ack(ctx, ackEnv, nil)
	return false
}

// exchange broadcasts this party's contribution and sums it with the peers'
// into the opened vector. A peer that cannot be reached or does not answer
// within the round timeout fails the round with ErrProtocolTimeout; a peer
// that answers with garbage faults this party.
func (p *Party) exchange(ctx context.Context, req *partyRequest, round int, contribution []int64) ([]int64, error) {
	stepCtx, cancel := context.WithTimeout(ctx, p.roundTimeout)
	defer cancel()

	roundEnv := Envelope{Kind: KindRound, Request: req.id, Round: round, Data: contribution}
	for peer := 0; peer < p.parties; peer++ {
		if peer == p.index {
			continue
		}
		if err := p.send(stepCtx, peer, roundEnv); err != nil {
			// A dead peer and a slow peer are the same failure to a round.
			return nil, fmt.Errorf("round %d: peer %d unreachable: %w", round, peer, ErrProtocolTimeout)
		}
	}

	contributions := make([][]int64, 0, p.parties)
	contributions = append(contributions, contribution)
	for peer := 0; peer < p.parties; peer++ {
		if peer == p.index {
			continue
		}
		select {
		case <-stepCtx.Done():
			return nil, fmt.Errorf("round %d: waiting for peer %d: %w", round, peer, ErrProtocolTimeout)
		case pr := <-req.inbox[peer]:
			if pr.round != round {
				p.fault(fmt.Sprintf("request %s: peer %d sent round %d during round %d", req.id, peer, pr.round, round))
				return nil, ErrPartyFaulted
			}
			if len(pr.data) != len(contribution) {
				p.fault(fmt.Sprintf("request %s round %d: peer %d sent %d elements, want %d",
					req.id, round, peer, len(pr.data), len(contribution)))
				return nil, ErrPartyFaulted
			}
			contributions = append(contributions, pr.data)
		}
	}

	opened, err := sumOpened(contributions)
	if err != nil {
		return nil, fmt.Errorf("round %d: %w", round, err)
	}
	return opened, nil
}

// readPeer drains one peer connection, routing round payloads to their
// request workers. Anything that is not a well-formed round envelope faults
// the party.
func (p *Party) readPeer(ctx context.Context, peer int) {
	for {
		buf, err := p.msgr.MessageReceive(ctx, peer)
		if err != nil {
			return
		}
		env, err := decodeEnvelope(buf)
		if err != nil {
			p.fault(fmt.Sprintf("malformed payload from peer %d: %v", peer, err))
			continue
		}
		if env.Kind != KindRound {
			p.fault(fmt.Sprintf("unexpected %s envelope from peer %d", env.Kind, peer))
			continue
		}

		p.mu.Lock()
		req, ok := p.requests[env.Request]
		p.mu.Unlock()
		if !ok {
			// Stragglers after an abort are expected; drop them.
			continue
		}
		select {
		case req.inbox[peer] <- peerRound{round: env.Round, data: env.Data}:
		default:
			p.fault(fmt.Sprintf("request %s: peer %d exceeded the round budget", env.Request, peer))
		}
	}
}
