package cluster

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/xxtea01/shareserve/api/mpc"
	"github.com/xxtea01/shareserve/api/transport"
	"github.com/xxtea01/shareserve/api/transport/tcpnet"
)

// ManagementMode says who launches and supervises the party servers.
type ManagementMode string

const (
	// External parties are launched elsewhere; the cluster only connects to
	// their endpoints.
	External ManagementMode = "external"

	// SelfManaged parties run as in-process workers over the in-memory
	// network, supervised by the cluster.
	SelfManaged ManagementMode = "self-managed"
)

func (m ManagementMode) valid() bool { return m == External || m == SelfManaged }

// PartyConfig describes one party server. Host and Port are only used in
// external mode.
type PartyConfig struct {
	Name string
	Host string
	Port int
	Mode ManagementMode
}

// Addr returns the party's host:port endpoint.
func (p PartyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultHeartbeatTTL = 15 * time.Second
)

// Config assembles a cluster.
type Config struct {
	// Parties is the fixed party set, at least two, all in the same mode.
	Parties []PartyConfig

	// StartTimeout bounds Start: mesh formation plus the readiness barrier.
	// Zero means DefaultStartTimeout.
	StartTimeout time.Duration

	// RoundTimeout is handed to self-managed party workers.
	RoundTimeout time.Duration

	// AckTimeout bounds each coordinator command round trip.
	AckTimeout time.Duration

	// HeartbeatTTL is how long a party counts as healthy after its last
	// answered heartbeat. Zero means DefaultHeartbeatTTL.
	HeartbeatTTL time.Duration

	// HeartbeatInterval is the background heartbeat period; zero means a
	// third of the TTL.
	HeartbeatInterval time.Duration

	// TLS wraps the party mesh connections in external mode when set.
	TLS *tls.Config

	// Logger receives cluster events; nil discards them.
	Logger *log.Logger
}

type clusterState int

const (
	stateCreated clusterState = iota
	stateStarting
	stateRunning
	stateStopped
)

// Cluster is the lifecycle manager for the party set. It owns the
// coordinator-side messenger the serving layer drives requests through.
type Cluster struct {
	cfg    Config
	n      int
	mode   ManagementMode
	logger *log.Logger
	health *healthTracker

	mu       sync.Mutex
	state    clusterState
	coord    *mpc.Coordinator
	msgr     transport.Messenger
	sup      *supervisor
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// New validates the configuration and builds a cluster. Parties must all use
// the same management mode; a mixed set is rejected.
func New(cfg Config) (*Cluster, error) {
	if len(cfg.Parties) < 2 {
		return nil, fmt.Errorf("cluster needs at least 2 parties, got %d", len(cfg.Parties))
	}
	mode := cfg.Parties[0].Mode
	if !mode.valid() {
		return nil, fmt.Errorf("unknown management mode %q", mode)
	}
	names := make([]string, len(cfg.Parties))
	for i, p := range cfg.Parties {
		if p.Mode != mode {
			return nil, fmt.Errorf("party %d mode %q differs from %q; mixed clusters are not supported", i, p.Mode, mode)
		}
		if mode == External && (p.Host == "" || p.Port <= 0) {
			return nil, fmt.Errorf("party %d (%s) has no endpoint", i, p.Name)
		}
		names[i] = p.Name
		if names[i] == "" {
			names[i] = fmt.Sprintf("party-%d", i)
		}
	}

	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.HeartbeatTTL / 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Cluster{
		cfg:    cfg,
		n:      len(cfg.Parties),
		mode:   mode,
		logger: logger,
		health: newHealthTracker(names, cfg.HeartbeatTTL),
	}, nil
}

// Parties returns the party count.
func (c *Cluster) Parties() int { return c.n }

// Mode returns the cluster's management mode.
func (c *Cluster) Mode() ManagementMode { return c.mode }

// Coordinator returns the protocol coordinator, nil until Start completes.
func (c *Cluster) Coordinator() *mpc.Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateRunning {
		return nil
	}
	return c.coord
}

// Start brings up (or connects to) every party and blocks until all of them
// answer a health ping. On failure everything already started is torn down
// again, so a cluster is either fully up or not up at all.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateStopped:
		c.mu.Unlock()
		return mpc.ErrAlreadyStopped
	case stateStarting, stateRunning:
		c.mu.Unlock()
		return fmt.Errorf("cluster already started: %w", mpc.ErrInvalidState)
	}
	c.state = stateStarting
	c.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	var (
		msgr transport.Messenger
		sup  *supervisor
	)
	if c.mode == SelfManaged {
		var err error
		sup, err = newSupervisor(c.n, c.cfg.RoundTimeout, c.logger)
		if err != nil {
			c.revert()
			return err
		}
		sup.start(context.Background())
		msgr = sup.coordinatorMessenger()
	} else {
		addrs := make(map[int]string, c.n)
		for i, p := range c.cfg.Parties {
			addrs[i] = p.Addr()
		}
		var err error
		msgr, err = tcpnet.NewMessenger(startCtx, tcpnet.Config{
			Nodes:     c.n + 1,
			SelfIndex: c.n,
			Addrs:     addrs,
			TLS:       c.cfg.TLS,
		})
		if err != nil {
			c.revert()
			if startCtx.Err() != nil {
				return fmt.Errorf("cluster start: %w: %v", mpc.ErrClusterStartTimeout, err)
			}
			return fmt.Errorf("cluster start: %w", err)
		}
	}

	coord := mpc.NewCoordinator(c.n, msgr, mpc.CoordinatorOptions{
		AckTimeout: c.cfg.AckTimeout,
		Logger:     c.logger,
	})
	if err := c.barrier(startCtx, coord); err != nil {
		coord.Close()
		if sup != nil {
			if serr := sup.stop(); serr != nil {
				c.logger.Printf("cluster: teardown after failed start: %v", serr)
			}
		} else {
			transport.Close(msgr)
		}
		c.revert()
		return fmt.Errorf("cluster start: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.state = stateRunning
	c.coord = coord
	c.msgr = msgr
	c.sup = sup
	c.hbCancel = hbCancel
	c.hbDone = make(chan struct{})
	c.mu.Unlock()

	go c.heartbeat(hbCtx)
	c.logger.Printf("cluster: %d %s parties up", c.n, c.mode)
	return nil
}

func (c *Cluster) revert() {
	c.mu.Lock()
	c.state = stateCreated
	c.mu.Unlock()
}

// barrier waits until every party answers a ping, seeding the health tracker.
func (c *Cluster) barrier(ctx context.Context, coord *mpc.Coordinator) error {
	var wg sync.WaitGroup
	errs := make([]error, c.n)
	for i := 0; i < c.n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				state, rtt, err := coord.Ping(ctx, i)
				if err == nil {
					c.health.observe(i, state, rtt)
					return
				}
				if ctx.Err() != nil {
					errs[i] = fmt.Errorf("party %d never became ready: %w", i, mpc.ErrClusterStartTimeout)
					return
				}
				select {
				case <-ctx.Done():
				case <-time.After(50 * time.Millisecond):
				}
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// heartbeat pings every party on the configured interval until stopped.
func (c *Cluster) heartbeat(ctx context.Context) {
	defer close(c.hbDone)
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pingAll(ctx)
		}
	}
}

// pingAll refreshes every party's heartbeat once, collecting the failures.
func (c *Cluster) pingAll(ctx context.Context) error {
	coord := c.Coordinator()
	if coord == nil {
		return mpc.ErrClusterNotReady
	}
	var wg sync.WaitGroup
	errs := make([]error, c.n)
	for i := 0; i < c.n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, rtt, err := coord.Ping(ctx, i)
			if err != nil {
				errs[i] = fmt.Errorf("party %d: %w", i, err)
				return
			}
			c.health.observe(i, state, rtt)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Refresh pings every party once, on demand. The status surface calls this
// before reading Status so a dead party shows up immediately.
func (c *Cluster) Refresh(ctx context.Context) error {
	return c.pingAll(ctx)
}

// Ready reports whether the cluster is running and every party's heartbeat is
// fresh.
func (c *Cluster) Ready() bool {
	c.mu.Lock()
	running := c.state == stateRunning
	c.mu.Unlock()
	return running && c.health.fresh()
}

// Status returns the per-party health snapshot.
func (c *Cluster) Status() []PartyStatus {
	return c.health.snapshot()
}

// Stop tears the cluster down: every party is asked to stop, failures are
// collected but do not interrupt the fan-out, and the coordinator messenger
// is closed. The second call reports ErrAlreadyStopped.
func (c *Cluster) Stop() error {
	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return mpc.ErrAlreadyStopped
	}
	if c.state != stateRunning {
		c.state = stateStopped
		c.mu.Unlock()
		return nil
	}
	coord, sup, msgr := c.coord, c.sup, c.msgr
	hbCancel, hbDone := c.hbCancel, c.hbDone
	c.state = stateStopped
	c.mu.Unlock()

	hbCancel()
	<-hbDone

	var errs []error
	for i := 0; i < c.n; i++ {
		if err := coord.StopParty(context.Background(), i); err != nil {
			c.logger.Printf("cluster: stopping party %d: %v", i, err)
			errs = append(errs, err)
		}
	}
	coord.Close()
	if sup != nil {
		if err := sup.stop(); err != nil {
			errs = append(errs, err)
		}
	} else {
		transport.Close(msgr)
	}
	c.logger.Printf("cluster: stopped")
	return errors.Join(errs...)
}
