package cluster

import (
	"sync"
	"time"

	"github.com/xxtea01/shareserve/api/mpc"
	"github.com/xxtea01/shareserve/internal/metrics"
)

// PartyStatus is one party's health as seen from the coordinator side.
type PartyStatus struct {
	Name     string        `json:"name"`
	Index    int           `json:"index"`
	State    mpc.State     `json:"state"`
	Latency  time.Duration `json:"latency_ns"`
	LastSeen time.Time     `json:"last_seen"`
	Healthy  bool          `json:"healthy"`
}

// healthTracker keeps per-party heartbeat bookkeeping: the last successful
// round trip, its EWMA latency, and the state the party reported.
type healthTracker struct {
	ttl time.Duration

	mu     sync.Mutex
	names  []string
	seen   []time.Time
	states []mpc.State
	rtts   []*metrics.EWMA
}

func newHealthTracker(names []string, ttl time.Duration) *healthTracker {
	h := &healthTracker{
		ttl:    ttl,
		names:  names,
		seen:   make([]time.Time, len(names)),
		states: make([]mpc.State, len(names)),
		rtts:   make([]*metrics.EWMA, len(names)),
	}
	for i := range h.rtts {
		h.rtts[i] = metrics.NewEWMA(metrics.DefaultAlpha)
	}
	return h
}

// observe records one successful heartbeat.
func (h *healthTracker) observe(party int, state mpc.State, rtt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[party] = time.Now()
	h.states[party] = state
	h.rtts[party].Observe(rtt)
}

// fresh reports whether every party's last heartbeat is within the TTL.
func (h *healthTracker) fresh() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-h.ttl)
	for _, s := range h.seen {
		if s.Before(cutoff) {
			return false
		}
	}
	return true
}

// snapshot returns the current per-party status.
func (h *healthTracker) snapshot() []PartyStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-h.ttl)
	out := make([]PartyStatus, len(h.names))
	for i := range out {
		out[i] = PartyStatus{
			Name:     h.names[i],
			Index:    i,
			State:    h.states[i],
			Latency:  h.rtts[i].Value(),
			LastSeen: h.seen[i],
			Healthy:  !h.seen[i].Before(cutoff),
		}
	}
	return out
}
