package relaymgr

import (
	"sync"

	"github.com/kestrelnet/relay/internal/addr"
)

// MaxRelays bounds the neighbor table (spec.md §4.5).
const MaxRelays = 256

// PingRate is the per-relay ping interval: GetPingTargets only reissues
// a ping to a relay once PingRate seconds have elapsed since its last
// one (spec.md §3/§4.5).
const PingRate = 0.1

// Relay is one entry in the neighbor table: an address plus its own
// embedded ping history (there is no shared arena of history slots).
type Relay struct {
	ID      uint64
	Address addr.Address

	lastPingTime float64
	history      PingHistory
}

// Manager is the neighbor-relay table from spec.md §4.5: it tracks the
// current relay set handed down by the backend, preserves each relay's
// ping-history slot across updates by identity (not position), and
// answers ping-target / pong / stats queries for the pinger loop.
//
// Grounded on the teacher's connection-pool bookkeeping in
// transport/internet/gametunnel/hub.go, generalized from per-connection
// reuse to per-neighbor ping-history reuse.
type Manager struct {
	mu      sync.Mutex
	relays  map[uint64]*Relay
	order   []uint64 // stable iteration order for deterministic ping-target/stats listing
}

// NewManager returns an empty relay table.
func NewManager() *Manager {
	return &Manager{relays: make(map[uint64]*Relay)}
}

// Update replaces the neighbor set with incoming, keyed by relay ID.
// A relay already present keeps its PingHistory and last_ping_time (and
// therefore its in-flight RTT samples and pacing); a relay not in
// incoming is dropped; a relay newly appearing in incoming gets a
// freshly reset PingHistory and has its last_ping_time fanned out across
// [now-PingRate, now] so a batch of newly-added relays doesn't all come
// due for a ping on the same tick (spec.md §3/§4.5: "redistributed
// evenly ... so pings do not cluster"). Entries beyond MaxRelays are
// dropped, in order, and the caller should treat this as a
// misconfiguration rather than rely on it (spec.md §4.5 notes MAX_RELAYS
// as a hard table cap, not a selection policy).
func (m *Manager) Update(incoming []Relay, now float64) (added, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incomingByID := make(map[uint64]addr.Address, len(incoming))
	order := make([]uint64, 0, len(incoming))
	for i, r := range incoming {
		if i >= MaxRelays {
			break
		}
		incomingByID[r.ID] = r.Address
		order = append(order, r.ID)
	}

	for id := range m.relays {
		if _, ok := incomingByID[id]; !ok {
			delete(m.relays, id)
			removed++
		}
	}

	var newlyAdded []*Relay
	for _, id := range order {
		addrVal := incomingByID[id]
		if existing, ok := m.relays[id]; ok {
			existing.Address = addrVal
			continue
		}
		r := &Relay{ID: id, Address: addrVal}
		r.history.Reset()
		m.relays[id] = r
		newlyAdded = append(newlyAdded, r)
	}
	added = len(newlyAdded)

	// Fan the newly-added relays' last_ping_time evenly across
	// [now-PingRate, now], per spec.md §4.5's exact formula, so they
	// don't all come due for a ping on the same GetPingTargets call.
	n := float64(len(newlyAdded))
	for i, r := range newlyAdded {
		r.lastPingTime = now - PingRate + float64(i)*PingRate/n
	}

	m.order = order
	return added, removed
}

// PingTarget is one {relay ID, address, sequence} tuple to send a ping to.
type PingTarget struct {
	ID       uint64
	Address  addr.Address
	Sequence uint64
}

// GetPingTargets returns a ping target, with a freshly-issued sequence
// number, for every relay whose last_ping_time + PingRate has elapsed as
// of now — bumping that relay's last_ping_time to now in the process —
// so relays are paced at PingRate rather than pinged on every call
// (spec.md §3/§4.5).
func (m *Manager) GetPingTargets(now float64) []PingTarget {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make([]PingTarget, 0, len(m.order))
	for _, id := range m.order {
		r, ok := m.relays[id]
		if !ok {
			continue
		}
		if r.lastPingTime+PingRate > now {
			continue
		}
		r.lastPingTime = now
		seq := r.history.PingSent(now)
		targets = append(targets, PingTarget{ID: id, Address: r.Address, Sequence: seq})
	}
	return targets
}

// ProcessPong records a pong from relay id for sequence seq, if that
// relay is still present in the table.
func (m *Manager) ProcessPong(id uint64, seq uint64, now float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.relays[id]; ok {
		r.history.PongReceived(seq, now)
	}
}

// RelayStats pairs a relay's identity with its computed route stats.
type RelayStats struct {
	ID      uint64
	Address addr.Address
	Stats   Stats
}

// GetStats computes Stats for every relay currently in the table over
// the trailing [now-StatsWindowSeconds, now] window.
func (m *Manager) GetStats(now float64) []RelayStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RelayStats, 0, len(m.order))
	for _, id := range m.order {
		r, ok := m.relays[id]
		if !ok {
			continue
		}
		st := Compute(&r.history, now-StatsWindowSeconds, now, PingSafetySeconds)
		out = append(out, RelayStats{ID: id, Address: r.Address, Stats: st})
	}
	return out
}

// IDForAddress finds the relay ID whose current address equals a, for
// routing an incoming RelayPong (which identifies its sender only by
// address) to the right ping-history slot.
func (m *Manager) IDForAddress(a addr.Address) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.relays {
		if r.Address.Equal(a) {
			return id, true
		}
	}
	return 0, false
}

// Size returns the number of relays currently in the table.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.relays)
}
