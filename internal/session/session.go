// Package session implements the per-flow forwarding state table from
// spec.md §3/§4.4: Session records, ReplayWindow, and the thread-safe
// session Map with running kbps totals.
//
// Grounded on the teacher's Hub session map (transport/internet/gametunnel/hub.go)
// generalized from xray's per-connection Session to spec.md's per-flow
// forwarding Session, and from a string-keyed map to the 64-bit
// session_id^session_version key spec.md defines.
package session

import (
	"sync"

	"github.com/kestrelnet/relay/internal/addr"
	"github.com/kestrelnet/relay/internal/bandwidth"
	"github.com/kestrelnet/relay/internal/crypto"
)

// Session is the per-flow forwarding state described in spec.md §3.
//
// Session is held behind a reference-counted-by-GC pointer: Map.Get
// returns a *Session the caller may use after releasing the map's lock
// (spec.md §9 — "release the map's lock before decrypt/verify work").
// A *Session obtained before a Purge remains valid and readable; it is
// simply no longer reachable from the map.
type Session struct {
	mu sync.Mutex

	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8

	ClientToServerSequence uint64
	ServerToClientSequence uint64

	KbpsUp   uint32
	KbpsDown uint32

	PrevAddr addr.Address
	NextAddr addr.Address

	PrivateKey [crypto.KeySize]byte

	ClientToServerProtection *ReplayWindow
	ServerToClientProtection *ReplayWindow

	// BandwidthUp/BandwidthDown enforce the route token's kbps envelope
	// against forwarded ClientToServer/ServerToClient payload traffic.
	BandwidthUp   *bandwidth.Limiter
	BandwidthDown *bandwidth.Limiter

	// DebugSequence is a diagnostics-only monotonic counter incremented
	// on every forwarded packet for this session (see SPEC_FULL.md §3.1).
	// It never participates in protocol decisions.
	DebugSequence uint64
}

// New constructs a Session with fresh replay windows and bandwidth
// limiters, ready for insertion into a Map.
func New(now float64) *Session {
	return &Session{
		ClientToServerProtection: NewReplayWindow(),
		ServerToClientProtection: NewReplayWindow(),
		BandwidthUp:              bandwidth.NewLimiter(now),
		BandwidthDown:            bandwidth.NewLimiter(now),
	}
}

// Key returns the 64-bit session map key: session_id XOR session_version.
func (s *Session) Key() uint64 {
	return s.SessionID ^ uint64(s.SessionVersion)
}

// Expired reports whether the session is expired at the given backend
// timestamp: backend_timestamp >= expire_timestamp.
func (s *Session) Expired(backendTimestamp uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return backendTimestamp >= s.ExpireTimestamp
}

// RefreshExpiry advances ExpireTimestamp to newExpiry if it is strictly
// greater than the current value — used by ContinueRequest handling,
// which "only updates expire_timestamp if the token's value is strictly
// greater" (spec.md §4.2).
func (s *Session) RefreshExpiry(newExpiry uint64) (updated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newExpiry > s.ExpireTimestamp {
		s.ExpireTimestamp = newExpiry
		return true
	}
	return false
}

// SetExpiry unconditionally sets ExpireTimestamp — used when refreshing
// an existing session on a repeated but still-valid RouteRequest.
func (s *Session) SetExpiry(expiry uint64) {
	s.mu.Lock()
	s.ExpireTimestamp = expiry
	s.mu.Unlock()
}

// CheckAndAdvanceHighWaterServerToClient enforces strict high-water ordering on
// ServerToClientSequence: clean <= current ⇒ rejected. Used by
// {Route,Continue}Response and SessionPong handling (spec.md §4.2).
func (s *Session) CheckAndAdvanceHighWaterServerToClient(clean uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clean <= s.ServerToClientSequence {
		return false
	}
	s.ServerToClientSequence = clean
	return true
}

// CheckAndAdvanceHighWaterClientToServer enforces strict high-water
// ordering on ClientToServerSequence: clean <= current => rejected.
// Used by SessionPing handling, which shares spec.md §4.2's "monotonic
// seq" rule with the server-to-client response types but travels in
// the opposite direction.
func (s *Session) CheckAndAdvanceHighWaterClientToServer(clean uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clean <= s.ClientToServerSequence {
		return false
	}
	s.ClientToServerSequence = clean
	return true
}

// CheckAndAdvanceReplay enforces the replay window for the given
// direction under the session lock: it rejects a duplicate/stale
// sequence outright, otherwise calls forward (the caller's
// bandwidth-limiter check) and only advances the window if forward
// reports true. Holding s.mu across the whole IsDuplicate/forward/Advance
// sequence is what stops two goroutines handling the same session's
// packets concurrently from both observing a sequence as fresh and
// double-forwarding it (spec.md §8: a packet is forwarded at most once).
func (s *Session) CheckAndAdvanceReplay(toServer bool, clean uint64, forward func() bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.ServerToClientProtection
	if toServer {
		window = s.ClientToServerProtection
	}
	if window.IsDuplicate(clean) {
		return false
	}
	if !forward() {
		return false
	}
	window.Advance(clean)
	return true
}

// IncrementDebugSequence bumps the diagnostics-only counter and returns
// the new value.
func (s *Session) IncrementDebugSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DebugSequence++
	return s.DebugSequence
}

// Stats is a point-in-time snapshot of a Session for operational
// visibility (metrics, debugging) — not part of the wire protocol.
type Stats struct {
	SessionID       uint64
	SessionVersion  uint8
	ExpireTimestamp uint64
	KbpsUp          uint32
	KbpsDown        uint32
	DebugSequence   uint64
}

// Snapshot returns a consistent point-in-time Stats for this session.
func (s *Session) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SessionID:       s.SessionID,
		SessionVersion:  s.SessionVersion,
		ExpireTimestamp: s.ExpireTimestamp,
		KbpsUp:          s.KbpsUp,
		KbpsDown:        s.KbpsDown,
		DebugSequence:   s.DebugSequence,
	}
}

// Map is the thread-safe session table from spec.md §4.4.
type Map struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session

	totalKbpsUp   uint64
	totalKbpsDown uint64
}

// NewMap creates an empty session table.
func NewMap() *Map {
	return &Map{sessions: make(map[uint64]*Session)}
}

// Set inserts or replaces the session at key, updating the running kbps
// totals (removing the old entry's contribution first, if any).
func (m *Map) Set(key uint64, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[key]; ok {
		m.totalKbpsUp -= uint64(old.KbpsUp)
		m.totalKbpsDown -= uint64(old.KbpsDown)
	}
	m.sessions[key] = s
	m.totalKbpsUp += uint64(s.KbpsUp)
	m.totalKbpsDown += uint64(s.KbpsDown)
}

// Get returns the session for key, releasing the map lock before
// returning so callers can do AEAD work without blocking other sessions.
func (m *Map) Get(key uint64) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Erase removes the session at key, updating running totals. Reports
// whether an entry was present.
func (m *Map) Erase(key uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return false
	}
	m.totalKbpsUp -= uint64(s.KbpsUp)
	m.totalKbpsDown -= uint64(s.KbpsDown)
	delete(m.sessions, key)
	return true
}

// Size returns the number of live sessions.
func (m *Map) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Purge removes every session expired as of backendTimestamp, updating
// running totals. Returns the number of sessions removed.
func (m *Map) Purge(backendTimestamp uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, s := range m.sessions {
		s.mu.Lock()
		expired := backendTimestamp >= s.ExpireTimestamp
		kbpsUp, kbpsDown := s.KbpsUp, s.KbpsDown
		s.mu.Unlock()
		if expired {
			m.totalKbpsUp -= uint64(kbpsUp)
			m.totalKbpsDown -= uint64(kbpsDown)
			delete(m.sessions, key)
			removed++
		}
	}
	return removed
}

// EnvelopeTotals returns the running kbps_up/kbps_down sums across all
// live sessions, maintained incrementally by Set/Erase/Purge.
func (m *Map) EnvelopeTotals() (kbpsUp, kbpsDown uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalKbpsUp, m.totalKbpsDown
}
