// Package router holds the process-wide RouterInfo record: the last
// backend timestamp and the three rotating magic values that authenticate
// packet envelopes (spec.md §3/§9 — "Router magics as a sum type, not
// three fields... Model Magic as a rotation ring, with acceptance as
// 'any of three'").
package router

import "sync"

// MagicSize is the wire size of one magic value.
const MagicSize = 8

// Magic is a rotation ring of the three backend-issued magic values.
type Magic struct {
	Previous [MagicSize]byte
	Current  [MagicSize]byte
	Next     [MagicSize]byte
}

// All returns the three magics in filter-trial order: current first
// (the common case), then previous, then next.
func (m Magic) All() [3][MagicSize]byte {
	return [3][MagicSize]byte{m.Current, m.Previous, m.Next}
}

// Info is the small (<=40 byte) snapshot swapped whole under a mutex by
// the backend thread (spec.md §5).
type Info struct {
	CurrentTimestamp uint64
	Magic            Magic
}

// Store is the process-wide mutable RouterInfo record.
type Store struct {
	mu   sync.RWMutex
	info Info
}

// NewStore creates a Store seeded with the given initial timestamp.
func NewStore(initialTimestamp uint64) *Store {
	return &Store{info: Info{CurrentTimestamp: initialTimestamp}}
}

// Snapshot returns a copy of the current RouterInfo under a read lock.
// Dispatchers call this once per packet and work from the copy —
// because every rotation keeps three magics live, no dispatcher needs
// the exact "latest" value (spec.md §5).
func (s *Store) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Update atomically replaces the stored RouterInfo. Per spec.md §9's
// open question: if any of the three magics is missing or malformed in
// a backend response, the backend runner calls UpdateTimestamp instead,
// so a good magic set is not clobbered. All-zero magics that decode
// correctly are applied through Update like any other.
func (s *Store) Update(info Info) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

// UpdateTimestamp advances only the timestamp, leaving Magic untouched.
func (s *Store) UpdateTimestamp(timestamp uint64) {
	s.mu.Lock()
	s.info.CurrentTimestamp = timestamp
	s.mu.Unlock()
}
