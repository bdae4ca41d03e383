// Package relaymgr implements the neighbor-relay table, ping-history
// ring buffers, and route-statistics computation from spec.md §3/§4.5.
package relaymgr

const historySize = 256

// PingHistory is a ring of 256 {sequence, sentAt, pongAt} entries plus a
// monotonically increasing next-sequence counter, per spec.md §3.
type PingHistory struct {
	nextSequence uint64
	entries      [historySize]pingEntry
}

type pingEntry struct {
	sequence uint64
	sentAt   float64
	pongAt   float64
}

// noPong marks an entry whose pong has not (yet) arrived.
const noPong = -1

// Reset clears the history and its sequence counter — called on the
// PingHistory embedded in each newly-registered Relay (spec.md §4.5).
func (h *PingHistory) Reset() {
	*h = PingHistory{}
	for i := range h.entries {
		h.entries[i].pongAt = noPong
	}
}

// PingSent writes the current slot and returns the freshly-issued sequence.
func (h *PingHistory) PingSent(now float64) uint64 {
	seq := h.nextSequence
	h.nextSequence++
	slot := &h.entries[seq%historySize]
	slot.sequence = seq
	slot.sentAt = now
	slot.pongAt = noPong
	return seq
}

// PongReceived updates the matching slot's pongAt only if that slot's
// stored sequence still equals seq (i.e. it hasn't been overwritten by a
// later ping), per spec.md §3/§8.
func (h *PingHistory) PongReceived(seq uint64, now float64) {
	slot := &h.entries[seq%historySize]
	if slot.sequence == seq {
		slot.pongAt = now
	}
}
