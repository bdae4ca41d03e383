// Package bandwidth implements the per-direction sliding-window
// bandwidth limiter from spec.md §4.8.
package bandwidth

import "sync"

// Interval is the sliding window length in seconds.
const Interval = 1.0

// overheadBytes accounts for Ethernet + IP + UDP + FCS framing added on
// top of the UDP payload when estimating wire bits (spec.md §4.8).
const overheadBytes = 14 + 20 + 8 + 4

// Limiter enforces a kbps cap over a rolling 1-second window. It is
// safe for concurrent use.
//
// Grounded on the teacher's obfs.go padding/shaping helpers
// (transport/internet/gametunnel/obfs.go), generalized from padding
// bytes to a hard-cap accounting window.
type Limiter struct {
	mu            sync.Mutex
	lastCheckTime float64
	windowBits    uint64
}

// NewLimiter returns a Limiter with its window starting at now.
func NewLimiter(now float64) *Limiter {
	return &Limiter{lastCheckTime: now}
}

// WireBits returns the estimated on-wire bit count for a UDP datagram
// carrying payloadBytes of application payload.
func WireBits(payloadBytes int) uint64 {
	return uint64(overheadBytes+payloadBytes) * 8
}

// AddPacket resets the window if now has advanced by at least Interval
// since the last reset, accumulates wireBits into the current window,
// and reports whether the cumulative total now exceeds the allowed
// budget for kbpsAllowed over Interval seconds — in which case the
// caller must drop the packet.
func (l *Limiter) AddPacket(now float64, kbpsAllowed uint32, wireBits uint64) (exceeded bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now-l.lastCheckTime >= Interval {
		l.lastCheckTime = now
		l.windowBits = 0
	}

	l.windowBits += wireBits
	budget := uint64(kbpsAllowed) * 1000 * uint64(Interval)
	return l.windowBits > budget
}
