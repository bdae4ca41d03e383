package relaymgr

import "math"

// PingSafetySeconds is the trailing guard window excluded from
// packet-loss accounting because those pings' pongs may still be
// in-flight (spec.md §3, "ping safety").
const PingSafetySeconds = 1.0

// StatsWindowSeconds is the trailing interval RTT/jitter/loss are
// aggregated over.
const StatsWindowSeconds = 10.0

// DefaultMeanRTTMs is returned when no in-window sample has a pong.
const DefaultMeanRTTMs = 10000.0

// Stats is the computed {mean_rtt_ms, jitter_ms, packet_loss_pct} triple
// from spec.md §3.
type Stats struct {
	MeanRTTMs      float64
	JitterMs       float64
	PacketLossPct  float64
}

// Compute derives Stats from a PingHistory over the window [start, end],
// per spec.md §3's exact formulas. Slots no ping has been written to yet
// are skipped.
func Compute(h *PingHistory, start, end, pingSafety float64) Stats {
	var rtts []float64
	for i, e := range h.entries {
		if uint64(i) >= h.nextSequence {
			continue
		}
		if e.sentAt < start || e.sentAt > end {
			continue
		}
		if e.pongAt > e.sentAt {
			rtts = append(rtts, 1000*(e.pongAt-e.sentAt))
		}
	}

	meanRTT := DefaultMeanRTTMs
	if len(rtts) > 0 {
		sum := 0.0
		for _, r := range rtts {
			sum += r
		}
		meanRTT = sum / float64(len(rtts))
	}

	jitter := 0.0
	if len(rtts) > 0 {
		var count int
		var sumSq float64
		for _, r := range rtts {
			if r >= meanRTT {
				d := r - meanRTT
				sumSq += d * d
				count++
			}
		}
		if count > 0 {
			jitter = 3 * math.Sqrt(sumSq/float64(count))
		}
	}

	safeEnd := end - pingSafety
	var pingsSent, pongsReceived int
	for i, e := range h.entries {
		if uint64(i) >= h.nextSequence {
			continue
		}
		if e.sentAt < start || e.sentAt > safeEnd {
			continue
		}
		pingsSent++
		if e.pongAt > e.sentAt {
			pongsReceived++
		}
	}

	lossPct := 0.0
	if pingsSent > 0 {
		lossPct = 100 * (1 - float64(pongsReceived)/float64(pingsSent))
	}

	return Stats{MeanRTTMs: meanRTT, JitterMs: jitter, PacketLossPct: lossPct}
}
