// Package metrics implements the ThroughputRecorder from spec.md §5
// ("an array of atomic counter pairs {packets, bytes}") plus the
// Prometheus gauges/counters the ambient stack adds for operational
// visibility (SPEC_FULL.md §1.1).
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Direction enumerates the counter buckets the recorder tracks, one
// per dispatcher handler plus "unknown" and "dropped" catch-alls.
type Direction int

const (
	RelayPingRx Direction = iota
	RelayPongRx
	RouteRequestRx
	RouteResponseRx
	ContinueRequestRx
	ContinueResponseRx
	ClientToServerRx
	ServerToClientRx
	SessionPingRx
	SessionPongRx
	NearPingRx
	RelayPingTx
	ClientToServerTx
	ServerToClientTx
	NearPongTx
	Unknown
	Dropped

	directionCount
)

func (d Direction) String() string {
	names := [directionCount]string{
		"relay_ping_rx", "relay_pong_rx", "route_request_rx", "route_response_rx",
		"continue_request_rx", "continue_response_rx", "client_to_server_rx",
		"server_to_client_rx", "session_ping_rx", "session_pong_rx", "near_ping_rx",
		"relay_ping_tx", "client_to_server_tx", "server_to_client_tx", "near_pong_tx",
		"unknown", "dropped",
	}
	if int(d) < 0 || int(d) >= len(names) {
		return "invalid"
	}
	return names[d]
}

type counterPair struct {
	packets uint64
	bytes   uint64
}

// Recorder is the process-wide throughput recorder: a fixed array of
// atomic {packets, bytes} pairs indexed by Direction, mirrored into
// Prometheus counters/gauges for the /metrics endpoint.
//
// Grounded on the teacher's priority.go atomic byte-budget counters
// (transport/internet/gametunnel/priority.go), generalized from a single
// shaping counter to the per-direction recorder spec.md §5 describes.
type Recorder struct {
	counters [directionCount]counterPair

	packetsVec *prometheus.CounterVec
	bytesVec   *prometheus.CounterVec

	SessionGauge  prometheus.Gauge
	RelayGauge    prometheus.Gauge
	BackendOK     prometheus.Counter
	BackendFailed prometheus.Counter
}

// NewRecorder constructs a Recorder and registers its Prometheus
// instruments against reg. Pass prometheus.NewRegistry() in tests to
// avoid colliding with the default global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		packetsVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_packets_total",
			Help: "Packets processed, by direction.",
		}, []string{"direction"}),
		bytesVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bytes_total",
			Help: "Bytes processed, by direction.",
		}, []string{"direction"}),
		SessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Live session count.",
		}),
		RelayGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_neighbors",
			Help: "Known neighbor relay count.",
		}),
		BackendOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_backend_update_success_total",
			Help: "Successful backend update round-trips.",
		}),
		BackendFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_backend_update_failure_total",
			Help: "Failed backend update round-trips.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.packetsVec, r.bytesVec, r.SessionGauge, r.RelayGauge, r.BackendOK, r.BackendFailed)
	}
	return r
}

// Record adds one packet of n bytes to direction's running totals.
func (r *Recorder) Record(d Direction, n int) {
	c := &r.counters[d]
	atomic.AddUint64(&c.packets, 1)
	atomic.AddUint64(&c.bytes, uint64(n))
	if r.packetsVec != nil {
		r.packetsVec.WithLabelValues(d.String()).Inc()
		r.bytesVec.WithLabelValues(d.String()).Add(float64(n))
	}
}

// Snapshot returns the current {packets, bytes} for direction.
func (r *Recorder) Snapshot(d Direction) (packets, bytes uint64) {
	c := &r.counters[d]
	return atomic.LoadUint64(&c.packets), atomic.LoadUint64(&c.bytes)
}

// SnapshotAndReset returns the current {packets, bytes} for direction
// and zeroes it, used by the backend client to report interval deltas
// (spec.md §4.7: "the counters report deltas since last update").
func (r *Recorder) SnapshotAndReset(d Direction) (packets, bytes uint64) {
	c := &r.counters[d]
	return atomic.SwapUint64(&c.packets, 0), atomic.SwapUint64(&c.bytes, 0)
}
