package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelnet/relay/internal/addr"
	"github.com/kestrelnet/relay/internal/metrics"
	"github.com/kestrelnet/relay/internal/relaymgr"
	"github.com/kestrelnet/relay/internal/router"
	"github.com/kestrelnet/relay/internal/session"
)

// trafficDirections lists every metrics.Direction reported in an update
// request's TrafficStats.Counters map.
var trafficDirections = []metrics.Direction{
	metrics.RelayPingRx, metrics.RelayPongRx, metrics.RouteRequestRx, metrics.RouteResponseRx,
	metrics.ContinueRequestRx, metrics.ContinueResponseRx, metrics.ClientToServerRx, metrics.ServerToClientRx,
	metrics.SessionPingRx, metrics.SessionPongRx, metrics.NearPingRx, metrics.RelayPingTx,
	metrics.ClientToServerTx, metrics.ServerToClientTx, metrics.NearPongTx, metrics.Unknown, metrics.Dropped,
}

// measurementDirections are summed into TrafficStats.BytesMeasurementRx:
// the client- and server-facing payload directions actually carrying
// game traffic, as opposed to control packets (pings, tokens).
var measurementDirections = []metrics.Direction{metrics.ClientToServerRx, metrics.ServerToClientRx}

// RunnerConfig wires the collaborators the update-loop Runner needs.
type RunnerConfig struct {
	Client          *Client
	Router          *router.Store
	Sessions        *session.Map
	Relays          *relaymgr.Manager
	Recorder        *metrics.Recorder
	Logger          *logrus.Logger
	RelayAddress    string
	PublicKeyBase64 string
}

// Runner drives the recurring /relay_update loop from spec.md §4.7,
// including its failure and clean-shutdown policy.
//
// Grounded on the teacher's connection-lifecycle goroutine in
// transport/internet/gametunnel/hub.go, generalized from per-connection
// teardown to a ticking control-plane update loop.
type Runner struct {
	RunnerConfig

	shuttingDown int32 // atomic bool, set by BeginShutdown
}

// NewRunner constructs a Runner from cfg.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{RunnerConfig: cfg}
}

// BeginShutdown switches the runner into clean-shutdown mode: every
// subsequent update reports ShuttingDown=true, and the loop exits on
// the first success or after ShutdownGracePeriod, whichever comes first
// (spec.md §4.7).
func (r *Runner) BeginShutdown() {
	atomic.StoreInt32(&r.shuttingDown, 1)
}

func (r *Runner) isShuttingDown() bool {
	return atomic.LoadInt32(&r.shuttingDown) == 1
}

// Run blocks, posting one update per UpdateInterval, until ctx is
// cancelled, the shutdown grace period elapses, or the failure policy
// triggers a fatal error (a non-nil return in the non-shutdown case).
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(UpdateInterval)
	defer ticker.Stop()

	var consecutiveFailures int
	var streakStart time.Time
	var shutdownDeadline time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		shuttingDown := r.isShuttingDown()
		if shuttingDown && shutdownDeadline.IsZero() {
			shutdownDeadline = time.Now().Add(ShutdownGracePeriod)
		}

		err := r.updateOnce(ctx, shuttingDown)
		if err != nil {
			if consecutiveFailures == 0 {
				streakStart = time.Now()
			}
			consecutiveFailures++
			r.Recorder.BackendFailed.Inc()
			r.Logger.WithError(err).WithField("consecutive_failures", consecutiveFailures).Warn("backend update failed")

			if shuttingDown {
				if time.Now().After(shutdownDeadline) {
					r.Logger.Warn("backend: shutdown grace period elapsed without a successful update")
					return nil
				}
				continue
			}
			if consecutiveFailures >= MaxConsecutiveFailures || time.Since(streakStart) >= FailureCeiling {
				return fmt.Errorf("backend: %d consecutive update failures: %w", consecutiveFailures, err)
			}
			continue
		}

		consecutiveFailures = 0
		r.Recorder.BackendOK.Inc()
		if shuttingDown {
			return nil
		}
	}
}

func (r *Runner) updateOnce(ctx context.Context, shuttingDown bool) error {
	req := UpdateRequest{
		Version:      ProtocolVersion,
		RelayAddress: r.RelayAddress,
		Metadata:     Metadata{PublicKey: r.PublicKeyBase64},
		TrafficStats: r.snapshotTrafficStats(),
		PingStats:    r.snapshotPingStats(),
		ShuttingDown: shuttingDown,
	}

	resp, err := r.Client.Update(ctx, req)
	if err != nil {
		return err
	}

	r.resetTrafficCounters()
	r.applyResponse(resp)
	return nil
}

func (r *Runner) snapshotTrafficStats() TrafficStats {
	counters := make(map[string]DirectionCounts, len(trafficDirections))
	var measurementBytes uint64
	for _, d := range trafficDirections {
		packets, bytes := r.Recorder.Snapshot(d)
		counters[d.String()] = DirectionCounts{Packets: packets, Bytes: bytes}
	}
	for _, d := range measurementDirections {
		_, bytes := r.Recorder.Snapshot(d)
		measurementBytes += bytes
	}

	kbpsUp, kbpsDown := r.Sessions.EnvelopeTotals()
	return TrafficStats{
		BytesMeasurementRx: measurementBytes,
		SessionCount:       uint64(r.Sessions.Size()),
		EnvelopeKbpsUp:     kbpsUp,
		EnvelopeKbpsDown:   kbpsDown,
		Counters:           counters,
	}
}

// resetTrafficCounters zeroes the per-interval direction counters after
// a successful update, per spec.md §4.7 ("reset the per-interval byte
// counters"). The reporting snapshot above is deliberately non-destructive
// so a failed POST doesn't lose that interval's traffic — the next
// successful update simply reports the accumulated total instead.
func (r *Runner) resetTrafficCounters() {
	for _, d := range trafficDirections {
		r.Recorder.SnapshotAndReset(d)
	}
}

func (r *Runner) snapshotPingStats() []PingStat {
	relayStats := r.Relays.GetStats(nowSeconds())
	out := make([]PingStat, 0, len(relayStats))
	for _, rs := range relayStats {
		out = append(out, PingStat{
			RelayID:    rs.ID,
			RTT:        rs.Stats.MeanRTTMs,
			Jitter:     rs.Stats.JitterMs,
			PacketLoss: rs.Stats.PacketLossPct,
		})
	}
	return out
}

func (r *Runner) applyResponse(resp UpdateResponse) {
	magic, err := decodeMagic(resp)
	if err != nil {
		// spec.md §9's open question, resolved: keep the prior RouterInfo
		// unchanged rather than clobber good magics with a malformed set.
		r.Logger.WithError(err).Warn("backend: malformed magic fields in update response, keeping prior RouterInfo")
		r.Router.UpdateTimestamp(resp.Timestamp)
	} else {
		r.Router.Update(router.Info{CurrentTimestamp: resp.Timestamp, Magic: magic})
	}

	relays := make([]relaymgr.Relay, 0, len(resp.PingData))
	for _, p := range resp.PingData {
		a, err := parseRelayAddress(p.RelayAddress)
		if err != nil {
			r.Logger.WithError(err).WithField("relay_id", p.RelayID).Warn("backend: dropping neighbor with unparseable address")
			continue
		}
		relays = append(relays, relaymgr.Relay{ID: p.RelayID, Address: a})
	}
	r.Relays.Update(relays, nowSeconds())
	r.Sessions.Purge(resp.Timestamp)
	r.Recorder.SessionGauge.Set(float64(r.Sessions.Size()))
	r.Recorder.RelayGauge.Set(float64(r.Relays.Size()))
}

func decodeMagic(resp UpdateResponse) (router.Magic, error) {
	prev, err := decodeMagicField(resp.MagicPrevious)
	if err != nil {
		return router.Magic{}, fmt.Errorf("magic_previous: %w", err)
	}
	cur, err := decodeMagicField(resp.MagicCurrent)
	if err != nil {
		return router.Magic{}, fmt.Errorf("magic_current: %w", err)
	}
	next, err := decodeMagicField(resp.MagicNext)
	if err != nil {
		return router.Magic{}, fmt.Errorf("magic_next: %w", err)
	}
	return router.Magic{Previous: prev, Current: cur, Next: next}, nil
}

func decodeMagicField(s string) ([router.MagicSize]byte, error) {
	var out [router.MagicSize]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != router.MagicSize {
		return out, fmt.Errorf("wrong length: %d != %d", len(raw), router.MagicSize)
	}
	copy(out[:], raw)
	return out, nil
}

func parseRelayAddress(s string) (addr.Address, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return addr.None, err
	}
	return addr.FromUDP(udpAddr), nil
}

// nowSeconds is a package-level time source so tests needn't inject one
// through RunnerConfig for the ping-stats window alone; GetStats's
// windowing correctness is already covered in internal/relaymgr.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
