// Package pinger implements the relay-to-relay RTT probe loop from
// spec.md §4.6: every 10ms wake-up it asks the relay manager for this
// tick's ping targets, builds one RelayPing packet per target, and
// sends the batch over the shared socket.
//
// Grounded on the teacher's dialer/listener send path
// (transport/internet/gametunnel/dialer.go), generalized from a single
// connected write to a periodic fan-out send loop driven by a ticker
// instead of per-packet calls.
package pinger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelnet/relay/internal/addr"
	"github.com/kestrelnet/relay/internal/filter"
	"github.com/kestrelnet/relay/internal/header"
	"github.com/kestrelnet/relay/internal/metrics"
	"github.com/kestrelnet/relay/internal/relaymgr"
	"github.com/kestrelnet/relay/internal/router"
	"github.com/kestrelnet/relay/internal/socket"
	"github.com/kestrelnet/relay/internal/wire"
)

// TickInterval is spec.md §4.6's "every 10ms wake-up".
const TickInterval = 10 * time.Millisecond

// EnvelopeSize is the type(1) + filter preamble(17) every RelayPing
// carries, mirroring internal/dispatch.EnvelopeSize. Duplicated here
// (rather than imported) to avoid a dispatch<->pinger import cycle;
// both packages derive it from the same filter.PreambleSize constant.
const EnvelopeSize = 1 + filter.PreambleSize

// Sender is the batched-send subset of *socket.Socket the pinger needs.
type Sender interface {
	SendBatch(packets []socket.Packet) (int, error)
}

// Config wires the collaborators a Pinger needs.
type Config struct {
	Relays   *relaymgr.Manager
	Router   *router.Store
	Socket   Sender
	Recorder *metrics.Recorder
	Logger   *logrus.Logger
	BindAddr addr.Address
}

// Pinger runs the periodic ping loop on its own goroutine.
type Pinger struct {
	Config
}

// New constructs a Pinger from cfg.
func New(cfg Config) *Pinger {
	return &Pinger{Config: cfg}
}

// Run blocks, sending one batch of pings per TickInterval, until ctx is
// cancelled. now is injected so tests can control simulated time;
// production callers pass a wrapper around time.Now() in seconds.
func (p *Pinger) Run(ctx context.Context, now func() float64) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(now())
		}
	}
}

// tick issues one ping to every relay the manager reports as due at now
// (at most one per relay per relaymgr.PingRate).
func (p *Pinger) tick(now float64) {
	targets := p.Relays.GetPingTargets(now)
	if len(targets) == 0 {
		return
	}

	info := p.Router.Snapshot()
	src := p.BindAddr.Marshal()

	packets := make([]socket.Packet, 0, len(targets))
	for _, t := range targets {
		payload, err := wire.WriteRelayPingPayload(wire.RelayPing{Sequence: t.Sequence, From: p.BindAddr})
		if err != nil {
			p.Logger.WithError(err).Warn("pinger: failed to build ping payload")
			continue
		}

		pkt := make([]byte, EnvelopeSize+len(payload))
		pkt[0] = byte(header.RelayPing)
		copy(pkt[EnvelopeSize:], payload)

		dst := t.Address.Marshal()
		filter.WritePreamble(pkt, info.Magic.Current, src, dst)

		packets = append(packets, socket.Packet{Addr: t.Address.UDP(), Data: pkt})
	}
	if len(packets) == 0 {
		return
	}

	n, err := p.Socket.SendBatch(packets)
	if err != nil {
		p.Logger.WithError(err).Warn("pinger: send batch failed")
	}
	for i := 0; i < n && i < len(packets); i++ {
		p.Recorder.Record(metrics.RelayPingTx, len(packets[i].Data))
	}
}
