// Package dispatch implements the UDP packet dispatcher and its
// per-type handlers from spec.md §4.2: one blocking recv, a shared
// pre-authentication filter, and a closed switch over the packet-type
// byte that hands off to exactly one handler.
//
// Grounded on the teacher's hub.go connection-dispatch loop
// (transport/internet/gametunnel/hub.go), generalized from a
// connection-oriented accept loop to a per-packet, per-type dispatch
// table over a shared SO_REUSEPORT socket.
package dispatch

import (
	"net"

	"github.com/kestrelnet/relay/internal/addr"
	"github.com/kestrelnet/relay/internal/bandwidth"
	"github.com/kestrelnet/relay/internal/crypto"
	"github.com/kestrelnet/relay/internal/filter"
	"github.com/kestrelnet/relay/internal/header"
	"github.com/kestrelnet/relay/internal/metrics"
	"github.com/kestrelnet/relay/internal/relaymgr"
	"github.com/kestrelnet/relay/internal/router"
	"github.com/kestrelnet/relay/internal/session"
	"github.com/kestrelnet/relay/internal/token"
	"github.com/kestrelnet/relay/internal/wire"
	"github.com/sirupsen/logrus"
)

// EnvelopeSize is the shared type(1)+preamble(17) prefix every
// filtered packet carries before its type-specific body.
const EnvelopeSize = 1 + filter.PreambleSize

// SessionHeaderSize is the total size of a session-scoped packet that
// carries an authenticated header and AEAD tag but no inner payload
// (RouteResponse, ContinueResponse): envelope + header + tag.
const SessionHeaderSize = EnvelopeSize + header.SizeWithTag

// MTU bounds the largest forwarded ClientToServer/ServerToClient inner
// payload.
const MTU = 1400

// SessionPingMaxExtra is the largest inner payload a SessionPing/Pong
// may carry on top of SessionHeaderSize.
const SessionPingMaxExtra = 32

// RouteRequestMinSize is spec.md §4.2's size floor written as a packet
// length: "≥ 1 + 2·|encrypted RouteToken|". The handlers do not use it:
// handleRouteRequest checks the post-envelope body against
// 2·RouteTokenEncryptedSize instead (see DESIGN.md).
const RouteRequestMinSize = 1 + 2*token.RouteTokenEncryptedSize

// ContinueRequestMinSize is the equivalent figure for ContinueRequest;
// handleContinueRequest likewise checks its body against
// 2·ContinueTokenEncryptedSize.
const ContinueRequestMinSize = 1 + 2*token.ContinueTokenEncryptedSize

// Sender is the minimal socket capability the dispatcher needs; satisfied
// by *internal/socket.Socket.
type Sender interface {
	Send(addr *net.UDPAddr, data []byte) error
}

// Config bundles the dispatcher's fixed, per-process dependencies.
type Config struct {
	Sessions         *session.Map
	Relays           *relaymgr.Manager
	Router           *router.Store
	Recorder         *metrics.Recorder
	Logger           *logrus.Logger
	Sender           Sender
	BindAddr         addr.Address
	RelayPrivateKey  *[crypto.BoxPrivateKeySize]byte
	RouterPublicKey  *[crypto.BoxPublicKeySize]byte
}

// Dispatcher holds one dispatcher goroutine's shared dependencies. Many
// goroutines may share a single Dispatcher value — it holds no
// goroutine-local state.
type Dispatcher struct {
	Config
}

// New returns a Dispatcher over the given Config.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{Config: cfg}
}

// Handle processes one received datagram. now is the dispatcher's
// current wall-clock time in seconds (injected for testability); from
// is the UDP peer that sent packet.
func (d *Dispatcher) Handle(now float64, packet []byte, from *net.UDPAddr) {
	pktType := header.PacketType(0)
	if len(packet) > 0 {
		pktType = header.PacketType(packet[0])
	}

	if pktType == header.NearPing {
		d.handleNearPing(packet, from)
		return
	}

	if !filter.BasicAccept(packet) {
		d.drop(metrics.Dropped, len(packet))
		return
	}

	info := d.Router.Snapshot()
	src := addr.FromUDP(from)
	dst := d.BindAddr
	if !filter.AdvancedAccept(packet, info.Magic, src.Marshal(), dst.Marshal()) {
		d.drop(metrics.Dropped, len(packet))
		return
	}

	body := packet[EnvelopeSize:]

	switch pktType {
	case header.RelayPing:
		d.handleRelayPing(now, body, from)
	case header.RelayPong:
		d.handleRelayPong(now, body, from)
	case header.RouteRequest:
		d.handleRouteRequest(now, body, from, info.CurrentTimestamp)
	case header.RouteResponse:
		d.handleResponse(packet, metrics.RouteResponseRx)
	case header.ContinueRequest:
		d.handleContinueRequest(body, from, info.CurrentTimestamp)
	case header.ContinueResponse:
		d.handleResponse(packet, metrics.ContinueResponseRx)
	case header.ClientToServer:
		d.handlePayload(now, packet, info.CurrentTimestamp, true)
	case header.ServerToClient:
		d.handlePayload(now, packet, info.CurrentTimestamp, false)
	case header.SessionPing:
		d.handleSessionPing(packet, info.CurrentTimestamp)
	case header.SessionPong:
		d.handleSessionPong(packet, info.CurrentTimestamp)
	default:
		d.drop(metrics.Unknown, len(packet))
	}
}

func (d *Dispatcher) drop(dir metrics.Direction, n int) {
	if d.Recorder != nil {
		d.Recorder.Record(dir, n)
	}
}

func (d *Dispatcher) send(dir metrics.Direction, to *net.UDPAddr, data []byte) {
	if to == nil {
		d.drop(metrics.Dropped, len(data))
		return
	}
	if err := d.Sender.Send(to, data); err != nil {
		if d.Logger != nil {
			d.Logger.WithError(err).WithField("component", "dispatch").Warn("send failed")
		}
		return
	}
	if d.Recorder != nil {
		d.Recorder.Record(dir, len(data))
	}
}

// handleRelayPing reflects a ping back to its sender with the type byte
// flipped to RelayPong, per spec.md §4.2's ping-reflector row.
func (d *Dispatcher) handleRelayPing(now float64, body []byte, from *net.UDPAddr) {
	if len(body) != wire.RelayPingPayloadSize {
		d.drop(metrics.Dropped, len(body))
		return
	}
	d.drop(metrics.RelayPingRx, len(body))

	reply := make([]byte, EnvelopeSize+wire.RelayPingPayloadSize)
	reply[0] = byte(header.RelayPong)
	copy(reply[EnvelopeSize:], body)

	info := d.Router.Snapshot()
	src := d.BindAddr.Marshal()
	dst := addr.FromUDP(from).Marshal()
	filter.WritePreamble(reply, info.Magic.Current, src, dst)

	d.send(metrics.RelayPingTx, from, reply)
}

// handleRelayPong routes a pong to the matching neighbor's ping history.
func (d *Dispatcher) handleRelayPong(now float64, body []byte, from *net.UDPAddr) {
	p, err := wire.ReadRelayPingPayload(body)
	if err != nil {
		d.drop(metrics.Dropped, len(body))
		return
	}
	d.drop(metrics.RelayPongRx, len(body))
	if d.Relays != nil {
		if relayID, ok := d.Relays.IDForAddress(addr.FromUDP(from)); ok {
			d.Relays.ProcessPong(relayID, p.Sequence, now)
		}
	}
}

// handleNearPing answers a client's direct RTT probe. No filter, no
// session lookup, no authentication — see SPEC_FULL.md §4.9.
func (d *Dispatcher) handleNearPing(packet []byte, from *net.UDPAddr) {
	if len(packet) != wire.NearPingSize {
		d.drop(metrics.Dropped, len(packet))
		return
	}
	d.drop(metrics.NearPingRx, len(packet))
	pong, err := wire.NearPingToPong(packet)
	if err != nil {
		d.drop(metrics.Dropped, len(packet))
		return
	}
	d.send(metrics.NearPongTx, from, pong)
}

// handleRouteRequest decrypts this hop's RouteToken, creates or
// refreshes the session it describes, and forwards the remainder of
// the chain to the token's next_address (spec.md §4.2).
func (d *Dispatcher) handleRouteRequest(now float64, body []byte, from *net.UDPAddr, backendTimestamp uint64) {
	if len(body) < 2*token.RouteTokenEncryptedSize {
		d.drop(metrics.Dropped, len(body))
		return
	}

	sealed := body[:token.RouteTokenEncryptedSize]
	remainder := body[token.RouteTokenEncryptedSize:]

	rt, err := token.ReadEncrypted(d.RouterPublicKey, d.RelayPrivateKey, sealed)
	if err != nil {
		d.drop(metrics.Dropped, len(body))
		return
	}
	if rt.SessionFlags&token.SessionFlagLegacyV4 != 0 {
		d.drop(metrics.Dropped, len(body))
		return
	}
	if backendTimestamp >= rt.ExpireTimestamp {
		d.drop(metrics.Dropped, len(body))
		return
	}

	d.drop(metrics.RouteRequestRx, len(body))

	key := token.SessionKey(rt.SessionID, rt.SessionVersion)
	if existing, ok := d.Sessions.Get(key); ok {
		existing.SetExpiry(rt.ExpireTimestamp)
	} else {
		s := session.New(now)
		s.SessionID = rt.SessionID
		s.SessionVersion = rt.SessionVersion
		s.ExpireTimestamp = rt.ExpireTimestamp
		s.KbpsUp = rt.KbpsUp
		s.KbpsDown = rt.KbpsDown
		s.NextAddr = rt.NextAddress
		s.PrevAddr = addr.FromUDP(from)
		s.PrivateKey = rt.PrivateKey
		d.Sessions.Set(key, s)
		if d.Recorder != nil {
			d.Recorder.SessionGauge.Set(float64(d.Sessions.Size()))
		}
	}

	d.send(metrics.RouteRequestRx, rt.NextAddress.UDP(), remainder)
}

// handleContinueRequest decrypts the ContinueToken and, if its expiry
// is strictly newer, extends the session. For a live session the
// remainder is forwarded onward whether or not the expiry changed; a
// token whose session does not exist or has expired is silently dropped.
func (d *Dispatcher) handleContinueRequest(body []byte, from *net.UDPAddr, backendTimestamp uint64) {
	if len(body) < 2*token.ContinueTokenEncryptedSize {
		d.drop(metrics.Dropped, len(body))
		return
	}
	sealed := body[:token.ContinueTokenEncryptedSize]
	remainder := body[token.ContinueTokenEncryptedSize:]

	ct, err := token.ReadContinueEncrypted(d.RouterPublicKey, d.RelayPrivateKey, sealed)
	if err != nil {
		d.drop(metrics.Dropped, len(body))
		return
	}
	if ct.SessionFlags&token.SessionFlagLegacyV4 != 0 {
		d.drop(metrics.Dropped, len(body))
		return
	}

	key := token.SessionKey(ct.SessionID, ct.SessionVersion)
	s, ok := d.Sessions.Get(key)
	if !ok || s.Expired(backendTimestamp) {
		d.drop(metrics.Dropped, len(body))
		return
	}
	d.drop(metrics.ContinueRequestRx, len(body))
	s.RefreshExpiry(ct.ExpireTimestamp)

	d.send(metrics.ContinueRequestRx, s.NextAddr.UDP(), remainder)
}

// handleResponse covers RouteResponse and ContinueResponse: both are a
// bare authenticated header (no inner payload), strict-high-water
// checked, and forwarded toward session.PrevAddr.
func (d *Dispatcher) handleResponse(packet []byte, dir metrics.Direction) {
	if len(packet) != SessionHeaderSize {
		d.drop(metrics.Dropped, len(packet))
		return
	}
	h, _, s, ok := d.openSessionHeader(packet)
	if !ok {
		return
	}
	clean := header.CleanSequence(h.Sequence)
	if !s.CheckAndAdvanceHighWaterServerToClient(clean) {
		d.drop(metrics.Dropped, len(packet))
		return
	}
	d.drop(dir, len(packet))
	d.send(dir, s.PrevAddr.UDP(), packet)
}

// handlePayload covers ClientToServer (toServer=true) and
// ServerToClient (toServer=false): replay-window checked, forwarded
// verbatim (still AEAD-sealed) toward the opposite neighbor, and
// bandwidth-limited against the session's route-token envelope.
func (d *Dispatcher) handlePayload(now float64, packet []byte, backendTimestamp uint64, toServer bool) {
	n := len(packet) - EnvelopeSize
	if n <= header.SizeWithTag || n > header.SizeWithTag+MTU {
		d.drop(metrics.Dropped, len(packet))
		return
	}
	h, _, s, ok := d.openSessionHeader(packet)
	if !ok {
		return
	}
	clean := header.CleanSequence(h.Sequence)

	var dest addr.Address
	var rxDir, txDir metrics.Direction
	var kbps uint32
	var limiter *bandwidth.Limiter
	if toServer {
		dest = s.NextAddr
		rxDir, txDir = metrics.ClientToServerRx, metrics.ClientToServerTx
		kbps = s.KbpsUp
		limiter = s.BandwidthUp
	} else {
		dest = s.PrevAddr
		rxDir, txDir = metrics.ServerToClientRx, metrics.ServerToClientTx
		kbps = s.KbpsDown
		limiter = s.BandwidthDown
	}

	wireBits := bandwidth.WireBits(len(packet))
	forwarded := s.CheckAndAdvanceReplay(toServer, clean, func() bool {
		return limiter == nil || !limiter.AddPacket(now, kbps, wireBits)
	})
	if !forwarded {
		d.drop(metrics.Dropped, len(packet))
		return
	}

	s.IncrementDebugSequence()
	d.drop(rxDir, len(packet))
	d.send(txDir, dest.UDP(), packet)
}

// handleSessionPing and handleSessionPong share the strict-monotonic
// sequence rule (spec.md §4.2) but travel in opposite directions.
func (d *Dispatcher) handleSessionPing(packet []byte, backendTimestamp uint64) {
	n := len(packet) - EnvelopeSize
	if n < header.SizeWithTag || n > header.SizeWithTag+SessionPingMaxExtra {
		d.drop(metrics.Dropped, len(packet))
		return
	}
	h, _, s, ok := d.openSessionHeader(packet)
	if !ok {
		return
	}
	clean := header.CleanSequence(h.Sequence)
	if !s.CheckAndAdvanceHighWaterClientToServer(clean) {
		d.drop(metrics.Dropped, len(packet))
		return
	}
	d.drop(metrics.SessionPingRx, len(packet))
	d.send(metrics.SessionPingRx, s.NextAddr.UDP(), packet)
}

func (d *Dispatcher) handleSessionPong(packet []byte, backendTimestamp uint64) {
	n := len(packet) - EnvelopeSize
	if n < header.SizeWithTag || n > header.SizeWithTag+SessionPingMaxExtra {
		d.drop(metrics.Dropped, len(packet))
		return
	}
	h, _, s, ok := d.openSessionHeader(packet)
	if !ok {
		return
	}
	clean := header.CleanSequence(h.Sequence)
	if !s.CheckAndAdvanceHighWaterServerToClient(clean) {
		d.drop(metrics.Dropped, len(packet))
		return
	}
	d.drop(metrics.SessionPongRx, len(packet))
	d.send(metrics.SessionPongRx, s.PrevAddr.UDP(), packet)
}

// openSessionHeader looks up the session named by a packet's
// unauthenticated session_id/session_version, then opens (and
// authenticates) the packet's header+tag under that session's key. It
// reports ok=false and has already recorded a drop if anything fails.
func (d *Dispatcher) openSessionHeader(packet []byte) (header.Header, []byte, *session.Session, bool) {
	envelopeAndHeader := packet[EnvelopeSize:]
	h, err := header.Read(envelopeAndHeader)
	if err != nil {
		d.drop(metrics.Dropped, len(packet))
		return header.Header{}, nil, nil, false
	}
	key := token.SessionKey(h.SessionID, h.SessionVersion)
	s, ok := d.Sessions.Get(key)
	if !ok {
		d.drop(metrics.Dropped, len(packet))
		return header.Header{}, nil, nil, false
	}

	info := d.Router.Snapshot()
	if s.Expired(info.CurrentTimestamp) {
		d.drop(metrics.Dropped, len(packet))
		return header.Header{}, nil, nil, false
	}

	parsedHeader, payload, err := header.Open(envelopeAndHeader, &s.PrivateKey)
	if err != nil {
		d.drop(metrics.Dropped, len(packet))
		return header.Header{}, nil, nil, false
	}
	return parsedHeader, payload, s, true
}
