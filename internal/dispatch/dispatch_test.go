package dispatch

import (
	"crypto/rand"
	"net"
	"testing"

	"github.com/kestrelnet/relay/internal/addr"
	"github.com/kestrelnet/relay/internal/filter"
	"github.com/kestrelnet/relay/internal/header"
	"github.com/kestrelnet/relay/internal/metrics"
	"github.com/kestrelnet/relay/internal/relaymgr"
	"github.com/kestrelnet/relay/internal/router"
	"github.com/kestrelnet/relay/internal/session"
	"github.com/kestrelnet/relay/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

type fakeSender struct {
	sent []sentPacket
}

type sentPacket struct {
	to   *net.UDPAddr
	data []byte
}

func (f *fakeSender) Send(to *net.UDPAddr, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, sentPacket{to: to, data: cp})
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSender, *[32]byte) {
	t.Helper()
	relayPub, relayPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, routerPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sender := &fakeSender{}
	d := New(Config{
		Sessions:        session.NewMap(),
		Relays:          relaymgr.NewManager(),
		Router:          router.NewStore(1000),
		Recorder:        metrics.NewRecorder(prometheus.NewRegistry()),
		Sender:          sender,
		BindAddr:        addr.Address{Kind: addr.KindIPv4, Bytes: [16]byte{127, 0, 0, 1}, Port: 40000},
		RelayPrivateKey: relayPriv,
		RouterPublicKey: relayPub, // placeholder, overwritten per-test where needed
	})
	return d, sender, routerPriv
}

func buildRouteRequestPacket(t *testing.T, d *Dispatcher, routerPriv *[32]byte, rt token.RouteToken, remainder []byte) []byte {
	t.Helper()
	sealed, err := rt.WriteEncrypted(routerPriv, relayPublicFromStore(t, d))
	require.NoError(t, err)

	body := append(append([]byte{}, sealed...), remainder...)
	packet := make([]byte, EnvelopeSize+len(body))
	packet[0] = byte(header.RouteRequest)
	copy(packet[EnvelopeSize:], body)

	info := d.Router.Snapshot()
	src := addr.Address{Kind: addr.KindIPv4, Bytes: [16]byte{10, 0, 0, 9}, Port: 9000}.Marshal()
	dst := d.BindAddr.Marshal()
	filter.WritePreamble(packet, info.Magic.Current, src, dst)
	return packet
}

// relayPublicFromStore derives the relay's X25519 public key from the
// private key wired into the dispatcher under test, so buildRouteRequestPacket
// can seal a token the dispatcher will actually be able to open.
func relayPublicFromStore(t *testing.T, d *Dispatcher) *[32]byte {
	t.Helper()
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, d.RelayPrivateKey)
	return &pub
}

func TestHappyPathRouteRequestForwarding(t *testing.T) {
	d, sender, routerPriv := newTestDispatcher(t)

	// The dispatcher must open tokens sealed by this routerPriv's public
	// counterpart, not the placeholder wired in newTestDispatcher.
	var routerPub [32]byte
	curve25519.ScalarBaseMult(&routerPub, routerPriv)
	d.RouterPublicKey = &routerPub

	nextAddr := addr.Address{Kind: addr.KindIPv4, Bytes: [16]byte{10, 0, 0, 2}, Port: 4000}
	var privateKey [32]byte
	copy(privateKey[:], []byte("0123456789abcdef0123456789abcdef"))

	rt := token.RouteToken{
		ExpireTimestamp: 5000,
		SessionID:       0x1234,
		SessionVersion:  7,
		KbpsUp:          1000,
		KbpsDown:        1000,
		NextAddress:     nextAddr,
		PrivateKey:      privateKey,
	}
	// The remainder stands in for the next hop's encrypted token, so the
	// request clears the two-token size floor.
	remainder := make([]byte, token.RouteTokenEncryptedSize)
	copy(remainder, "forwarded-payload-bytes-here")
	packet := buildRouteRequestPacket(t, d, routerPriv, rt, remainder)

	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 9000}
	d.Handle(0, packet, from)

	require.Equal(t, 1, d.Sessions.Size())
	up, down := d.Sessions.EnvelopeTotals()
	require.Equal(t, uint64(1000), up)
	require.Equal(t, uint64(1000), down)

	require.Len(t, sender.sent, 1)
	require.Equal(t, nextAddr.UDP().String(), sender.sent[0].to.String())
	require.Equal(t, remainder, sender.sent[0].data)
}

func TestRouteRequestExpiredTokenDropped(t *testing.T) {
	d, sender, routerPriv := newTestDispatcher(t)
	var routerPub [32]byte
	curve25519.ScalarBaseMult(&routerPub, routerPriv)
	d.RouterPublicKey = &routerPub

	rt := token.RouteToken{
		ExpireTimestamp: 500, // already <= router's current timestamp (1000)
		SessionID:       1,
		NextAddress:     addr.Address{Kind: addr.KindIPv4, Bytes: [16]byte{10, 0, 0, 2}, Port: 4000},
	}
	// Full-size remainder so the packet passes the size floor and is
	// dropped by the expiry check, not by its length.
	packet := buildRouteRequestPacket(t, d, routerPriv, rt, make([]byte, token.RouteTokenEncryptedSize))

	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 9000}
	d.Handle(0, packet, from)

	require.Equal(t, 0, d.Sessions.Size())
	require.Len(t, sender.sent, 0)
}

func TestClientToServerReplayRejection(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)

	var key [32]byte
	copy(key[:], []byte("session-private-key-32-bytes!!!"))
	nextAddr := addr.Address{Kind: addr.KindIPv4, Bytes: [16]byte{10, 0, 0, 2}, Port: 4000}
	s := session.New(0)
	s.SessionID = 1
	s.SessionVersion = 0
	s.ExpireTimestamp = 5000
	s.KbpsUp = 1000
	s.KbpsDown = 1000
	s.NextAddr = nextAddr
	s.PrevAddr = addr.Address{Kind: addr.KindIPv4, Bytes: [16]byte{10, 0, 0, 9}, Port: 9000}
	s.PrivateKey = key
	d.Sessions.Set(s.Key(), s)

	h := header.Header{Type: header.ClientToServer, Sequence: 1, SessionID: 1, SessionVersion: 0}
	sealed, err := header.Seal(h, &key, []byte("hello-world-payload"))
	require.NoError(t, err)

	packet := make([]byte, EnvelopeSize+len(sealed))
	packet[0] = byte(header.ClientToServer)
	copy(packet[EnvelopeSize:], sealed)

	info := d.Router.Snapshot()
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 9000}
	src := addr.FromUDP(from).Marshal()
	dst := d.BindAddr.Marshal()
	filter.WritePreamble(packet, info.Magic.Current, src, dst)

	d.Handle(0, packet, from)
	require.Len(t, sender.sent, 1)

	// Byte-identical replay must be dropped, not forwarded again.
	d.Handle(0, packet, from)
	require.Len(t, sender.sent, 1)

	packets, _ := d.Recorder.Snapshot(metrics.ClientToServerTx)
	require.Equal(t, uint64(1), packets)
}
