package pinger

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kestrelnet/relay/internal/addr"
	"github.com/kestrelnet/relay/internal/metrics"
	"github.com/kestrelnet/relay/internal/relaymgr"
	"github.com/kestrelnet/relay/internal/router"
	"github.com/kestrelnet/relay/internal/socket"
)

type fakeSocket struct {
	mu    sync.Mutex
	calls [][]socket.Packet
}

func (f *fakeSocket) SendBatch(packets []socket.Packet) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]socket.Packet, len(packets))
	copy(cp, packets)
	f.calls = append(f.calls, cp)
	return len(packets), nil
}

func (f *fakeSocket) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestPinger(t *testing.T) (*Pinger, *fakeSocket, *relaymgr.Manager) {
	t.Helper()
	relays := relaymgr.NewManager()
	sock := &fakeSocket{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	p := New(Config{
		Relays:   relays,
		Router:   router.NewStore(1000),
		Socket:   sock,
		Recorder: metrics.NewRecorder(prometheus.NewRegistry()),
		Logger:   logger,
		BindAddr: addr.Address{Kind: addr.KindIPv4, Bytes: [16]byte{127, 0, 0, 1}, Port: 40000},
	})
	return p, sock, relays
}

func TestTickSendsOnePacketPerRelay(t *testing.T) {
	p, sock, relays := newTestPinger(t)
	relays.Update([]relaymgr.Relay{
		{ID: 1, Address: addr.Address{Kind: addr.KindIPv4, Bytes: [16]byte{10, 0, 0, 1}, Port: 5000}},
		{ID: 2, Address: addr.Address{Kind: addr.KindIPv4, Bytes: [16]byte{10, 0, 0, 2}, Port: 5001}},
	}, -1000.0) // staggered last_ping_time far enough in the past to be due at tick(0)

	p.tick(0)

	require.Equal(t, 1, sock.count())
	require.Len(t, sock.calls[0], 2)
	require.Equal(t, EnvelopeSize+33, len(sock.calls[0][0].Data))
}

func TestTickWithNoRelaysSendsNothing(t *testing.T) {
	p, sock, _ := newTestPinger(t)
	p.tick(0)
	require.Equal(t, 0, sock.count())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	p, sock, relays := newTestPinger(t)
	relays.Update([]relaymgr.Relay{
		{ID: 1, Address: addr.Address{Kind: addr.KindIPv4, Bytes: [16]byte{10, 0, 0, 1}, Port: 5000}},
	}, -1000.0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, func() float64 { return 0 })
	}()

	time.Sleep(3 * TickInterval)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}

	require.Greater(t, sock.count(), 0)
}
