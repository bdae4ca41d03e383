// Package socket implements the bound-UDP-socket layer from spec.md §2:
// send/recv plus batched multisend/multirecv, and SO_REUSEPORT binding
// so many dispatcher goroutines can share one receive socket.
//
// Grounded on the teacher's dialer.go/listener.go (transport/internet/gametunnel),
// generalized from xray's internet.Dialer/ListenSystemPacket abstraction
// to a direct golang.org/x/net/ipv4.PacketConn batch-I/O layer, the way
// spec.md's socket layer is described (send/recv/multisend/multirecv).
package socket

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// RecvTimeout bounds how long a blocking Recv/RecvBatch call waits
// before returning so shutdown can observe context cancellation
// (spec.md §5: "a 100 ms receive timeout bounds shutdown latency").
const RecvTimeout = 100 * time.Millisecond

// MaxBatchSize is a batch size of 64 datagrams. SendBatch and RecvBatch
// do not enforce it: SendBatch passes every packet it is given, and
// RecvBatch reads up to len(bufs).
const MaxBatchSize = 64

// MaxDatagramSize is the largest UDP payload this relay ever reads or
// writes, sized comfortably above the largest defined wire packet.
const MaxDatagramSize = 1500

// Packet is one datagram paired with its peer address, used by both
// the batched send and receive paths.
type Packet struct {
	Addr *net.UDPAddr
	Data []byte
}

// Socket wraps a SO_REUSEPORT UDP socket with batched I/O.
type Socket struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
}

// Listen binds addr with SO_REUSEPORT set, so multiple dispatcher
// goroutines (each via their own Socket.Listen call) can share the one
// logical receive queue the kernel fans packets into.
func Listen(addr string) (*Socket, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	return &Socket{conn: conn, pconn: ipv4.NewPacketConn(conn)}, nil
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close unblocks any in-flight Recv/RecvBatch call and releases the socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Send writes one datagram to addr.
func (s *Socket) Send(addr *net.UDPAddr, data []byte) error {
	_, err := s.conn.WriteToUDP(data, addr)
	return err
}

// Recv blocks for at most RecvTimeout waiting for one datagram, writing
// into buf and returning the number of bytes read and the sender.
// A timeout is reported as (0, nil, os.ErrDeadlineExceeded)-wrapping
// net.Error with Timeout() == true; callers should treat that as "no
// packet this tick", not an error worth logging.
func (s *Socket) Recv(buf []byte) (int, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(RecvTimeout)); err != nil {
		return 0, nil, err
	}
	n, addr, err := s.conn.ReadFromUDP(buf)
	return n, addr, err
}

// SendBatch hands all of packets to one WriteBatch call, which uses
// sendmmsg where the platform supports it and falls back transparently
// on platforms that don't (golang.org/x/net/ipv4 handles this
// internally). It returns the number of packets written.
func (s *Socket) SendBatch(packets []Packet) (int, error) {
	msgs := make([]ipv4.Message, len(packets))
	for i, p := range packets {
		msgs[i] = ipv4.Message{Buffers: [][]byte{p.Data}, Addr: p.Addr}
	}
	return s.pconn.WriteBatch(msgs, 0)
}

// RecvBatch reads up to len(bufs) datagrams in one syscall where the
// platform supports recvmmsg, bounded by RecvTimeout. It returns the
// number of messages filled; unfilled trailing entries of out are left
// untouched.
func (s *Socket) RecvBatch(bufs [][]byte, out []Packet) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(RecvTimeout)); err != nil {
		return 0, err
	}

	msgs := make([]ipv4.Message, len(bufs))
	for i, b := range bufs {
		msgs[i] = ipv4.Message{Buffers: [][]byte{b}}
	}

	n, err := s.pconn.ReadBatch(msgs, 0)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		udpAddr, _ := msgs[i].Addr.(*net.UDPAddr)
		out[i] = Packet{Addr: udpAddr, Data: bufs[i][:msgs[i].N]}
	}
	return n, nil
}
