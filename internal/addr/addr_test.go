package addr

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestRoundTripIPv4(t *testing.T) {
	u := &net.UDPAddr{IP: net.ParseIP("10.0.0.2").To4(), Port: 4000}
	a := FromUDP(u)
	require.Equal(t, KindIPv4, a.Kind)

	buf := a.Marshal()
	require.Len(t, buf, Size)

	got, err := Read(buf)
	require.NoError(t, err)
	if diff := cmp.Diff(a, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "10.0.0.2:4000", got.String())
}

func TestRoundTripIPv6(t *testing.T) {
	u := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 51820}
	a := FromUDP(u)
	require.Equal(t, KindIPv6, a.Kind)

	got, err := Read(a.Marshal())
	require.NoError(t, err)
	require.True(t, a.Equal(got))
}

func TestNoneIgnoresBytes(t *testing.T) {
	a := None
	a.Bytes[0] = 0xFF // garbage bytes should not affect equality for None
	b := None
	require.True(t, a.Equal(b))
}

func TestWriteBufferTooSmall(t *testing.T) {
	a := FromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	err := a.Write(make([]byte, Size-1))
	require.Error(t, err)
}

func TestReadUnknownKind(t *testing.T) {
	buf := make([]byte, Size)
	buf[0] = 0x7F
	_, err := Read(buf)
	require.Error(t, err)
}
