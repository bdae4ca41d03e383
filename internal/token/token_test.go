package token

import (
	"crypto/rand"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/kestrelnet/relay/internal/addr"
)

func TestRouteTokenPlaintextRoundTrip(t *testing.T) {
	tok := &RouteToken{
		ExpireTimestamp: 1234567890,
		SessionID:       0x1234,
		SessionVersion:  7,
		SessionFlags:    0,
		KbpsUp:          1000,
		KbpsDown:        2000,
		NextAddress:     addr.FromUDP(&net.UDPAddr{IP: net.ParseIP("10.0.0.2").To4(), Port: 4000}),
	}
	_, _ = rand.Read(tok.PrivateKey[:])

	plaintext := tok.WritePlaintext()
	require.Len(t, plaintext, RouteTokenPlaintextSize)

	got, err := ReadRouteTokenPlaintext(plaintext)
	require.NoError(t, err)
	if diff := cmp.Diff(tok, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestRouteTokenEncryptedRoundTrip(t *testing.T) {
	senderPub, senderPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	receiverPub, receiverPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tok := &RouteToken{
		ExpireTimestamp: 1,
		SessionID:       42,
		SessionVersion:  1,
		KbpsUp:          500,
		KbpsDown:        500,
		NextAddress:     addr.FromUDP(&net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 40000}),
	}
	sealed, err := tok.WriteEncrypted(senderPriv, receiverPub)
	require.NoError(t, err)
	require.Len(t, sealed, RouteTokenEncryptedSize)

	got, err := ReadEncrypted(senderPub, receiverPriv, sealed)
	require.NoError(t, err)
	require.Equal(t, tok.SessionID, got.SessionID)
	require.Equal(t, tok.KbpsUp, got.KbpsUp)
	require.True(t, tok.NextAddress.Equal(got.NextAddress))
}

func TestRouteTokenTamperedByteFailsDecrypt(t *testing.T) {
	senderPub, senderPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	receiverPub, receiverPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tok := &RouteToken{SessionID: 1, SessionVersion: 1}
	sealed, err := tok.WriteEncrypted(senderPriv, receiverPub)
	require.NoError(t, err)

	sealed[10] ^= 0xFF
	_, err = ReadEncrypted(senderPub, receiverPriv, sealed)
	require.Error(t, err)
}

func TestContinueTokenRoundTrip(t *testing.T) {
	senderPub, senderPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	receiverPub, receiverPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tok := &ContinueToken{ExpireTimestamp: 99, SessionID: 0x1234, SessionVersion: 7, SessionFlags: 0}
	sealed, err := tok.WriteEncrypted(senderPriv, receiverPub)
	require.NoError(t, err)
	require.Len(t, sealed, ContinueTokenEncryptedSize)

	got, err := ReadContinueEncrypted(senderPub, receiverPriv, sealed)
	require.NoError(t, err)
	require.Equal(t, tok, got)
}

func TestSessionKey(t *testing.T) {
	require.Equal(t, uint64(0x1234^7), SessionKey(0x1234, 7))
}
