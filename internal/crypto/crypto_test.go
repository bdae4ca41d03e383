package crypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func randomKey(t *testing.T) *[KeySize]byte {
	t.Helper()
	var k [KeySize]byte
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return &k
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := randomKey(t)
	ad := []byte("session-id-and-flags")
	plaintext := []byte("route token payload")

	ct, err := Seal(key, 42, ad, plaintext)
	require.NoError(t, err)

	pt, err := Open(key, 42, ad, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestOpenWrongKeyFails(t *testing.T) {
	key := randomKey(t)
	other := randomKey(t)
	ct, err := Seal(key, 1, nil, []byte("hello"))
	require.NoError(t, err)

	_, err = Open(other, 1, nil, ct)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	key := randomKey(t)
	ct, err := Seal(key, 7, []byte("ad"), []byte("payload"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = Open(key, 7, []byte("ad"), ct)
	require.Error(t, err)
}

func TestSealOpenBoxRoundTrip(t *testing.T) {
	senderPub, senderPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	receiverPub, receiverPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	plaintext := []byte("77 bytes of route token go here, not really, but close enough")
	sealed, err := SealBox(senderPriv, receiverPub, plaintext)
	require.NoError(t, err)

	opened, err := OpenBox(senderPub, receiverPriv, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenBoxTamperedByteFails(t *testing.T) {
	senderPub, senderPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	receiverPub, receiverPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := SealBox(senderPriv, receiverPub, []byte("token"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = OpenBox(senderPub, receiverPriv, sealed)
	require.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msg := []byte("relay_init proof")
	sig := ed25519.Sign(priv, msg)
	require.True(t, VerifySignature(pub, msg, sig))

	sig[0] ^= 0xFF
	require.False(t, VerifySignature(pub, msg, sig))
}

func TestFNV64aDeterministic(t *testing.T) {
	a := FNV64a([]byte("magic"), []byte("src"), []byte("dst"))
	b := FNV64a([]byte("magic"), []byte("src"), []byte("dst"))
	require.Equal(t, a, b)

	c := FNV64a([]byte("magic"), []byte("src"), []byte("dsx"))
	require.NotEqual(t, a, c)
}
