// Package token implements the RouteToken and ContinueToken wire codecs
// from spec.md §3/§4.3: fixed binary layouts and sealed-box encryption.
//
// Grounded on the teacher's token-shaped HandshakePayload Marshal/Unmarshal
// (transport/internet/gametunnel/crypto.go) generalized to the two
// concrete token types and the sealed-box scheme from internal/crypto.
package token

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelnet/relay/internal/addr"
	"github.com/kestrelnet/relay/internal/crypto"
)

// RouteToken fields, in write order, per spec.md §3.
type RouteToken struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8
	SessionFlags    uint8
	KbpsUp          uint32
	KbpsDown        uint32
	NextAddress     addr.Address
	PrivateKey      [crypto.KeySize]byte
}

// RouteTokenPlaintextSize is 8+8+1+1+4+4+19+32 = 77 bytes.
const RouteTokenPlaintextSize = 8 + 8 + 1 + 1 + 4 + 4 + addr.Size + crypto.KeySize

// RouteTokenEncryptedSize is nonce(24) + plaintext(77) + mac(16).
const RouteTokenEncryptedSize = crypto.BoxNonceSize + RouteTokenPlaintextSize + crypto.BoxOverhead

// ContinueToken fields, in write order, per spec.md §3.
type ContinueToken struct {
	ExpireTimestamp uint64
	SessionID       uint64
	SessionVersion  uint8
	SessionFlags    uint8
}

// ContinueTokenPlaintextSize is 8+8+1+1 = 18 bytes.
const ContinueTokenPlaintextSize = 8 + 8 + 1 + 1

// ContinueTokenEncryptedSize is nonce(24) + plaintext(18) + mac(16).
const ContinueTokenEncryptedSize = crypto.BoxNonceSize + ContinueTokenPlaintextSize + crypto.BoxOverhead

// WritePlaintext serializes the RouteToken's 77-byte plaintext body.
func (t *RouteToken) WritePlaintext() []byte {
	buf := make([]byte, RouteTokenPlaintextSize)
	o := 0
	binary.LittleEndian.PutUint64(buf[o:], t.ExpireTimestamp)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], t.SessionID)
	o += 8
	buf[o] = t.SessionVersion
	o++
	buf[o] = t.SessionFlags
	o++
	binary.LittleEndian.PutUint32(buf[o:], t.KbpsUp)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], t.KbpsDown)
	o += 4
	_ = t.NextAddress.Write(buf[o : o+addr.Size])
	o += addr.Size
	copy(buf[o:], t.PrivateKey[:])
	return buf
}

// ReadRouteTokenPlaintext parses a 77-byte plaintext body.
func ReadRouteTokenPlaintext(buf []byte) (*RouteToken, error) {
	if len(buf) < RouteTokenPlaintextSize {
		return nil, fmt.Errorf("token: route token plaintext too short: %d < %d", len(buf), RouteTokenPlaintextSize)
	}
	t := &RouteToken{}
	o := 0
	t.ExpireTimestamp = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	t.SessionID = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	t.SessionVersion = buf[o]
	o++
	t.SessionFlags = buf[o]
	o++
	t.KbpsUp = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	t.KbpsDown = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	next, err := addr.Read(buf[o : o+addr.Size])
	if err != nil {
		return nil, fmt.Errorf("token: route token address: %w", err)
	}
	t.NextAddress = next
	o += addr.Size
	copy(t.PrivateKey[:], buf[o:o+crypto.KeySize])
	return t, nil
}

// WriteEncrypted seals the token for receiverPublic using senderPrivate,
// returning nonce(24) || plaintext(77) || mac(16) = RouteTokenEncryptedSize bytes.
func (t *RouteToken) WriteEncrypted(senderPrivate, receiverPublic *[crypto.BoxPrivateKeySize]byte) ([]byte, error) {
	plaintext := t.WritePlaintext()
	return crypto.SealBox(senderPrivate, receiverPublic, plaintext)
}

// ReadEncrypted reverses WriteEncrypted.
func ReadEncrypted(senderPublic, receiverPrivate *[crypto.BoxPrivateKeySize]byte, sealed []byte) (*RouteToken, error) {
	plaintext, err := crypto.OpenBox(senderPublic, receiverPrivate, sealed)
	if err != nil {
		return nil, err
	}
	return ReadRouteTokenPlaintext(plaintext)
}

// WritePlaintext serializes the ContinueToken's 18-byte plaintext body.
func (t *ContinueToken) WritePlaintext() []byte {
	buf := make([]byte, ContinueTokenPlaintextSize)
	o := 0
	binary.LittleEndian.PutUint64(buf[o:], t.ExpireTimestamp)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], t.SessionID)
	o += 8
	buf[o] = t.SessionVersion
	o++
	buf[o] = t.SessionFlags
	return buf
}

// ReadContinueTokenPlaintext parses an 18-byte plaintext body.
func ReadContinueTokenPlaintext(buf []byte) (*ContinueToken, error) {
	if len(buf) < ContinueTokenPlaintextSize {
		return nil, fmt.Errorf("token: continue token plaintext too short: %d < %d", len(buf), ContinueTokenPlaintextSize)
	}
	t := &ContinueToken{}
	o := 0
	t.ExpireTimestamp = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	t.SessionID = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	t.SessionVersion = buf[o]
	o++
	t.SessionFlags = buf[o]
	return t, nil
}

// WriteEncrypted seals the continue token for receiverPublic.
func (t *ContinueToken) WriteEncrypted(senderPrivate, receiverPublic *[crypto.BoxPrivateKeySize]byte) ([]byte, error) {
	plaintext := t.WritePlaintext()
	return crypto.SealBox(senderPrivate, receiverPublic, plaintext)
}

// ReadContinueEncrypted reverses ContinueToken.WriteEncrypted.
func ReadContinueEncrypted(senderPublic, receiverPrivate *[crypto.BoxPrivateKeySize]byte, sealed []byte) (*ContinueToken, error) {
	plaintext, err := crypto.OpenBox(senderPublic, receiverPrivate, sealed)
	if err != nil {
		return nil, err
	}
	return ReadContinueTokenPlaintext(plaintext)
}

// SessionKey computes the 64-bit session map key per spec.md §3:
// session_id XOR session_version.
func SessionKey(sessionID uint64, sessionVersion uint8) uint64 {
	return sessionID ^ uint64(sessionVersion)
}

// SessionFlagLegacyV4 is reserved for the coexisting "v4" token format
// named in spec.md §9's open question. This port implements only the
// current token layout; a session_flags value with this bit set is
// rejected by session creation (see internal/dispatch).
const SessionFlagLegacyV4 uint8 = 1 << 0
