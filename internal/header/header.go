// Package header implements the authenticated packet header from
// spec.md §4.1: type(1) | sequence(8) | session_id(8) | session_version(1)
// | session_flags(1), followed by the AEAD-sealed payload and its 16-byte
// tag. The nonce is derived from sequence and the additional data is
// session_id || session_version || session_flags; the type byte is not
// covered by the tag.
package header

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelnet/relay/internal/crypto"
)

// PacketType is the first-byte packet-type tag.
type PacketType uint8

const (
	RelayPing        PacketType = 0x01
	RelayPong        PacketType = 0x02
	RouteRequest     PacketType = 0x03
	RouteResponse    PacketType = 0x04
	ContinueRequest  PacketType = 0x05
	ContinueResponse PacketType = 0x06
	ClientToServer   PacketType = 0x07
	ServerToClient   PacketType = 0x08
	SessionPing      PacketType = 0x09
	SessionPong      PacketType = 0x0A
	NearPing         PacketType = 0x0B
	NearPong         PacketType = 0x0C
)

// Size is the unauthenticated header's wire size: type+sequence+session_id+version+flags.
const Size = 1 + 8 + 8 + 1 + 1

// TagSize is the AEAD tag appended after the header.
const TagSize = 16

// SizeWithTag is Size plus the 16-byte AEAD tag.
const SizeWithTag = Size + TagSize

// Direction/role flag bits within the 64-bit sequence, per spec.md §4.1.
const (
	FlagServerToClient uint64 = 1 << 63
	FlagResponseOrPong uint64 = 1 << 62
	flagMask           uint64 = FlagServerToClient | FlagResponseOrPong
)

// CleanSequence masks off the two role/direction flag bits, per spec.md:
// clean_sequence(s) = s & ~(3<<62).
func CleanSequence(s uint64) uint64 {
	return s &^ flagMask
}

// Header is the parsed, unauthenticated packet header.
type Header struct {
	Type           PacketType
	Sequence       uint64
	SessionID      uint64
	SessionVersion uint8
	SessionFlags   uint8
}

// Write serializes the header (without the AEAD tag) into buf[:Size].
func (h Header) Write(buf []byte) error {
	if len(buf) < Size {
		return fmt.Errorf("header: buffer too small: %d < %d", len(buf), Size)
	}
	buf[0] = byte(h.Type)
	binary.LittleEndian.PutUint64(buf[1:9], h.Sequence)
	binary.LittleEndian.PutUint64(buf[9:17], h.SessionID)
	buf[17] = h.SessionVersion
	buf[18] = h.SessionFlags
	return nil
}

// Read parses a Size-byte unauthenticated header.
func Read(buf []byte) (Header, error) {
	if len(buf) < Size {
		return Header{}, fmt.Errorf("header: buffer too small: %d < %d", len(buf), Size)
	}
	return Header{
		Type:           PacketType(buf[0]),
		Sequence:       binary.LittleEndian.Uint64(buf[1:9]),
		SessionID:      binary.LittleEndian.Uint64(buf[9:17]),
		SessionVersion: buf[17],
		SessionFlags:   buf[18],
	}, nil
}

// additionalData returns session_id || session_version || session_flags
// per spec.md §4.1 ("additional data is session_id || session_version || session_flags").
func (h Header) additionalData() []byte {
	ad := make([]byte, 10)
	binary.LittleEndian.PutUint64(ad[0:8], h.SessionID)
	ad[8] = h.SessionVersion
	ad[9] = h.SessionFlags
	return ad
}

// Seal writes the header followed by the AEAD-sealed payload: the
// output is header(19) || Seal(payload, key, nonce=sequence, ad)(len(payload)+16).
func Seal(h Header, key *[crypto.KeySize]byte, payload []byte) ([]byte, error) {
	headerBuf := make([]byte, Size)
	if err := h.Write(headerBuf); err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(key, h.Sequence, h.additionalData(), payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, Size+len(sealed))
	copy(out, headerBuf)
	copy(out[Size:], sealed)
	return out, nil
}

// Open parses the header and verifies+decrypts the trailing AEAD payload.
func Open(packet []byte, key *[crypto.KeySize]byte) (Header, []byte, error) {
	if len(packet) < SizeWithTag {
		return Header{}, nil, fmt.Errorf("header: packet too short: %d < %d", len(packet), SizeWithTag)
	}
	h, err := Read(packet[:Size])
	if err != nil {
		return Header{}, nil, err
	}
	plaintext, err := crypto.Open(key, h.Sequence, h.additionalData(), packet[Size:])
	if err != nil {
		return Header{}, nil, err
	}
	return h, plaintext, nil
}
