// Package filter implements the two-stage pre-authentication packet
// filter from spec.md §4.1: a cheap, allocation-free "basic" filter that
// rejects obvious noise, and an "advanced" filter that recomputes the
// chonkle/pittle preamble and compares it byte-for-byte.
//
// Grounded on the teacher's QUIC-mimic first-byte check (packet.go's
// IsQUICLike / EncodeFlags/DecodeFlags) generalized into a two-stage,
// magic-keyed filter per spec.md, since the teacher's single-byte check
// has no equivalent to chonkle/pittle or magic rotation.
package filter

import (
	"github.com/kestrelnet/relay/internal/crypto"
	"github.com/kestrelnet/relay/internal/router"
)

// basicFilterSeed is a fixed, build-time constant — NOT the rotating
// backend magic. BasicAccept does not read it: the basic filter has no
// per-byte ranges, only the uniform-chonkle check below.
var basicFilterSeed = [8]byte{0x4e, 0x65, 0x78, 0x74, 0x52, 0x65, 0x6c, 0x79}

// PreambleSize is the 17-byte filter preamble: 2-byte pittle + 15-byte chonkle.
const PreambleSize = 17

// PittleSize and ChonkleSize are the preamble's two parts.
const (
	PittleSize  = 2
	ChonkleSize = 15
)

// MinPacketLength is spec.md's basic-filter length floor.
const MinPacketLength = 18

// TypeMin and TypeMax bound the recognized packet-type byte range.
const (
	TypeMin = 0x01
	TypeMax = 0x0E
)

// BasicAccept is the zero-allocation, no-state pre-auth filter. It
// checks length, packet type, and a single degenerate-pattern predicate
// over the chonkle bytes — cheap enough to run before any crypto work,
// and loose enough that it never rejects a legitimately-constructed
// chonkle. A real chonkle is FNV output: quasi-random bytes with
// negligible chance of all being equal. Uniform runs (all-zero,
// all-0xFF, and similar non-random junk) are the only thing rejected
// here; the advanced filter remains the actual source of truth.
func BasicAccept(packet []byte) bool {
	if len(packet) < MinPacketLength {
		return false
	}
	pktType := packet[0]
	if pktType < TypeMin || pktType > TypeMax {
		return false
	}

	chonkle := packet[1+PittleSize : 1+PittleSize+ChonkleSize]
	uniform := true
	for i := 1; i < ChonkleSize; i++ {
		if chonkle[i] != chonkle[0] {
			uniform = false
			break
		}
	}
	return !uniform
}

// Pittle computes the 2-byte content hash keyed by packet length and the
// source/destination addresses (a length-keyed XOR folding).
func Pittle(length int, src, dst []byte) [PittleSize]byte {
	h := crypto.FNV64a(src, dst, []byte{byte(length), byte(length >> 8)})
	var out [PittleSize]byte
	out[0] = byte(h)
	out[1] = byte(h >> 8)
	// XOR-fold the rest of the 64-bit digest into the two bytes so the
	// result depends on the whole hash, not just its low 16 bits.
	out[0] ^= byte(h >> 16)
	out[1] ^= byte(h >> 24)
	out[0] ^= byte(h >> 32)
	out[1] ^= byte(h >> 40)
	out[0] ^= byte(h >> 48)
	out[1] ^= byte(h >> 56)
	return out
}

// Chonkle computes the 15-byte magic+address+length hash.
func Chonkle(magic [router.MagicSize]byte, src, dst []byte, length int) [ChonkleSize]byte {
	var out [ChonkleSize]byte
	lengthBytes := []byte{byte(length), byte(length >> 8)}
	for i := 0; i < ChonkleSize; i++ {
		h := crypto.FNV64a(magic[:], src, dst, lengthBytes, []byte{byte(i)})
		out[i] = byte(h)
	}
	return out
}

// WritePreamble fills packet[1:1+PreambleSize] with pittle||chonkle
// computed under the given magic and src/dst addresses. packet[0] (the
// type byte) and the length implied by len(packet) must already be set.
func WritePreamble(packet []byte, magic [router.MagicSize]byte, src, dst []byte) {
	p := Pittle(len(packet), src, dst)
	c := Chonkle(magic, src, dst, len(packet))
	copy(packet[1:1+PittleSize], p[:])
	copy(packet[1+PittleSize:1+PittleSize+ChonkleSize], c[:])
}

// AdvancedAccept recomputes pittle and chonkle for each of the router's
// three live magics and compares byte-for-byte against the packet's
// preamble. Acceptance is insensitive to which of the three magics is
// "current" — all three are tried so the overlay stays routable across
// a backend rotation (spec.md §4.1).
func AdvancedAccept(packet []byte, magics router.Magic, src, dst []byte) bool {
	if len(packet) < 1+PreambleSize {
		return false
	}
	gotPreamble := packet[1 : 1+PreambleSize]
	for _, magic := range magics.All() {
		p := Pittle(len(packet), src, dst)
		c := Chonkle(magic, src, dst, len(packet))
		var want [PreambleSize]byte
		copy(want[:PittleSize], p[:])
		copy(want[PittleSize:], c[:])
		if bytesEqual(want[:], gotPreamble) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
