package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelnet/relay/internal/header"
)

// NearPingSize is the client-to-relay RTT probe's fixed wire size:
// type(1) + client_ping_sequence(8) + padding(24), per SPEC_FULL.md §4.9.
const NearPingSize = 1 + 8 + 24

// NearPongSize is the reply: type(1) + sequence(8) + 8 bytes of the
// original padding, with the trailing 16 bytes stripped.
const NearPongSize = 1 + 8 + 8

// NearPingToPong builds the NearPong reply for a received NearPing
// packet: same sequence, type flipped to 0x0C, trailing 16 padding
// bytes dropped. The relay never interprets or authenticates this
// payload — no session exists yet at this stage of a route's life.
func NearPingToPong(buf []byte) ([]byte, error) {
	if len(buf) != NearPingSize {
		return nil, fmt.Errorf("wire: bad near ping size: %d != %d", len(buf), NearPingSize)
	}
	out := make([]byte, NearPongSize)
	out[0] = byte(header.NearPong)
	copy(out[1:], buf[1:NearPongSize])
	return out, nil
}

// NearPingSequence extracts the client's ping sequence from a raw
// NearPing payload without full parsing.
func NearPingSequence(buf []byte) (uint64, error) {
	if len(buf) != NearPingSize {
		return 0, fmt.Errorf("wire: bad near ping size: %d != %d", len(buf), NearPingSize)
	}
	return binary.LittleEndian.Uint64(buf[1:9]), nil
}
