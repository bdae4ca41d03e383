// Package wire implements the unauthenticated, pre-session payload
// formats used by the relay-to-relay ping protocol and the client's
// direct near-ping probe (spec.md §4.2, §4.6; SPEC_FULL.md §4.9).
//
// Both formats live *inside* the shared type+filter-preamble envelope
// (internal/filter) except NearPing/NearPong, which SPEC_FULL.md §4.9
// pins as a bare, envelope-free probe — the dispatcher special-cases
// those two.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelnet/relay/internal/addr"
)

// RelayPingPayloadSize is the 33-byte payload spec.md §4.6 describes:
// the ping sequence plus the sender's own bind address, reserved-padded
// to a round size. It excludes the shared type+preamble envelope, which
// the dispatcher and pinger attach separately.
const RelayPingPayloadSize = 8 + addr.Size + 6

// RelayPing is the payload a relay sends to a neighbor to measure RTT:
// a ping sequence number plus the sender's own bind address (so the
// neighbor can reply without a prior lookup).
type RelayPing struct {
	Sequence uint64
	From     addr.Address
}

// WriteRelayPingPayload serializes just the 33-byte payload (no type
// byte, no envelope) for appending after a filter-preamble envelope.
func WriteRelayPingPayload(p RelayPing) ([]byte, error) {
	buf := make([]byte, RelayPingPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.Sequence)
	if err := p.From.Write(buf[8 : 8+addr.Size]); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadRelayPingPayload parses a RelayPing/RelayPong packet's shared
// 33-byte payload.
func ReadRelayPingPayload(buf []byte) (RelayPing, error) {
	if len(buf) != RelayPingPayloadSize {
		return RelayPing{}, fmt.Errorf("wire: bad relay ping payload size: %d != %d", len(buf), RelayPingPayloadSize)
	}
	a, err := addr.Read(buf[8 : 8+addr.Size])
	if err != nil {
		return RelayPing{}, err
	}
	return RelayPing{
		Sequence: binary.LittleEndian.Uint64(buf[0:8]),
		From:     a,
	}, nil
}
