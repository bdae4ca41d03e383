// Package backend implements the relay's HTTP/JSON control-plane client
// from spec.md §4.7: the one-shot /relay_init handshake and the
// recurring /relay_update loop, plus its failure/clean-shutdown policy.
//
// Grounded on the teacher's config.go (JSON-tagged wire structs decoded
// with encoding/json) generalized from static transport config to a
// request/response HTTP protocol; no REST client library appears
// anywhere in the retrieval pack, so stdlib net/http is the idiomatic
// choice here rather than a gap (see DESIGN.md).
package backend

import "time"

// MagicRequestProtection is the fixed sentinel value spec.md §4.7 pins
// into every /relay_init request.
const MagicRequestProtection uint32 = 0x9083708f

// ProtocolVersion is the version this client speaks; a mismatched
// /relay_init response aborts startup.
const ProtocolVersion uint32 = 0

// UpdateInterval is spec.md §4.7's "every 1s" update cadence.
const UpdateInterval = 1 * time.Second

// MaxConsecutiveFailures and FailureCeiling implement spec.md §4.7's
// failure policy: fatal after whichever comes first, 10 consecutive
// failures or 60s since the failure streak began; a single success
// resets both regardless of wall time already spent.
const (
	MaxConsecutiveFailures = 10
	FailureCeiling         = 60 * time.Second
)

// ShutdownGracePeriod bounds how long the clean-shutdown update loop
// keeps retrying a ShuttingDown=true update before giving up (spec.md §4.7).
const ShutdownGracePeriod = 30 * time.Second

// RequestTimeout is spec.md §5's "10s total timeout" for backend HTTP calls.
const RequestTimeout = 10 * time.Second

// InitRequest is the /relay_init POST body.
type InitRequest struct {
	MagicRequestProtection uint32 `json:"magic_request_protection"`
	Version                uint32 `json:"version"`
	RelayAddress           string `json:"relay_address"`
	Nonce                  string `json:"nonce"`
	EncryptedToken         string `json:"encrypted_token"`
}

// InitResponse is the /relay_init response body.
type InitResponse struct {
	Version         uint32 `json:"version"`
	TimestampMillis uint64 `json:"timestamp"`
}

// Metadata is the relay's self-reported identity in an update request.
type Metadata struct {
	PublicKey string `json:"PublicKey"`
}

// DirectionCounts is one {packets, bytes} pair for a single traffic
// direction, keyed by internal/metrics.Direction.String() in the
// TrafficStats.Counters map below.
type DirectionCounts struct {
	Packets uint64 `json:"Packets"`
	Bytes   uint64 `json:"Bytes"`
}

// TrafficStats is the /relay_update TrafficStats document. spec.md §4.7
// names four fields explicitly (BytesMeasurementRx, SessionCount,
// EnvelopeKbpsUp, EnvelopeKbpsDown) and gestures at "…all 23 counters…"
// without enumerating them; this port reports the four named fields
// plus every internal/metrics.Direction counter under Counters, keyed by
// direction name, rather than guessing at 23 specific field names (see
// DESIGN.md).
type TrafficStats struct {
	BytesMeasurementRx uint64                     `json:"BytesMeasurementRx"`
	SessionCount       uint64                     `json:"SessionCount"`
	EnvelopeKbpsUp     uint64                     `json:"EnvelopeKbpsUp"`
	EnvelopeKbpsDown   uint64                     `json:"EnvelopeKbpsDown"`
	Counters           map[string]DirectionCounts `json:"Counters"`
}

// PingStat is one neighbor relay's route stats in an update request.
type PingStat struct {
	RelayID    uint64  `json:"RelayId"`
	RTT        float64 `json:"RTT"`
	Jitter     float64 `json:"Jitter"`
	PacketLoss float64 `json:"PacketLoss"`
}

// UpdateRequest is the /relay_update POST body.
type UpdateRequest struct {
	Version      uint32       `json:"version"`
	RelayAddress string       `json:"relay_address"`
	Metadata     Metadata     `json:"Metadata"`
	TrafficStats TrafficStats `json:"TrafficStats"`
	PingStats    []PingStat   `json:"PingStats"`
	ShuttingDown bool         `json:"ShuttingDown"`
}

// PingDatum is one neighbor relay handed down in an update response.
type PingDatum struct {
	RelayID      uint64 `json:"relay_id"`
	RelayAddress string `json:"relay_address"`
}

// UpdateResponse is the /relay_update response body. The three magic
// fields are base64 of MagicSize bytes each, matching spec.md §3's
// RouterInfo.Magic layout.
type UpdateResponse struct {
	Version       uint32      `json:"version"`
	Timestamp     uint64      `json:"timestamp"`
	MagicPrevious string      `json:"magic_previous"`
	MagicCurrent  string      `json:"magic_current"`
	MagicNext     string      `json:"magic_next"`
	PingData      []PingDatum `json:"ping_data"`
}
