// Package plugin defines the decoder plugin contract and the registry that
// dispatches raw frames to decoders. Plugins are registered statically at
// build time; membership may change only while the pipeline is quiescent.
package plugin

import (
	"github.com/c360/gpsgate/record"
)

// Protocol identifies the wire protocol a decoder understands. The set is
// closed; third-party decoders use ProtocolOther.
type Protocol string

const (
	ProtocolNMEA  Protocol = "NMEA"
	ProtocolUblox Protocol = "UBLOX"
	ProtocolTAIP  Protocol = "TAIP"
	ProtocolOther Protocol = "OTHER"
)

// Valid reports whether p is a member of the closed protocol set.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolNMEA, ProtocolUblox, ProtocolTAIP, ProtocolOther:
		return true
	}
	return false
}

// Decoder maps a raw byte buffer to a canonical record for one protocol.
// Implementations must be reentrant: the pipeline's workers call the same
// decoder concurrently.
type Decoder interface {
	// Decode parses data into a canonical record for the given device.
	// It returns an error when no record can be produced. A panic in
	// Decode is recovered by the pipeline and counted as a decode failure
	// for that frame; the plugin is not quarantined.
	Decode(data []byte, deviceID string) (*record.Record, error)

	// Validate runs protocol-specific checks on a decoded record before
	// the central validator sees it. May be a no-op.
	Validate(r *record.Record) error
}

// Descriptor describes a registered plugin: identity, dispatch predicate,
// decoder, and lifecycle hooks. CanDecode must be pure and cheap; it runs
// on the hot path for every frame that reaches dispatch.
type Descriptor struct {
	Name     string
	Version  string
	Protocol Protocol

	// CanDecode inspects leading bytes and reports whether Decode is
	// likely to succeed. Ties between plugins are broken by registration
	// order; that tie-break is observable and part of the contract.
	CanDecode func(data []byte) bool

	Decoder Decoder

	// Init, when non-nil, runs during Register with the plugin's
	// configuration view. A failure aborts registration.
	Init func(cfg map[string]any) error

	// Cleanup, when non-nil, runs during Shutdown in reverse
	// registration order. Failures are logged, never propagated.
	Cleanup func() error
}
