// Package record defines the canonical GPS position record produced by
// decoders and consumed by the validator and publisher.
package record

import (
	"encoding/json"
	"time"
)

// Reserved extended-data keys appended by the pipeline. Decoders must not
// write these; the publish step owns them.
const (
	KeyProtocol       = "Protocol"
	KeyProcessedAt    = "ProcessedAt"
	KeyProcessingID   = "ProcessingId"
	KeyDataSize       = "DataSize"
	KeyQualityScore   = "QualityScore"
	KeyKafkaPartition = "KafkaPartition"
	KeyKafkaOffset    = "KafkaOffset"
)

// timestampLayout is ISO-8601 UTC with millisecond precision, the egress
// wire format for all timestamps.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Record is the normalized output of a decoder. Required fields are
// populated before the record leaves the decoder; optional fields are nil
// when the source protocol did not carry them. A record is immutable once
// validation completes, except that the pipeline's publish step may append
// reserved Extended keys.
type Record struct {
	DeviceID  string    // non-empty, stable identifier for the device
	Latitude  float64   // WGS-84 degrees, [-90, 90]
	Longitude float64   // WGS-84 degrees, [-180, 180]
	Timestamp time.Time // UTC; zero until the decoder or pipeline stamps it

	Speed          *float64 // km/h
	Heading        *float64 // degrees, [0, 360)
	Altitude       *float64 // meters
	SatelliteCount *int
	HDOP           *float64

	Extended map[string]any // decoder-specific metadata plus reserved keys
}

// New returns a record with an initialized Extended map.
func New(deviceID string) *Record {
	return &Record{
		DeviceID: deviceID,
		Extended: make(map[string]any),
	}
}

// SetExtended stores a key in the Extended map, allocating it if needed.
func (r *Record) SetExtended(key string, value any) {
	if r.Extended == nil {
		r.Extended = make(map[string]any)
	}
	r.Extended[key] = value
}

// Protocol returns the protocol tag from Extended, or "" when unset.
func (r *Record) Protocol() string {
	if r.Extended == nil {
		return ""
	}
	if p, ok := r.Extended[KeyProtocol].(string); ok {
		return p
	}
	return ""
}

// wireRecord is the JSON wire shape: camelCase keys, optionals omitted
// when nil, string timestamps.
type wireRecord struct {
	DeviceID       string         `json:"deviceId"`
	Latitude       float64        `json:"latitude"`
	Longitude      float64        `json:"longitude"`
	Timestamp      string         `json:"timestamp"`
	Speed          *float64       `json:"speed,omitempty"`
	Heading        *float64       `json:"heading,omitempty"`
	Altitude       *float64       `json:"altitude,omitempty"`
	SatelliteCount *int           `json:"satelliteCount,omitempty"`
	HDOP           *float64       `json:"hdop,omitempty"`
	Extended       map[string]any `json:"extendedData,omitempty"`
}

// MarshalJSON serializes the record in the egress wire format.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		DeviceID:       r.DeviceID,
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		Timestamp:      r.Timestamp.UTC().Format(timestampLayout),
		Speed:          r.Speed,
		Heading:        r.Heading,
		Altitude:       r.Altitude,
		SatelliteCount: r.SatelliteCount,
		HDOP:           r.HDOP,
		Extended:       r.Extended,
	})
}

// UnmarshalJSON parses the egress wire format back into a record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	ts, err := time.Parse(timestampLayout, w.Timestamp)
	if err != nil {
		// Accept full RFC 3339 for inputs produced by other tooling
		ts, err = time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return err
		}
	}

	r.DeviceID = w.DeviceID
	r.Latitude = w.Latitude
	r.Longitude = w.Longitude
	r.Timestamp = ts.UTC()
	r.Speed = w.Speed
	r.Heading = w.Heading
	r.Altitude = w.Altitude
	r.SatelliteCount = w.SatelliteCount
	r.HDOP = w.HDOP
	r.Extended = w.Extended
	return nil
}

// Float returns a pointer to v; a convenience for optional fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v; a convenience for optional fields.
func Int(v int) *int { return &v }
