// Package validate enforces canonical record invariants and computes the
// quality score stored alongside each published record.
package validate

import (
	"fmt"
	"time"

	"github.com/c360/gpsgate/record"
)

// Limits for optional fields. Heading is half-open: 360 is invalid.
const (
	MaxSpeedKmh      = 1000.0
	SpeedWarnKmh     = 300.0
	MaxSatellites    = 50
	MaxHDOP          = 50.0
	MaxTimestampSkew = time.Hour      // future tolerance
	MaxTimestampAge  = 24 * time.Hour // past tolerance
	MinYear          = 2000
)

// Result carries the outcome of validating one record. Warnings do not
// affect validity.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validator checks records against the hard invariants. The zero value is
// not usable; construct with New. A custom clock supports deterministic
// tests.
type Validator struct {
	now func() time.Time
}

// New creates a validator using the wall clock.
func New() *Validator {
	return &Validator{now: time.Now}
}

// NewWithClock creates a validator with a custom time source.
func NewWithClock(now func() time.Time) *Validator {
	return &Validator{now: now}
}

// Validate checks every hard invariant and returns the accumulated
// failures. A record passing Validate is safe to publish.
func (v *Validator) Validate(r *record.Record) Result {
	res := Result{Valid: true}
	fail := func(format string, args ...any) {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	if r == nil {
		fail("record is nil")
		return res
	}

	if r.DeviceID == "" {
		fail("device id is empty")
	}

	if r.Latitude < -90 || r.Latitude > 90 {
		fail("latitude %v outside [-90, 90]", r.Latitude)
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		fail("longitude %v outside [-180, 180]", r.Longitude)
	}
	if r.Latitude == 0 && r.Longitude == 0 {
		fail("null island coordinates (0, 0)")
	}

	now := v.now().UTC()
	switch {
	case r.Timestamp.IsZero():
		fail("timestamp is unset")
	case r.Timestamp.Year() < MinYear:
		fail("timestamp year %d before %d", r.Timestamp.Year(), MinYear)
	case r.Timestamp.Before(now.Add(-MaxTimestampAge)):
		fail("timestamp %s older than %s", r.Timestamp.Format(time.RFC3339), MaxTimestampAge)
	case r.Timestamp.After(now.Add(MaxTimestampSkew)):
		fail("timestamp %s more than %s in the future", r.Timestamp.Format(time.RFC3339), MaxTimestampSkew)
	}

	if r.Speed != nil {
		switch {
		case *r.Speed < 0:
			fail("speed %v is negative", *r.Speed)
		case *r.Speed > MaxSpeedKmh:
			fail("speed %v exceeds %v km/h", *r.Speed, MaxSpeedKmh)
		case *r.Speed > SpeedWarnKmh:
			warn("speed %v km/h exceeds %v km/h plausibility threshold", *r.Speed, SpeedWarnKmh)
		}
	}

	if r.Heading != nil && (*r.Heading < 0 || *r.Heading >= 360) {
		fail("heading %v outside [0, 360)", *r.Heading)
	}

	if r.SatelliteCount != nil && (*r.SatelliteCount < 0 || *r.SatelliteCount > MaxSatellites) {
		fail("satellite count %d outside [0, %d]", *r.SatelliteCount, MaxSatellites)
	}

	if r.HDOP != nil && (*r.HDOP < 0 || *r.HDOP > MaxHDOP) {
		fail("hdop %v outside [0, %v]", *r.HDOP, MaxHDOP)
	}

	return res
}

// QualityScore rates a valid record in [0, 100], deducting points for
// missing optional fields, weak satellite geometry, high dilution, and
// stale timestamps. A score of 0 does not make the record invalid.
func (v *Validator) QualityScore(r *record.Record) int {
	score := 100

	if r.Speed == nil {
		score -= 5
	}
	if r.Heading == nil {
		score -= 5
	}
	if r.Altitude == nil {
		score -= 5
	}

	switch {
	case r.SatelliteCount == nil:
		score -= 10
	case *r.SatelliteCount < 4:
		score -= 30
	case *r.SatelliteCount < 6:
		score -= 15
	case *r.SatelliteCount < 8:
		score -= 5
	}

	switch {
	case r.HDOP == nil:
		score -= 10
	case *r.HDOP > 10:
		score -= 40
	case *r.HDOP > 5:
		score -= 20
	case *r.HDOP > 2:
		score -= 10
	}

	if !r.Timestamp.IsZero() {
		age := v.now().UTC().Sub(r.Timestamp)
		switch {
		case age > 60*time.Minute:
			score -= 20
		case age > 10*time.Minute:
			score -= 10
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}
