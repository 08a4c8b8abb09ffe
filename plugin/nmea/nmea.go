// Package nmea implements the NMEA 0183 decoder plugin, the reference
// in-tree decoder. Its sentence framing, checksum, coordinate, and
// timestamp reconstruction rules are part of the gateway's observable
// contract.
package nmea

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/c360/gpsgate/errors"
	"github.com/c360/gpsgate/plugin"
	"github.com/c360/gpsgate/record"
)

const (
	pluginName    = "nmea"
	pluginVersion = "1.0.0"
	knotsToKmh    = 1.852
)

// Decoder parses NMEA 0183 sentence buffers into canonical records. It is
// stateless and reentrant; a single instance serves all pipeline workers.
type Decoder struct {
	logger *slog.Logger
}

// NewDecoder creates an NMEA decoder.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger.With("plugin", pluginName)}
}

// CanDecode reports whether data looks like NMEA: a '$' lead byte and at
// least one comma. Pure and cheap; runs per-frame on the dispatch path.
func CanDecode(data []byte) bool {
	if len(data) < 2 || data[0] != '$' {
		return false
	}
	for _, b := range data {
		if b == ',' {
			return true
		}
	}
	return false
}

// Register adds the NMEA decoder to the registry with a static descriptor.
func Register(registry *plugin.Registry, logger *slog.Logger, cfg map[string]any) error {
	return registry.Register(plugin.Descriptor{
		Name:      pluginName,
		Version:   pluginVersion,
		Protocol:  plugin.ProtocolNMEA,
		CanDecode: CanDecode,
		Decoder:   NewDecoder(logger),
	}, cfg)
}

// sentence is one framed, checksum-verified NMEA sentence.
type sentence struct {
	// Type is the talker-stripped sentence type (RMC, GGA, ...)
	Type string
	// Talker is the full type field including talker prefix (GPRMC)
	Talker string
	// Fields is the comma-split payload; Fields[0] is the type field
	Fields []string
}

// Decode splits data into sentences and merges every valid sentence into
// one canonical record. Later sentences overwrite earlier field writes;
// extended-data keys accumulate. It returns ErrDecode when no sentence
// yields a position fix.
func (d *Decoder) Decode(data []byte, deviceID string) (*record.Record, error) {
	r := record.New(deviceID)

	var (
		haveLat bool
		haveLon bool
	)

	for _, line := range strings.FieldsFunc(string(data), func(c rune) bool {
		return c == '\r' || c == '\n'
	}) {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "$") {
			continue
		}

		sent, err := parseSentence(line)
		if err != nil {
			d.logger.Warn("Invalid NMEA checksum", "sentence", line, "error", err)
			continue
		}

		switch sent.Type {
		case "RMC":
			latSet, lonSet := d.applyRMC(r, sent)
			haveLat = haveLat || latSet
			haveLon = haveLon || lonSet
		case "GGA":
			latSet, lonSet := d.applyGGA(r, sent)
			haveLat = haveLat || latSet
			haveLon = haveLon || lonSet
		case "GSA":
			d.applyGSA(r, sent)
		case "GSV":
			d.applyGSV(r, sent)
		default:
			r.SetExtended("Unknown_"+sent.Type, strings.Join(sent.Fields[1:], ","))
		}
	}

	if !haveLat || !haveLon {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no position sentence in buffer", errors.ErrDecode),
			"NMEADecoder", "Decode", "sentence merging")
	}

	return r, nil
}

// Validate performs protocol-level checks before the central validator.
func (d *Decoder) Validate(r *record.Record) error {
	if r == nil {
		return errors.WrapInvalid(errors.ErrValidation, "NMEADecoder", "Validate", "nil record check")
	}
	if r.DeviceID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: empty device id", errors.ErrValidation),
			"NMEADecoder", "Validate", "device id check")
	}
	return nil
}

// parseSentence verifies framing and checksum. A sentence is valid iff it
// contains exactly one '*', the two characters after '*' form a hex byte,
// and the XOR of all bytes between '$' and '*' (exclusive) equals it.
func parseSentence(line string) (sentence, error) {
	if strings.Count(line, "*") != 1 {
		return sentence{}, fmt.Errorf("expected exactly one '*'")
	}
	star := strings.IndexByte(line, '*')

	ck := line[star+1:]
	if len(ck) != 2 {
		return sentence{}, fmt.Errorf("checksum must be two hex digits")
	}
	want, err := strconv.ParseUint(ck, 16, 8)
	if err != nil {
		return sentence{}, fmt.Errorf("checksum not hexadecimal: %v", err)
	}

	payload := line[1:star]
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != byte(want) {
		return sentence{}, fmt.Errorf("checksum mismatch: computed %02X, sentence says %s", got, ck)
	}

	fields := strings.Split(payload, ",")
	typeField := fields[0]
	if len(typeField) < 3 {
		return sentence{}, fmt.Errorf("sentence type too short")
	}

	t := typeField
	if len(t) > 3 {
		t = t[len(t)-3:]
	}

	return sentence{
		Type:   strings.ToUpper(t),
		Talker: strings.ToUpper(typeField),
		Fields: fields,
	}, nil
}

// applyRMC handles Recommended Minimum sentences. Fields:
//
//	1: UTC time (hhmmss[.sss])
//	2: status (A=valid, V=invalid)
//	3: latitude (ddmm.mmmm)   4: N/S
//	5: longitude (dddmm.mmmm) 6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
//
// Sentences with status V are discarded entirely.
func (d *Decoder) applyRMC(r *record.Record, s sentence) (latSet, lonSet bool) {
	if len(s.Fields) < 10 {
		return false, false
	}
	if strings.TrimSpace(s.Fields[2]) != "A" {
		return false, false
	}

	if lat, ok := parseCoordinate(s.Fields[3], s.Fields[4]); ok {
		r.Latitude = lat
		latSet = true
	}
	if lon, ok := parseCoordinate(s.Fields[5], s.Fields[6]); ok {
		r.Longitude = lon
		lonSet = true
	}

	if knots, ok := parseFloat(s.Fields[7]); ok {
		r.Speed = record.Float(knots * knotsToKmh)
	}
	if course, ok := parseFloat(s.Fields[8]); ok {
		r.Heading = record.Float(course)
	}

	if ts, ok := parseDateTime(s.Fields[9], s.Fields[1]); ok {
		r.Timestamp = ts
	}

	r.SetExtended("MessageType", s.Talker)
	r.SetExtended("Quality", "A")
	return latSet, lonSet
}

// applyGGA handles Fix Data sentences. Fields:
//
//	1: UTC time
//	2: latitude   3: N/S
//	4: longitude  5: E/W
//	6: fix quality (0=no fix)
//	7: satellites in use
//	8: HDOP
//	9: altitude (meters)
//
// Sentences with fix quality 0 are discarded. GGA carries no date, so the
// timestamp is left untouched; the pipeline stamps ingress time when no
// RMC in the buffer provided one.
func (d *Decoder) applyGGA(r *record.Record, s sentence) (latSet, lonSet bool) {
	if len(s.Fields) < 10 {
		return false, false
	}
	quality := strings.TrimSpace(s.Fields[6])
	if quality == "" || quality == "0" {
		return false, false
	}

	if lat, ok := parseCoordinate(s.Fields[2], s.Fields[3]); ok {
		r.Latitude = lat
		latSet = true
	}
	if lon, ok := parseCoordinate(s.Fields[4], s.Fields[5]); ok {
		r.Longitude = lon
		lonSet = true
	}

	if sats, err := strconv.Atoi(strings.TrimSpace(s.Fields[7])); err == nil {
		r.SatelliteCount = record.Int(sats)
	}
	if hdop, ok := parseFloat(s.Fields[8]); ok {
		r.HDOP = record.Float(hdop)
	}
	if alt, ok := parseFloat(s.Fields[9]); ok {
		r.Altitude = record.Float(alt)
	}

	r.SetExtended("MessageType", s.Talker)
	r.SetExtended("FixQuality", quality)
	return latSet, lonSet
}

// applyGSA handles DOP and active satellites sentences, populating HDOP
// and the Mode/FixType extended keys.
func (d *Decoder) applyGSA(r *record.Record, s sentence) {
	if len(s.Fields) < 16 {
		return
	}

	if mode := strings.TrimSpace(s.Fields[1]); mode != "" {
		r.SetExtended("Mode", mode)
	}
	if fixType := strings.TrimSpace(s.Fields[2]); fixType != "" {
		r.SetExtended("FixType", fixType)
	}
	if hdop, ok := parseFloat(s.Fields[15]); ok {
		r.HDOP = record.Float(hdop)
	}
}

// applyGSV handles satellites-in-view sentences.
func (d *Decoder) applyGSV(r *record.Record, s sentence) {
	if len(s.Fields) < 4 {
		return
	}
	if inView, err := strconv.Atoi(strings.TrimSpace(s.Fields[3])); err == nil {
		r.SetExtended("SatellitesInView", inView)
	}
}

// parseCoordinate converts DDMM.MMMM (or DDDMM.MMMM) plus a hemisphere
// into decimal degrees: DD + MM.MMMM/60, negated for S and W.
func parseCoordinate(value, hemisphere string) (float64, bool) {
	value = strings.TrimSpace(value)
	hemisphere = strings.TrimSpace(strings.ToUpper(hemisphere))
	if value == "" {
		return 0, false
	}
	if hemisphere != "N" && hemisphere != "S" && hemisphere != "E" && hemisphere != "W" {
		return 0, false
	}

	dot := strings.IndexByte(value, '.')
	intPart := value
	if dot != -1 {
		intPart = value[:dot]
	}
	// The last two integer digits are whole minutes
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(value[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + minutes/60.0
	if hemisphere == "S" || hemisphere == "W" {
		dec = -dec
	}
	return dec, true
}

// yearPivot splits two-digit years: values at or above it are 19xx.
// A GPRMC dated 230394 means 1994, not 2094.
const yearPivot = 80

// parseDateTime reconstructs a UTC timestamp from DDMMYY and HHMMSS[.sss]
// fields. Two-digit years below the pivot are offset into the 2000s.
func parseDateTime(dateField, timeField string) (time.Time, bool) {
	dateField = strings.TrimSpace(dateField)
	timeField = strings.TrimSpace(timeField)
	if len(dateField) != 6 || len(timeField) < 6 {
		return time.Time{}, false
	}

	day, err1 := strconv.Atoi(dateField[0:2])
	month, err2 := strconv.Atoi(dateField[2:4])
	year, err3 := strconv.Atoi(dateField[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}

	hour, err1 := strconv.Atoi(timeField[0:2])
	minute, err2 := strconv.Atoi(timeField[2:4])
	second, err3 := strconv.Atoi(timeField[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}

	nanos := 0
	if len(timeField) > 7 && timeField[6] == '.' {
		frac, err := strconv.ParseFloat(timeField[6:], 64)
		if err != nil {
			return time.Time{}, false
		}
		nanos = int(frac * float64(time.Second))
	}

	century := 2000
	if year >= yearPivot {
		century = 1900
	}

	return time.Date(century+year, time.Month(month), day, hour, minute, second, nanos, time.UTC), true
}

// parseFloat parses a trimmed float field, rejecting empties.
func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
