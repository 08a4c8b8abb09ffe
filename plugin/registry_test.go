package plugin

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gpsgate/errors"
	"github.com/c360/gpsgate/record"
)

type stubDecoder struct {
	decode   func(data []byte, deviceID string) (*record.Record, error)
	validate func(r *record.Record) error
}

func (d *stubDecoder) Decode(data []byte, deviceID string) (*record.Record, error) {
	if d.decode != nil {
		return d.decode(data, deviceID)
	}
	return record.New(deviceID), nil
}

func (d *stubDecoder) Validate(r *record.Record) error {
	if d.validate != nil {
		return d.validate(r)
	}
	return nil
}

func descriptor(name string, proto Protocol, canDecode func([]byte) bool) Descriptor {
	return Descriptor{
		Name:      name,
		Version:   "1.0.0",
		Protocol:  proto,
		CanDecode: canDecode,
		Decoder:   &stubDecoder{},
	}
}

func TestRegisterAndMatch(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(descriptor("nmea", ProtocolNMEA, func(b []byte) bool {
		return len(b) > 0 && b[0] == '$'
	}), nil))

	desc, ok := r.MatchForBytes([]byte("$GPRMC,123519,A"))
	require.True(t, ok)
	assert.Equal(t, "nmea", desc.Name)

	_, ok = r.MatchForBytes([]byte{0xb5, 0x62})
	assert.False(t, ok)
}

func TestMatchRegistrationOrderTieBreak(t *testing.T) {
	r := NewRegistry(nil)

	always := func([]byte) bool { return true }
	require.NoError(t, r.Register(descriptor("first", ProtocolOther, always), nil))
	require.NoError(t, r.Register(descriptor("second", ProtocolOther, always), nil))

	desc, ok := r.MatchForBytes([]byte("anything"))
	require.True(t, ok)
	assert.Equal(t, "first", desc.Name)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewRegistry(nil)
	d := descriptor("dup", ProtocolNMEA, func([]byte) bool { return true })

	require.NoError(t, r.Register(d, nil))
	assert.Error(t, r.Register(d, nil))
}

func TestRegisterInvalidDescriptor(t *testing.T) {
	r := NewRegistry(nil)

	assert.Error(t, r.Register(Descriptor{}, nil))

	d := descriptor("bad-proto", "GIBBERISH", func([]byte) bool { return true })
	assert.Error(t, r.Register(d, nil))

	d = descriptor("no-decoder", ProtocolNMEA, func([]byte) bool { return true })
	d.Decoder = nil
	assert.Error(t, r.Register(d, nil))
}

func TestInitHookFailureAbortsRegistration(t *testing.T) {
	r := NewRegistry(nil)

	d := descriptor("failing", ProtocolOther, func([]byte) bool { return true })
	d.Init = func(map[string]any) error { return stderrors.New("no database") }

	err := r.Register(d, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPluginInit)
	assert.Empty(t, r.List())
}

func TestInitHookPanicIsIsolated(t *testing.T) {
	r := NewRegistry(nil)

	d := descriptor("panicky", ProtocolOther, func([]byte) bool { return true })
	d.Init = func(map[string]any) error { panic("boom") }

	err := r.Register(d, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPluginInit)
	assert.Empty(t, r.List())
}

func TestPredicatePanicQuarantinesPlugin(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(descriptor("broken", ProtocolOther, func([]byte) bool {
		panic("predicate bug")
	}), nil))
	require.NoError(t, r.Register(descriptor("healthy", ProtocolOther, func([]byte) bool {
		return true
	}), nil))

	// The panicking plugin is skipped, the sweep continues
	desc, ok := r.MatchForBytes([]byte("data"))
	require.True(t, ok)
	assert.Equal(t, "healthy", desc.Name)
	assert.Error(t, r.LastError("broken"))

	// Quarantined plugin stays out of subsequent matches
	desc, ok = r.MatchForBytes([]byte("more"))
	require.True(t, ok)
	assert.Equal(t, "healthy", desc.Name)
}

func TestGetByProtocol(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(descriptor("nmea", ProtocolNMEA, func([]byte) bool { return true }), nil))

	desc, ok := r.GetByProtocol(ProtocolNMEA)
	require.True(t, ok)
	assert.Equal(t, "nmea", desc.Name)

	_, ok = r.GetByProtocol(ProtocolTAIP)
	assert.False(t, ok)
}

func TestShutdownReverseOrder(t *testing.T) {
	r := NewRegistry(nil)

	var order []string
	cleanup := func(name string) func() error {
		return func() error {
			order = append(order, name)
			return nil
		}
	}

	for _, name := range []string{"a", "b", "c"} {
		d := descriptor(name, ProtocolOther, func([]byte) bool { return false })
		d.Cleanup = cleanup(name)
		require.NoError(t, r.Register(d, nil))
	}

	r.Shutdown()
	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.Empty(t, r.List())
}

func TestShutdownSurvivesCleanupFailures(t *testing.T) {
	r := NewRegistry(nil)

	var cleaned []string
	d1 := descriptor("fails", ProtocolOther, func([]byte) bool { return false })
	d1.Cleanup = func() error { return stderrors.New("cleanup failed") }
	d2 := descriptor("panics", ProtocolOther, func([]byte) bool { return false })
	d2.Cleanup = func() error { panic("cleanup panic") }
	d3 := descriptor("ok", ProtocolOther, func([]byte) bool { return false })
	d3.Cleanup = func() error { cleaned = append(cleaned, "ok"); return nil }

	require.NoError(t, r.Register(d1, nil))
	require.NoError(t, r.Register(d2, nil))
	require.NoError(t, r.Register(d3, nil))

	r.Shutdown()
	assert.Equal(t, []string{"ok"}, cleaned)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(nil)

	cleaned := false
	d := descriptor("gone", ProtocolOther, func([]byte) bool { return true })
	d.Cleanup = func() error { cleaned = true; return nil }
	require.NoError(t, r.Register(d, nil))

	require.NoError(t, r.Unregister("gone"))
	assert.True(t, cleaned)
	assert.Empty(t, r.List())

	assert.Error(t, r.Unregister("gone"))
}
