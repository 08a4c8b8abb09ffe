package udp

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gpsgate/pipeline"
	"github.com/c360/gpsgate/pkg/bufpool"
	"github.com/c360/gpsgate/stats"
)

type captureEnqueuer struct {
	mu     sync.Mutex
	frames []pipeline.Frame
}

func (c *captureEnqueuer) Enqueue(_ context.Context, f pipeline.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data
	c.frames = append(c.frames, f)
	f.Release()
	return nil
}

func (c *captureEnqueuer) captured() []pipeline.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pipeline.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func startInput(t *testing.T) (*Input, *captureEnqueuer, *stats.Tracker, string) {
	t.Helper()

	sink := &captureEnqueuer{}
	tracker := stats.NewTracker()
	in, err := NewInput(Config{Port: 0, Bind: "127.0.0.1"}, Deps{
		Pipeline: sink,
		Pool:     bufpool.New(),
		Tracker:  tracker,
	})
	require.NoError(t, err)
	require.NoError(t, in.Start(context.Background()))
	t.Cleanup(func() { _ = in.Stop(2 * time.Second) })

	return in, sink, tracker, in.Addr().String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDatagramBecomesFrame(t *testing.T) {
	_, sink, tracker, addr := startInput(t)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	payload := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	waitFor(t, func() bool { return len(sink.captured()) == 1 })

	f := sink.captured()[0]
	assert.Equal(t, payload, string(f.Data))
	assert.Equal(t, pipeline.TransportUDP, f.Source.Transport)
	assert.True(t, strings.HasPrefix(f.Source.DeviceID, "GPGGA_"))
	assert.NotContains(t, f.Source.DeviceID, ":")
	assert.Equal(t, int64(1), tracker.Snapshot().MessagesReceived)
}

func TestUDPActiveFlag(t *testing.T) {
	in, _, tracker, _ := startInput(t)

	assert.True(t, tracker.Snapshot().UDPActive)
	require.NoError(t, in.Stop(time.Second))
	assert.False(t, tracker.Snapshot().UDPActive)
	assert.False(t, in.Healthy())
}

func TestNonNMEADeviceIDUsesUnknownTag(t *testing.T) {
	_, sink, _, addr := startInput(t)

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0xb5, 0x62, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(sink.captured()) == 1 })
	assert.True(t, strings.HasPrefix(sink.captured()[0].Source.DeviceID, "UNKNOWN_"))
}

func TestDeriveDeviceID(t *testing.T) {
	peer := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 40000}

	id := deriveDeviceID([]byte("$GPGGA,123519,..."), peer)
	assert.Equal(t, "GPGGA_10.0.0.5_40000", id)

	id = deriveDeviceID([]byte("binary junk"), peer)
	assert.Equal(t, "UNKNOWN_10.0.0.5_40000", id)
}

func TestNewInputValidation(t *testing.T) {
	_, err := NewInput(DefaultConfig(), Deps{})
	assert.Error(t, err)

	_, err = NewInput(Config{Port: 70000}, Deps{
		Pipeline: &captureEnqueuer{},
		Pool:     bufpool.New(),
		Tracker:  stats.NewTracker(),
	})
	assert.Error(t, err)
}
