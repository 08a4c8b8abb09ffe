package tcp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gpsgate/pipeline"
	"github.com/c360/gpsgate/pkg/bufpool"
	"github.com/c360/gpsgate/stats"
)

// captureEnqueuer records frames handed to the pipeline.
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

func startInput(t *testing.T, maxConns int) (*Input, *captureEnqueuer, *stats.Tracker, string) {
	t.Helper()

	sink := &captureEnqueuer{}
	tracker := stats.NewTracker()
	in, err := NewInput(Config{Port: 0, Bind: "127.0.0.1", MaxConnections: maxConns}, Deps{
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

func TestSessionReceivesFrames(t *testing.T) {
	_, sink, tracker, addr := startInput(t, 10)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	payload := "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A\r\n"
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	waitFor(t, func() bool { return len(sink.captured()) == 1 })

	f := sink.captured()[0]
	assert.Equal(t, payload, string(f.Data))
	assert.Equal(t, pipeline.TransportTCP, f.Source.Transport)
	assert.Equal(t, "GPRMC", f.Source.DeviceID)
	assert.NotEmpty(t, f.Source.SessionID)
	assert.Equal(t, int64(1), tracker.Snapshot().MessagesReceived)
}

func TestDeviceIDLatchedFromFirstFrame(t *testing.T) {
	_, sink, _, addr := startInput(t, 10)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n"))
	require.NoError(t, err)
	waitFor(t, func() bool { return len(sink.captured()) == 1 })

	// Second frame with a different talker keeps the latched id
	_, err = conn.Write([]byte("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A\r\n"))
	require.NoError(t, err)
	waitFor(t, func() bool { return len(sink.captured()) == 2 })

	frames := sink.captured()
	assert.Equal(t, "GPGGA", frames[0].Source.DeviceID)
	assert.Equal(t, "GPGGA", frames[1].Source.DeviceID)
	assert.Equal(t, frames[0].Source.SessionID, frames[1].Source.SessionID)
}

func TestDeviceIDFallsBackToSessionID(t *testing.T) {
	_, sink, _, addr := startInput(t, 10)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not nmea at all"))
	require.NoError(t, err)
	waitFor(t, func() bool { return len(sink.captured()) == 1 })

	f := sink.captured()[0]
	assert.Equal(t, f.Source.SessionID, f.Source.DeviceID)
}

func TestSessionCountTracked(t *testing.T) {
	_, _, tracker, addr := startInput(t, 10)

	conn1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	waitFor(t, func() bool { return tracker.ActiveSessions() == 2 })

	_ = conn1.Close()
	_ = conn2.Close()
	waitFor(t, func() bool { return tracker.ActiveSessions() == 0 })
}

func TestMaxConnectionsRefused(t *testing.T) {
	_, _, tracker, addr := startInput(t, 1)

	conn1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn1.Close()
	waitFor(t, func() bool { return tracker.ActiveSessions() == 1 })

	// Second connection is accepted at the TCP level then closed without
	// a session
	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn2.Close()

	_ = conn2.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, readErr := conn2.Read(buf)
	assert.Error(t, readErr) // EOF or reset; never a banner

	assert.Equal(t, int64(1), tracker.ActiveSessions())
}

func TestStopDrainsSessions(t *testing.T) {
	in, sink, _, addr := startInput(t, 10)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("$GPRMC,x*00"))
	require.NoError(t, err)
	waitFor(t, func() bool { return len(sink.captured()) == 1 })

	require.NoError(t, in.Stop(2*time.Second))
	assert.False(t, in.Healthy())

	// Further connects are refused once the listener is closed
	_, err = net.Dial("tcp", addr)
	assert.Error(t, err)
}

func TestInferDeviceID(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"rmc", "$GPRMC,123519,A", "GPRMC"},
		{"gga", "$GPGGA,123519", "GPGGA"},
		{"glonass", "$GLRMC,1", "GLRMC"},
		{"no dollar", "GPRMC,123519", "fallback"},
		{"too short", "$GP,", "fallback"},
		{"lowercase tag", "$gprmc,1", "fallback"},
		{"digit in tag", "$GP1MC,1", "fallback"},
		{"empty", "", "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferDeviceID([]byte(tt.data), "fallback"))
		})
	}
}

func TestNewInputValidation(t *testing.T) {
	_, err := NewInput(DefaultConfig(), Deps{})
	assert.Error(t, err)

	_, err = NewInput(Config{Port: -1}, Deps{
		Pipeline: &captureEnqueuer{},
		Pool:     bufpool.New(),
		Tracker:  stats.NewTracker(),
	})
	assert.Error(t, err)
}
