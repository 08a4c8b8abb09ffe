// Package tcp provides the TCP acceptor: long-lived per-device sessions
// whose reader loops feed the processing pipeline.
//
// The device id for a session is latched from the first frame's NMEA-style
// talker+type tag (e.g. "GPRMC"). That tag is not a real device identity,
// since every NMEA device emits GPRMC; it is the contract inherited from
// the devices this gateway serves. Deployments needing true identity must
// use a protocol whose decoder carries one.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/gpsgate/errors"
	"github.com/c360/gpsgate/metric"
	"github.com/c360/gpsgate/pipeline"
	"github.com/c360/gpsgate/pkg/bufpool"
	"github.com/c360/gpsgate/resilience"
	"github.com/c360/gpsgate/stats"
)

// readPollInterval bounds how long a blocked read can delay shutdown
// observation.
const readPollInterval = 500 * time.Millisecond

// Enqueuer is the pipeline seam.
type Enqueuer interface {
	Enqueue(ctx context.Context, f pipeline.Frame) error
}

// Config holds TCP acceptor settings.
type Config struct {
	Port           int
	Bind           string
	BufferSize     int
	MaxConnections int
}

// DefaultConfig returns the standard ingress settings.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		Bind:           "0.0.0.0",
		BufferSize:     bufpool.SessionBufferSize,
		MaxConnections: 5000,
	}
}

// Deps holds runtime dependencies for the TCP input.
type Deps struct {
	Pipeline Enqueuer
	Pool     *bufpool.Pool
	Tracker  *stats.Tracker
	Metrics  *metric.Registry
	Logger   *slog.Logger

	// BindPolicy wraps listener binds; defaults to the connection
	// resilience policy.
	BindPolicy resilience.Policy
}

// Input accepts TCP connections and runs one reader loop per session.
type Input struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	// refusalLog throttles session-limit refusal logging under SYN floods
	refusalLog *rate.Limiter
	bindPolicy resilience.Policy

	mu       sync.Mutex
	listener net.Listener
	shutdown chan struct{}
	running  atomic.Bool
	wg       sync.WaitGroup

	errorCount atomic.Int64
}

// session is per-connection state; never shared across connections.
type session struct {
	id           string
	remote       string
	registeredAt time.Time
	deviceID     string // latched from the first received frame
}

// NewInput creates a TCP input component.
func NewInput(cfg Config, deps Deps) (*Input, error) {
	if deps.Pipeline == nil || deps.Pool == nil || deps.Tracker == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "TCPInput", "NewInput", "dependency validation")
	}
	// Port 0 is allowed for OS auto-assignment
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("invalid port %d", cfg.Port),
			"TCPInput", "NewInput", "port validation")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = bufpool.SessionBufferSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5000
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bindPolicy := deps.BindPolicy
	if bindPolicy.Name == "" {
		bindPolicy = resilience.ConnectionPolicy(nil)
	}

	return &Input{
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With("component", "tcp-input", "port", cfg.Port),
		refusalLog: rate.NewLimiter(rate.Every(time.Second), 5),
		bindPolicy: bindPolicy,
	}, nil
}

// Start binds the listener and launches the accept loop.
func (in *Input) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running.Load() {
		return nil
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
		KeepAlive: 30 * time.Second,
	}

	var listener net.Listener
	err := in.bindPolicy.Do(ctx, func(ctx context.Context) error {
		var bindErr error
		listener, bindErr = lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", in.cfg.Bind, in.cfg.Port))
		return bindErr
	})
	if err != nil {
		return errors.WrapTransient(err, "TCPInput", "Start", "listener bind")
	}

	in.listener = listener
	in.shutdown = make(chan struct{})
	in.running.Store(true)

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.acceptLoop(ctx)
	}()

	in.logger.Info("TCP acceptor listening",
		"bind", in.cfg.Bind,
		"max_connections", in.cfg.MaxConnections)
	return nil
}

// Stop stops accepting, signals every session reader, and waits for them
// to drain within the timeout. Pending read buffers are enqueued into the
// pipeline before readers exit.
func (in *Input) Stop(timeout time.Duration) error {
	in.mu.Lock()
	if !in.running.Load() {
		in.mu.Unlock()
		return nil
	}
	in.running.Store(false)
	close(in.shutdown)
	if in.listener != nil {
		_ = in.listener.Close()
	}
	in.mu.Unlock()

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("stop timeout after %v", timeout),
			"TCPInput", "Stop", "session drain")
	}
}

// Healthy reports listener liveness.
func (in *Input) Healthy() bool {
	return in.running.Load()
}

// Addr returns the bound listener address, or nil before Start.
func (in *Input) Addr() net.Addr {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.listener == nil {
		return nil
	}
	return in.listener.Addr()
}

// acceptLoop admits connections until shutdown, refusing accepts past the
// session limit.
func (in *Input) acceptLoop(ctx context.Context) {
	for {
		conn, err := in.listener.Accept()
		if err != nil {
			select {
			case <-in.shutdown:
				return
			case <-ctx.Done():
				return
			default:
			}
			in.errorCount.Add(1)
			if !errors.IsTransient(err) {
				in.logger.Error("Accept failed; acceptor exiting", "error", err)
				return
			}
			continue
		}

		if in.deps.Tracker.ActiveSessions() >= int64(in.cfg.MaxConnections) {
			// Hard refusal, no banner: the remote sees the connection closed
			_ = conn.Close()
			if in.refusalLog.Allow() {
				in.logger.Warn("Connection refused: session limit reached",
					"remote", conn.RemoteAddr().String(),
					"limit", in.cfg.MaxConnections)
			}
			continue
		}

		in.configureConn(conn)

		sess := &session{
			id:           uuid.NewString(),
			remote:       conn.RemoteAddr().String(),
			registeredAt: time.Now(),
		}
		in.deps.Tracker.SessionRegistered()
		if in.deps.Metrics != nil {
			in.deps.Metrics.Core().ActiveTCPSessions.Inc()
		}

		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			in.readLoop(ctx, conn, sess)
		}()
	}
}

// configureConn applies per-connection socket options.
func (in *Input) configureConn(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		in.logger.Debug("SetNoDelay failed", "error", err)
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		in.logger.Debug("SetKeepAlive failed", "error", err)
	}
}

// readLoop reads frames for one session until error, EOF, or shutdown.
func (in *Input) readLoop(ctx context.Context, conn net.Conn, sess *session) {
	defer func() {
		_ = conn.Close()
		in.deps.Tracker.SessionUnregistered()
		if in.deps.Metrics != nil {
			in.deps.Metrics.Core().ActiveTCPSessions.Dec()
		}
		in.logger.Debug("Session closed",
			"session_id", sess.id,
			"remote", sess.remote,
			"device_id", sess.deviceID,
			"duration", time.Since(sess.registeredAt))
	}()

	in.logger.Debug("Session opened", "session_id", sess.id, "remote", sess.remote)

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.shutdown:
			return
		default:
		}

		buf := in.deps.Pool.Get(in.cfg.BufferSize)

		_ = conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := conn.Read(buf)

		if n > 0 {
			if sess.deviceID == "" {
				sess.deviceID = inferDeviceID(buf[:n], sess.id)
			}

			in.deps.Tracker.MessageReceived()

			frame := pipeline.NewFrame(buf[:n], time.Now().UTC(), pipeline.SourceDescriptor{
				SessionID: sess.id,
				DeviceID:  sess.deviceID,
				Remote:    sess.remote,
				Transport: pipeline.TransportTCP,
			}, in.releaseFunc(buf))

			// Enqueue blocks under back-pressure; the frame's buffer is
			// released by the pipeline (or by Enqueue itself on failure)
			if err := in.deps.Pipeline.Enqueue(ctx, frame); err != nil {
				in.errorCount.Add(1)
				return
			}
		} else {
			in.deps.Pool.Put(buf)
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// EOF and hard errors both end the session
			return
		}
	}
}

// releaseFunc binds the full-capacity buffer for the pool return.
func (in *Input) releaseFunc(buf []byte) func() {
	return func() { in.deps.Pool.Put(buf) }
}

// inferDeviceID extracts the talker+type tag from a leading "$XXXXX,"
// pattern. Falls back to the session id when the frame does not open with
// a recognizable sentence.
func inferDeviceID(data []byte, fallback string) string {
	if len(data) >= 7 && data[0] == '$' && data[6] == ',' {
		tag := data[1:6]
		for _, b := range tag {
			if b < 'A' || b > 'Z' {
				return fallback
			}
		}
		return string(tag)
	}
	return fallback
}
